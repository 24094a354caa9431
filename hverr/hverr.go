// Package hverr defines the error taxonomy shared by every microhv
// component, mirroring the error_t/error_code split used throughout hvpp.
package hverr

import "fmt"

// Code is the closed set of error kinds a microhv component can report.
type Code int

const (
	// Success indicates no error; zero value so a bare Code is "ok".
	Success Code = iota
	NotEnoughMemory
	InvalidArgument
	NotSupported
	FeatureUnavailable
	VmxInstructionError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case NotEnoughMemory:
		return "not enough memory"
	case InvalidArgument:
		return "invalid argument"
	case NotSupported:
		return "not supported"
	case FeatureUnavailable:
		return "feature unavailable"
	case VmxInstructionError:
		return "vmx instruction error"
	default:
		return fmt.Sprintf("unknown error code %d", int(c))
	}
}

// Error wraps a Code with a human-readable detail, the way the teacher
// wraps syscall errnos with fmt.Errorf("...: %v", err).
type Error struct {
	Code   Code
	Detail string
}

func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is lets errors.Is match on the Code alone, so callers can write
// errors.Is(err, hverr.New(hverr.InvalidArgument, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
