//go:build amd64 && linux

package ia32

import "golang.org/x/sys/unix"

// Ports gates real host port I/O behind unix.Ioperm, exactly as spec.md
// §4.7 calls for: "a hand-written assembly thunk... guarded by ioperm."
// PassthroughHandler uses a Ports to forward a guest OUT/IN on a
// pass-through port directly to the host CPU's port space.
type Ports struct {
	granted bool
}

// Grant requests I/O privilege for the [from, from+count) port range via
// the ioperm(2) syscall. Ports below 0x400 require CAP_SYS_RAWIO; callers
// typically grant once at VM startup for the handful of ports the
// passthrough handler forwards (PIC/PIT/CMOS/COM1, the VMware backdoor
// pair 0x5658/0x5659).
func (p *Ports) Grant(from, count uintptr) error {
	if err := unix.Ioperm(int(from), int(count), true); err != nil {
		return err
	}
	p.granted = true
	return nil
}

func (p *Ports) Release(from, count uintptr) error {
	if !p.granted {
		return nil
	}
	return unix.Ioperm(int(from), int(count), false)
}

// InB/InW/InL/OutB/OutW/OutL are implemented in ioport_amd64.s: bare IN/OUT
// opcodes, the hand-written assembly thunk the spec calls for, since Go
// has no portable in/out intrinsic.
func InB(port uint16) uint8
func InW(port uint16) uint16
func InL(port uint16) uint32
func OutB(port uint16, v uint8)
func OutW(port uint16, v uint16)
func OutL(port uint16, v uint32)
