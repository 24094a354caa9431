// Package exithandler implements the ExitHandler virtualization contract
// of spec.md §4.6: a table of 65 entries, one per VMX exit-reason
// number, every entry defaulting to a fallback, with composition so
// statistics/debug-break style handlers can layer on top of
// microhv/passthrough without modifying it.
package exithandler

import (
	"microhv/ept"
	"microhv/ia32"
	"microhv/shadowpage"
)

// NumReasons is the size of the exit-reason table spec.md §4.6 specifies
// (reasons 0..64 inclusive).
const NumReasons = 65

// GPRegister names the sixteen general-purpose registers a handler can
// read or write via Context.GPR.
type GPRegister int

const (
	RAX GPRegister = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	numGPRegisters
)

// Control is the subset of VCpu a handler may invoke as a side effect:
// terminating the vCPU or triggering the host-side debugger breakpoint.
// Kept as an interface (rather than importing microhv/vcpu) to avoid an
// import cycle, since vcpu.VCpu owns a Table and dispatches through it.
type Control interface {
	Terminate()
	Breakpoint()
	CPL() uint8
	LongMode() bool
}

// Context is VCpu's ExitContext (spec.md §3): the register snapshot a
// handler observes and mutates, reborn on every exit. It also carries
// the collaborators a passthrough-style handler needs to emulate an
// instruction faithfully: the VMX field accessor, this vCPU's EPT, and
// its shadow-page list.
type Context struct {
	gpr [numGPRegisters]uint64

	RIP    uint64
	RSP    uint64
	RFlags uint64

	ExitReason        int
	ExitQualification uint64
	InstructionLength uint32
	InstructionInfo   uint32

	SuppressRipAdjust bool

	VMX    *ia32.VMX
	EPT    *ept.Table
	Shadow *shadowpage.List
	Ports  *ia32.Ports
	VCpu   Control

	// CR2 is written by handle_exception_or_nmi on a #PF so the guest
	// can read back the faulting linear address.
	CR2 uint64

	pendingInjection    uint32
	pendingErrorCode    uint32
	pendingHasErrorCode bool
}

func (c *Context) GPR(r GPRegister) uint64       { return c.gpr[r] }
func (c *Context) SetGPR(r GPRegister, v uint64) { c.gpr[r] = v }

// SetPendingInjection records the entry-interruption-info (and optional
// error code) VCpu.onHostEntry must write into the guest VMCS's
// VM-entry interruption-information field before the next VMRESUME, the
// reinjection mechanism handle_exception_or_nmi and InjectUD both use.
func (c *Context) SetPendingInjection(info uint32, errorCode uint32, hasErrorCode bool) {
	c.pendingInjection = info
	c.pendingErrorCode = errorCode
	c.pendingHasErrorCode = hasErrorCode
}

// PendingInjection reports whatever SetPendingInjection last recorded,
// and whether anything is pending at all.
func (c *Context) PendingInjection() (info uint32, errorCode uint32, hasErrorCode bool, pending bool) {
	return c.pendingInjection, c.pendingErrorCode, c.pendingHasErrorCode, c.pendingInjection != 0
}

// ClearPendingInjection is called once VCpu has consumed the pending
// injection for this exit.
func (c *Context) ClearPendingInjection() {
	c.pendingInjection = 0
	c.pendingErrorCode = 0
	c.pendingHasErrorCode = false
}

// HandlerFunc handles one VM exit, mutating ctx in place.
type HandlerFunc func(ctx *Context)

// handleFallback is the base-class default: an empty handler, used for
// exit reasons the core does not need to emulate at all.
func handleFallback(ctx *Context) {}

// handleVMFallback injects #UD, expressing "this instruction is not
// allowed from the guest" — the default for every VMX instruction
// reason, since this core supports no nested virtualization.
func handleVMFallback(ctx *Context) {
	InjectUD(ctx)
}

// InjectUD sets up a #UD (vector 6, hardware exception, no error code)
// via the entry-interruption-info field, the same reinjection path
// handle_exception_or_nmi uses, and suppresses the RIP adjustment since
// the injected vector owns RIP control on next entry.
func InjectUD(ctx *Context) {
	ctx.SuppressRipAdjust = true
	// Entry-interruption-info encoding (SDM Vol. 3, §24.8.3): vector in
	// bits 0-7, type=3 (hardware exception) in bits 8-10, valid bit 31.
	const vectorUD = 6
	const typeHardwareException = 3 << 8
	const valid = 1 << 31
	ctx.SetPendingInjection(vectorUD|typeHardwareException|valid, 0, false)
}

// Table is the 65-entry exit-reason dispatch table. Build one with
// NewDefaultTable; the zero value has no handler installed for any
// reason.
type Table struct {
	handlers [NumReasons]HandlerFunc
}

// NewDefaultTable builds the table shape spec.md §4.6 describes:
// every reason defaults to the empty fallback, except the 12 VMX
// instruction exit reasons (19-27, 50, 53, 59), which default to the
// inject-#UD fallback (no nested virtualization).
func NewDefaultTable() *Table {
	t := &Table{}
	for i := range t.handlers {
		t.handlers[i] = handleFallback
	}
	for _, reason := range vmxInstructionReasons {
		t.handlers[reason] = handleVMFallback
	}
	return t
}

// vmxInstructionReasons are the VMX exit reasons spec.md §4.7 lists under
// handle_execute_{vmclear,vmlaunch,vmptrld,vmptrst,vmread,vmresume,
// vmwrite,vmxoff,vmxon,invept,invvpid,vmfunc}, each defaulting to #UD.
// VMCALL (reason 18) is excluded: it always reaches PassthroughHandler's
// dedicated handle_execute_vmcall, never the #UD fallback.
var vmxInstructionReasons = []int{
	ReasonVMClear, ReasonVMLaunch, ReasonVMPtrLd, ReasonVMPtrSt,
	ReasonVMRead, ReasonVMResume, ReasonVMWrite, ReasonVMXOff,
	ReasonVMXOn, ReasonInvEPT, ReasonInvVPID, ReasonVMFunc,
}

// Set installs fn as the handler for reason, overriding the default. Out
// of range is a programmer error and panics, matching the teacher's
// convention of failing fast on caller bugs rather than silently
// ignoring them.
func (t *Table) Set(reason int, fn HandlerFunc) {
	t.handlers[reason] = fn
}

// Handle dispatches reason to its installed handler. Unknown reasons
// (outside 0..64, which should not happen given KVM's own exit-reason
// space) fall through to the empty handler.
func (t *Table) Handle(reason int, ctx *Context) {
	if reason < 0 || reason >= NumReasons {
		return
	}
	t.handlers[reason](ctx)
}

// CompositeHandler dispatches each exit to every child Table in order,
// the mechanism spec.md §4.6 uses to layer statistics and debug-break
// handlers on top of PassthroughHandler without modifying it. It has no
// setup or teardown step of its own; Handle is its only operation.
type CompositeHandler struct {
	Children []*Table
}

func (c *CompositeHandler) Handle(reason int, ctx *Context) {
	for _, child := range c.Children {
		child.Handle(reason, ctx)
	}
}
