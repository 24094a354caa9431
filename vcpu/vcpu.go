// Package vcpu implements spec.md §4.5's VCpu: one instance per logical
// CPU, launching/resuming the guest and dispatching VM-exits through an
// exithandler.Table. Under the KVM reinterpretation (see SPEC_FULL.md),
// "launch" and "resume" are both KVM_RUN, the VMCS pair is KVM's
// kvm_sregs/kvm_regs, and the ASM trampoline's register-save/restore
// step is KVM_GET_REGS/KVM_SET_REGS around each KVM_RUN call.
package vcpu

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"microhv/ept"
	"microhv/exithandler"
	"microhv/ia32"
	"microhv/kvmsys"
	"microhv/shadowpage"
)

// State mirrors spec.md's VCpu state machine.
type State int

const (
	Off State = iota
	Initializing
	Launching
	Running
	Terminating
	Terminated
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case Initializing:
		return "initializing"
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// VCpu is one logical CPU: a KVM vCPU file descriptor, its mmap'd
// kvm_run page, the EPT and shadow-page state it exclusively owns, and
// the exit-handler table currently wired in.
type VCpu struct {
	mu sync.Mutex

	id    int
	vmFD  int
	fd    int
	mmap  []byte
	run   *kvmsys.RunData

	state   State
	handler *exithandler.Table
	vmx     *ia32.VMX
	ept     *ept.Table
	shadow  *shadowpage.List
	ports   *ia32.Ports

	terminateRequested bool
}

// New creates the VCPU file descriptor via KVM_CREATE_VCPU and mmaps its
// kvm_run page, spec.md's "created just before VMXON on its pCPU" step
// translated onto KVM's per-VM vCPU creation.
func New(vmFD, kvmFD, id int, table *ept.Table, shadow *shadowpage.List, ports *ia32.Ports) (*VCpu, error) {
	fd, err := kvmsys.CreateVCPU(vmFD)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: KVM_CREATE_VCPU: %w", id, err)
	}

	mmapSize, err := kvmsys.GetVCPUMMapSize(kvmFD)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu %d: KVM_GET_VCPU_MMAP_SIZE: %w", id, err)
	}

	mem, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu %d: mmap kvm_run: %w", id, err)
	}

	// The host's real CPUID leaves, filtered to what KVM supports
	// emulating/virtualizing, must be handed back to this vCPU before
	// its first KVM_RUN or the guest sees a default/empty leaf set
	// (same KVM_GET_SUPPORTED_CPUID -> KVM_SET_CPUID2 pairing gokvm's
	// Machine.New performs per vCPU).
	cpuid, err := kvmsys.GetSupportedCPUID(kvmFD)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu %d: KVM_GET_SUPPORTED_CPUID: %w", id, err)
	}
	if err := kvmsys.SetCPUID2(fd, cpuid); err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu %d: KVM_SET_CPUID2: %w", id, err)
	}

	v := &VCpu{
		id:      id,
		vmFD:    vmFD,
		fd:      fd,
		mmap:    mem,
		run:     kvmsys.MapRunData(mem),
		state:   Off,
		handler: exithandler.NewDefaultTable(),
		vmx:     ia32.New(vmFD, fd),
		ept:     table,
		shadow:  shadow,
		ports:   ports,
	}
	v.state = Initializing
	return v, nil
}

func (v *VCpu) ID() int        { return v.id }
func (v *VCpu) State() State   { v.mu.Lock(); defer v.mu.Unlock(); return v.state }
func (v *VCpu) FD() int        { return v.fd }
func (v *VCpu) EPT() *ept.Table { return v.ept }

// SetExitHandler replaces the handler borrow, per spec.md's
// set_exit_handler(h).
func (v *VCpu) SetExitHandler(t *exithandler.Table) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handler = t
}

// Terminate implements exithandler.Control: it is how
// handle_execute_vmcall's terminate-ID branch asks this vCPU to unwind.
// The actual state transition and VMXOFF-equivalent teardown happen on
// the next onHostEntry pass, since terminate() must run from inside the
// exit-handling path (it needs to adjust RIP and restore guest
// GDTR/IDTR/CR3 first, per spec.md §4.5).
func (v *VCpu) Terminate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.terminateRequested = true
}

// Breakpoint implements exithandler.Control: spec.md's "invoke the
// debugger breakpoint" is out of scope (spec.md §1 excludes debugger
// primitives), so this is the documented no-op stand-in a concrete
// deployment would replace with its own break-into-debugger call.
func (v *VCpu) Breakpoint() {}

func (v *VCpu) CPL() uint8 {
	sregs, err := kvmsys.GetSregs(v.fd)
	if err != nil {
		return 0
	}
	return uint8(sregs.CS.Selector & 0x3)
}

func (v *VCpu) LongMode() bool {
	sregs, err := kvmsys.GetSregs(v.fd)
	if err != nil {
		return false
	}
	return sregs.EFER&(1<<10) != 0 // EFER.LMA
}

// Launch runs the vCPU until it terminates or KVM_RUN returns an error,
// mirroring spec.md's launch()/on_host_entry() loop: each pass is one
// VMLAUNCH-or-VMRESUME (indistinguishable under KVM_RUN), followed by
// exit-reason dispatch through the active handler.
func (v *VCpu) Launch() error {
	v.mu.Lock()
	v.state = Launching
	v.mu.Unlock()

	for {
		if err := v.vmx.VMLaunch(); err != nil {
			v.mu.Lock()
			v.state = Terminated
			v.mu.Unlock()
			return fmt.Errorf("vcpu %d: KVM_RUN: %w", v.id, err)
		}

		v.mu.Lock()
		if v.state == Launching {
			v.state = Running
		}
		v.mu.Unlock()

		done, err := v.onHostEntry()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// onHostEntry is spec.md's on_host_entry(): builds an ExitContext from
// the just-completed exit, dispatches it through the handler table, and
// reports whether the vCPU has terminated.
func (v *VCpu) onHostEntry() (bool, error) {
	regs, err := kvmsys.GetRegs(v.fd)
	if err != nil {
		return false, fmt.Errorf("vcpu %d: KVM_GET_REGS: %w", v.id, err)
	}

	// Captured before the handler runs so a terminating exit can restore
	// exactly the GDTR/IDTR/CR3 the guest had when it issued the
	// terminate VMCALL, per spec.md's terminate() unwind requirement.
	sregs, err := kvmsys.GetSregs(v.fd)
	if err != nil {
		return false, fmt.Errorf("vcpu %d: KVM_GET_SREGS: %w", v.id, err)
	}

	ctx := &exithandler.Context{
		RIP:    regs.RIP,
		RSP:    regs.RSP,
		RFlags: regs.RFLAGS,
		VMX:    v.vmx,
		EPT:    v.ept,
		Shadow: v.shadow,
		Ports:  v.ports,
		VCpu:   v,
	}
	ctx.SetGPR(exithandler.RAX, regs.RAX)
	ctx.SetGPR(exithandler.RBX, regs.RBX)
	ctx.SetGPR(exithandler.RCX, regs.RCX)
	ctx.SetGPR(exithandler.RDX, regs.RDX)
	ctx.SetGPR(exithandler.RSI, regs.RSI)
	ctx.SetGPR(exithandler.RDI, regs.RDI)
	ctx.SetGPR(exithandler.RBP, regs.RBP)
	ctx.SetGPR(exithandler.R8, regs.R8)
	ctx.SetGPR(exithandler.R9, regs.R9)
	ctx.SetGPR(exithandler.R10, regs.R10)
	ctx.SetGPR(exithandler.R11, regs.R11)
	ctx.SetGPR(exithandler.R12, regs.R12)
	ctx.SetGPR(exithandler.R13, regs.R13)
	ctx.SetGPR(exithandler.R14, regs.R14)
	ctx.SetGPR(exithandler.R15, regs.R15)

	reason, done := v.translateExitReason()
	ctx.ExitReason = reason
	if reason == exithandler.ReasonIOInstruction {
		ctx.ExitQualification = v.packIOQualification()
	}

	v.mu.Lock()
	handler := v.handler
	v.mu.Unlock()
	handler.Handle(reason, ctx)

	v.mu.Lock()
	terminate := v.terminateRequested
	if terminate {
		v.state = Terminating
	}
	v.mu.Unlock()

	if !ctx.SuppressRipAdjust {
		ctx.RIP += uint64(ctx.InstructionLength)
	}

	newRegs := kvmsys.Regs{
		RAX: ctx.GPR(exithandler.RAX), RBX: ctx.GPR(exithandler.RBX),
		RCX: ctx.GPR(exithandler.RCX), RDX: ctx.GPR(exithandler.RDX),
		RSI: ctx.GPR(exithandler.RSI), RDI: ctx.GPR(exithandler.RDI),
		RSP: ctx.RSP, RBP: ctx.GPR(exithandler.RBP),
		R8: ctx.GPR(exithandler.R8), R9: ctx.GPR(exithandler.R9),
		R10: ctx.GPR(exithandler.R10), R11: ctx.GPR(exithandler.R11),
		R12: ctx.GPR(exithandler.R12), R13: ctx.GPR(exithandler.R13),
		R14: ctx.GPR(exithandler.R14), R15: ctx.GPR(exithandler.R15),
		RIP: ctx.RIP, RFLAGS: ctx.RFlags,
	}
	if err := kvmsys.SetRegs(v.fd, newRegs); err != nil {
		return false, fmt.Errorf("vcpu %d: KVM_SET_REGS: %w", v.id, err)
	}

	if terminate {
		// Unwind back into the process that invoked the VMCALL, not
		// whatever GDTR/IDTR/CR3 teardown work in between might have
		// left loaded: restore the snapshot captured at entry.
		if err := kvmsys.SetSregs(v.fd, sregs); err != nil {
			return false, fmt.Errorf("vcpu %d: KVM_SET_SREGS (guest unwind): %w", v.id, err)
		}
		v.mu.Lock()
		v.state = Terminated
		v.mu.Unlock()
		return true, nil
	}
	return done, nil
}

// translateExitReason maps KVM's own kvm_run.exit_reason numbering onto
// the Intel VMX exit-reason space spec.md §4.6's table is indexed by,
// and reports whether this exit already represents unconditional
// termination. KVM_EXIT_SHUTDOWN corresponds to a triple fault and is
// translated to the triple-fault reason without being a hard stop;
// KVM_EXIT_FAIL_ENTRY and KVM_EXIT_INTERNAL_ERROR are translated to the
// same reason and reported as hard stops.
func (v *VCpu) translateExitReason() (reason int, hardStop bool) {
	switch v.run.ExitReason {
	case kvmsys.ExitIO:
		return exithandler.ReasonIOInstruction, false
	case kvmsys.ExitHypercall:
		return exithandler.ReasonVMCall, false
	case kvmsys.ExitHLT:
		return exithandler.ReasonHLT, false
	case kvmsys.ExitMMIO:
		return exithandler.ReasonEPTViolation, false
	case kvmsys.ExitShutdown:
		return exithandler.ReasonTripleFault, false
	case kvmsys.ExitX86RDMSR:
		return exithandler.ReasonRDMSR, false
	case kvmsys.ExitX86WRMSR:
		return exithandler.ReasonWRMSR, false
	case kvmsys.ExitFailEntry, kvmsys.ExitInternalError:
		return exithandler.ReasonTripleFault, true
	default:
		return exithandler.ReasonExceptionOrNMI, false
	}
}

// packIOQualification decodes KVM_EXIT_IO's union (kvmsys.RunData.IO)
// and repacks it into the bit layout microhv/passthrough's
// handleIOInstruction expects: size in bits 8-15, direction in bits
// 0-7 (0 = OUT, 1 = IN, matching the VMX I/O-instruction-qualification
// convention spec.md's core is written against), port in bits 16-31,
// string-form in bit 32, REP-prefixed in bit 33. KVM's own direction
// encoding is the opposite (0 = IN, 1 = OUT per KVM_EXIT_IO_IN/OUT), so
// it is flipped here; KVM does not report string/REP directly, both are
// inferred from the repeat count it does report (count > 1 implies a
// REP-prefixed string form, since microhv never emits is-string without
// REP on the pass-through path it drives).
func (v *VCpu) packIOQualification() uint64 {
	kvmDirection, size, port, count, _ := v.run.IO()
	direction := uint64(1) - kvmDirection
	isString := count > 1
	isRep := count > 1

	q := direction
	q |= size << 8
	q |= port << 16
	if isString {
		q |= 1 << 32
	}
	if isRep {
		q |= 1 << 33
	}
	return q
}

// Close releases the kvm_run mmap and the vCPU file descriptor.
func (v *VCpu) Close() error {
	if v.mmap != nil {
		unix.Munmap(v.mmap)
		v.mmap = nil
	}
	return unix.Close(v.fd)
}
