package passthrough_test

import (
	"testing"

	"microhv/exithandler"
	"microhv/ia32"
	"microhv/passthrough"
)

type fakeControl struct {
	cpl        uint8
	terminated bool
	broke      bool
}

func (f *fakeControl) Terminate()     { f.terminated = true }
func (f *fakeControl) Breakpoint()     { f.broke = true }
func (f *fakeControl) CPL() uint8     { return f.cpl }
func (f *fakeControl) LongMode() bool { return false }

func newContext(vcpu exithandler.Control) *exithandler.Context {
	return &exithandler.Context{VMX: ia32.New(-1, -1), VCpu: vcpu}
}

func TestHandleVMCallTerminateRequiresCPL0(t *testing.T) {
	h := passthrough.NewHandler(1, ia32.FixedMask{}, ia32.FixedMask{})
	tbl := exithandler.NewDefaultTable()
	h.Install(tbl)

	fc := &fakeControl{cpl: 3}
	ctx := newContext(fc)
	ctx.SetGPR(exithandler.RCX, passthrough.TerminateID)
	tbl.Handle(exithandler.ReasonVMCall, ctx)

	if fc.terminated {
		t.Fatal("terminate must not be honored from CPL 3")
	}
	if _, _, _, pending := ctx.PendingInjection(); !pending {
		t.Fatal("expected #UD reflection for a CPL-3 terminate attempt")
	}
}

func TestHandleVMCallTerminateAtCPL0(t *testing.T) {
	h := passthrough.NewHandler(1, ia32.FixedMask{}, ia32.FixedMask{})
	tbl := exithandler.NewDefaultTable()
	h.Install(tbl)

	fc := &fakeControl{cpl: 0}
	ctx := newContext(fc)
	ctx.SetGPR(exithandler.RCX, passthrough.TerminateID)
	tbl.Handle(exithandler.ReasonVMCall, ctx)

	if !fc.terminated {
		t.Fatal("expected Terminate to be called at CPL 0")
	}
}

func TestHandleVMCallBreakpointAnyCPL(t *testing.T) {
	h := passthrough.NewHandler(1, ia32.FixedMask{}, ia32.FixedMask{})
	tbl := exithandler.NewDefaultTable()
	h.Install(tbl)

	fc := &fakeControl{cpl: 3}
	ctx := newContext(fc)
	ctx.SetGPR(exithandler.RCX, passthrough.BreakpointID)
	tbl.Handle(exithandler.ReasonVMCall, ctx)

	if !fc.broke {
		t.Fatal("expected Breakpoint to be reachable from any CPL")
	}
}

func TestHandleVMCallUnknownSelectorInjectsUD(t *testing.T) {
	h := passthrough.NewHandler(1, ia32.FixedMask{}, ia32.FixedMask{})
	tbl := exithandler.NewDefaultTable()
	h.Install(tbl)

	ctx := newContext(&fakeControl{cpl: 0})
	ctx.SetGPR(exithandler.RCX, 0x1234)
	tbl.Handle(exithandler.ReasonVMCall, ctx)

	info, _, _, pending := ctx.PendingInjection()
	if !pending || info&0xFF != 6 {
		t.Fatalf("expected #UD for an unknown VMCALL selector, got info=%#x pending=%v", info, pending)
	}
}

func TestDecodeMovCRQualification(t *testing.T) {
	// CR3, mov-to, GPR = RDX (2).
	q := passthrough.DecodeMovCRQualification(3 | (0 << 4) | (2 << 8))
	if q.CRNumber != passthrough.CR3 || q.AccessType != passthrough.MovToCR {
		t.Fatalf("decoded %+v", q)
	}
	if q.GPRegister != exithandler.RDX {
		t.Fatalf("GPRegister = %v, want RDX", q.GPRegister)
	}
}

func TestHandleMovCRClearsCR3NoFlushBitWhenPCIDEnabled(t *testing.T) {
	h := passthrough.NewHandler(1, ia32.FixedMask{}, ia32.FixedMask{})
	h.PCIDEnabled = true
	tbl := exithandler.NewDefaultTable()
	h.Install(tbl)

	ctx := newContext(&fakeControl{})
	// mov to CR3 from RAX.
	ctx.ExitQualification = uint64(passthrough.CR3) | uint64(passthrough.MovToCR)<<4
	ctx.SetGPR(exithandler.RAX, 0x8000000000001000)
	tbl.Handle(exithandler.ReasonMovCR, ctx)

	// Read back via mov-from-CR3 into RBX.
	ctx.ExitQualification = uint64(passthrough.CR3) | uint64(passthrough.MovFromCR)<<4 | uint64(exithandler.RBX)<<8
	tbl.Handle(exithandler.ReasonMovCR, ctx)

	if ctx.GPR(exithandler.RBX)&(1<<63) != 0 {
		t.Fatal("expected the no-flush bit to be cleared before CR3 is stored")
	}
}

func TestDecodeINVPCIDQualification(t *testing.T) {
	q := passthrough.DecodeINVPCIDQualification(2 | (5 << 8))
	if q.Type != 2 || q.PCID != 5 {
		t.Fatalf("decoded %+v", q)
	}
}

func TestHandleInvPCIDRejectsNonzeroPCIDWhenDisabled(t *testing.T) {
	h := passthrough.NewHandler(1, ia32.FixedMask{}, ia32.FixedMask{})
	tbl := exithandler.NewDefaultTable()
	h.Install(tbl)

	ctx := newContext(&fakeControl{})
	h.PCIDEnabled = false
	ctx.ExitQualification = 0 | (1 << 8) // type 0, PCID 1, PCID disabled
	tbl.Handle(exithandler.ReasonInvPCID, ctx)

	if _, _, _, pending := ctx.PendingInjection(); !pending {
		t.Fatal("expected #GP when PCID is disabled but a nonzero PCID is given for type 0")
	}
}

func TestHandleInvPCIDAllowsPCIDZero(t *testing.T) {
	h := passthrough.NewHandler(1, ia32.FixedMask{}, ia32.FixedMask{})
	tbl := exithandler.NewDefaultTable()
	h.Install(tbl)

	ctx := newContext(&fakeControl{})
	ctx.ExitQualification = 0 // type 0, PCID 0
	tbl.Handle(exithandler.ReasonInvPCID, ctx)

	if _, _, _, pending := ctx.PendingInjection(); pending {
		t.Fatal("did not expect #GP for PCID 0 with PCID disabled")
	}
}
