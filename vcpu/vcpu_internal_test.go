package vcpu

import (
	"testing"

	"microhv/exithandler"
	"microhv/kvmsys"
)

func newTestVCpu(exitReason uint32) *VCpu {
	run := &kvmsys.RunData{ExitReason: exitReason}
	return &VCpu{run: run}
}

func TestTranslateExitReasonIO(t *testing.T) {
	v := newTestVCpu(kvmsys.ExitIO)
	reason, hardStop := v.translateExitReason()
	if reason != exithandler.ReasonIOInstruction || hardStop {
		t.Fatalf("got (%d, %v), want (ReasonIOInstruction, false)", reason, hardStop)
	}
}

func TestTranslateExitReasonHypercallMapsToVMCall(t *testing.T) {
	v := newTestVCpu(kvmsys.ExitHypercall)
	reason, _ := v.translateExitReason()
	if reason != exithandler.ReasonVMCall {
		t.Fatalf("got %d, want ReasonVMCall", reason)
	}
}

func TestTranslateExitReasonShutdownIsTripleFault(t *testing.T) {
	v := newTestVCpu(kvmsys.ExitShutdown)
	reason, hardStop := v.translateExitReason()
	if reason != exithandler.ReasonTripleFault || hardStop {
		t.Fatalf("got (%d, %v), want (ReasonTripleFault, false)", reason, hardStop)
	}
}

func TestTranslateExitReasonFailEntryIsHardStop(t *testing.T) {
	v := newTestVCpu(kvmsys.ExitFailEntry)
	reason, hardStop := v.translateExitReason()
	if reason != exithandler.ReasonTripleFault || !hardStop {
		t.Fatalf("got (%d, %v), want (ReasonTripleFault, true)", reason, hardStop)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Off: "off", Initializing: "initializing", Launching: "launching",
		Running: "running", Terminating: "terminating", Terminated: "terminated",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
