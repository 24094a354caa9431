package hypervisor

import (
	"testing"

	"microhv/vcpu"
)

func TestCPUIndicesOneEntryPerVCpuSlot(t *testing.T) {
	h := &Hypervisor{vcpus: make([]*vcpu.VCpu, 3)}
	got := h.cpuIndices()
	if len(got) != 3 {
		t.Fatalf("len(cpuIndices()) = %d, want 3", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("cpuIndices()[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestCPUIndicesEmptyForNoVCpus(t *testing.T) {
	h := &Hypervisor{}
	if got := h.cpuIndices(); len(got) != 0 {
		t.Fatalf("len(cpuIndices()) = %d, want 0", len(got))
	}
}
