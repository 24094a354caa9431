package hypervisor_test

import (
	"os"
	"testing"

	"microhv/hostbridge"
	"microhv/hypervisor"
	"microhv/ia32"
	"microhv/platform"
)

// requireKVM skips the test when this host has no /dev/kvm, the same
// guard gokvm's own test suite uses since KVM access requires either
// bare metal or nested virtualization enabled in the test environment.
func requireKVM(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}
}

type fakeProvider struct{}

func (fakeProvider) MemoryRanges() ([]platform.Range, error) {
	return []platform.Range{{Begin: 0, End: 1 << 20, Type: platform.WB}}, nil
}
func (fakeProvider) MTRRState() (platform.MTRRState, error) {
	return platform.MTRRState{Default: platform.WB}, nil
}
func (fakeProvider) CPUCount() int { return 1 }

func TestInitializeCheckStartStopDestroy(t *testing.T) {
	requireKVM(t)

	info, err := platform.New(fakeProvider{})
	if err != nil {
		t.Fatalf("platform.New: %v", err)
	}

	bridge := hostbridge.New(nil, nil, false)
	cfg := hypervisor.Config{
		NumVCPUs: 1,
		VPID:     1,
		CR0Mask:  ia32.FixedMask{Fixed1: 0, Fixed0: ^uint64(0)},
		CR4Mask:  ia32.FixedMask{Fixed1: 0, Fixed0: ^uint64(0)},
	}

	hv, err := hypervisor.Initialize(cfg, info, bridge)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer hv.Destroy()

	ok, err := hv.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Fatal("Check reported a failing capability on a host that opened /dev/kvm successfully")
	}

	if err := hv.Stop(); err != nil {
		t.Fatalf("Stop (no vCPU launched yet): %v", err)
	}

	if err := hv.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	// Destroy must be idempotent.
	if err := hv.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
}
