package pagealloc_test

import (
	"testing"

	"microhv/pagealloc"
)

func newPool(t *testing.T, pages int) *pagealloc.Pool {
	t.Helper()
	buf := make([]byte, pages*4096)
	p, err := pagealloc.Attach(buf)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return p
}

func TestAttachRejectsTooSmall(t *testing.T) {
	_, err := pagealloc.Attach(make([]byte, 2*4096))
	if err == nil {
		t.Fatal("expected error attaching a pool smaller than 3 pages")
	}
}

func TestAllocateZeroBytesGivesOnePage(t *testing.T) {
	p := newPool(t, 16)
	off, err := p.Allocate(0)
	if err != nil || off < 0 {
		t.Fatalf("Allocate(0) = %d, %v", off, err)
	}
	if p.AllocatedBytes() != 4096 {
		t.Fatalf("allocated bytes = %d, want 4096", p.AllocatedBytes())
	}
}

func TestAllocateRejectsOversizedRequest(t *testing.T) {
	p := newPool(t, 16)
	_, err := p.Allocate(65535 * 4096)
	if err == nil {
		t.Fatal("expected InvalidArgument for an allocation above 65534 pages")
	}
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	p := newPool(t, 16)

	off, err := p.Allocate(3 * 4096)
	if err != nil || off < 0 {
		t.Fatalf("Allocate: %d, %v", off, err)
	}
	if p.AllocatedBytes() != 3*4096 {
		t.Fatalf("allocated = %d, want %d", p.AllocatedBytes(), 3*4096)
	}

	p.Free(off)
	if p.AllocatedBytes() != 0 {
		t.Fatalf("allocated after free = %d, want 0", p.AllocatedBytes())
	}
	if p.FreeBytes() != 16*4096 {
		t.Fatalf("free after free = %d, want %d", p.FreeBytes(), 16*4096)
	}
}

func TestDoubleFreeIsNoOp(t *testing.T) {
	p := newPool(t, 16)
	off, _ := p.Allocate(4096)
	p.Free(off)
	p.Free(off) // must not panic or go negative
	if p.FreeBytes() != 16*4096 {
		t.Fatalf("free bytes = %d, want %d", p.FreeBytes(), 16*4096)
	}
}

func TestFreeOutOfRangeIsNoOp(t *testing.T) {
	p := newPool(t, 4)
	p.Free(1 << 20) // far past the pool
}

func TestAllocateExhaustion(t *testing.T) {
	p := newPool(t, 4)
	for i := 0; i < 4; i++ {
		if off, _ := p.Allocate(4096); off < 0 {
			t.Fatalf("unexpected exhaustion at iteration %d", i)
		}
	}
	off, err := p.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate at exhaustion returned error instead of -1: %v", err)
	}
	if off != -1 {
		t.Fatalf("expected -1 once the pool is exhausted, got %d", off)
	}
}

func TestAllocationIsPageAligned(t *testing.T) {
	p := newPool(t, 16)
	off, _ := p.Allocate(1)
	if off%4096 != 0 {
		t.Fatalf("allocation offset %d is not page-aligned", off)
	}
}

func TestInitialFillIsCC(t *testing.T) {
	p := newPool(t, 4)
	off, _ := p.Allocate(4096)
	b := p.Bytes(off)
	for i, v := range b {
		if v != 0xCC {
			t.Fatalf("byte %d = 0x%x, want 0xCC before first write", i, v)
		}
	}
}
