package ept_test

import (
	"testing"

	"microhv/ept"
	"microhv/platform"
)

type fakeProvider struct {
	ranges []platform.Range
}

func (f fakeProvider) MemoryRanges() ([]platform.Range, error) { return f.ranges, nil }
func (f fakeProvider) MTRRState() (platform.MTRRState, error) {
	return platform.MTRRState{Default: platform.WB}, nil
}
func (f fakeProvider) CPUCount() int { return 1 }

func newTable(t *testing.T, ranges []platform.Range) *ept.Table {
	t.Helper()
	info, err := platform.New(fakeProvider{ranges: ranges})
	if err != nil {
		t.Fatalf("platform.New: %v", err)
	}
	return ept.Initialize(info)
}

func TestMapInstallsPresentLeaf(t *testing.T) {
	tbl := newTable(t, nil)
	tbl.Map4KB(0x1000, 0x1000, ept.AccessRWX)

	e, level := tbl.Lookup(0x1000)
	if e == nil || !e.Present() {
		t.Fatal("expected present leaf after Map4KB")
	}
	if level != ept.Level4KB {
		t.Fatalf("level = %v, want Level4KB", level)
	}
	if e.PFN != 1 {
		t.Fatalf("PFN = %d, want 1", e.PFN)
	}
}

func TestIdentityMapCoalescesTo2MB(t *testing.T) {
	tbl := newTable(t, []platform.Range{{Begin: 0, End: 1 << 21, Type: platform.WB}})
	tbl.IdentityMap()

	e, level := tbl.Lookup(0)
	if e == nil || !e.Present() {
		t.Fatal("expected a present leaf covering address 0")
	}
	if level != ept.Level2MB {
		t.Fatalf("level = %v, want Level2MB after coalescing a full 2 MiB run", level)
	}
}

func TestIdentityMapLeavesPartialRunAt4KB(t *testing.T) {
	tbl := newTable(t, []platform.Range{{Begin: 0, End: 3 * 4096, Type: platform.WB}})
	tbl.IdentityMap()

	e, level := tbl.Lookup(0)
	if e == nil || !e.Present() {
		t.Fatal("expected a present leaf")
	}
	if level != ept.Level4KB {
		t.Fatalf("level = %v, want Level4KB for a non-full run", level)
	}
}

func TestSplit2MBTo4KBThenJoinRoundTrips(t *testing.T) {
	tbl := newTable(t, nil)
	tbl.Map2MB(0, 0, ept.AccessRWX)

	if code := tbl.Split2MBTo4KB(0); code != 0 {
		t.Fatalf("Split2MBTo4KB = %v, want Success", code)
	}
	e, level := tbl.Lookup(0)
	if e == nil || level != ept.Level4KB {
		t.Fatalf("after split, level = %v, want Level4KB", level)
	}
	e2, _ := tbl.Lookup(4096)
	if e2 == nil || e2.PFN != 1 {
		t.Fatalf("split child at offset 4096 has PFN %d, want 1", e2.PFN)
	}

	if code := tbl.Join4KBTo2MB(0); code != 0 {
		t.Fatalf("Join4KBTo2MB = %v, want Success", code)
	}
	e3, level3 := tbl.Lookup(0)
	if e3 == nil || level3 != ept.Level2MB {
		t.Fatalf("after join, level = %v, want Level2MB", level3)
	}
}

func TestJoinRejectsNonAgreeingChildren(t *testing.T) {
	tbl := newTable(t, nil)
	tbl.Map2MB(0, 0, ept.AccessRWX)
	tbl.Split2MBTo4KB(0)
	tbl.MapAccess(0, 0, ept.Level4KB, ept.Access{Read: true})

	if code := tbl.Join4KBTo2MB(0); code == 0 {
		t.Fatal("expected Join4KBTo2MB to reject disagreeing children")
	}
}

func TestWalkEnumeratesLeaves(t *testing.T) {
	tbl := newTable(t, []platform.Range{{Begin: 0, End: 2 * 4096, Type: platform.WB}})
	tbl.IdentityMap()

	leaves := tbl.Walk()
	if len(leaves) != 2 {
		t.Fatalf("Walk returned %d leaves, want 2", len(leaves))
	}
}
