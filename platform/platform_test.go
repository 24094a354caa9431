package platform_test

import (
	"testing"

	"microhv/platform"
)

type fakeProvider struct {
	ranges []platform.Range
	mtrr   platform.MTRRState
	cpus   int
}

func (f fakeProvider) MemoryRanges() ([]platform.Range, error) { return f.ranges, nil }
func (f fakeProvider) MTRRState() (platform.MTRRState, error)  { return f.mtrr, nil }
func (f fakeProvider) CPUCount() int                           { return f.cpus }

func TestMemoryTypeForFixedWins(t *testing.T) {
	p, err := platform.New(fakeProvider{
		mtrr: platform.MTRRState{
			Fixed:   []platform.Range{{Begin: 0, End: 0x1000, Type: platform.UC}},
			Default: platform.WB,
		},
		cpus: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.MemoryTypeFor(0x500); got != platform.UC {
		t.Fatalf("MemoryTypeFor = %v, want UC", got)
	}
}

func TestMemoryTypeForDefaultWhenNoRangeMatches(t *testing.T) {
	p, _ := platform.New(fakeProvider{mtrr: platform.MTRRState{Default: platform.WB}, cpus: 1})
	if got := p.MemoryTypeFor(0xDEADBEEF); got != platform.WB {
		t.Fatalf("MemoryTypeFor = %v, want WB", got)
	}
}

func TestMemoryTypeForVariableUCWins(t *testing.T) {
	p, _ := platform.New(fakeProvider{
		mtrr: platform.MTRRState{
			Variable: []platform.Range{
				{Begin: 0x100000, End: 0x200000, Type: platform.WB},
				{Begin: 0x100000, End: 0x200000, Type: platform.UC},
			},
			Default: platform.WB,
		},
		cpus: 1,
	})
	if got := p.MemoryTypeFor(0x150000); got != platform.UC {
		t.Fatalf("MemoryTypeFor = %v, want UC", got)
	}
}

func TestMemoryTypeForWTDominatesWB(t *testing.T) {
	p, _ := platform.New(fakeProvider{
		mtrr: platform.MTRRState{
			Variable: []platform.Range{
				{Begin: 0x100000, End: 0x200000, Type: platform.WB},
				{Begin: 0x100000, End: 0x200000, Type: platform.WT},
			},
			Default: platform.WB,
		},
		cpus: 1,
	})
	if got := p.MemoryTypeFor(0x150000); got != platform.WT {
		t.Fatalf("MemoryTypeFor = %v, want WT", got)
	}
}

func TestMemoryTypeForAgreeingRangesShareType(t *testing.T) {
	p, _ := platform.New(fakeProvider{
		mtrr: platform.MTRRState{
			Variable: []platform.Range{
				{Begin: 0x100000, End: 0x180000, Type: platform.WC},
				{Begin: 0x140000, End: 0x200000, Type: platform.WC},
			},
			Default: platform.WB,
		},
		cpus: 1,
	})
	if got := p.MemoryTypeFor(0x150000); got != platform.WC {
		t.Fatalf("MemoryTypeFor = %v, want WC", got)
	}
}

func TestMemoryRangesAreSorted(t *testing.T) {
	p, _ := platform.New(fakeProvider{
		ranges: []platform.Range{
			{Begin: 0x200000, End: 0x300000, Type: platform.WB},
			{Begin: 0x0, End: 0x100000, Type: platform.WB},
		},
		mtrr: platform.MTRRState{Default: platform.WB},
		cpus: 1,
	})
	rs := p.MemoryRanges()
	if len(rs) != 2 || rs[0].Begin != 0 || rs[1].Begin != 0x200000 {
		t.Fatalf("ranges not sorted: %+v", rs)
	}
}
