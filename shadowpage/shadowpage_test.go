package shadowpage_test

import (
	"testing"

	"microhv/ept"
	"microhv/platform"
	"microhv/shadowpage"
)

type fakeProvider struct{}

func (fakeProvider) MemoryRanges() ([]platform.Range, error) { return nil, nil }
func (fakeProvider) MTRRState() (platform.MTRRState, error) {
	return platform.MTRRState{Default: platform.WB}, nil
}
func (fakeProvider) CPUCount() int { return 1 }

func TestLookupFindsAddedPage(t *testing.T) {
	var l shadowpage.List
	l.Add(shadowpage.Page{RWPA: 0x1000, XPA: 0x2000, Offset: 0x3000})

	p, ok := l.Lookup(0x3000)
	if !ok {
		t.Fatal("expected Lookup to find the added page")
	}
	if p.RWPA != 0x1000 || p.XPA != 0x2000 {
		t.Fatalf("unexpected page %+v", p)
	}
}

func TestLookupMissReturnsFalse(t *testing.T) {
	var l shadowpage.List
	if _, ok := l.Lookup(0x9999); ok {
		t.Fatal("expected Lookup miss on an empty list")
	}
}

func TestApplyInstallsRWViewAsResident(t *testing.T) {
	info, err := platform.New(fakeProvider{})
	if err != nil {
		t.Fatalf("platform.New: %v", err)
	}
	tbl := ept.Initialize(info)
	tbl.Map2MB(0, 0, ept.AccessRWX)

	var l shadowpage.List
	l.Add(shadowpage.Page{RWPA: 0x10000, XPA: 0x20000, Offset: 0x1000})
	l.Apply(tbl)

	e, level := tbl.Lookup(0x1000)
	if e == nil || level != ept.Level4KB {
		t.Fatalf("expected a 4 KiB leaf after Apply, got level %v", level)
	}
	if e.PFN != 0x10 {
		t.Fatalf("PFN = %#x, want 0x10 (the RW view's PFN)", e.PFN)
	}
	if !e.Access.Read || !e.Access.Write || e.Access.Execute {
		t.Fatalf("access = %+v, want RW-only", e.Access)
	}
}
