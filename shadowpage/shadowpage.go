// Package shadowpage implements the ShadowPage state spec.md §3 and §4.7
// describe: two physical pages that alias the same guest-virtual region
// so the guest observes one bit pattern when reading/writing and another
// when executing. The host-OS IOCTL plumbing that feeds this list
// (shadow_page_add/shadow_page_apply) is out of scope per spec.md §1;
// this package is the plain-data state those IOCTLs would mutate.
package shadowpage

import (
	"sync"

	"microhv/ept"
)

// Page is one {rw_pa, x_pa, offset} entry: the read/write-view physical
// page, the execute-view physical page, and the guest-physical offset
// both alias.
type Page struct {
	RWPA   uint64
	XPA    uint64
	Offset uint64
}

// List is the concrete handler's owned shadow-page table, populated by
// the management surface's shadow_page_add calls and installed into EPT
// by Apply (the handler interpretation of shadow_page_apply, per
// spec.md §6).
type List struct {
	mu    sync.Mutex
	pages []Page
}

func (l *List) Add(p Page) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pages = append(l.pages, p)
}

// Lookup returns the Page whose Offset matches guestPA, if any. Used by
// the EPT-violation handler to decide which physical page backs a given
// guest access and in which direction (execute vs read/write) to steer
// it.
func (l *List) Lookup(guestPA uint64) (Page, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.pages {
		if p.Offset == guestPA {
			return p, true
		}
	}
	return Page{}, false
}

// RWAccess and XAccess are the two views Apply and the EPT-violation
// handler switch between.
var RWAccess = ept.Access{Read: true, Write: true}
var XAccess = ept.Access{Execute: true, UserExecute: true}

// Apply splits every shadow page's 2 MiB region down to 4 KiB and
// installs the RW-view PFN as the resident mapping. The EPT-violation
// handler consults Lookup and swaps in XAccess/p.XPA on an
// instruction-fetch fault, then swaps back to RWAccess/p.RWPA on the
// next data access — the split-view trick spec.md §4.7 reserves as a
// policy without specifying it in full.
func (l *List) Apply(tbl *ept.Table) {
	l.mu.Lock()
	pages := append([]Page(nil), l.pages...)
	l.mu.Unlock()

	for _, p := range pages {
		base := p.Offset &^ (1<<21 - 1)
		tbl.Split2MBTo4KB(base)
		tbl.MapAccess(p.Offset, p.RWPA, ept.Level4KB, RWAccess)
	}
}
