// Package ept implements the EptTable component of spec.md §4.4: a
// 4-level Extended Page Table that identity-maps host physical memory to
// guest physical memory, with large-page coalescing, MTRR-aware memory
// type assignment, and the split/join primitives shadow-page emulation
// needs. No hardware EPT register exists to program from userspace under
// KVM; this package is pure software bookkeeping, exercised end to end
// by ept/slots.go replaying its leaves as KVM memory slots.
package ept

import (
	"microhv/hverr"
	"microhv/platform"
)

// Level names the granularity of a leaf entry.
type Level int

const (
	Level4KB Level = iota
	Level2MB
	Level1GB
)

func (l Level) pageSize() uint64 {
	switch l {
	case Level2MB:
		return 1 << 21
	case Level1GB:
		return 1 << 30
	default:
		return 1 << 12
	}
}

// Access bundles the R/W/X bits spec.md's EptEntry groups together.
type Access struct {
	Read, Write, Execute, UserExecute bool
}

var AccessRWX = Access{Read: true, Write: true, Execute: true}

// Entry mirrors spec.md's EptEntry: present iff any of R/W/X is set; the
// PFN is only meaningful while present, and for a non-leaf it addresses
// a subtable this entry exclusively owns.
type Entry struct {
	Access      Access
	MemoryType  platform.MemoryType
	LargePage   bool
	Accessed    bool
	Dirty       bool
	IgnorePAT   bool
	SuppressVE  bool
	PFN         uint64
	subtable    *subtable // non-nil iff this entry is a non-leaf pointer
}

func (e *Entry) Present() bool {
	return e.Access.Read || e.Access.Write || e.Access.Execute
}

func (e *Entry) leaf() bool { return e.subtable == nil }

type subtable struct {
	entries [512]Entry
}

// Table is the root PML4 plus however many subtables have been
// allocated beneath it, and the eptptr value that would be loaded into
// the VMCS EPT-pointer field on bare VT-x (memory type WB, page-walk
// length 4). The PFN field of eptPointer is left zero: the PML4 is a Go
// heap value here and has no physical address.
type Table struct {
	root       *subtable
	eptPointer uint64
	platform   *platform.Info
}

// Initialize allocates the PML4 and programs eptPointer, per spec.md
// §4.4's initialize().
func Initialize(info *platform.Info) *Table {
	t := &Table{root: &subtable{}, platform: info}
	t.eptPointer = (6 << 0) | (3 << 3) // memory type WB (6) in bits 0-2, walk-length-1 = 3 in bits 3-5
	return t
}

// EptPointer reports the value that would be loaded into the VMCS
// EPT-pointer field.
func (t *Table) EptPointer() uint64 { return t.eptPointer }

func pageIndex(guestPA uint64, level int) int {
	return int((guestPA >> (12 + 9*level)) & 0x1FF)
}

// walk descends from root to the subtable owning the 4 KiB entry for
// guestPA, allocating intermediate subtables on demand, exactly as
// spec.md's map() requires ("walks the tree creating subtables on
// demand").
func (t *Table) walk(guestPA uint64, stopLevel int) (*subtable, int) {
	cur := t.root
	for lvl := 3; lvl > stopLevel; lvl-- {
		idx := pageIndex(guestPA, lvl)
		e := &cur.entries[idx]
		if e.subtable == nil {
			e.subtable = &subtable{}
			e.Access = AccessRWX
			e.PFN = 0 // subtable pointers are resolved by Go pointer, not PFN, in this software model
		}
		cur = e.subtable
	}
	return cur, pageIndex(guestPA, stopLevel)
}

func levelDepth(l Level) int {
	switch l {
	case Level1GB:
		return 2
	case Level2MB:
		return 1
	default:
		return 0
	}
}

// Map installs a leaf at the requested level with full RWX access and
// MTRR-derived memory type, per spec.md's map(guest_pa, host_pa, level).
func (t *Table) Map(guestPA, hostPA uint64, level Level) *Entry {
	return t.MapAccess(guestPA, hostPA, level, AccessRWX)
}

// MapAccess is Map with explicit access bits (spec.md's
// map_4kb/2mb/1gb(guest_pa, host_pa, access)).
func (t *Table) MapAccess(guestPA, hostPA uint64, level Level, access Access) *Entry {
	depth := levelDepth(level)
	st, idx := t.walk(guestPA, depth)
	e := &st.entries[idx]
	*e = Entry{
		Access:     access,
		MemoryType: t.platform.MemoryTypeFor(hostPA),
		LargePage:  level != Level4KB,
		PFN:        hostPA >> 12,
	}
	return e
}

func (t *Table) Map4KB(guestPA, hostPA uint64, access Access) *Entry {
	return t.MapAccess(guestPA, hostPA, Level4KB, access)
}
func (t *Table) Map2MB(guestPA, hostPA uint64, access Access) *Entry {
	return t.MapAccess(guestPA, hostPA, Level2MB, access)
}
func (t *Table) Map1GB(guestPA, hostPA uint64, access Access) *Entry {
	return t.MapAccess(guestPA, hostPA, Level1GB, access)
}

// IdentityMap maps every physical range platform.Info reports,
// guest_pa == host_pa, at 4 KiB granularity tagged with the MTRR-derived
// memory type, then coalesces any aligned, fully-populated 512-entry run
// into a single 2 MiB leaf, per spec.md §4.4.
func (t *Table) IdentityMap() {
	const pageSize = 1 << 12
	for _, r := range t.platform.MemoryRanges() {
		begin := r.Begin &^ (pageSize - 1)
		for pa := begin; pa < r.End; pa += pageSize {
			t.Map4KB(pa, pa, AccessRWX)
		}
	}
	t.coalesce2MB()
}

// coalesce2MB walks every allocated PD-level entry down to its PT-level
// subtable (the one IdentityMap's Map4KB calls actually populate with
// leaves) and, where all 512 child PTEs are present, identity-mapped,
// and agree on access and memory type, replaces the PD entry with a
// single 2 MiB leaf — the large-page coalescing spec.md's
// identity_map() requires.
func (t *Table) coalesce2MB() {
	// PML4 -> PDPT -> PD -> PT: PDPT/PD entries are themselves always
	// non-leaf (Map4KB walks all the way to the PT level), so the join
	// candidates live one level deeper than the PD entry itself.
	for _, pml4e := range t.root.entries {
		pdpt := pml4e.subtable
		if pdpt == nil {
			continue
		}
		for _, pdpte := range pdpt.entries {
			pd := pdpte.subtable
			if pd == nil {
				continue
			}
			for i := range pd.entries {
				pde := &pd.entries[i]
				pt := pde.subtable
				if pt == nil {
					continue
				}
				if joined, ok := tryJoin(pt, 1); ok {
					*pde = joined
				}
			}
		}
	}
}

// tryJoin checks whether every entry of a 512-entry subtable is
// present, contiguous (identity-mapped), and agrees on access/memory
// type, and if so returns the single large-page leaf that replaces it.
// stride is the PFN delta between consecutive children: 1 when joining
// 4 KiB leaves into a 2 MiB leaf, 512 (2 MiB worth of 4 KiB frames)
// when joining 2 MiB leaves into a 1 GiB leaf.
func tryJoin(st *subtable, stride uint64) (Entry, bool) {
	first := st.entries[0]
	if !first.Present() || first.subtable != nil {
		return Entry{}, false
	}
	for i, e := range st.entries {
		if !e.Present() || e.subtable != nil {
			return Entry{}, false
		}
		if e.Access != first.Access || e.MemoryType != first.MemoryType {
			return Entry{}, false
		}
		if e.PFN != first.PFN+uint64(i)*stride {
			return Entry{}, false
		}
	}
	return Entry{
		Access:     first.Access,
		MemoryType: first.MemoryType,
		LargePage:  true,
		PFN:        first.PFN,
	}, true
}

// Split1GBTo2MB replaces the 1 GiB leaf at pa with a fresh 512-entry
// subtable, each child reproducing the original leaf's coverage at 2 MiB
// granularity, preserving memory type and access bits.
func (t *Table) Split1GBTo2MB(pa uint64) hverr.Code {
	return t.split(pa, 2, 512*(1<<21)/(1<<21))
}

// Split2MBTo4KB replaces the 2 MiB leaf at pa with a 512-entry subtable
// of 4 KiB children.
func (t *Table) Split2MBTo4KB(pa uint64) hverr.Code {
	return t.split(pa, 1, 512)
}

func (t *Table) split(pa uint64, parentDepth int, childCount int) hverr.Code {
	st, idx := t.walk(pa, parentDepth)
	e := &st.entries[idx]
	if !e.Present() || e.subtable != nil {
		return hverr.InvalidArgument
	}
	childPageSize := uint64(0)
	if parentDepth == 2 {
		childPageSize = 1 << 21
	} else {
		childPageSize = 1 << 12
	}
	basePFN := e.PFN
	sub := &subtable{}
	for i := 0; i < childCount; i++ {
		sub.entries[i] = Entry{
			Access:     e.Access,
			MemoryType: e.MemoryType,
			LargePage:  parentDepth == 2,
			PFN:        basePFN + uint64(i)*(childPageSize>>12),
		}
	}
	e.subtable = sub
	return hverr.Success
}

// Join2MBTo1GB and Join4KBTo2MB are the inverse of the splits: their
// precondition is that all 512 child entries are contiguous,
// identity-mapped, and agree on access and memory type.
func (t *Table) Join2MBTo1GB(pa uint64) hverr.Code { return t.join(pa, 2) }
func (t *Table) Join4KBTo2MB(pa uint64) hverr.Code { return t.join(pa, 1) }

func (t *Table) join(pa uint64, parentDepth int) hverr.Code {
	st, idx := t.walk(pa, parentDepth)
	e := &st.entries[idx]
	if e.subtable == nil {
		return hverr.InvalidArgument
	}
	// parentDepth 2 means the children being joined are 2 MiB leaves
	// (Join2MBTo1GB): their PFNs step by a 2 MiB frame count. parentDepth
	// 1 means the children are 4 KiB leaves (Join4KBTo2MB): PFNs step by
	// one frame, the same per-level childPageSize distinction split() uses.
	stride := uint64(1)
	if parentDepth == 2 {
		stride = 512
	}
	joined, ok := tryJoin(e.subtable, stride)
	if !ok {
		return hverr.InvalidArgument
	}
	*e = joined
	return hverr.Success
}

// Destroy depth-first frees every subtable then the PML4; in Go this is
// simply dropping every reference so the garbage collector reclaims the
// tree, but the call is kept (rather than relying on Table going out of
// scope implicitly) so callers mirror the explicit lifetime spec.md §3
// describes ("EptTable lives for the lifetime of its owning vCPU...
// freed bottom-up").
func (t *Table) Destroy() {
	t.root = nil
}

// Lookup reports the present leaf entry covering guestPA and its level,
// resolving through whatever granularity (4 KiB/2 MiB/1 GiB) actually
// backs it, or nil if no present leaf covers guestPA.
func (t *Table) Lookup(guestPA uint64) (*Entry, Level) {
	cur := t.root
	for lvl := 3; lvl >= 0; lvl-- {
		idx := pageIndex(guestPA, lvl)
		e := &cur.entries[idx]
		if e.subtable == nil {
			if !e.Present() {
				return nil, 0
			}
			switch lvl {
			case 2:
				return e, Level1GB
			case 1:
				return e, Level2MB
			default:
				return e, Level4KB
			}
		}
		cur = e.subtable
	}
	return nil, 0
}
