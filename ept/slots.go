package ept

import "microhv/kvmsys"

// SlotSource is anything that can stand in for the guest memory backing
// a leaf: the mmap'd guest RAM slice microhv/hypervisor owns, sliced at
// the leaf's guest-physical offset.
type SlotSource interface {
	// UserspaceAddr returns the host virtual address backing guestPA.
	UserspaceAddr(guestPA uint64) uintptr
}

// Leaf is one present entry discovered by Walk, ready to become a KVM
// memory slot.
type Leaf struct {
	GuestPA uint64
	Size    uint64
	Entry   *Entry
}

// Walk enumerates every present leaf in the table in guest-physical
// order. This is the bridge component SPEC_FULL.md adds on top of
// spec.md §4.4: it lets every Split/Join/Map call be replayed as real
// KVM_SET_USER_MEMORY_REGION slot churn instead of staying an inert
// software structure, since no hardware EPT register exists to program
// directly from userspace.
func (t *Table) Walk() []Leaf {
	var leaves []Leaf
	var walkLevel func(st *subtable, depth int, baseGuestPA uint64)
	walkLevel = func(st *subtable, depth int, baseGuestPA uint64) {
		step := uint64(1) << (12 + 9*uint(depth))
		for i, e := range st.entries {
			gpa := baseGuestPA + uint64(i)*step
			if e.subtable != nil {
				walkLevel(e.subtable, depth-1, gpa)
				continue
			}
			if !e.Present() {
				continue
			}
			var sz uint64
			switch depth {
			case 2:
				sz = 1 << 30
			case 1:
				sz = 1 << 21
			default:
				sz = 1 << 12
			}
			ec := e
			leaves = append(leaves, Leaf{GuestPA: gpa, Size: sz, Entry: &ec})
		}
	}
	walkLevel(t.root, 3, 0)
	return leaves
}

// SyncSlots replays every leaf in t as a KVM_SET_USER_MEMORY_REGION
// call against vmFD, assigning slots sequentially starting at
// startSlot. Callers invoke this after IdentityMap, or after any
// Map/Split/Join mutation, so the in-kernel second-level page tables
// KVM maintains stay in lockstep with this package's software EPT.
func (t *Table) SyncSlots(vmFD int, src SlotSource, startSlot uint32) error {
	slot := startSlot
	for _, leaf := range t.Walk() {
		region := kvmsys.UserspaceMemoryRegion{
			Slot:          slot,
			GuestPhysAddr: leaf.GuestPA,
			MemorySize:    leaf.Size,
			UserspaceAddr: uint64(src.UserspaceAddr(leaf.GuestPA)),
		}
		if !leaf.Entry.Access.Write {
			region.Flags = 1 // KVM_MEM_READONLY
		}
		if err := kvmsys.SetUserMemoryRegion(vmFD, region); err != nil {
			return err
		}
		slot++
	}
	return nil
}
