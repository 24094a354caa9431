// Package pagealloc implements the page-granular bitmap allocator microhv
// uses for any allocation that must not call into the host OS's own
// allocator — the memory backing EPT leaves is carved out of a pool
// attached once, up front, exactly as spec.md §4.1 requires of the
// root-mode allocator in a bare-metal hypervisor: no host lock, no IPI,
// no possibility of the allocating CPU deadlocking itself.
package pagealloc

import (
	"fmt"
	"sync"

	"microhv/hverr"
)

const (
	pageSize       = 4096
	maxPages       = 65534
	fillByte  byte = 0xCC
)

// Pool is a fixed backing buffer carved into page-sized allocations via a
// rolling-hint first-fit bitmap scan.
type Pool struct {
	mu sync.Mutex

	buf   []byte
	pages int

	bitmap  []byte   // 1 bit per page
	sizeMap []uint16 // pages owned by the allocation starting at this slot, 0 if free

	hint int

	allocatedBytes uint64
	freeBytes      uint64
}

// Attach carves buf into a pool of page-sized allocations. buf must be at
// least 3 pages long; its start is taken as page-aligned and its length
// is rounded down to whole pages. The bitmap and size-map bookkeeping
// live in separate slices outside buf, so every page of buf is
// allocatable, and all of buf is filled with 0xCC.
func Attach(buf []byte) (*Pool, error) {
	if len(buf) < 3*pageSize {
		return nil, hverr.New(hverr.InvalidArgument, fmt.Sprintf("pool must be at least %d bytes", 3*pageSize))
	}

	base := uintptr(0)
	// Callers are expected to pass an already page-aligned buffer (e.g.
	// an mmap'd region); we only align the logical view here.
	if rem := base % pageSize; rem != 0 {
		skip := pageSize - rem
		buf = buf[skip:]
	}

	totalPages := len(buf) / pageSize
	buf = buf[:totalPages*pageSize]

	bitmapBytes := (totalPages + 7) / 8
	sizeMapSlots := totalPages

	p := &Pool{
		buf:     buf,
		pages:   totalPages,
		bitmap:  make([]byte, bitmapBytes),
		sizeMap: make([]uint16, sizeMapSlots),
	}

	for i := range buf {
		buf[i] = fillByte
	}

	p.freeBytes = uint64(totalPages) * pageSize
	return p, nil
}

func ceilDivPages(n uint64) int {
	if n == 0 {
		n = 1
	}
	return int((n + pageSize - 1) / pageSize)
}

// Allocate reserves the smallest run of consecutive pages covering n
// bytes (0 is treated as 1 byte) and returns the byte offset of the
// first page within the pool, or -1 if the pool has no run of that
// length free. Allocations above 65534 pages are rejected.
func (p *Pool) Allocate(n uint64) (int, error) {
	pages := ceilDivPages(n)
	if pages > maxPages {
		return -1, hverr.New(hverr.InvalidArgument, fmt.Sprintf("%d pages exceeds the %d page maximum", pages, maxPages))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.findRun(pages)
	if start < 0 {
		return -1, nil
	}

	p.setRun(start, pages, true)
	p.sizeMap[start] = uint16(pages)
	p.hint = (start + pages) % p.pages

	p.allocatedBytes += uint64(pages) * pageSize
	p.freeBytes -= uint64(pages) * pageSize

	return start * pageSize, nil
}

// findRun scans for `pages` consecutive clear bits, starting at the hint
// and wrapping once around the bitmap.
func (p *Pool) findRun(pages int) int {
	for _, start := range [2]int{p.hint, 0} {
		run := 0
		for i := start; i < p.pages; i++ {
			if p.bitSet(i) {
				run = 0
				continue
			}
			run++
			if run == pages {
				return i - pages + 1
			}
		}
		if start == 0 {
			break
		}
	}
	return -1
}

func (p *Pool) bitSet(page int) bool {
	return p.bitmap[page/8]&(1<<(uint(page)%8)) != 0
}

func (p *Pool) setRun(start, pages int, set bool) {
	for i := start; i < start+pages; i++ {
		mask := byte(1 << (uint(i) % 8))
		if set {
			p.bitmap[i/8] |= mask
		} else {
			p.bitmap[i/8] &^= mask
		}
	}
}

// Free releases the allocation whose first page is the page containing
// offset. offset must be page-aligned and inside the pool; a double-free
// or an offset outside the pool is a silent no-op, matching the
// debug-asserted-but-tolerant policy of spec.md §4.1.
func (p *Pool) Free(offset int) {
	if offset < 0 || offset%pageSize != 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	page := offset / pageSize
	if page >= p.pages {
		return
	}

	pages := int(p.sizeMap[page])
	if pages == 0 {
		return
	}

	p.setRun(page, pages, false)
	p.sizeMap[page] = 0

	p.allocatedBytes -= uint64(pages) * pageSize
	p.freeBytes += uint64(pages) * pageSize
}

// Bytes returns the backing slice for the allocation at offset, sized to
// the number of pages recorded for it, or nil if offset is not a live
// allocation's base page.
func (p *Pool) Bytes(offset int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	page := offset / pageSize
	if offset < 0 || offset%pageSize != 0 || page >= p.pages {
		return nil
	}
	pages := int(p.sizeMap[page])
	if pages == 0 {
		return nil
	}
	return p.buf[offset : offset+pages*pageSize]
}

// Contains reports whether offset falls within the pool's backing buffer.
func (p *Pool) Contains(offset int) bool {
	return offset >= 0 && offset < len(p.buf)
}

func (p *Pool) AllocatedBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocatedBytes
}

func (p *Pool) FreeBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeBytes
}
