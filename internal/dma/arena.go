package dma

import (
	"fmt"
	"sync"
)

// Allocator hands out DMA buffers. The bus core only ever sees this
// interface; the platform glue decides how pages are actually backed.
type Allocator interface {
	Alloc(size int) (*Buffer, error)
}

// Arena is an in-process Allocator that also performs the reverse
// translation from guest physical frame numbers back to mapped bytes. Frame
// numbers are synthesized monotonically per allocation, so an Arena shared
// between the guest-side core and an in-process host peer gives both sides a
// consistent physical address space.
type Arena struct {
	mu      sync.Mutex
	nextPFN uint64
	allocs  map[uint64]*arenaAlloc // keyed by first PFN
}

type arenaAlloc struct {
	firstPFN uint64
	data     []byte
	unmap    func() error
}

// NewArena returns an empty Arena. Frame numbers start above zero so that a
// zero PFN is always invalid.
func NewArena() *Arena {
	return &Arena{nextPFN: 0x100, allocs: make(map[uint64]*arenaAlloc)}
}

// Alloc allocates a zeroed, physically contiguous region of size bytes.
// size must be a positive multiple of PageSize.
func (a *Arena) Alloc(size int) (*Buffer, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("dma: alloc size %d is not a positive multiple of %d", size, PageSize)
	}

	data, unmap, err := allocPages(size)
	if err != nil {
		return nil, fmt.Errorf("dma: alloc %d bytes: %w", size, err)
	}

	a.mu.Lock()
	first := a.nextPFN
	pages := size / PageSize
	a.nextPFN += uint64(pages)
	alloc := &arenaAlloc{firstPFN: first, data: data, unmap: unmap}
	a.allocs[first] = alloc
	a.mu.Unlock()

	pfns := make([]uint64, pages)
	for i := range pfns {
		pfns[i] = first + uint64(i)
	}

	return NewBuffer(data, pfns, func() { a.free(first) })
}

func (a *Arena) free(firstPFN uint64) {
	a.mu.Lock()
	alloc, ok := a.allocs[firstPFN]
	delete(a.allocs, firstPFN)
	a.mu.Unlock()
	if !ok {
		return
	}
	if alloc.unmap != nil {
		// Unmap failures leak the mapping but never the bookkeeping.
		_ = alloc.unmap()
	}
}

// Range resolves a run of consecutive frame numbers back to the mapped
// bytes, provided the run lies within a single live allocation. This is the
// physical-to-virtual translation an in-process host uses after receiving a
// page list.
func (a *Arena) Range(pfn uint64, pages int) ([]byte, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("dma: range of %d pages", pages)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for first, alloc := range a.allocs {
		total := uint64(len(alloc.data) / PageSize)
		if pfn >= first && pfn+uint64(pages) <= first+total {
			off := int(pfn-first) * PageSize
			n := pages * PageSize
			return alloc.data[off : off+n : off+n], nil
		}
	}
	return nil, fmt.Errorf("dma: frames [%#x, %#x) not mapped", pfn, pfn+uint64(pages))
}

// Contiguous reports whether a page list is a single ascending run, which is
// the only shape Range can resolve.
func Contiguous(pfns []uint64) bool {
	for i := 1; i < len(pfns); i++ {
		if pfns[i] != pfns[i-1]+1 {
			return false
		}
	}
	return len(pfns) > 0
}
