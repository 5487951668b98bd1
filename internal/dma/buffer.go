// Package dma provides page-granular guest memory buffers that are shared
// with the host. A Buffer exposes both views of the same region: the mapped
// virtual bytes and the guest physical frame numbers the host addresses it
// by.
package dma

import (
	"fmt"
	"sync"
)

// PageSize is the shared page granularity of the bus. The host-side protocol
// fixes this at 4KiB regardless of the platform page size.
const PageSize = 4096

// Buffer is a page-aligned guest memory region registered (or registrable)
// with the host. It is exclusively owned: exactly one owner may call Release,
// and the Buffer must outlive every ring view and page-list registration
// built on it.
type Buffer struct {
	data []byte
	pfns []uint64

	releaseOnce sync.Once
	release     func()
}

// NewBuffer wraps an allocated region. Allocators use this; most callers get
// a Buffer from an Arena instead.
func NewBuffer(data []byte, pfns []uint64, release func()) (*Buffer, error) {
	if len(data) == 0 || len(data)%PageSize != 0 {
		return nil, fmt.Errorf("dma: buffer size %d is not a positive multiple of %d", len(data), PageSize)
	}
	if len(pfns) != len(data)/PageSize {
		return nil, fmt.Errorf("dma: %d page numbers for %d pages", len(pfns), len(data)/PageSize)
	}
	return &Buffer{data: data, pfns: pfns, release: release}, nil
}

// Bytes returns the mapped virtual view of the whole region.
func (b *Buffer) Bytes() []byte { return b.data }

// Size returns the region size in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// PageCount returns the number of pages in the region.
func (b *Buffer) PageCount() int { return len(b.pfns) }

// PageNumbers returns the guest physical frame numbers covering the region,
// in ascending address order. The host uses these to access the memory
// directly; callers must not mutate the returned slice.
func (b *Buffer) PageNumbers() []uint64 { return b.pfns }

// Slice returns a sub-range of the virtual view. off and n must be within
// the buffer.
func (b *Buffer) Slice(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(b.data) {
		return nil, fmt.Errorf("dma: slice [%d:%d) outside buffer of %d bytes", off, off+n, len(b.data))
	}
	return b.data[off : off+n : off+n], nil
}

// Release returns the region to its allocator. It is idempotent; only the
// first call has effect. The owner must not call Release while the host can
// still reach the pages.
func (b *Buffer) Release() {
	b.releaseOnce.Do(func() {
		if b.release != nil {
			b.release()
		}
		b.data = nil
		b.pfns = nil
	})
}
