//go:build !linux

package dma

// allocPages falls back to heap pages on platforms without the mmap path.
// Go heap allocations of this size are at least 8-byte aligned, which is
// enough for the ring header's 32-bit atomic fields.
func allocPages(size int) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}
