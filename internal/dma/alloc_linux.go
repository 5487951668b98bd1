//go:build linux

package dma

import "golang.org/x/sys/unix"

// allocPages maps anonymous zeroed pages. Mmap gives page-aligned memory
// whose address is stable for the life of the mapping, which matters for the
// atomic index fields in ring headers.
func allocPages(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(
		-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, nil, err
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
