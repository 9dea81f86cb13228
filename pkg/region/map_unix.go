//go:build unix

package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map obtains an anonymous private mapping of at least size bytes. The
// mapping is page-aligned, which satisfies the allocator's header
// alignment; Close returns the pages to the system.
func Map(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: mapping size %d must be positive", size)
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("region: mmap: %w", err)
	}

	r, err := FromBytes(buf)
	if err != nil {
		_ = unix.Munmap(buf)
		return nil, err
	}
	r.mapped = true
	return r, nil
}

func unmap(backing []byte) error {
	return unix.Munmap(backing)
}
