//go:build !unix

package region

import "fmt"

// Map falls back to a Go-heap-backed region on platforms without
// anonymous mappings. Close is a no-op for the resulting region.
func Map(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: mapping size %d must be positive", size)
	}
	return FromBytes(make([]byte, size))
}

func unmap([]byte) error {
	return nil
}
