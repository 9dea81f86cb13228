// Package region provides backing byte regions for the heap allocator:
// a view over a caller-supplied slice, trimmed to header alignment, and
// an anonymous memory mapping on platforms that support it.
package region

import (
	"fmt"
	"unsafe"

	"github.com/MatthewZelriche/lantern-allocators/internal/segment"
)

// Region is a contiguous writable byte range whose bounds are aligned to
// the allocator's header size, suitable for handing to heap.New. A
// Region keeps its backing memory alive for as long as it is reachable.
type Region struct {
	backing []byte
	aligned []byte
	mapped  bool
}

// FromBytes wraps a caller-supplied slice, trimming both ends inward to
// header alignment. The caller must not touch the slice's bytes for the
// region's lifetime.
func FromBytes(buf []byte) (*Region, error) {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	start := alignUp(base, segment.HeaderSize)
	end := (base + uintptr(len(buf))) &^ (segment.HeaderSize - 1)
	if end <= start || end-start < segment.HeaderSize {
		return nil, fmt.Errorf("region: %d bytes leave no aligned span", len(buf))
	}
	return &Region{
		backing: buf,
		aligned: buf[start-base : end-base],
	}, nil
}

// Start returns the first usable address.
func (r *Region) Start() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(r.aligned))
}

// End returns the first address past the region.
func (r *Region) End() unsafe.Pointer {
	return unsafe.Add(r.Start(), len(r.aligned))
}

// Size returns the usable span in bytes.
func (r *Region) Size() uintptr {
	return uintptr(len(r.aligned))
}

// Bytes returns the usable span as a slice.
func (r *Region) Bytes() []byte {
	return r.aligned
}

// Close releases a mapped region's pages. It is a no-op for slice-backed
// regions. The region must not be used afterwards.
func (r *Region) Close() error {
	if !r.mapped {
		return nil
	}
	backing := r.backing
	r.mapped = false
	r.backing = nil
	r.aligned = nil
	return unmap(backing)
}

// alignUp rounds v up to the nearest multiple of align, a power of two.
func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
