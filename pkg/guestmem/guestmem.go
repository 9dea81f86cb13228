// Package guestmem manages a WebAssembly module's linear memory with the
// lantern heap allocator, handing out guest offsets instead of host
// pointers. The host and the guest share one view of the memory, so
// blocks carved here are directly addressable from both sides.
package guestmem

import (
	"fmt"
	"unsafe"

	"github.com/tetratelabs/wazero/api"

	"github.com/MatthewZelriche/lantern-allocators/pkg/heap"
	"github.com/MatthewZelriche/lantern-allocators/pkg/region"
)

// Allocator carves blocks out of one module's linear memory. The memory
// must not grow while the allocator manages it: growth may relocate the
// backing buffer and strand every outstanding offset.
type Allocator struct {
	inner *heap.LockedAllocator
	base  unsafe.Pointer
	size  uint32
}

// New takes over mem's current contents. Anything the guest stored there
// beforehand is treated as free space.
func New(mem api.Memory, opts ...heap.Option) (*Allocator, error) {
	size := mem.Size()
	view, ok := mem.Read(0, size)
	if !ok {
		return nil, fmt.Errorf("guestmem: cannot view %d bytes of linear memory", size)
	}

	reg, err := region.FromBytes(view)
	if err != nil {
		return nil, fmt.Errorf("guestmem: %w", err)
	}
	inner, err := heap.New(reg.Start(), reg.End(), opts...)
	if err != nil {
		return nil, err
	}
	return &Allocator{
		inner: inner,
		base:  unsafe.Pointer(unsafe.SliceData(view)),
		size:  size,
	}, nil
}

// Alloc returns the guest offset of a fresh payload of at least size
// bytes whose host address is aligned to align. Linear-memory backings
// are page-aligned in practice, so guest offsets observe the same
// alignment. A zero align asks for the allocator's minimum.
func (a *Allocator) Alloc(size, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	buf, err := a.inner.Allocate(uintptr(size), uintptr(align))
	if err != nil {
		return 0, err
	}
	off := uintptr(unsafe.Pointer(unsafe.SliceData(buf))) - uintptr(a.base)
	return uint32(off), nil
}

// Free releases the payload at a guest offset previously returned by
// Alloc. Offsets outside the managed memory are rejected; a stale or
// double-freed offset inside it is heap corruption and panics, matching
// the host allocator's contract.
func (a *Allocator) Free(off uint32) error {
	if off == 0 || off >= a.size {
		return fmt.Errorf("guestmem: offset %#x outside linear memory of %d bytes", off, a.size)
	}
	a.inner.Deallocate(unsafe.Add(a.base, off))
	return nil
}

// Stats returns the underlying allocator's activity snapshot.
func (a *Allocator) Stats() heap.Stats {
	return a.inner.Stats()
}

// Overhead returns the bytes consumed by block headers inside the linear
// memory.
func (a *Allocator) Overhead() uint32 {
	return uint32(a.inner.Overhead())
}
