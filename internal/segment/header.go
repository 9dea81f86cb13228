// Package segment implements the boundary-tag block list that backs the
// lantern heap allocator. A Manager owns one contiguous byte region and
// partitions it into blocks, each led by an in-band Header written into
// the region itself. All unsafe header reinterpretation is confined to
// this package; callers never synthesize headers directly.
package segment

import (
	"fmt"
	"unsafe"
)

// HeaderSize is the size in bytes of the in-band header leading every
// block: one pointer plus one machine word. Every block size the manager
// handles is a multiple of HeaderSize, and every payload is aligned to at
// least HeaderSize.
const HeaderSize = unsafe.Sizeof(Header{})

const (
	inUseBit      uintptr = 1 << 0
	nextExistsBit uintptr = 1 << 1

	// Block sizes are 8-aligned, so the low three bits of the size word
	// are always zero and hold the flags instead.
	flagMask uintptr = (1 << 3) - 1
)

// Header is the record at the start of every block, allocated or free.
// The size word packs the block's total size (header plus payload) with
// the in-use and next-exists flags.
type Header struct {
	prev     *Header
	sizeWord uintptr
}

// HeaderOf reinterprets the header immediately preceding a payload
// pointer handed out by a Manager.
func HeaderOf(payload unsafe.Pointer) *Header {
	return (*Header)(unsafe.Add(payload, -int(HeaderSize)))
}

func (h *Header) addr() uintptr {
	return uintptr(unsafe.Pointer(h))
}

// Size returns the block's total size in bytes, header included.
func (h *Header) Size() uintptr {
	return h.sizeWord &^ flagMask
}

// SetSize stores a new total size, preserving the flag bits. The size
// must keep its low three bits clear; anything else means the caller has
// lost track of block geometry and the heap is no longer trustworthy.
func (h *Header) SetSize(size uintptr) {
	if size&flagMask != 0 {
		panic(fmt.Sprintf("segment: size %d is not a multiple of 8", size))
	}
	h.sizeWord = size | (h.sizeWord & flagMask)
}

// InUse reports whether the block is currently allocated.
func (h *Header) InUse() bool {
	return h.sizeWord&inUseBit != 0
}

// SetInUse sets or clears the allocated flag.
func (h *Header) SetInUse(inUse bool) {
	if inUse {
		h.sizeWord |= inUseBit
	} else {
		h.sizeWord &^= inUseBit
	}
}

// NextExists reports whether another block follows contiguously within
// the managed region.
func (h *Header) NextExists() bool {
	return h.sizeWord&nextExistsBit != 0
}

// SetNextExists sets or clears the next-exists flag.
func (h *Header) SetNextExists(nextExists bool) {
	if nextExists {
		h.sizeWord |= nextExistsBit
	} else {
		h.sizeWord &^= nextExistsBit
	}
}

// Prev returns the header of the physically previous block, or nil for
// the first block of the region.
func (h *Header) Prev() *Header {
	return h.prev
}

// SetPrev repoints the back-pointer at a new physical predecessor.
func (h *Header) SetPrev(prev *Header) {
	h.prev = prev
}

// Next returns the header of the physically following block, or nil when
// this block ends the region.
func (h *Header) Next() *Header {
	if !h.NextExists() {
		return nil
	}
	return (*Header)(unsafe.Add(unsafe.Pointer(h), h.Size()))
}

// Payload returns a pointer to the block's usable bytes, immediately past
// the header.
func (h *Header) Payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), HeaderSize)
}

// SizeAllocable returns the payload capacity of the block.
func (h *Header) SizeAllocable() uintptr {
	return h.Size() - HeaderSize
}

// End returns the first address past the block.
func (h *Header) End() uintptr {
	return h.addr() + h.Size()
}

// initHeader writes a fresh header at an address inside the managed
// region and returns it.
func initHeader(at unsafe.Pointer, prev *Header, size uintptr, inUse, nextExists bool) *Header {
	h := (*Header)(at)
	h.prev = prev
	h.sizeWord = 0
	h.SetSize(size)
	h.SetInUse(inUse)
	h.SetNextExists(nextExists)
	return h
}
