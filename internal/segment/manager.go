package segment

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrCandidateTooSmall reports a split request larger than the
	// candidate block.
	ErrCandidateTooSmall = errors.New("segment: request exceeds candidate size")

	// ErrAlignmentInfeasible reports that a candidate block cannot place
	// an aligned payload of the requested size. It is recoverable: the
	// allocator's scan skips the candidate and keeps looking.
	ErrAlignmentInfeasible = errors.New("segment: candidate cannot satisfy alignment")

	// ErrNotInUse reports a release of a block that is not allocated,
	// i.e. a double free or a stray pointer.
	ErrNotInUse = errors.New("segment: block is not in use")
)

// Manager owns one contiguous region [start, end) and maintains the
// address-ordered block list embedded in it. At all times the blocks
// partition the region exactly: no gaps, no overlap, at least one block.
type Manager struct {
	head  *Header
	start uintptr
	end   uintptr
	nodes int
}

// New takes exclusive ownership of the writable region [start, end) and
// describes it as a single free block. start must be aligned to
// HeaderSize and the span must be a positive multiple of HeaderSize.
func New(start, end unsafe.Pointer) (*Manager, error) {
	s := uintptr(start)
	e := uintptr(end)
	if s%HeaderSize != 0 {
		return nil, fmt.Errorf("segment: region start %#x is not %d-byte aligned", s, HeaderSize)
	}
	if e <= s || (e-s)%HeaderSize != 0 {
		return nil, fmt.Errorf("segment: region span %d is not a positive multiple of %d", int64(e)-int64(s), HeaderSize)
	}

	m := &Manager{start: s, end: e, nodes: 1}
	m.head = initHeader(start, nil, e-s, false, false)
	return m, nil
}

// Size returns the managed region's span in bytes.
func (m *Manager) Size() uintptr {
	return m.end - m.start
}

// Start returns the first managed address.
func (m *Manager) Start() uintptr {
	return m.start
}

// End returns the first address past the managed region.
func (m *Manager) End() uintptr {
	return m.end
}

// Overhead returns the bytes consumed by block headers. A fully drained
// manager reports exactly one HeaderSize.
func (m *Manager) Overhead() uintptr {
	return uintptr(m.nodes) * HeaderSize
}

// Nodes returns the current block count.
func (m *Manager) Nodes() int {
	return m.nodes
}

// First returns the block at the region start. Together with Header.Next
// it yields the physically ordered block sequence; consumers may read
// flags and sizes but must not mutate the list while iterating.
func (m *Manager) First() *Header {
	return m.head
}

// AlignedPayload computes where candidate would place the payload of an
// in-use block of requestSize total bytes whose payload is aligned to
// align. When the payload just past the candidate's header is already
// aligned the block is carved in place; otherwise the new header needs a
// full free block's worth of room after the candidate's own header.
// ErrAlignmentInfeasible means the aligned block would run past the
// candidate's end.
func (m *Manager) AlignedPayload(candidate *Header, requestSize, align uintptr) (uintptr, error) {
	payload := candidate.addr() + HeaderSize
	if payload%align != 0 {
		payload = alignUp(candidate.addr()+2*HeaderSize, align)
	}
	if payload-HeaderSize+requestSize > candidate.End() {
		return 0, ErrAlignmentInfeasible
	}
	return payload, nil
}

// CreateUsedSegment converts a free block into up to three contiguous
// blocks: an optional free leading remainder to reach alignment, the
// in-use block of requestSize total bytes, and an optional free trailing
// remainder. It returns the in-use block's header.
//
// requestSize counts the header and must be a multiple of HeaderSize;
// violating that, or passing an in-use candidate, means the heap is
// already corrupt and panics.
func (m *Manager) CreateUsedSegment(candidate *Header, requestSize, align uintptr) (*Header, error) {
	if candidate.InUse() {
		panic(fmt.Sprintf("segment: split candidate %#x already in use", candidate.addr()))
	}
	if requestSize%HeaderSize != 0 {
		panic(fmt.Sprintf("segment: request size %d is not a multiple of %d", requestSize, HeaderSize))
	}
	if requestSize > candidate.Size() {
		return nil, ErrCandidateTooSmall
	}

	payload, err := m.AlignedPayload(candidate, requestSize, align)
	if err != nil {
		return nil, err
	}

	if payload == candidate.addr()+HeaderSize {
		return m.splitInPlace(candidate, requestSize), nil
	}
	return m.splitShifted(candidate, payload, requestSize), nil
}

// splitInPlace marks the candidate itself in use, truncating it and
// writing a free trailing remainder when the request leaves one.
func (m *Manager) splitInPlace(candidate *Header, requestSize uintptr) *Header {
	oldSize := candidate.Size()
	candidate.SetInUse(true)
	if oldSize == requestSize {
		return candidate
	}

	tail := initHeader(
		unsafe.Add(unsafe.Pointer(candidate), requestSize),
		candidate, oldSize-requestSize, false, candidate.NextExists(),
	)
	candidate.SetSize(requestSize)
	candidate.SetNextExists(true)
	m.nodes++

	if after := tail.Next(); after != nil {
		after.SetPrev(tail)
	}
	return candidate
}

// splitShifted writes the in-use header at payload-HeaderSize, shrinking
// the candidate into a free leading remainder and writing a free trailing
// remainder when the request leaves one.
func (m *Manager) splitShifted(candidate *Header, payload, requestSize uintptr) *Header {
	oldEnd := candidate.End()
	oldNextExists := candidate.NextExists()

	used := initHeader(
		unsafe.Add(unsafe.Pointer(candidate), payload-HeaderSize-candidate.addr()),
		candidate, requestSize, true, false,
	)
	m.nodes++

	if used.End() < oldEnd {
		tail := initHeader(
			unsafe.Add(unsafe.Pointer(used), requestSize),
			used, oldEnd-used.End(), false, oldNextExists,
		)
		used.SetNextExists(true)
		m.nodes++
		if after := tail.Next(); after != nil {
			after.SetPrev(tail)
		}
	} else {
		used.SetNextExists(oldNextExists)
		if after := used.Next(); after != nil {
			after.SetPrev(used)
		}
	}

	candidate.SetSize(payload - HeaderSize - candidate.addr())
	candidate.SetNextExists(true)
	return used
}

// Release frees an allocated block and merges it with any free physical
// neighbour, so that no two adjacent blocks are ever both free once the
// call returns. ErrNotInUse means a double free or a pointer that never
// came from this manager; the caller must treat that as fatal.
func (m *Manager) Release(h *Header) error {
	if !h.InUse() {
		return ErrNotInUse
	}
	h.SetInUse(false)

	if next := h.Next(); next != nil && !next.InUse() {
		h.SetSize(h.Size() + next.Size())
		h.SetNextExists(next.NextExists())
		m.nodes--
		if after := h.Next(); after != nil {
			after.SetPrev(h)
		}
	}

	if prev := h.Prev(); prev != nil && !prev.InUse() {
		prev.SetSize(prev.Size() + h.Size())
		prev.SetNextExists(h.NextExists())
		m.nodes--
		if after := prev.Next(); after != nil {
			after.SetPrev(prev)
		}
	}
	return nil
}

// alignUp rounds v up to the nearest multiple of align, a power of two.
func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
