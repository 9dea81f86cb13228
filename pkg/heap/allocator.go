// Package heap exposes the allocate/deallocate contract over a byte
// region managed by a boundary-tag segment list. One allocator owns one
// region; all protection comes from a single injected lock, so an
// allocator may be shared freely across goroutines once constructed.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/MatthewZelriche/lantern-allocators/internal/segment"
)

// HeaderSize is the per-block overhead in bytes. Requests are rounded up
// to multiples of it, alignments are promoted to at least it, and a
// region of n bytes can hand out at most n - HeaderSize payload bytes in
// a single allocation.
const HeaderSize = segment.HeaderSize

// Option configures a LockedAllocator.
type Option func(*LockedAllocator)

// WithLocker injects the mutex guarding the allocator. The default is a
// *sync.Mutex; freestanding hosts and tests substitute their own
// primitive.
func WithLocker(l sync.Locker) Option {
	return func(a *LockedAllocator) { a.mu = l }
}

// WithMetrics enables the package's prometheus counters.
func WithMetrics(enabled bool) Option {
	return func(a *LockedAllocator) { a.metrics = enabled }
}

// LockedAllocator wraps a segment manager in a mutex and carves aligned,
// variable-sized payloads out of its region. The lock covers the whole of
// each allocate and deallocate call: list scan, split, and release.
type LockedAllocator struct {
	mu  sync.Locker
	mgr *segment.Manager

	metrics bool

	allocations atomic.Uint64
	releases    atomic.Uint64
	failures    atomic.Uint64
	bytesInUse  atomic.Uint64
}

// Stats is a snapshot of allocator activity.
type Stats struct {
	Allocations uint64
	Releases    uint64
	Failures    uint64
	BytesInUse  uint64
}

// New builds an allocator over the writable region [start, end). The
// caller guarantees exclusive ownership of those bytes for the
// allocator's lifetime; start must be aligned to HeaderSize and the span
// must be a positive multiple of HeaderSize.
func New(start, end unsafe.Pointer, opts ...Option) (*LockedAllocator, error) {
	mgr, err := segment.New(start, end)
	if err != nil {
		return nil, err
	}

	a := &LockedAllocator{mu: &sync.Mutex{}, mgr: mgr}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics {
		registerMetrics()
	}
	return a, nil
}

// Allocate returns a payload of at least size bytes whose first byte is
// aligned to align, a power of two. The returned slice's length is size
// rounded up to a HeaderSize multiple. Alignments below HeaderSize are
// promoted to it: honouring a smaller alignment could place the payload
// over a neighbouring header.
//
// The first free block in physical order that can hold the aligned
// payload is used. On failure the error matches ErrOutOfMemory and the
// region is untouched.
func (a *LockedAllocator) Allocate(size, align uintptr) ([]byte, error) {
	if align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("heap: alignment %d is not a power of two", align))
	}
	if align < HeaderSize {
		align = HeaderSize
	}
	padded := alignUp(size, HeaderSize)
	request := padded + HeaderSize

	a.mu.Lock()
	var used *segment.Header
	var err error
	for h := a.mgr.First(); h != nil; h = h.Next() {
		if h.InUse() || h.SizeAllocable() < padded {
			continue
		}
		if _, ferr := a.mgr.AlignedPayload(h, request, align); ferr != nil {
			continue
		}
		used, err = a.mgr.CreateUsedSegment(h, request, align)
		break
	}
	a.mu.Unlock()

	if used == nil || err != nil {
		a.failures.Add(1)
		if a.metrics {
			allocationFailuresTotal.Inc()
		}
		return nil, &AllocError{Size: size, Align: align}
	}

	a.allocations.Add(1)
	a.bytesInUse.Add(uint64(used.Size()))
	if a.metrics {
		allocationsTotal.Inc()
	}
	return unsafe.Slice((*byte)(used.Payload()), padded), nil
}

// Deallocate releases the payload at ptr and merges the freed block with
// any free neighbour. ptr must be a pointer previously returned by
// Allocate on this allocator and not yet released; anything else means
// the heap is corrupt, and Deallocate panics rather than let the damage
// spread. The size is reconstructed from the block header, so callers
// need not remember it.
func (a *LockedAllocator) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		panic("heap: deallocate of nil pointer")
	}
	addr := uintptr(ptr)
	if addr < a.mgr.Start()+HeaderSize || addr >= a.mgr.End() {
		panic(fmt.Sprintf("heap: deallocate of %#x outside managed region [%#x, %#x)",
			addr, a.mgr.Start(), a.mgr.End()))
	}

	h := segment.HeaderOf(ptr)

	a.mu.Lock()
	size := h.Size()
	err := a.mgr.Release(h)
	a.mu.Unlock()

	if err != nil {
		panic(fmt.Sprintf("heap: release of %#x: %v", addr, err))
	}

	a.releases.Add(1)
	a.bytesInUse.Add(^uint64(size - 1))
	if a.metrics {
		releasesTotal.Inc()
	}
}

// Size returns the managed region's span in bytes.
func (a *LockedAllocator) Size() uintptr {
	return a.mgr.Size()
}

// Overhead returns the bytes currently consumed by block headers. After
// every allocation has been released it equals exactly one HeaderSize.
func (a *LockedAllocator) Overhead() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mgr.Overhead()
}

// Stats returns a snapshot of allocator activity.
func (a *LockedAllocator) Stats() Stats {
	return Stats{
		Allocations: a.allocations.Load(),
		Releases:    a.releases.Load(),
		Failures:    a.failures.Load(),
		BytesInUse:  a.bytesInUse.Load(),
	}
}

// Validate checks the managed region's structural invariants under the
// lock. Intended for tests and diagnostics.
func (a *LockedAllocator) Validate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mgr.Validate()
}

// alignUp rounds v up to the nearest multiple of align, a power of two.
func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
