package heap

import (
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/MatthewZelriche/lantern-allocators/internal/segment"
)

const mib = 1 << 20

// newAllocator builds an allocator over an exactly size-byte region whose
// start is 16-byte aligned.
func newAllocator(t *testing.T, size uintptr, opts ...Option) (*LockedAllocator, uintptr) {
	t.Helper()
	buf := make([]byte, size+HeaderSize)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	off := (HeaderSize - base%HeaderSize) % HeaderSize
	start := unsafe.Add(unsafe.Pointer(unsafe.SliceData(buf)), off)

	a, err := New(start, unsafe.Add(start, size), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { runtime.KeepAlive(buf) })
	return a, uintptr(start)
}

func payloadPtr(buf []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(buf))
}

func TestWholeRegionAllocation(t *testing.T) {
	a, start := newAllocator(t, 2*mib)

	buf, err := a.Allocate(2*mib-HeaderSize, 16)
	require.NoError(t, err)
	assert.Equal(t, start+HeaderSize, uintptr(payloadPtr(buf)))
	assert.Equal(t, int(2*mib-HeaderSize), len(buf))
	for i := range buf {
		buf[i] = 0xa5
	}

	_, err = a.Allocate(16, 16)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	_, err = a.Allocate(1, 8)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.NoError(t, a.Validate())
}

func TestOversizedRequest(t *testing.T) {
	a, _ := newAllocator(t, 2*mib)

	_, err := a.Allocate(2*mib, 16)
	require.ErrorIs(t, err, ErrOutOfMemory)

	// The failed request left the region untouched.
	assert.Equal(t, HeaderSize, a.Overhead())
	assert.NoError(t, a.Validate())

	buf, err := a.Allocate(2*mib-HeaderSize, 16)
	require.NoError(t, err)
	assert.Equal(t, int(2*mib-HeaderSize), len(buf))
}

func TestRandomFillAndDrain(t *testing.T) {
	a, start := newAllocator(t, 2*mib)
	end := start + 2*mib
	rng := rand.New(rand.NewSource(42))

	var live []unsafe.Pointer
	for {
		size := uintptr(rng.Intn(1024-8+1) + 8)
		align := uintptr(1) << (rng.Intn(8) + 3)

		buf, err := a.Allocate(size, align)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			break
		}

		padded := (size + HeaderSize - 1) &^ (HeaderSize - 1)
		ptr := uintptr(payloadPtr(buf))
		assert.Equal(t, int(padded), len(buf))
		assert.Zero(t, ptr%align)
		assert.GreaterOrEqual(t, ptr, start+HeaderSize)
		assert.LessOrEqual(t, ptr+uintptr(len(buf)), end)
		assert.Equal(t, padded+HeaderSize, segment.HeaderOf(payloadPtr(buf)).Size())

		for i := range buf {
			buf[i] = byte(len(live))
		}
		live = append(live, payloadPtr(buf))
	}

	require.Greater(t, len(live), 1000, "a 2 MiB region should hold well over 1000 of these")
	require.NoError(t, a.Validate())

	rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	for _, p := range live {
		a.Deallocate(p)
	}

	assert.Equal(t, HeaderSize, a.Overhead())
	assert.NoError(t, a.Validate())

	buf, err := a.Allocate(2*mib-HeaderSize, 16)
	require.NoError(t, err)
	assert.Equal(t, int(2*mib-HeaderSize), len(buf))
}

func TestSubHeaderRequest(t *testing.T) {
	a, _ := newAllocator(t, 2*mib)

	buf, err := a.Allocate(1, 2)
	require.NoError(t, err)
	assert.Equal(t, int(HeaderSize), len(buf))
	assert.Zero(t, uintptr(payloadPtr(buf))%HeaderSize, "alignment promoted to the header size")
}

func TestSmallRegionStress(t *testing.T) {
	a, _ := newAllocator(t, mib)

	// Each allocate(8, 8) consumes one header plus one padded payload.
	capacity := mib / (2 * int(HeaderSize))
	for i := 0; i < 3*capacity; i++ {
		buf, err := a.Allocate(8, 8)
		require.NoError(t, err)
		a.Deallocate(payloadPtr(buf))
	}

	assert.Equal(t, HeaderSize, a.Overhead())
	assert.NoError(t, a.Validate())
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	a, _ := newAllocator(t, mib)

	for _, align := range []uintptr{8, 16, 64, 4096} {
		buf, err := a.Allocate(100, align)
		require.NoError(t, err)
		a.Deallocate(payloadPtr(buf))

		assert.Equal(t, HeaderSize, a.Overhead(), "align %d", align)
		assert.NoError(t, a.Validate(), "align %d", align)
	}
}

func TestFirstFit(t *testing.T) {
	a, _ := newAllocator(t, mib)

	first, err := a.Allocate(256, 16)
	require.NoError(t, err)
	second, err := a.Allocate(256, 16)
	require.NoError(t, err)
	_, err = a.Allocate(256, 16)
	require.NoError(t, err)

	// Free the two leading blocks; they coalesce into one hole at the
	// region start. The next allocation must come out of that hole, not
	// the much larger free tail behind the third block.
	a.Deallocate(payloadPtr(first))
	a.Deallocate(payloadPtr(second))

	buf, err := a.Allocate(64, 16)
	require.NoError(t, err)
	assert.Equal(t, payloadPtr(first), payloadPtr(buf))
	assert.NoError(t, a.Validate())
}

func TestAllocateContractViolations(t *testing.T) {
	a, _ := newAllocator(t, mib)

	assert.Panics(t, func() { a.Allocate(16, 0) })
	assert.Panics(t, func() { a.Allocate(16, 3) })
}

func TestDeallocateContractViolations(t *testing.T) {
	a, _ := newAllocator(t, mib)

	assert.Panics(t, func() { a.Deallocate(nil) })

	var outside byte
	assert.Panics(t, func() { a.Deallocate(unsafe.Pointer(&outside)) })

	buf, err := a.Allocate(64, 16)
	require.NoError(t, err)
	a.Deallocate(payloadPtr(buf))
	assert.Panics(t, func() { a.Deallocate(payloadPtr(buf)) }, "double free")
}

func TestStats(t *testing.T) {
	a, _ := newAllocator(t, mib)

	buf, err := a.Allocate(100, 16)
	require.NoError(t, err)
	_, err = a.Allocate(2*mib, 16)
	require.ErrorIs(t, err, ErrOutOfMemory)

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Allocations)
	assert.Equal(t, uint64(0), stats.Releases)
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, uint64(112+HeaderSize), stats.BytesInUse)

	a.Deallocate(payloadPtr(buf))
	stats = a.Stats()
	assert.Equal(t, uint64(1), stats.Releases)
	assert.Equal(t, uint64(0), stats.BytesInUse)
}

// countingLocker counts acquisitions to show the injected primitive is
// the one actually guarding the allocator.
type countingLocker struct {
	mu    sync.Mutex
	locks int
}

func (l *countingLocker) Lock() {
	l.mu.Lock()
	l.locks++
}

func (l *countingLocker) Unlock() {
	l.mu.Unlock()
}

func TestWithLocker(t *testing.T) {
	locker := &countingLocker{}
	a, _ := newAllocator(t, mib, WithLocker(locker))

	buf, err := a.Allocate(64, 16)
	require.NoError(t, err)
	a.Deallocate(payloadPtr(buf))

	assert.Equal(t, 2, locker.locks)
}

func TestParallelStress(t *testing.T) {
	a, _ := newAllocator(t, 2*mib)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w + 1)))
			for i := 0; i < 500; i++ {
				size := uintptr(rng.Intn(512) + 1)
				align := uintptr(1) << (rng.Intn(6) + 3)

				buf, err := a.Allocate(size, align)
				if err != nil {
					// Transient exhaustion under contention is fine.
					continue
				}
				fill := byte(w + 1)
				for j := range buf {
					buf[j] = fill
				}
				for j := range buf {
					if buf[j] != fill {
						return assert.AnError
					}
				}
				a.Deallocate(payloadPtr(buf))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, HeaderSize, a.Overhead())
	assert.NoError(t, a.Validate())
}
