package segment

import (
	"fmt"
	"unsafe"
)

// Validate walks the block list and checks the structural invariants the
// manager maintains: the blocks partition the region exactly, links are
// consistent in both directions, sizes are legal, payloads are aligned,
// and no two adjacent blocks are both free. It reports the first
// violation found. Intended for tests and diagnostics; it holds no lock.
func (m *Manager) Validate() error {
	if uintptr(unsafe.Pointer(m.head)) != m.start {
		return fmt.Errorf("segment: head %#x is not the region start %#x", uintptr(unsafe.Pointer(m.head)), m.start)
	}

	var (
		sum   uintptr
		nodes int
		prev  *Header
	)
	for h := m.head; ; h = h.Next() {
		size := h.Size()
		if size < HeaderSize || size%HeaderSize != 0 {
			return fmt.Errorf("segment: block %#x has illegal size %d", h.addr(), size)
		}
		if h.Prev() != prev {
			return fmt.Errorf("segment: block %#x prev points at %p, expected %p", h.addr(), h.Prev(), prev)
		}
		if uintptr(h.Payload())%HeaderSize != 0 {
			return fmt.Errorf("segment: block %#x payload is misaligned", h.addr())
		}
		if h.End() > m.end {
			return fmt.Errorf("segment: block %#x ends at %#x past region end %#x", h.addr(), h.End(), m.end)
		}
		if prev != nil && !prev.InUse() && !h.InUse() {
			return fmt.Errorf("segment: adjacent free blocks at %#x and %#x", prev.addr(), h.addr())
		}

		sum += size
		nodes++

		if !h.NextExists() {
			if h.End() != m.end {
				return fmt.Errorf("segment: last block ends at %#x, region ends at %#x", h.End(), m.end)
			}
			break
		}
		prev = h
	}

	if sum != m.Size() {
		return fmt.Errorf("segment: block sizes sum to %d, region spans %d", sum, m.Size())
	}
	if nodes != m.nodes {
		return fmt.Errorf("segment: walked %d blocks, node count says %d", nodes, m.nodes)
	}
	return nil
}
