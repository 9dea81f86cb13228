// Command lanternheap maps a region, drives a randomized allocate/free
// workload against the heap allocator, and reports the outcome. Useful
// as a smoke test and a fragmentation probe.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"unsafe"

	"github.com/MatthewZelriche/lantern-allocators/pkg/heap"
	"github.com/MatthewZelriche/lantern-allocators/pkg/region"
)

func main() {
	var (
		regionSize = flag.Int("region", 2<<20, "region size in bytes")
		ops        = flag.Int("ops", 100000, "number of allocate/free operations")
		maxAlloc   = flag.Int("max-alloc", 1024, "largest allocation size in bytes")
		seed       = flag.Int64("seed", 1, "workload seed")
	)
	flag.Parse()

	if err := run(*regionSize, *ops, *maxAlloc, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "lanternheap: %v\n", err)
		os.Exit(1)
	}
}

func run(regionSize, ops, maxAlloc int, seed int64) error {
	reg, err := region.Map(regionSize)
	if err != nil {
		return err
	}
	defer reg.Close()

	alloc, err := heap.New(reg.Start(), reg.End(), heap.WithMetrics(true))
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(seed))
	var live []unsafe.Pointer

	for i := 0; i < ops; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(live))
			alloc.Deallocate(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		size := uintptr(rng.Intn(maxAlloc) + 1)
		align := uintptr(1) << rng.Intn(9)
		buf, err := alloc.Allocate(size, align)
		if err != nil {
			// Region exhausted for this size; drain one block and move on.
			if len(live) == 0 {
				return fmt.Errorf("allocation of %d bytes failed on an empty heap: %w", size, err)
			}
			alloc.Deallocate(live[len(live)-1])
			live = live[:len(live)-1]
			continue
		}
		for j := range buf {
			buf[j] = byte(i)
		}
		live = append(live, unsafe.Pointer(unsafe.SliceData(buf)))
	}

	for _, p := range live {
		alloc.Deallocate(p)
	}

	if err := alloc.Validate(); err != nil {
		return fmt.Errorf("invariant check failed: %w", err)
	}

	stats := alloc.Stats()
	fmt.Printf("region:      %d bytes\n", alloc.Size())
	fmt.Printf("allocations: %d\n", stats.Allocations)
	fmt.Printf("releases:    %d\n", stats.Releases)
	fmt.Printf("failures:    %d\n", stats.Failures)
	fmt.Printf("overhead:    %d bytes\n", alloc.Overhead())
	return nil
}
