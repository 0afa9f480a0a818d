// Package memory provides the tiered allocator subsystem used by the
// runtime. Each runtime subsystem (objects, strings, bytecode, modules, ...)
// draws from a named allocator whose strategy matches the subsystem's
// lifetime profile: arenas for phase-scoped write-once data, pools for
// fixed-size records, and the platform allocator for long-lived structures.
package memory

import "fmt"

// Allocator is the strategy interface. All sizes are in bytes. Buffers
// returned by Alloc are zeroed. Free is advisory for arena-backed
// allocators (a no-op until the owning arena resets).
type Allocator interface {
	// Name identifies the allocator in stats and trace output.
	Name() string

	// Alloc returns a zeroed buffer of the given size.
	Alloc(size int) []byte

	// AllocTagged is Alloc with a category tag for trace accounting.
	AllocTagged(size int, tag string) []byte

	// Realloc grows or shrinks a buffer, preserving the common prefix.
	Realloc(buf []byte, newSize int) []byte

	// Free releases a buffer. Arena allocators ignore individual frees.
	Free(buf []byte)

	// Reset releases everything the allocator handed out. Buffers obtained
	// before a reset must not be used afterwards.
	Reset()

	// Stats returns a snapshot of the allocator's counters.
	Stats() Stats
}

// Stats holds allocation counters for a single allocator.
type Stats struct {
	TotalAllocated  uint64 // cumulative bytes requested
	TotalFreed      uint64 // cumulative bytes released
	CurrentUsage    uint64 // bytes live right now
	PeakUsage       uint64 // high-water mark of CurrentUsage
	AllocationCount uint64
	FreeCount       uint64
}

// Live returns the number of allocations that have not been freed.
func (s Stats) Live() uint64 {
	return s.AllocationCount - s.FreeCount
}

func (s Stats) String() string {
	return fmt.Sprintf("allocated=%d freed=%d current=%d peak=%d allocs=%d frees=%d",
		s.TotalAllocated, s.TotalFreed, s.CurrentUsage, s.PeakUsage,
		s.AllocationCount, s.FreeCount)
}

// record applies one allocation of the given size to the counters.
func (s *Stats) record(size int) {
	s.TotalAllocated += uint64(size)
	s.CurrentUsage += uint64(size)
	s.AllocationCount++
	if s.CurrentUsage > s.PeakUsage {
		s.PeakUsage = s.CurrentUsage
	}
}

// release applies one free of the given size to the counters.
func (s *Stats) release(size int) {
	s.TotalFreed += uint64(size)
	if uint64(size) <= s.CurrentUsage {
		s.CurrentUsage -= uint64(size)
	} else {
		s.CurrentUsage = 0
	}
	s.FreeCount++
}
