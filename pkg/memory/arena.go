package memory

// arenaAlignment keeps every handed-out buffer 16-byte aligned within its
// block, matching the widest alignment the runtime stores in arena memory.
const arenaAlignment = 16

// DefaultArenaSize is the block size used when the config does not set one.
const DefaultArenaSize = 64 * 1024

// Arena is a bump allocator. Allocation advances an offset within the
// current block; when a block is exhausted a new one is chained on. Free is
// a no-op and Reset reclaims every block at once, which is what makes
// arenas the right home for phase-scoped data (AST, parser scratch,
// compiler state): the whole phase's memory goes away in O(1).
type Arena struct {
	name      string
	blockSize int
	blocks    [][]byte
	oversized [][]byte // requests larger than a block get their own
	current   int      // index of the block being bumped
	offset    int      // next free byte within blocks[current]
	stats     Stats
}

// NewArena creates an arena with the given block size. Oversized requests
// get a dedicated block and do not disturb the bump pointer.
func NewArena(name string, blockSize int) *Arena {
	if blockSize <= 0 {
		blockSize = DefaultArenaSize
	}
	a := &Arena{
		name:      name,
		blockSize: blockSize,
	}
	a.blocks = append(a.blocks, make([]byte, blockSize))
	return a
}

func (a *Arena) Name() string { return a.name }

func align(n int) int {
	return (n + arenaAlignment - 1) &^ (arenaAlignment - 1)
}

func (a *Arena) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	aligned := align(size)

	if aligned > a.blockSize {
		block := make([]byte, aligned)
		a.oversized = append(a.oversized, block)
		a.stats.record(size)
		return block[:size]
	}

	if a.offset+aligned > len(a.blocks[a.current]) {
		a.advance()
	}
	buf := a.blocks[a.current][a.offset : a.offset+size : a.offset+aligned]
	a.offset += aligned
	a.stats.record(size)
	return buf
}

// advance moves to the next block, reusing one retained by a prior Reset
// when available.
func (a *Arena) advance() {
	a.current++
	if a.current == len(a.blocks) {
		a.blocks = append(a.blocks, make([]byte, a.blockSize))
	}
	a.offset = 0
}

func (a *Arena) AllocTagged(size int, tag string) []byte {
	return a.Alloc(size)
}

// Realloc in an arena always copies; the old buffer stays where it is
// until the next Reset.
func (a *Arena) Realloc(buf []byte, newSize int) []byte {
	if newSize <= len(buf) {
		return buf[:newSize]
	}
	fresh := a.Alloc(newSize)
	copy(fresh, buf)
	return fresh
}

// Free is a no-op. Arena memory is reclaimed wholesale by Reset.
func (a *Arena) Free(buf []byte) {}

// Reset rewinds the arena to empty. Blocks are retained and zeroed for
// reuse, so a compile-reset-compile cycle does not thrash the Go heap.
// Every buffer handed out before the reset is invalid afterwards.
func (a *Arena) Reset() {
	for _, block := range a.blocks {
		clear(block)
	}
	a.oversized = nil
	a.current = 0
	a.offset = 0
	a.stats.TotalFreed += a.stats.CurrentUsage
	a.stats.FreeCount = a.stats.AllocationCount
	a.stats.CurrentUsage = 0
}

func (a *Arena) Stats() Stats { return a.stats }

// BlockCount reports how many blocks the arena currently holds.
func (a *Arena) BlockCount() int { return len(a.blocks) }
