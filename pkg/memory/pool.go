package memory

// DefaultPoolBlockSize is used when the config does not set one.
const DefaultPoolBlockSize = 256

// Pool is a freelist allocator for fixed-size records (GC headers, upvalue
// cells). Alloc pops from the freelist when possible, Free pushes back.
// Requests larger than the block size fall through to the Go heap and are
// not pooled.
type Pool struct {
	name      string
	blockSize int
	free      [][]byte
	stats     Stats
}

func NewPool(name string, blockSize int) *Pool {
	if blockSize <= 0 {
		blockSize = DefaultPoolBlockSize
	}
	return &Pool{name: name, blockSize: blockSize}
}

func (p *Pool) Name() string { return p.name }

// BlockSize reports the fixed record size this pool serves.
func (p *Pool) BlockSize() int { return p.blockSize }

func (p *Pool) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > p.blockSize {
		p.stats.record(size)
		return make([]byte, size)
	}
	if n := len(p.free); n > 0 {
		block := p.free[n-1]
		p.free = p.free[:n-1]
		clear(block)
		p.stats.record(size)
		return block[:size]
	}
	p.stats.record(size)
	return make([]byte, size, p.blockSize)
}

func (p *Pool) AllocTagged(size int, tag string) []byte {
	return p.Alloc(size)
}

func (p *Pool) Realloc(buf []byte, newSize int) []byte {
	if newSize <= len(buf) {
		return buf[:newSize]
	}
	fresh := p.Alloc(newSize)
	copy(fresh, buf)
	p.Free(buf)
	return fresh
}

func (p *Pool) Free(buf []byte) {
	if buf == nil {
		return
	}
	p.stats.release(len(buf))
	if cap(buf) >= p.blockSize {
		p.free = append(p.free, buf[:p.blockSize:p.blockSize])
	}
}

// Reset drops the freelist and counters.
func (p *Pool) Reset() {
	p.free = nil
	p.stats = Stats{}
}

func (p *Pool) Stats() Stats { return p.stats }

// FreeCount reports how many blocks are parked on the freelist.
func (p *Pool) FreeCount() int { return len(p.free) }
