package memory

// Platform is the pass-through allocator for long-lived subsystems (VM
// core, objects, modules, stdlib). It defers to the Go heap and only keeps
// the counters; lifetime is whatever the runtime's collector decides.
type Platform struct {
	name  string
	stats Stats
}

func NewPlatform(name string) *Platform {
	return &Platform{name: name}
}

func (p *Platform) Name() string { return p.name }

func (p *Platform) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	p.stats.record(size)
	return make([]byte, size)
}

func (p *Platform) AllocTagged(size int, tag string) []byte {
	return p.Alloc(size)
}

func (p *Platform) Realloc(buf []byte, newSize int) []byte {
	if newSize <= len(buf) {
		p.stats.release(len(buf) - newSize)
		return buf[:newSize]
	}
	fresh := make([]byte, newSize)
	copy(fresh, buf)
	p.stats.record(newSize - len(buf))
	return fresh
}

func (p *Platform) Free(buf []byte) {
	if buf == nil {
		return
	}
	p.stats.release(len(buf))
}

// Reset clears the counters. The underlying memory belongs to the Go heap.
func (p *Platform) Reset() {
	p.stats = Stats{}
}

func (p *Platform) Stats() Stats { return p.stats }
