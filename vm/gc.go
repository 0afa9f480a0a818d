package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("gc")

// Approximate per-object byte costs used for heap accounting. Go owns the
// real memory; these keep the collection threshold meaningful.
const (
	baseObjectSize   = 64
	baseClosureSize  = 48
	baseFunctionSize = 96
	baseUpvalueSize  = 32
)

// GCConfig tunes the collector. The zero value is usable; DefaultGCConfig
// matches the interpreter's built-in defaults.
type GCConfig struct {
	HeapGrowFactor      float64 `toml:"heap_grow_factor"`
	MinHeapSize         uint64  `toml:"min_heap_size"`
	MaxHeapSize         uint64  `toml:"max_heap_size"` // 0 = unlimited
	GCThreshold         uint64  `toml:"gc_threshold"`
	Incremental         bool    `toml:"incremental"`
	IncrementalStepSize int     `toml:"incremental_step_size"` // work units per step
	StressTest          bool    `toml:"stress_test"`           // collect on every allocation
	Verbose             bool    `toml:"verbose"`
}

// DefaultGCConfig returns the defaults the VM starts with.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		HeapGrowFactor:      2,
		MinHeapSize:         1 << 20,
		MaxHeapSize:         0,
		GCThreshold:         1 << 20,
		Incremental:         false,
		IncrementalStepSize: 1024,
	}
}

// GCStats is a snapshot of collector counters.
type GCStats struct {
	Collections       uint64
	BytesAllocated    uint64
	BytesFreed        uint64
	HeapSize          uint64
	PeakHeapSize      uint64
	ObjectsTracked    uint64
	ObjectsFreed      uint64
	LastPause         time.Duration
	TotalPause        time.Duration
	IncrementalCycles uint64
	WriteBarrierHits  uint64
}

type gcColor uint8

const (
	gcWhite gcColor = iota // not yet reached; collectible after marking
	gcGray                 // reached, children pending
	gcBlack                // reached, children visited
)

// GCPhase identifies where an incremental cycle currently is.
type GCPhase int

const (
	PhaseNone GCPhase = iota
	PhaseMarkRoots
	PhaseMark
	PhaseSweep
)

func (p GCPhase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseMarkRoots:
		return "mark-roots"
	case PhaseMark:
		return "mark"
	case PhaseSweep:
		return "sweep"
	}
	return "unknown"
}

// gcHeader is the per-object bookkeeping record. Headers form an intrusive
// doubly-linked list for sweeping; the headers map gives O(1) lookup from a
// tracked object.
type gcHeader struct {
	obj    any
	size   int
	color  gcColor
	pinned bool
	prev   *gcHeader
	next   *gcHeader
}

// GC is the tri-color mark-sweep collector. Tracked objects are *Object,
// *Closure, *Upvalue, *Function and *StructType; values of primitive kinds
// never enter the heap. A synchronous Collect marks everything reachable
// from the VM's roots and drops the rest; in incremental mode the same
// cycle is spread over allocation-triggered steps with a write barrier
// keeping the invariant that no black object points at an unmarked white
// one.
type GC struct {
	vm      *VM
	config  GCConfig
	headers map[any]*gcHeader
	head    *gcHeader
	gray    []*gcHeader

	bytesSinceGC uint64
	threshold    uint64
	phase        GCPhase
	sweepCursor  *gcHeader
	stats        GCStats

	// collecting guards against re-entrant collection from allocations
	// made inside the mark or sweep paths.
	collecting bool
}

// NewGC creates a collector bound to a VM.
func NewGC(vm *VM, config GCConfig) *GC {
	if config.HeapGrowFactor <= 1 {
		config.HeapGrowFactor = 2
	}
	if config.IncrementalStepSize <= 0 {
		config.IncrementalStepSize = 1024
	}
	threshold := config.GCThreshold
	if threshold == 0 {
		threshold = config.MinHeapSize
	}
	if threshold == 0 {
		threshold = 1 << 20
	}
	return &GC{
		vm:        vm,
		config:    config,
		headers:   make(map[any]*gcHeader),
		threshold: threshold,
	}
}

// Stats returns a copy of the collector's counters.
func (gc *GC) Stats() GCStats { return gc.stats }

// Phase returns the current incremental phase.
func (gc *GC) Phase() GCPhase { return gc.phase }

// TrackedCount reports how many objects the collector currently manages.
func (gc *GC) TrackedCount() int { return len(gc.headers) }

// ----------------------------------------------------------------------------
// Allocation
// ----------------------------------------------------------------------------

// allocate registers a newly created heap object and runs collection work
// when the byte budget calls for it. New objects are born white; during an
// active mark phase they are born gray instead so a cycle that is already
// past its roots cannot miss them.
func (gc *GC) allocate(obj any, size int) {
	if !gc.collecting {
		if gc.config.StressTest {
			gc.Collect()
		} else if gc.config.Incremental {
			if gc.phase == PhaseNone && gc.bytesSinceGC > gc.threshold {
				gc.startCycle()
			}
			if gc.phase != PhaseNone {
				gc.Step(gc.config.IncrementalStepSize)
			}
		} else if gc.bytesSinceGC > gc.threshold {
			gc.Collect()
		}
	}

	h := &gcHeader{obj: obj, size: size}
	if gc.phase == PhaseMark || gc.phase == PhaseMarkRoots {
		h.color = gcGray
		gc.gray = append(gc.gray, h)
	}
	h.next = gc.head
	if gc.head != nil {
		gc.head.prev = h
	}
	gc.head = h
	gc.headers[obj] = h

	gc.bytesSinceGC += uint64(size)
	gc.stats.BytesAllocated += uint64(size)
	gc.stats.HeapSize += uint64(size)
	gc.stats.ObjectsTracked++
	if gc.stats.HeapSize > gc.stats.PeakHeapSize {
		gc.stats.PeakHeapSize = gc.stats.HeapSize
	}
}

// Pin exempts an object from collection until Unpin. Used for objects
// referenced only from native code.
func (gc *GC) Pin(obj any) {
	if h, ok := gc.headers[obj]; ok {
		h.pinned = true
	}
}

// Unpin releases a pin.
func (gc *GC) Unpin(obj any) {
	if h, ok := gc.headers[obj]; ok {
		h.pinned = false
	}
}

// ----------------------------------------------------------------------------
// Synchronous collection
// ----------------------------------------------------------------------------

// Collect runs one full mark-sweep cycle. If an incremental cycle is in
// flight it is finished first so the heap never sees two overlapping
// cycles.
func (gc *GC) Collect() {
	if gc.collecting {
		return
	}
	gc.collecting = true
	defer func() { gc.collecting = false }()

	start := time.Now()
	before := gc.stats.HeapSize

	if gc.phase != PhaseNone {
		gc.finishCycle()
	} else {
		gc.whiten()
		gc.markRoots()
		gc.drainGray()
		gc.sweep()
	}
	gc.endCycle(start, before)
}

func (gc *GC) endCycle(start time.Time, before uint64) {
	gc.bytesSinceGC = 0
	gc.threshold = gc.nextThreshold()
	gc.stats.Collections++
	pause := time.Since(start)
	gc.stats.LastPause = pause
	gc.stats.TotalPause += pause

	if gc.config.Verbose {
		gcLog.Infof("collection %d: %d -> %d bytes, %d objects live, next threshold %d, pause %s",
			gc.stats.Collections, before, gc.stats.HeapSize, len(gc.headers), gc.threshold, pause)
	}
}

// nextThreshold computes max(live*growFactor, minHeap), capped at maxHeap.
func (gc *GC) nextThreshold() uint64 {
	next := uint64(float64(gc.stats.HeapSize) * gc.config.HeapGrowFactor)
	if next < gc.config.MinHeapSize {
		next = gc.config.MinHeapSize
	}
	if next == 0 {
		next = 1 << 20
	}
	if gc.config.MaxHeapSize > 0 && next > gc.config.MaxHeapSize {
		next = gc.config.MaxHeapSize
	}
	return next
}

func (gc *GC) whiten() {
	for h := gc.head; h != nil; h = h.next {
		h.color = gcWhite
	}
	gc.gray = gc.gray[:0]
}

// ----------------------------------------------------------------------------
// Marking
// ----------------------------------------------------------------------------

// markRoots grays everything directly reachable from the VM: the value
// stack, VM globals, module scopes and globals, frame closures, and the
// open upvalue list.
func (gc *GC) markRoots() {
	v := gc.vm

	for i := 0; i < v.sp; i++ {
		gc.markValue(v.stack[i])
	}
	for _, g := range v.globals {
		gc.markValue(g)
	}
	for _, m := range v.modules {
		gc.markModule(m)
	}
	for i := 0; i < v.frameCount; i++ {
		if v.frames[i].closure != nil {
			gc.markObject(v.frames[i].closure)
		}
	}
	for uv := v.openUpvalues; uv != nil; uv = uv.next {
		gc.markObject(uv)
	}
	for _, h := range gc.headers {
		if h.pinned {
			gc.markHeader(h)
		}
	}
}

func (gc *GC) markModule(m *Module) {
	for _, entry := range m.scope.entries {
		gc.markValue(entry.value)
	}
	for _, val := range m.globals {
		gc.markValue(val)
	}
	for _, val := range m.exports {
		gc.markValue(val.value)
	}
	if m.moduleObject != nil {
		gc.markObject(m.moduleObject)
	}
}

func (gc *GC) markValue(v Value) {
	if ref := v.heapRef(); ref != nil {
		gc.markObject(ref)
	}
}

// markObject grays a tracked object. Untracked references (builtin
// prototypes created before any VM existed) are ignored; they are immortal
// by construction.
func (gc *GC) markObject(obj any) {
	h, ok := gc.headers[obj]
	if !ok {
		return
	}
	gc.markHeader(h)
}

func (gc *GC) markHeader(h *gcHeader) {
	if h.color != gcWhite {
		return
	}
	h.color = gcGray
	gc.gray = append(gc.gray, h)
}

// drainGray blackens gray objects until none remain.
func (gc *GC) drainGray() {
	for len(gc.gray) > 0 {
		gc.blackenNext()
	}
}

// blackenNext pops one gray object and marks its children. This is the
// unit of incremental mark work.
func (gc *GC) blackenNext() {
	n := len(gc.gray)
	h := gc.gray[n-1]
	gc.gray = gc.gray[:n-1]
	h.color = gcBlack
	gc.markChildren(h.obj)
}

// markChildren visits every reference held by a tracked object. The
// incremental path uses the same traversal as the synchronous one, so a
// completed incremental cycle retains exactly what a synchronous collection
// would.
func (gc *GC) markChildren(obj any) {
	switch o := obj.(type) {
	case *Object:
		for _, key := range o.keys {
			gc.markValue(o.props[key])
		}
		if o.proto != nil {
			gc.markObject(o.proto)
		}
	case *Closure:
		gc.markObject(o.Function)
		for _, uv := range o.Upvalues {
			if uv != nil {
				gc.markObject(uv)
			}
		}
	case *Upvalue:
		if o.isClosed {
			gc.markValue(o.closed)
		}
	case *Function:
		if o.Chunk != nil {
			for _, c := range o.Chunk.Constants {
				gc.markValue(c)
			}
		}
	case *StructType:
		if o.Proto != nil {
			gc.markObject(o.Proto)
		}
	}
}

// ----------------------------------------------------------------------------
// Sweeping
// ----------------------------------------------------------------------------

// sweep frees every white unpinned object.
func (gc *GC) sweep() {
	h := gc.head
	for h != nil {
		next := h.next
		if h.color == gcWhite && !h.pinned {
			gc.free(h)
		}
		h = next
	}
}

func (gc *GC) free(h *gcHeader) {
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		gc.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	delete(gc.headers, h.obj)

	gc.stats.BytesFreed += uint64(h.size)
	if uint64(h.size) <= gc.stats.HeapSize {
		gc.stats.HeapSize -= uint64(h.size)
	} else {
		gc.stats.HeapSize = 0
	}
	gc.stats.ObjectsFreed++
}

// ----------------------------------------------------------------------------
// Incremental collection
// ----------------------------------------------------------------------------

// startCycle begins an incremental cycle by whitening the heap.
func (gc *GC) startCycle() {
	gc.whiten()
	gc.phase = PhaseMarkRoots
	gc.stats.IncrementalCycles++
	if gc.config.Verbose {
		gcLog.Debugf("incremental cycle started (%d objects tracked)", len(gc.headers))
	}
}

// Step performs up to budget units of collection work and returns true
// when the cycle completed. One unit is one object blackened or swept.
// Root marking runs in a single unit; the root set is bounded by the stack
// and frame limits.
func (gc *GC) Step(budget int) bool {
	if gc.phase == PhaseNone {
		return true
	}
	gc.collecting = true
	defer func() { gc.collecting = false }()

	start := time.Now()
	before := gc.stats.HeapSize

	for budget > 0 {
		switch gc.phase {
		case PhaseMarkRoots:
			gc.markRoots()
			gc.phase = PhaseMark
			budget--

		case PhaseMark:
			if len(gc.gray) == 0 {
				// Mutators may have moved references onto the stack or into
				// globals since the root scan; one more root pass closes that
				// window before anything is swept.
				gc.markRoots()
				if len(gc.gray) != 0 {
					continue
				}
				gc.phase = PhaseSweep
				gc.sweepCursor = gc.head
				continue
			}
			gc.blackenNext()
			budget--

		case PhaseSweep:
			if gc.sweepCursor == nil {
				gc.phase = PhaseNone
				gc.endCycle(start, before)
				return true
			}
			h := gc.sweepCursor
			gc.sweepCursor = h.next
			if h.color == gcWhite && !h.pinned {
				gc.free(h)
			}
			budget--

		case PhaseNone:
			return true
		}
	}
	return false
}

// finishCycle drives an in-flight incremental cycle to completion.
func (gc *GC) finishCycle() {
	for gc.phase != PhaseNone {
		switch gc.phase {
		case PhaseMarkRoots:
			gc.markRoots()
			gc.phase = PhaseMark
		case PhaseMark:
			gc.drainGray()
			// Roots may have gained references since the initial scan.
			gc.markRoots()
			gc.drainGray()
			gc.phase = PhaseSweep
			gc.sweepCursor = gc.head
		case PhaseSweep:
			for gc.sweepCursor != nil {
				h := gc.sweepCursor
				gc.sweepCursor = h.next
				if h.color == gcWhite && !h.pinned {
					gc.free(h)
				}
			}
			gc.phase = PhaseNone
		}
	}
}

// writeBarrier upholds the tri-color invariant during incremental marking:
// when a black container receives a reference to a white object, the
// container is re-grayed so its children get scanned again.
func (gc *GC) writeBarrier(container, child any) {
	if gc.phase != PhaseMark && gc.phase != PhaseMarkRoots {
		return
	}
	ch, ok := gc.headers[container]
	if !ok || ch.color != gcBlack {
		return
	}
	childHeader, ok := gc.headers[child]
	if !ok || childHeader.color != gcWhite {
		return
	}
	ch.color = gcGray
	gc.gray = append(gc.gray, ch)
	gc.stats.WriteBarrierHits++
}
