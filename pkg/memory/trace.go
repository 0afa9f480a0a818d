package memory

import (
	"sort"

	"github.com/tliron/commonlog"
)

var traceLog = commonlog.GetLogger("memory.trace")

// TagStats accumulates per-category counters inside a trace allocator.
type TagStats struct {
	Tag       string
	Bytes     uint64
	Count     uint64
	LiveBytes uint64
	LiveCount uint64
}

type traceEntry struct {
	size int
	tag  string
}

// Trace decorates another allocator, recording every live allocation with
// its tag so leaks can be attributed. Behavior is unchanged: every call is
// forwarded verbatim to the wrapped allocator.
type Trace struct {
	inner Allocator
	live  map[*byte]traceEntry
	tags  map[string]*TagStats
}

func NewTrace(inner Allocator) *Trace {
	return &Trace{
		inner: inner,
		live:  make(map[*byte]traceEntry),
		tags:  make(map[string]*TagStats),
	}
}

func (t *Trace) Name() string { return t.inner.Name() }

// Inner returns the wrapped allocator.
func (t *Trace) Inner() Allocator { return t.inner }

func (t *Trace) Alloc(size int) []byte {
	return t.AllocTagged(size, "untagged")
}

func (t *Trace) AllocTagged(size int, tag string) []byte {
	buf := t.inner.AllocTagged(size, tag)
	if len(buf) > 0 {
		t.track(buf, tag)
	}
	return buf
}

func (t *Trace) track(buf []byte, tag string) {
	t.live[&buf[0]] = traceEntry{size: len(buf), tag: tag}
	ts := t.tags[tag]
	if ts == nil {
		ts = &TagStats{Tag: tag}
		t.tags[tag] = ts
	}
	ts.Bytes += uint64(len(buf))
	ts.Count++
	ts.LiveBytes += uint64(len(buf))
	ts.LiveCount++
}

func (t *Trace) untrack(buf []byte) {
	if len(buf) == 0 {
		return
	}
	key := &buf[0]
	entry, ok := t.live[key]
	if !ok {
		return
	}
	delete(t.live, key)
	if ts := t.tags[entry.tag]; ts != nil {
		ts.LiveBytes -= uint64(entry.size)
		ts.LiveCount--
	}
}

func (t *Trace) Realloc(buf []byte, newSize int) []byte {
	tag := "untagged"
	if len(buf) > 0 {
		if entry, ok := t.live[&buf[0]]; ok {
			tag = entry.tag
		}
	}
	t.untrack(buf)
	fresh := t.inner.Realloc(buf, newSize)
	if len(fresh) > 0 {
		t.track(fresh, tag)
	}
	return fresh
}

func (t *Trace) Free(buf []byte) {
	t.untrack(buf)
	t.inner.Free(buf)
}

func (t *Trace) Reset() {
	t.live = make(map[*byte]traceEntry)
	for _, ts := range t.tags {
		ts.LiveBytes = 0
		ts.LiveCount = 0
	}
	t.inner.Reset()
}

func (t *Trace) Stats() Stats { return t.inner.Stats() }

// LiveCount reports how many tracked allocations have not been freed.
func (t *Trace) LiveCount() int { return len(t.live) }

// TagReport returns per-tag counters sorted by cumulative bytes.
func (t *Trace) TagReport() []TagStats {
	report := make([]TagStats, 0, len(t.tags))
	for _, ts := range t.tags {
		report = append(report, *ts)
	}
	sort.Slice(report, func(i, j int) bool {
		return report[i].Bytes > report[j].Bytes
	})
	return report
}

// ReportLeaks logs every live allocation grouped by tag. Returns the number
// of leaked allocations. Arena-backed allocators legitimately report their
// whole contents here until the arena resets.
func (t *Trace) ReportLeaks() int {
	if len(t.live) == 0 {
		return 0
	}
	traceLog.Warningf("%s: %d allocations still live", t.inner.Name(), len(t.live))
	for _, ts := range t.TagReport() {
		if ts.LiveCount > 0 {
			traceLog.Warningf("  tag %q: %d live (%d bytes)", ts.Tag, ts.LiveCount, ts.LiveBytes)
		}
	}
	return len(t.live)
}
