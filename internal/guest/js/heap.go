package js

import (
	"runtime"
	"runtime/metrics"
	"sync/atomic"
	"time"
)

const (
	heapObjects    = "/memory/classes/heap/objects:bytes"
	heapSampleRate = 5 * time.Millisecond
	minGCInterval  = 100 * time.Millisecond
)

// heapGuard enforces a run's memory ceiling on the shared Go heap. goja
// allocates on the host heap, so the guard watches heap growth since the
// run began. Growth from concurrent runs is attributed to every run that
// is live at the time; the host heap therefore never grows past the
// ceiling on account of guests.
type heapGuard struct {
	limit    int64
	baseline int64
	peak     atomic.Int64
	lastGC   atomic.Int64
}

func newHeapGuard(limit int64) *heapGuard {
	return &heapGuard{limit: limit, baseline: heapInUse()}
}

func heapInUse() int64 {
	sample := []metrics.Sample{{Name: heapObjects}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(sample[0].Value.Uint64())
}

func (g *heapGuard) growth() int64 {
	grown := heapInUse() - g.baseline
	if grown < 0 {
		grown = 0
	}
	for {
		peak := g.peak.Load()
		if grown <= peak || g.peak.CompareAndSwap(peak, grown) {
			return grown
		}
	}
}

// exceeded reports whether live heap growth is past the limit. Unswept
// garbage does not count: a collection runs before the guard says yes.
// Without force, collections are rate limited and the guard answers no
// until the next one is due.
func (g *heapGuard) exceeded(force bool) bool {
	if g.limit <= 0 || g.growth() <= g.limit {
		return false
	}
	now := time.Now().UnixNano()
	if !force && now-g.lastGC.Load() < int64(minGCInterval) {
		return false
	}
	g.lastGC.Store(now)
	runtime.GC()
	return g.growth() > g.limit
}

// Peak is the largest heap growth observed.
func (g *heapGuard) Peak() int64 {
	return g.peak.Load()
}
