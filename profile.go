//go:build linux

package iouring

import (
	"log/slog"
	"sync"
	"time"
)

// opHistogram is a minimal per-operation-kind latency summary: count,
// min, max, and sum, good enough to log a mean and a worst case at
// Close without pulling in a metrics library for a single diagnostic
// printout. The fields spec.md leaves unspecified (percentiles,
// buckets) are intentionally not modeled.
type opHistogram struct {
	count int64
	min   time.Duration
	max   time.Duration
	sum   time.Duration
}

func (h *opHistogram) record(d time.Duration) {
	if h.count == 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}
	h.sum += d
	h.count++
}

func (h *opHistogram) mean() time.Duration {
	if h.count == 0 {
		return 0
	}
	return h.sum / time.Duration(h.count)
}

// profiler aggregates opHistograms per operation name. Only attached to
// a Ring when WithProfileOnDrop is set.
type profiler struct {
	mu   sync.Mutex
	byOp map[string]*opHistogram
}

func newProfiler() *profiler {
	return &profiler{byOp: make(map[string]*opHistogram)}
}

func (p *profiler) record(op string, d time.Duration) {
	p.mu.Lock()
	h, ok := p.byOp[op]
	if !ok {
		h = &opHistogram{}
		p.byOp[op] = h
	}
	h.record(d)
	p.mu.Unlock()
}

// logSummary emits one log line per operation kind that was recorded.
func (p *profiler) logSummary(logger *slog.Logger) {
	if logger == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for op, h := range p.byOp {
		logger.Info("operation latency summary",
			slog.String("op", op),
			slog.Int64("count", h.count),
			slog.Duration("min", h.min),
			slog.Duration("max", h.max),
			slog.Duration("mean", h.mean()),
		)
	}
}
