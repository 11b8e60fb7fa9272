package pipeline

import (
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
)

// Buffer holds evidence waiting for correlation, separated by origin, with garbage
// collection of entries older than the window
type Buffer struct {
	mu          sync.Mutex
	origins     map[model.Origin][]entry
	maxAge      time.Duration
	maxBuffered int
	now         func() time.Time

	gcTicker *time.Ticker
	stopGC   chan struct{}
}

// entry wraps evidence with the time it was received
type entry struct {
	Evidence model.Evidence
	Received time.Time
}

// Batch is the evidence taken out of the buffer by one Drain
type Batch struct {
	local    []entry
	upstream []entry
}

// Local returns the drained local evidence, oldest first
func (b Batch) Local() []model.Evidence { return evidenceOf(b.local) }

// Upstream returns the drained upstream evidence, oldest first
func (b Batch) Upstream() []model.Evidence { return evidenceOf(b.upstream) }

// Len is the number of records in the batch
func (b Batch) Len() int { return len(b.local) + len(b.upstream) }

func evidenceOf(entries []entry) []model.Evidence {
	out := make([]model.Evidence, len(entries))
	for i, e := range entries {
		out[i] = e.Evidence
	}
	return out
}

// NewBuffer creates a buffer that keeps evidence for maxAge and at most maxBuffered records
func NewBuffer(maxAge time.Duration, maxBuffered int) *Buffer {
	return &Buffer{
		origins: map[model.Origin][]entry{
			model.OriginLocal:    {},
			model.OriginUpstream: {},
		},
		maxAge:      maxAge,
		maxBuffered: maxBuffered,
		now:         time.Now,
	}
}

// SetMaxAge changes the window used by subsequent garbage collections
func (b *Buffer) SetMaxAge(maxAge time.Duration) {
	b.mu.Lock()
	b.maxAge = maxAge
	b.mu.Unlock()
}

// StartGC starts the garbage collection routine
func (b *Buffer) StartGC(gcInterval time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gcTicker != nil {
		return
	}

	b.gcTicker = time.NewTicker(gcInterval)
	b.stopGC = make(chan struct{})

	go b.gcRoutine(b.gcTicker, b.stopGC)
}

// StopGC stops the garbage collection routine
func (b *Buffer) StopGC() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gcTicker != nil {
		b.gcTicker.Stop()
		b.gcTicker = nil
	}
	if b.stopGC != nil {
		close(b.stopGC)
		b.stopGC = nil
	}
}

func (b *Buffer) gcRoutine(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			b.GC(b.now())
		case <-stop:
			return
		}
	}
}

// Add queues evidence from origin. It returns false when the buffer is full or the
// origin is unknown.
func (b *Buffer) Add(origin model.Origin, ev model.Evidence) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ok := b.origins[origin]
	if !ok {
		return false
	}
	if b.maxBuffered > 0 && b.lenLocked() >= b.maxBuffered {
		return false
	}

	b.origins[origin] = append(entries, entry{Evidence: ev, Received: b.now()})
	return true
}

// Drain empties the buffer and returns its contents
func (b *Buffer) Drain() Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := Batch{
		local:    b.origins[model.OriginLocal],
		upstream: b.origins[model.OriginUpstream],
	}
	b.origins[model.OriginLocal] = []entry{}
	b.origins[model.OriginUpstream] = []entry{}
	return batch
}

// Requeue puts a drained batch back in front of anything received since. Requeued
// entries keep their receive time, so they still age out of the window.
func (b *Buffer) Requeue(batch Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.origins[model.OriginLocal] = append(append([]entry{}, batch.local...), b.origins[model.OriginLocal]...)
	b.origins[model.OriginUpstream] = append(append([]entry{}, batch.upstream...), b.origins[model.OriginUpstream]...)
}

// GC removes entries received before now minus the window and returns how many were removed
func (b *Buffer) GC(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.maxAge)
	removed := 0

	for origin, entries := range b.origins {
		kept := make([]entry, 0, len(entries))
		for _, e := range entries {
			if e.Received.After(cutoff) {
				kept = append(kept, e)
			}
		}
		removed += len(entries) - len(kept)
		b.origins[origin] = kept
	}
	return removed
}

// Len returns the number of buffered records
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

func (b *Buffer) lenLocked() int {
	n := 0
	for _, entries := range b.origins {
		n += len(entries)
	}
	return n
}

// BufferStats describes what is waiting for correlation
type BufferStats struct {
	Local       int    `json:"local"`
	Upstream    int    `json:"upstream"`
	MaxBuffered int    `json:"max_buffered"`
	MaxAge      string `json:"max_age"`
}

// GetStats returns statistics about the buffer
func (b *Buffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		Local:       len(b.origins[model.OriginLocal]),
		Upstream:    len(b.origins[model.OriginUpstream]),
		MaxBuffered: b.maxBuffered,
		MaxAge:      b.maxAge.String(),
	}
}
