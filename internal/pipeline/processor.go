package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
)

// Correlator runs correlation and consensus over a batch of evidence
type Correlator interface {
	ProcessEvidenceCorrelation(local, upstream []model.Evidence) ([]model.CorrelatedResult, error)
}

// Enhancer applies and learns from credibility
type Enhancer interface {
	EnhanceThreatEvidence(evidence model.Evidence, consensusConfidence *float64) (model.Evidence, error)
	UpdateCredibility(evidence model.Evidence, accurate bool)
}

// Sink keeps enhanced evidence for queries
type Sink interface {
	Add(record model.CorrelatedResult) bool
}

// Publisher hands enhanced evidence to downstream consumers
type Publisher interface {
	PublishEnhanced(ev model.Evidence) error
}

// FlushStats summarises one flush. Unverified counts local evidence that matched nothing
// upstream and was enhanced without consensus.
type FlushStats struct {
	Drained    int `json:"drained"`
	Verified   int `json:"verified"`
	Unverified int `json:"unverified"`
	Stored     int `json:"stored"`
	Published  int `json:"published"`
}

// Processor moves buffered evidence through correlation, consensus and credibility
type Processor struct {
	buffer     *Buffer
	correlator Correlator
	enhancer   Enhancer
	sink       Sink
	publisher  Publisher
	logger     *slog.Logger

	flushMu sync.Mutex
}

// NewProcessor creates a processor. publisher may be nil, which keeps results local.
func NewProcessor(buffer *Buffer, correlator Correlator, enhancer Enhancer, sink Sink, publisher Publisher, logger *slog.Logger) *Processor {
	return &Processor{
		buffer:     buffer,
		correlator: correlator,
		enhancer:   enhancer,
		sink:       sink,
		publisher:  publisher,
		logger:     logger,
	}
}

// Flush drains the buffer and processes everything in it. If correlation fails the
// drained evidence is put back for the next flush. Per-record enhancement failures do
// not stop the others and are returned together.
//
// Verified records feed their verdict back to the reporting agent's credibility. Local
// evidence that took no part in verification is still enhanced, stored and published,
// without consensus confidence and without credibility feedback.
func (p *Processor) Flush(ctx context.Context) (FlushStats, error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	var stats FlushStats
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	batch := p.buffer.Drain()
	stats.Drained = batch.Len()
	if stats.Drained == 0 {
		return stats, nil
	}

	results, err := p.correlator.ProcessEvidenceCorrelation(batch.Local(), batch.Upstream())
	if err != nil {
		p.buffer.Requeue(batch)
		p.logger.Error("Correlation failed, evidence requeued", "drained", stats.Drained, "error", err)
		return stats, fmt.Errorf("correlation failed: %w", err)
	}
	stats.Verified = len(results)

	var errs []error
	covered := make(map[string]bool)
	for _, result := range results {
		if result.Local != nil {
			covered[result.Local.ID] = true
		}

		confidence := result.Result.ConfidenceScore
		enhanced, err := p.enhancer.EnhanceThreatEvidence(result.Evidence, &confidence)
		if err != nil {
			errs = append(errs, fmt.Errorf("enhance %s: %w", result.Evidence.ID, err))
			continue
		}
		p.enhancer.UpdateCredibility(result.Reporter(), result.Result.ConsensusVerdict)

		record := result
		record.Evidence = enhanced
		p.deliver(record, &stats)
	}

	for _, local := range batch.Local() {
		if covered[local.ID] {
			continue
		}
		enhanced, err := p.enhancer.EnhanceThreatEvidence(local, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("enhance %s: %w", local.ID, err))
			continue
		}
		stats.Unverified++

		source := local
		p.deliver(model.CorrelatedResult{
			Evidence: enhanced,
			Result: model.ConsensusResult{
				EvidenceID: local.ID,
				VerifiedBy: []string{},
				DisputedBy: []string{},
			},
			Local: &source,
		}, &stats)
	}

	p.logger.Info("Evidence batch processed",
		"drained", stats.Drained,
		"verified", stats.Verified,
		"unverified", stats.Unverified,
		"stored", stats.Stored,
		"published", stats.Published,
		"errors", len(errs))

	return stats, errors.Join(errs...)
}

// deliver stores an enhanced record and publishes its evidence. A publish failure is
// logged and does not undo the store.
func (p *Processor) deliver(record model.CorrelatedResult, stats *FlushStats) {
	if p.sink.Add(record) {
		stats.Stored++
	}

	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishEnhanced(record.Evidence); err != nil {
		p.logger.Warn("Failed to publish enhanced evidence", "evidence_id", record.Evidence.ID, "error", err)
		return
	}
	stats.Published++
}
