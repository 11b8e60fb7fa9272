package credibility

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
)

// UpstreamChecker tells whether an agent id belongs to an upstream feed
type UpstreamChecker interface {
	IsUpstream(agentID string) bool
}

// Metrics is a read-only summary of the credibility store
type Metrics struct {
	TrackedAgents        int     `json:"total_sources_tracked"`
	TrackedIPs           int     `json:"total_ips_tracked"`
	TrackedCategories    int     `json:"total_threat_types_tracked"`
	MeanSourceReputation float64 `json:"avg_source_reputation"`
	MeanIPReputation     float64 `json:"avg_ip_reputation"`
}

// EnhanceInput is one element of a batch enhancement
type EnhanceInput struct {
	Evidence            model.Evidence
	ConsensusConfidence *float64
}

// Engine scores evidence and maintains the trust statistics in a Store
type Engine struct {
	cfg      atomic.Pointer[Config]
	store    *Store
	upstream UpstreamChecker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a credibility engine over store
func NewEngine(cfg Config, store *Store, upstream UpstreamChecker, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credibility config: %w", err)
	}
	if store == nil {
		store = NewStore()
	}
	e := &Engine{
		store:    store,
		upstream: upstream,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
	e.cfg.Store(&cfg)
	return e, nil
}

// Config returns the active configuration
func (e *Engine) Config() Config {
	return *e.cfg.Load()
}

// SetConfig swaps the configuration used by subsequent calls
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid credibility config: %w", err)
	}
	e.cfg.Store(&cfg)
	e.logger.Info("Credibility configuration updated",
		"high_confidence_threshold", cfg.HighConfidenceThreshold,
		"medium_confidence_threshold", cfg.MediumConfidenceThreshold,
		"recency_window_seconds", cfg.RecencyWindowSeconds)
	return nil
}

// Store returns the underlying trust store
func (e *Engine) Store() *Store {
	return e.store
}

// CalculateCredibilityScore returns the composite credibility of evidence in [0,1].
// consensusConfidence is optional; its weight only counts when it is supplied.
func (e *Engine) CalculateCredibilityScore(evidence model.Evidence, consensusConfidence *float64) (float64, error) {
	const op = "credibility.CalculateCredibilityScore"

	if consensusConfidence != nil {
		c := *consensusConfidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return 0, model.E(model.KindInternal, op, "consensus confidence %v outside [0,1]", c)
		}
	}

	cfg := e.Config()
	var score, totalWeight float64

	score += e.sourceReputation(evidence.AgentID) * cfg.SourceReputationWeight
	totalWeight += cfg.SourceReputationWeight

	score += e.ipReputation(evidence.SourceIP) * cfg.IPReputationWeight
	totalWeight += cfg.IPReputationWeight

	score += e.historicalAccuracy(evidence.ThreatType) * cfg.HistoricalAccuracyWeight
	totalWeight += cfg.HistoricalAccuracyWeight

	if consensusConfidence != nil {
		score += *consensusConfidence * cfg.ConsensusWeight
		totalWeight += cfg.ConsensusWeight
	}

	if totalWeight > 0 {
		score /= totalWeight
	}

	score *= e.recencyFactor(evidence.Timestamp, cfg)

	return model.Clamp01(score), nil
}

// UpdateCredibility records whether evidence turned out accurate. The three tables are
// updated in separate critical sections; each update happens regardless of the others.
func (e *Engine) UpdateCredibility(evidence model.Evidence, accurate bool) {
	source := e.store.RecordSource(evidence.AgentID, accurate)
	ip := e.store.RecordIP(evidence.SourceIP, accurate)
	category := e.store.RecordCategory(evidence.ThreatType, accurate)

	e.metrics.IncCredibilityUpdate(accurate)
	stats := e.store.stats()
	e.metrics.SetTracked(stats.TrackedAgents, stats.TrackedIPs)

	e.logger.Debug("Credibility updated",
		"evidence_id", evidence.ID,
		"agent_id", evidence.AgentID,
		"source_ip", evidence.SourceIP,
		"threat_type", evidence.ThreatType,
		"accurate", accurate,
		"source_reputation", source,
		"ip_reputation", ip,
		"category_correct", category.Correct,
		"category_total", category.Total)
}

// EnhanceThreatEvidence scores evidence, downgrades its threat level when trust is low,
// stores the score as its reputation and annotates its context.
func (e *Engine) EnhanceThreatEvidence(evidence model.Evidence, consensusConfidence *float64) (model.Evidence, error) {
	score, err := e.CalculateCredibilityScore(evidence, consensusConfidence)
	if err != nil {
		return model.Evidence{}, err
	}

	original := evidence.ThreatLevel
	evidence.ThreatLevel = e.AdjustThreatLevel(original, score)
	evidence.Reputation = score
	evidence.Context = fmt.Sprintf("%s [CREDIBILITY: %.2f]", evidence.Context, score)

	e.metrics.IncEvidenceEnhanced(evidence.ThreatLevel.String())
	e.logger.Debug("Evidence enhanced",
		"evidence_id", evidence.ID,
		"credibility", score,
		"original_level", original.String(),
		"adjusted_level", evidence.ThreatLevel.String())

	return evidence, nil
}

// BatchEnhanceThreatEvidence enhances every input in order. The first failure aborts
// the batch and no partial results are returned.
func (e *Engine) BatchEnhanceThreatEvidence(inputs []EnhanceInput) ([]model.Evidence, error) {
	enhanced := make([]model.Evidence, 0, len(inputs))

	for i, in := range inputs {
		out, err := e.EnhanceThreatEvidence(in.Evidence, in.ConsensusConfidence)
		if err != nil {
			return nil, fmt.Errorf("batch element %d (%s): %w", i, in.Evidence.ID, err)
		}
		enhanced = append(enhanced, out)
	}

	return enhanced, nil
}

// AdjustThreatLevel applies the severity rule: unchanged at or above the high threshold,
// one level lower at or above the medium threshold, Info otherwise.
func (e *Engine) AdjustThreatLevel(level model.ThreatLevel, score float64) model.ThreatLevel {
	cfg := e.Config()
	switch {
	case score >= cfg.HighConfidenceThreshold:
		return level
	case score >= cfg.MediumConfidenceThreshold:
		return level.Lower()
	default:
		return model.Info
	}
}

// GetMetrics returns a snapshot of the store sizes and mean reputations
func (e *Engine) GetMetrics() Metrics {
	return e.store.stats()
}

// SourceReputation returns the reputation used for agentID when scoring
func (e *Engine) SourceReputation(agentID string) float64 {
	return e.sourceReputation(agentID)
}

func (e *Engine) sourceReputation(agentID string) float64 {
	// Upstream feeds get a fixed high trust that overrides the store
	if e.upstream != nil && e.upstream.IsUpstream(agentID) {
		return UpstreamSourceReputation
	}
	if rep, ok := e.store.SourceReputation(agentID); ok {
		return rep
	}
	return DefaultSourceReputation
}

func (e *Engine) ipReputation(ip string) float64 {
	if rep, ok := e.store.IPReputation(ip); ok {
		return rep
	}
	return DefaultIPReputation
}

func (e *Engine) historicalAccuracy(t model.ThreatType) float64 {
	if ratio, ok := e.store.CategoryAccuracy(t).Ratio(); ok {
		return ratio
	}
	return DefaultHistoricalAccuracy
}

// recencyFactor is 1.0 inside the recency window and decays linearly toward 0.5 past it.
// Evidence stamped in the future counts as fresh.
func (e *Engine) recencyFactor(timestamp int64, cfg Config) float64 {
	age := e.now().Unix() - timestamp
	window := cfg.RecencyWindowSeconds
	if age <= window || window <= 0 {
		return 1.0
	}
	decay := 1.0 - math.Min(float64(age)/float64(window), 1.0)
	return 0.5 + decay*0.5
}
