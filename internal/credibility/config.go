package credibility

import (
	"fmt"
	"math"
)

// Config controls how credibility scores are computed
type Config struct {
	SourceReputationWeight    float64 `yaml:"source_reputation_weight" json:"source_reputation_weight"`
	IPReputationWeight        float64 `yaml:"ip_reputation_weight" json:"ip_reputation_weight"`
	HistoricalAccuracyWeight  float64 `yaml:"historical_accuracy_weight" json:"historical_accuracy_weight"`
	ConsensusWeight           float64 `yaml:"consensus_weight" json:"consensus_weight"`
	HighConfidenceThreshold   float64 `yaml:"high_confidence_threshold" json:"high_confidence_threshold"`
	MediumConfidenceThreshold float64 `yaml:"medium_confidence_threshold" json:"medium_confidence_threshold"`
	// ReputationDecayFactor is reserved for periodic decay and not used by scoring
	ReputationDecayFactor float64 `yaml:"reputation_decay_factor" json:"reputation_decay_factor"`
	RecencyWindowSeconds  int64   `yaml:"recency_window_seconds" json:"recency_window_seconds"`
}

// DefaultConfig returns the stock weights and thresholds
func DefaultConfig() Config {
	return Config{
		SourceReputationWeight:    0.3,
		IPReputationWeight:        0.25,
		HistoricalAccuracyWeight:  0.25,
		ConsensusWeight:           0.2,
		HighConfidenceThreshold:   0.8,
		MediumConfidenceThreshold: 0.6,
		ReputationDecayFactor:     0.99,
		RecencyWindowSeconds:      86400,
	}
}

// Validate rejects configurations the engine cannot score with
func (c Config) Validate() error {
	weights := map[string]float64{
		"source_reputation_weight":   c.SourceReputationWeight,
		"ip_reputation_weight":       c.IPReputationWeight,
		"historical_accuracy_weight": c.HistoricalAccuracyWeight,
		"consensus_weight":           c.ConsensusWeight,
	}
	for name, w := range weights {
		if !isFinite(w) || w < 0 {
			return fmt.Errorf("%s %v must be a finite non-negative number", name, w)
		}
	}
	thresholds := map[string]float64{
		"high_confidence_threshold":   c.HighConfidenceThreshold,
		"medium_confidence_threshold": c.MediumConfidenceThreshold,
	}
	for name, th := range thresholds {
		if !isFinite(th) || th < 0 || th > 1 {
			return fmt.Errorf("%s %v outside [0,1]", name, th)
		}
	}
	if !isFinite(c.ReputationDecayFactor) {
		return fmt.Errorf("reputation_decay_factor %v is not finite", c.ReputationDecayFactor)
	}
	if c.MediumConfidenceThreshold > c.HighConfidenceThreshold {
		return fmt.Errorf("medium_confidence_threshold %.2f exceeds high_confidence_threshold %.2f",
			c.MediumConfidenceThreshold, c.HighConfidenceThreshold)
	}
	if c.RecencyWindowSeconds <= 0 {
		return fmt.Errorf("recency_window_seconds must be positive")
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
