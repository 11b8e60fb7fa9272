package consensus

import (
	"fmt"
	"math"
	"time"
)

// Config controls the verification protocol
type Config struct {
	MinVerifiers               int     `yaml:"min_verifiers" json:"min_verifiers"`
	VerificationTimeoutSeconds int64   `yaml:"verification_timeout_seconds" json:"verification_timeout_seconds"`
	ReputationThreshold        float64 `yaml:"reputation_threshold" json:"reputation_threshold"`
	ConsensusThreshold         float64 `yaml:"consensus_threshold" json:"consensus_threshold"`
	ResultCacheSize            int     `yaml:"result_cache_size" json:"result_cache_size"`
	// VerifyUncorrelatedLocal sends local evidence that matched no upstream item
	// through verification on its own instead of dropping it
	VerifyUncorrelatedLocal bool `yaml:"verify_uncorrelated_local" json:"verify_uncorrelated_local"`
}

// DefaultConfig returns the stock protocol settings
func DefaultConfig() Config {
	return Config{
		MinVerifiers:               3,
		VerificationTimeoutSeconds: 30,
		ReputationThreshold:        0.7,
		ConsensusThreshold:         0.6,
		ResultCacheSize:            1024,
		VerifyUncorrelatedLocal:    false,
	}
}

// VerificationTimeout returns the request lifetime as a duration
func (c Config) VerificationTimeout() time.Duration {
	return time.Duration(c.VerificationTimeoutSeconds) * time.Second
}

// Validate rejects settings the engine cannot run with
func (c Config) Validate() error {
	if c.MinVerifiers < 1 {
		return fmt.Errorf("min_verifiers must be at least 1")
	}
	if c.VerificationTimeoutSeconds <= 0 {
		return fmt.Errorf("verification_timeout_seconds must be positive")
	}
	if !inUnitRange(c.ConsensusThreshold) {
		return fmt.Errorf("consensus_threshold %v outside [0,1]", c.ConsensusThreshold)
	}
	if !inUnitRange(c.ReputationThreshold) {
		return fmt.Errorf("reputation_threshold %v outside [0,1]", c.ReputationThreshold)
	}
	if c.ResultCacheSize <= 0 {
		return fmt.Errorf("result_cache_size must be positive")
	}
	return nil
}

// inUnitRange is false for NaN, which fails every comparison
func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
