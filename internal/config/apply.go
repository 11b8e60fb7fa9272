package config

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Apply sets the live-tunable setting named key on cfg. Values may be JSON or a bare
// string. It reports false for unknown keys and unparsable values.
func Apply(cfg *Config, key string, value json.RawMessage) bool {
	switch key {
	case "consensus.min_verifiers":
		return setInt(&cfg.Consensus.MinVerifiers, value)
	case "consensus.verification_timeout_seconds":
		return setInt64(&cfg.Consensus.VerificationTimeoutSeconds, value)
	case "consensus.consensus_threshold":
		return setFloat(&cfg.Consensus.ConsensusThreshold, value)
	case "consensus.reputation_threshold":
		return setFloat(&cfg.Consensus.ReputationThreshold, value)
	case "consensus.verify_uncorrelated_local":
		return setBool(&cfg.Consensus.VerifyUncorrelatedLocal, value)
	case "credibility.source_reputation_weight":
		return setFloat(&cfg.Credibility.SourceReputationWeight, value)
	case "credibility.ip_reputation_weight":
		return setFloat(&cfg.Credibility.IPReputationWeight, value)
	case "credibility.historical_accuracy_weight":
		return setFloat(&cfg.Credibility.HistoricalAccuracyWeight, value)
	case "credibility.consensus_weight":
		return setFloat(&cfg.Credibility.ConsensusWeight, value)
	case "credibility.high_confidence_threshold":
		return setFloat(&cfg.Credibility.HighConfidenceThreshold, value)
	case "credibility.medium_confidence_threshold":
		return setFloat(&cfg.Credibility.MediumConfidenceThreshold, value)
	case "credibility.recency_window_seconds":
		return setInt64(&cfg.Credibility.RecencyWindowSeconds, value)
	case "pipeline.window_seconds":
		return setInt(&cfg.Pipeline.WindowSeconds, value)
	}
	return false
}

func rawString(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(value))
}

func setInt(dst *int, value json.RawMessage) bool {
	var v int
	if err := json.Unmarshal(value, &v); err == nil {
		*dst = v
		return true
	}
	if v, err := strconv.Atoi(rawString(value)); err == nil {
		*dst = v
		return true
	}
	return false
}

func setInt64(dst *int64, value json.RawMessage) bool {
	var v int
	if !setInt(&v, value) {
		return false
	}
	*dst = int64(v)
	return true
}

// setFloat refuses NaN and infinities, which strconv accepts
func setFloat(dst *float64, value json.RawMessage) bool {
	var v float64
	if err := json.Unmarshal(value, &v); err != nil {
		if v, err = strconv.ParseFloat(rawString(value), 64); err != nil {
			return false
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	*dst = v
	return true
}

func setBool(dst *bool, value json.RawMessage) bool {
	var v bool
	if err := json.Unmarshal(value, &v); err == nil {
		*dst = v
		return true
	}
	switch strings.ToLower(rawString(value)) {
	case "true", "1":
		*dst = true
		return true
	case "false", "0":
		*dst = false
		return true
	}
	return false
}
