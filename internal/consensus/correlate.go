package consensus

import (
	"fmt"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/sign"
)

// IsCorrelated reports whether two records describe the same event: equal source IPs,
// equal flow descriptors, or one context containing the other. Empty fields never match.
func IsCorrelated(a, b model.Evidence) bool {
	if a.SourceIP != "" && b.SourceIP != "" && a.SourceIP == b.SourceIP {
		return true
	}
	if a.NetworkFlow != "" && b.NetworkFlow != "" && a.NetworkFlow == b.NetworkFlow {
		return true
	}
	if a.Context != "" && b.Context != "" &&
		(strings.Contains(a.Context, b.Context) || strings.Contains(b.Context, a.Context)) {
		return true
	}
	return false
}

// CombineEvidence merges a local record with the upstream record it correlated with.
// The local record wins wherever it has a value.
func CombineEvidence(local, upstream model.Evidence) model.Evidence {
	threatType := local.ThreatType
	if threatType == model.Unknown {
		threatType = upstream.ThreatType
	}

	timestamp := local.Timestamp
	if upstream.Timestamp > timestamp {
		timestamp = upstream.Timestamp
	}

	return model.Evidence{
		ID:            fmt.Sprintf("combined-%s-%s", local.ID, upstream.ID),
		Timestamp:     timestamp,
		SourceIP:      firstNonEmpty(local.SourceIP, upstream.SourceIP),
		TargetIP:      firstNonEmpty(local.TargetIP, upstream.TargetIP),
		ThreatType:    threatType,
		ThreatLevel:   model.MaxThreatLevel(local.ThreatLevel, upstream.ThreatLevel),
		Context:       fmt.Sprintf("%s | Combined with upstream: %s", local.Context, upstream.Context),
		EvidenceHash:  sign.Digest([]byte(local.EvidenceHash + "-" + upstream.EvidenceHash)),
		Geolocation:   firstNonEmpty(local.Geolocation, upstream.Geolocation),
		NetworkFlow:   firstNonEmpty(local.NetworkFlow, upstream.NetworkFlow),
		AgentID:       fmt.Sprintf("combined-%s-%s", local.AgentID, upstream.AgentID),
		Reputation:    model.Clamp01((local.Reputation + upstream.Reputation) / 2),
		ComplianceTag: local.ComplianceTag,
		Region:        local.Region,
	}
}

// ProcessEvidenceCorrelation pairs local evidence with upstream evidence and drives each
// combined record through submit, verify and consensus on this node. Upstream evidence that
// matched no local record is verified on its own, once. The first failure aborts the batch.
func (e *Engine) ProcessEvidenceCorrelation(local, upstream []model.Evidence) ([]model.CorrelatedResult, error) {
	start := time.Now()
	defer func() {
		e.metrics.ObserveCorrelationDuration(time.Since(start).Seconds())
	}()

	cfg := e.Config()
	var results []model.CorrelatedResult
	upstreamMatched := make([]bool, len(upstream))

	for _, l := range local {
		localMatched := false

		for j, u := range upstream {
			if !IsCorrelated(l, u) {
				continue
			}
			localMatched = true
			upstreamMatched[j] = true

			combined := CombineEvidence(l, u)
			result, err := e.verifySolo(combined)
			if err != nil {
				return nil, fmt.Errorf("correlated pair %s/%s: %w", l.ID, u.ID, err)
			}
			e.metrics.IncCorrelatedPairs()
			e.logger.Info("Correlated evidence",
				"local_id", l.ID,
				"upstream_id", u.ID,
				"combined_id", combined.ID,
				"verdict", result.ConsensusVerdict,
				"confidence", result.ConfidenceScore)
			results = append(results, model.CorrelatedResult{Evidence: combined, Result: result, Local: &l, Upstream: &u})
		}

		if localMatched {
			continue
		}
		if !cfg.VerifyUncorrelatedLocal {
			e.logger.Debug("Dropping uncorrelated local evidence", "evidence_id", l.ID)
			continue
		}
		result, err := e.verifySolo(l)
		if err != nil {
			return nil, fmt.Errorf("local evidence %s: %w", l.ID, err)
		}
		results = append(results, model.CorrelatedResult{Evidence: l, Result: result, Local: &l})
	}

	for j, u := range upstream {
		if upstreamMatched[j] {
			continue
		}
		result, err := e.verifySolo(u)
		if err != nil {
			return nil, fmt.Errorf("upstream evidence %s: %w", u.ID, err)
		}
		results = append(results, model.CorrelatedResult{Evidence: u, Result: result, Upstream: &u})
	}

	return results, nil
}

// verifySolo runs the whole protocol with this node as the only verifier
func (e *Engine) verifySolo(ev model.Evidence) (model.ConsensusResult, error) {
	req, err := e.SubmitForVerification(ev)
	if err != nil {
		return model.ConsensusResult{}, err
	}
	if _, err := e.VerifyEvidence(req); err != nil {
		return model.ConsensusResult{}, err
	}
	return e.CheckConsensus(req.RequestID)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
