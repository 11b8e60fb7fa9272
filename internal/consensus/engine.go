package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/sign"
)

// Indicators answers the two threat-intel lookups the local heuristic needs
type Indicators interface {
	IsUpstream(agentID string) bool
	IsKnownThreatIP(ip string) bool
}

// ReputationSource returns the current trust in a verifying agent
type ReputationSource interface {
	SourceReputation(agentID string) float64
}

// PeerVerifier checks a signature produced by another agent
type PeerVerifier interface {
	Verify(agentID string, data []byte, signature string) bool
}

// pendingRequest is a stored request plus its per-agent response index
type pendingRequest struct {
	req     model.VerificationRequest
	byAgent map[string]int
	// changed is closed and replaced whenever a response arrives or the request is removed
	changed chan struct{}
}

func (p *pendingRequest) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Engine runs the verification protocol and computes consensus
type Engine struct {
	cfg        atomic.Pointer[Config]
	signer     sign.Signer
	indicators Indicators
	peers      PeerVerifier
	reputation ReputationSource
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	requests map[string]*pendingRequest

	// results is internally locked
	results *lru.Cache[string, model.ConsensusResult]
}

// NewEngine creates a consensus engine that verifies and signs as signer.AgentID().
// The result cache is sized once from cfg.
func NewEngine(cfg Config, signer sign.Signer, indicators Indicators, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus config: %w", err)
	}
	if signer == nil {
		return nil, fmt.Errorf("consensus engine requires a signer")
	}

	results, err := lru.New[string, model.ConsensusResult](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	e := &Engine{
		signer:     signer,
		indicators: indicators,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
		requests:   make(map[string]*pendingRequest),
		results:    results,
	}
	e.cfg.Store(&cfg)
	return e, nil
}

// SetPeerVerifier enables signature checks on responses from other agents
func (e *Engine) SetPeerVerifier(v PeerVerifier) {
	e.peers = v
}

// SetReputationSource enables the reputation gate on responses from other agents
func (e *Engine) SetReputationSource(r ReputationSource) {
	e.reputation = r
}

// Config returns the active configuration
func (e *Engine) Config() Config {
	return *e.cfg.Load()
}

// SetConfig swaps the configuration used by subsequent calls. Requests already stored
// keep the quorum they were created with.
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid consensus config: %w", err)
	}
	e.cfg.Store(&cfg)
	e.logger.Info("Consensus configuration updated",
		"min_verifiers", cfg.MinVerifiers,
		"consensus_threshold", cfg.ConsensusThreshold,
		"verification_timeout_seconds", cfg.VerificationTimeoutSeconds)
	return nil
}

// AgentID returns the identity this node verifies as
func (e *Engine) AgentID() string {
	return e.signer.AgentID()
}

// SubmitForVerification stores a new pending request for evidence
func (e *Engine) SubmitForVerification(evidence model.Evidence) (model.VerificationRequest, error) {
	const op = "consensus.SubmitForVerification"

	id, err := uuid.NewRandom()
	if err != nil {
		return model.VerificationRequest{}, model.Wrap(model.KindInternal, op, err)
	}

	req := model.VerificationRequest{
		RequestID:             "consensus-" + id.String(),
		EvidenceID:            evidence.ID,
		Evidence:              evidence,
		RequestingAgent:       e.signer.AgentID(),
		Timestamp:             e.now().Unix(),
		VerificationThreshold: e.Config().MinVerifiers,
		Verifiers:             []string{},
		Responses:             []model.VerificationResponse{},
		Status:                model.StatusPending,
	}

	e.mu.Lock()
	e.requests[req.RequestID] = &pendingRequest{
		req:     req,
		byAgent: make(map[string]int),
		changed: make(chan struct{}),
	}
	pending := len(e.requests)
	e.mu.Unlock()

	e.metrics.IncRequestsSubmitted()
	e.metrics.SetPendingRequests(pending)
	e.logger.Info("Submitted evidence for consensus verification",
		"request_id", req.RequestID,
		"evidence_id", req.EvidenceID,
		"quorum", req.VerificationThreshold)

	return req.Clone(), nil
}

// AcceptRequest stores a request received from another agent so that local and peer
// responses can be recorded against it. An already known request id is left untouched.
func (e *Engine) AcceptRequest(req model.VerificationRequest) bool {
	e.mu.Lock()
	if _, exists := e.requests[req.RequestID]; exists {
		e.mu.Unlock()
		return false
	}

	stored := req.Clone()
	stored.Verifiers = []string{}
	stored.Responses = []model.VerificationResponse{}
	stored.Status = model.StatusPending
	if stored.VerificationThreshold < 1 {
		stored.VerificationThreshold = e.Config().MinVerifiers
	}
	e.requests[req.RequestID] = &pendingRequest{
		req:     stored,
		byAgent: make(map[string]int),
		changed: make(chan struct{}),
	}
	pending := len(e.requests)
	e.mu.Unlock()

	e.metrics.SetPendingRequests(pending)
	e.logger.Debug("Accepted peer verification request",
		"request_id", req.RequestID,
		"requesting_agent", req.RequestingAgent)
	return true
}

// VerifyEvidence produces, signs and records this node's judgment on req. A request that is
// not stored locally still gets a response, so peers' requests can be answered.
func (e *Engine) VerifyEvidence(req model.VerificationRequest) (model.VerificationResponse, error) {
	const op = "consensus.VerifyEvidence"

	j := e.judge(req.Evidence)
	agentID := e.signer.AgentID()

	signature, err := e.signer.Sign(sign.ResponsePayload(req.RequestID, j.Verdict, j.Confidence, agentID))
	if err != nil {
		return model.VerificationResponse{}, model.Wrap(model.KindSigning, op, err)
	}

	resp := model.VerificationResponse{
		RequestID:      req.RequestID,
		EvidenceID:     req.EvidenceID,
		VerifyingAgent: agentID,
		Verdict:        j.Verdict,
		Confidence:     j.Confidence,
		Justification:  j.Justification,
		Timestamp:      e.now().Unix(),
		Signature:      signature,
	}

	if !e.record(resp) {
		e.logger.Debug("Verified request not stored locally", "request_id", req.RequestID)
	}

	e.logger.Info("Verified evidence",
		"request_id", req.RequestID,
		"evidence_id", req.EvidenceID,
		"verdict", resp.Verdict,
		"confidence", resp.Confidence)

	return resp, nil
}

// RecordResponse records a response from another agent. The signature and, when a
// reputation source is set, the agent's reputation are checked first.
func (e *Engine) RecordResponse(resp model.VerificationResponse) error {
	const op = "consensus.RecordResponse"

	if resp.VerifyingAgent == "" {
		return model.E(model.KindRejected, op, "response for %s has no verifying agent", resp.RequestID)
	}
	if math.IsNaN(resp.Confidence) || resp.Confidence < 0 || resp.Confidence > 1 {
		return model.E(model.KindRejected, op, "confidence %v outside [0,1]", resp.Confidence)
	}

	if e.peers != nil {
		payload := sign.ResponsePayload(resp.RequestID, resp.Verdict, resp.Confidence, resp.VerifyingAgent)
		if !e.peers.Verify(resp.VerifyingAgent, payload, resp.Signature) {
			return model.E(model.KindRejected, op, "invalid signature from %s", resp.VerifyingAgent)
		}
	}

	if e.reputation != nil {
		threshold := e.Config().ReputationThreshold
		if rep := e.reputation.SourceReputation(resp.VerifyingAgent); rep < threshold {
			return model.E(model.KindRejected, op, "agent %s reputation %.2f below %.2f",
				resp.VerifyingAgent, rep, threshold)
		}
	}

	if !e.record(resp) {
		return model.E(model.KindNotFound, op, "verification request %s not found", resp.RequestID)
	}
	return nil
}

// record stores resp on its request, replacing any earlier response from the same agent
// in place. It returns false when the request is unknown.
func (e *Engine) record(resp model.VerificationResponse) bool {
	e.mu.Lock()
	p, ok := e.requests[resp.RequestID]
	if !ok {
		e.mu.Unlock()
		return false
	}

	idx, duplicate := p.byAgent[resp.VerifyingAgent]
	if duplicate {
		p.req.Responses[idx] = resp
	} else {
		p.byAgent[resp.VerifyingAgent] = len(p.req.Responses)
		p.req.Responses = append(p.req.Responses, resp)
		p.req.Verifiers = append(p.req.Verifiers, resp.VerifyingAgent)
	}

	promoted := false
	if p.req.Status == model.StatusPending && len(p.req.Responses) >= p.req.VerificationThreshold {
		p.req.Status = model.StatusInProgress
		promoted = true
	}
	count := len(p.req.Responses)
	p.notify()
	e.mu.Unlock()

	e.metrics.IncResponsesRecorded(duplicate)
	if duplicate {
		e.logger.Warn("Replaced duplicate verification response",
			"request_id", resp.RequestID,
			"verifying_agent", resp.VerifyingAgent)
	}
	if promoted {
		e.logger.Info("Verification request reached quorum",
			"request_id", resp.RequestID,
			"responses", count)
	}
	return true
}

// CheckConsensus computes the verdict from the responses recorded so far, marks the request
// terminal and caches the result by evidence id. Failures leave the request untouched.
func (e *Engine) CheckConsensus(requestID string) (model.ConsensusResult, error) {
	const op = "consensus.CheckConsensus"
	cfg := e.Config()

	e.mu.Lock()
	p, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return model.ConsensusResult{}, model.E(model.KindNotFound, op, "verification request %s not found", requestID)
	}
	if len(p.req.Responses) == 0 {
		e.mu.Unlock()
		return model.ConsensusResult{}, model.E(model.KindNoData, op, "no responses recorded for %s", requestID)
	}

	result := tally(p.req.EvidenceID, p.req.Responses, cfg.ConsensusThreshold)
	result.Timestamp = e.now().Unix()

	if result.ConsensusVerdict {
		p.req.Status = model.StatusConsensusReached
	} else {
		p.req.Status = model.StatusConsensusFailed
	}
	e.mu.Unlock()

	e.results.Add(result.EvidenceID, result)
	e.metrics.IncConsensusOutcome(result.ConsensusVerdict)
	e.logger.Info("Consensus computed",
		"request_id", requestID,
		"evidence_id", result.EvidenceID,
		"verdict", result.ConsensusVerdict,
		"confidence", result.ConfidenceScore,
		"percentage", result.ConsensusPercentage,
		"total_verifiers", result.TotalVerifiers)

	return result, nil
}

// tally counts responses in insertion order. responses must not be empty.
func tally(evidenceID string, responses []model.VerificationResponse, threshold float64) model.ConsensusResult {
	result := model.ConsensusResult{
		EvidenceID:     evidenceID,
		VerifiedBy:     []string{},
		DisputedBy:     []string{},
		TotalVerifiers: len(responses),
	}

	var confidenceSum float64
	for _, r := range responses {
		if r.Verdict {
			result.VerifiedBy = append(result.VerifiedBy, r.VerifyingAgent)
		} else {
			result.DisputedBy = append(result.DisputedBy, r.VerifyingAgent)
		}
		confidenceSum += r.Confidence
	}

	result.ConsensusPercentage = float64(len(result.VerifiedBy)) / float64(len(responses))
	result.ConsensusVerdict = result.ConsensusPercentage >= threshold
	result.ConfidenceScore = confidenceSum / float64(len(responses))
	return result
}

// AwaitConsensus waits until the request has responses from a quorum of distinct agents,
// or the verification timeout passes, then computes consensus over what arrived.
// Cancelling ctx abandons the wait without computing anything.
func (e *Engine) AwaitConsensus(ctx context.Context, requestID string) (model.ConsensusResult, error) {
	const op = "consensus.AwaitConsensus"

	timer := time.NewTimer(e.Config().VerificationTimeout())
	defer timer.Stop()

wait:
	for {
		e.mu.RLock()
		p, ok := e.requests[requestID]
		if !ok {
			e.mu.RUnlock()
			return model.ConsensusResult{}, model.E(model.KindNotFound, op, "verification request %s not found", requestID)
		}
		reached := len(p.byAgent) >= p.req.VerificationThreshold
		changed := p.changed
		e.mu.RUnlock()

		if reached {
			break
		}

		select {
		case <-changed:
		case <-timer.C:
			e.logger.Warn("Verification timed out before quorum", "request_id", requestID)
			break wait
		case <-ctx.Done():
			return model.ConsensusResult{}, model.Wrap(model.KindInternal, op, ctx.Err())
		}
	}

	return e.CheckConsensus(requestID)
}

// GetCachedResult returns the last consensus computed for evidenceID
func (e *Engine) GetCachedResult(evidenceID string) (model.ConsensusResult, bool) {
	result, ok := e.results.Peek(evidenceID)
	if !ok {
		return model.ConsensusResult{}, false
	}
	return result.Clone(), true
}

// GetRequest returns a copy of a stored request
func (e *Engine) GetRequest(requestID string) (model.VerificationRequest, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.requests[requestID]
	if !ok {
		return model.VerificationRequest{}, false
	}
	return p.req.Clone(), true
}

// PendingCount returns the number of stored requests
func (e *Engine) PendingCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.requests)
}

// CleanupOldRequests removes every request older than the verification timeout,
// whatever its status, and returns how many were removed
func (e *Engine) CleanupOldRequests() int {
	timeout := e.Config().VerificationTimeoutSeconds
	now := e.now().Unix()

	e.mu.Lock()
	removed := 0
	for id, p := range e.requests {
		if now-p.req.Timestamp >= timeout {
			delete(e.requests, id)
			p.notify()
			removed++
		}
	}
	pending := len(e.requests)
	e.mu.Unlock()

	e.metrics.AddRequestsExpired(removed)
	e.metrics.SetPendingRequests(pending)
	if removed > 0 {
		e.logger.Info("Cleaned up expired verification requests", "removed", removed, "pending", pending)
	}
	return removed
}
