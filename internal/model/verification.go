package model

// VerificationStatus is the state of a verification request
type VerificationStatus string

const (
	StatusPending          VerificationStatus = "Pending"
	StatusInProgress       VerificationStatus = "InProgress"
	StatusConsensusReached VerificationStatus = "ConsensusReached"
	StatusConsensusFailed  VerificationStatus = "ConsensusFailed"
)

// Terminal reports whether consensus has been computed for the request
func (s VerificationStatus) Terminal() bool {
	return s == StatusConsensusReached || s == StatusConsensusFailed
}

// VerificationRequest is one round of consensus-seeking for one piece of evidence
type VerificationRequest struct {
	RequestID             string                 `json:"request_id"`
	EvidenceID            string                 `json:"evidence_id"`
	Evidence              Evidence               `json:"evidence"`
	RequestingAgent       string                 `json:"requesting_agent"`
	Timestamp             int64                  `json:"timestamp"`
	VerificationThreshold int                    `json:"verification_threshold"`
	Verifiers             []string               `json:"verifiers"`
	Responses             []VerificationResponse `json:"responses"`
	Status                VerificationStatus     `json:"status"`
}

// Clone returns a deep copy so callers never share slices with the engine
func (r *VerificationRequest) Clone() VerificationRequest {
	out := *r
	out.Verifiers = make([]string, len(r.Verifiers))
	copy(out.Verifiers, r.Verifiers)
	out.Responses = make([]VerificationResponse, len(r.Responses))
	copy(out.Responses, r.Responses)
	return out
}

// VerificationResponse is one verifier's judgment on a request
type VerificationResponse struct {
	RequestID      string  `json:"request_id"`
	EvidenceID     string  `json:"evidence_id"`
	VerifyingAgent string  `json:"verifying_agent"`
	Verdict        bool    `json:"verdict"`
	Confidence     float64 `json:"confidence"`
	Justification  string  `json:"justification"`
	Timestamp      int64   `json:"timestamp"`
	Signature      string  `json:"signature"`
}

// ConsensusResult is the outcome of a completed verification request
type ConsensusResult struct {
	EvidenceID          string   `json:"evidence_id"`
	ConsensusVerdict    bool     `json:"consensus_verdict"`
	ConfidenceScore     float64  `json:"confidence_score"`
	VerifiedBy          []string `json:"verified_by"`
	DisputedBy          []string `json:"disputed_by"`
	TotalVerifiers      int      `json:"total_verifiers"`
	ConsensusPercentage float64  `json:"consensus_percentage"`
	Timestamp           int64    `json:"timestamp"`
}

// Clone returns a copy that shares no slices with r
func (r ConsensusResult) Clone() ConsensusResult {
	out := r
	out.VerifiedBy = make([]string, len(r.VerifiedBy))
	copy(out.VerifiedBy, r.VerifiedBy)
	out.DisputedBy = make([]string, len(r.DisputedBy))
	copy(out.DisputedBy, r.DisputedBy)
	return out
}

// CorrelatedResult pairs the evidence that went through verification with its outcome.
// Local and Upstream are the records Evidence came from: a combined record carries both,
// a record handled on its own carries the one matching its origin.
type CorrelatedResult struct {
	Evidence Evidence        `json:"evidence"`
	Result   ConsensusResult `json:"result"`
	Local    *Evidence       `json:"local,omitempty"`
	Upstream *Evidence       `json:"upstream,omitempty"`
}

// Reporter returns the record whose agent is credited or blamed for the verdict: the
// local record when there is one, otherwise the verified record itself.
func (r CorrelatedResult) Reporter() Evidence {
	if r.Local != nil {
		return *r.Local
	}
	return r.Evidence
}

// Clone returns a copy that shares no slices or source records with r
func (r CorrelatedResult) Clone() CorrelatedResult {
	out := r
	out.Result = r.Result.Clone()
	if r.Local != nil {
		local := *r.Local
		out.Local = &local
	}
	if r.Upstream != nil {
		upstream := *r.Upstream
		out.Upstream = &upstream
	}
	return out
}
