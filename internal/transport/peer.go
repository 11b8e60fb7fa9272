package transport

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
)

// NATS subjects used between peers, detectors and ingestion adapters
const (
	SubjectVerifyRequest    = "consensus.verify.request"
	SubjectVerifyResponse   = "consensus.verify.response"
	SubjectEvidenceLocal    = "evidence.local"
	SubjectEvidenceUpstream = "evidence.upstream"
	SubjectEvidenceEnhanced = "evidence.enhanced"
)

// Publisher sends a prepared message. *nats.Conn satisfies it.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Verifier is the part of the consensus engine the transport drives
type Verifier interface {
	AgentID() string
	AcceptRequest(req model.VerificationRequest) bool
	VerifyEvidence(req model.VerificationRequest) (model.VerificationResponse, error)
	RecordResponse(resp model.VerificationResponse) error
}

// EvidenceSink receives evidence from detectors and upstream adapters
type EvidenceSink interface {
	Add(origin model.Origin, ev model.Evidence) bool
}

// Peer connects the consensus engine to the rest of the network
type Peer struct {
	pub      Publisher
	codec    *Codec
	verifier Verifier
	sink     EvidenceSink
	metrics  *metrics.Metrics
	logger   *slog.Logger

	subs []*nats.Subscription
}

// NewPeer creates a peer that publishes through pub
func NewPeer(pub Publisher, codec *Codec, verifier Verifier, sink EvidenceSink, m *metrics.Metrics, logger *slog.Logger) *Peer {
	return &Peer{
		pub:      pub,
		codec:    codec,
		verifier: verifier,
		sink:     sink,
		metrics:  m,
		logger:   logger,
	}
}

// PublishRequest asks every peer to verify req
func (p *Peer) PublishRequest(req model.VerificationRequest) error {
	return p.publish(SubjectVerifyRequest, req)
}

// PublishResponse sends this node's judgment to every peer
func (p *Peer) PublishResponse(resp model.VerificationResponse) error {
	return p.publish(SubjectVerifyResponse, resp)
}

// PublishEnhanced hands credibility-adjusted evidence to downstream consumers
func (p *Peer) PublishEnhanced(ev model.Evidence) error {
	return p.publish(SubjectEvidenceEnhanced, ev)
}

func (p *Peer) publish(subject string, v any) error {
	msg, err := p.codec.Encode(subject, p.verifier.AgentID(), v)
	if err != nil {
		p.metrics.IncTransportPublishErrors()
		return err
	}
	if err := p.pub.PublishMsg(msg); err != nil {
		p.metrics.IncTransportPublishErrors()
		p.logger.Error("Failed to publish message", "subject", subject, "error", err)
		return err
	}
	p.logger.Debug("Published message", "subject", subject, "data_length", len(msg.Data))
	return nil
}

// Run subscribes on nc and blocks until ctx is cancelled, then drains the subscriptions
func (p *Peer) Run(ctx context.Context, nc *nats.Conn) error {
	handlers := map[string]nats.MsgHandler{
		SubjectVerifyRequest:    p.handleRequest,
		SubjectVerifyResponse:   p.handleResponse,
		SubjectEvidenceLocal:    p.handleEvidence(model.OriginLocal),
		SubjectEvidenceUpstream: p.handleEvidence(model.OriginUpstream),
	}

	for subject, handler := range handlers {
		sub, err := nc.Subscribe(subject, handler)
		if err != nil {
			p.logger.Error("Failed to subscribe", "subject", subject, "error", err)
			p.drain()
			return err
		}
		p.subs = append(p.subs, sub)
		p.logger.Info("Subscribed to subject", "subject", subject)
	}

	<-ctx.Done()

	p.logger.Info("Starting graceful shutdown with drain")
	p.drain()
	p.logger.Info("Graceful shutdown completed")
	return nil
}

func (p *Peer) drain() {
	for _, sub := range p.subs {
		if err := sub.Drain(); err != nil {
			p.logger.Error("Failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	p.subs = nil
}

// handleRequest answers a peer's verification request with this node's signed judgment
func (p *Peer) handleRequest(msg *nats.Msg) {
	p.metrics.IncTransportMessage(msg.Subject)

	var req model.VerificationRequest
	if err := p.codec.Decode(KindVerificationRequest, msg, &req); err != nil {
		p.reject(msg, err)
		return
	}

	if req.RequestingAgent == p.verifier.AgentID() {
		// our own request coming back; the local response was recorded on submit
		return
	}

	p.verifier.AcceptRequest(req)

	resp, err := p.verifier.VerifyEvidence(req)
	if err != nil {
		p.logger.Error("Failed to verify peer request", "request_id", req.RequestID, "error", err)
		return
	}

	if err := p.PublishResponse(resp); err != nil {
		p.logger.Error("Failed to publish verification response", "request_id", req.RequestID, "error", err)
	}
}

// handleResponse records a peer's judgment on a request
func (p *Peer) handleResponse(msg *nats.Msg) {
	p.metrics.IncTransportMessage(msg.Subject)

	var resp model.VerificationResponse
	if err := p.codec.Decode(KindVerificationResponse, msg, &resp); err != nil {
		p.reject(msg, err)
		return
	}

	if resp.VerifyingAgent == p.verifier.AgentID() {
		return
	}

	if err := p.verifier.RecordResponse(resp); err != nil {
		switch model.KindOf(err) {
		case model.KindNotFound:
			// request belongs to a node we are not tracking
			p.logger.Debug("Ignoring response for unknown request", "request_id", resp.RequestID)
		default:
			p.metrics.IncTransportInvalid("rejected")
			p.logger.Warn("Rejected verification response",
				"request_id", resp.RequestID,
				"verifying_agent", resp.VerifyingAgent,
				"error", err)
		}
	}
}

func (p *Peer) handleEvidence(origin model.Origin) nats.MsgHandler {
	return func(msg *nats.Msg) {
		p.metrics.IncTransportMessage(msg.Subject)

		var ev model.Evidence
		if err := p.codec.Decode(KindEvidence, msg, &ev); err != nil {
			p.reject(msg, err)
			return
		}
		if err := ev.Validate(); err != nil {
			p.reject(msg, &DecodeError{Reason: "validation", Err: err})
			return
		}

		if !p.sink.Add(origin, ev) {
			p.logger.Warn("Evidence buffer full, dropping evidence", "evidence_id", ev.ID, "origin", origin)
		}
	}
}

func (p *Peer) reject(msg *nats.Msg, err error) {
	reason := "invalid"
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		reason = decodeErr.Reason
	}
	p.metrics.IncTransportInvalid(reason)
	p.logger.Warn("Rejected message",
		"subject", msg.Subject,
		"sender", Sender(msg),
		"reason", reason,
		"error", err)
}
