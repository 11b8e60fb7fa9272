package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/consensus"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/indicators"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/sign"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvidence(id string) model.Evidence {
	return model.Evidence{
		ID:           id,
		Timestamp:    time.Now().Unix(),
		SourceIP:     "192.168.1.101",
		TargetIP:     "10.0.0.1",
		ThreatType:   model.Malware,
		ThreatLevel:  model.Critical,
		Context:      "Test threat " + id,
		EvidenceHash: "hash-" + id,
		AgentID:      "test-agent",
		Reputation:   0.8,
	}
}

func newCodec(t *testing.T, compress bool) *Codec {
	t.Helper()
	codec, err := NewCodec(compress)
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

// recordingPublisher keeps every message it is asked to publish
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (p *recordingPublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *recordingPublisher) bySubject(subject string) []*nats.Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*nats.Msg
	for _, m := range p.msgs {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// sliceSink collects evidence handed over by the peer
type sliceSink struct {
	mu    sync.Mutex
	items map[model.Origin][]model.Evidence
	full  bool
}

func (s *sliceSink) Add(origin model.Origin, ev model.Evidence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	if s.items == nil {
		s.items = make(map[model.Origin][]model.Evidence)
	}
	s.items[origin] = append(s.items[origin], ev)
	return true
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "zstd"}[compress], func(t *testing.T) {
			codec := newCodec(t, compress)
			ev := testEvidence("ev-1")

			msg, err := codec.Encode(SubjectEvidenceLocal, "node-a", ev)
			require.NoError(t, err)
			assert.Equal(t, "node-a", Sender(msg))
			if compress {
				assert.Equal(t, "zstd", msg.Header.Get("Content-Encoding"))
			} else {
				assert.Empty(t, msg.Header.Get("Content-Encoding"))
				assert.Contains(t, string(msg.Data), `"threat_level":"Critical"`)
			}

			var decoded model.Evidence
			require.NoError(t, codec.Decode(KindEvidence, msg, &decoded))
			assert.Equal(t, ev, decoded)
		})
	}
}

func TestCodec_RequestReferencesEvidenceSchema(t *testing.T) {
	codec := newCodec(t, false)

	valid := []byte(`{
		"request_id": "consensus-1",
		"evidence_id": "ev-1",
		"requesting_agent": "node-a",
		"timestamp": 1700000000,
		"verification_threshold": 3,
		"evidence": {
			"id": "ev-1", "timestamp": 1700000000, "threat_type": "Malware",
			"threat_level": 2, "agent_id": "node-a", "reputation": 0.8
		}
	}`)
	assert.NoError(t, codec.Validate(KindVerificationRequest, valid))

	badEvidence := []byte(`{
		"request_id": "consensus-1",
		"evidence_id": "ev-1",
		"requesting_agent": "node-a",
		"timestamp": 1700000000,
		"evidence": {
			"id": "ev-1", "timestamp": 1700000000, "threat_type": "Malware",
			"threat_level": "Severe", "agent_id": "node-a", "reputation": 0.8
		}
	}`)
	err := codec.Validate(KindVerificationRequest, badEvidence)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "schema", decodeErr.Reason)
}

func TestCodec_DecodeErrors(t *testing.T) {
	codec := newCodec(t, false)

	tests := []struct {
		name   string
		kind   Kind
		msg    *nats.Msg
		reason string
	}{
		{
			name:   "not json",
			kind:   KindEvidence,
			msg:    &nats.Msg{Data: []byte("{not json")},
			reason: "json",
		},
		{
			name:   "missing required field",
			kind:   KindVerificationResponse,
			msg:    &nats.Msg{Data: []byte(`{"request_id":"r","verifying_agent":"a","verdict":true}`)},
			reason: "schema",
		},
		{
			name:   "confidence out of range",
			kind:   KindVerificationResponse,
			msg:    &nats.Msg{Data: []byte(`{"request_id":"r","evidence_id":"e","verifying_agent":"a","verdict":true,"confidence":1.5,"timestamp":1,"signature":"s"}`)},
			reason: "schema",
		},
		{
			name: "corrupt zstd",
			kind: KindEvidence,
			msg: &nats.Msg{
				Header: nats.Header{"Content-Encoding": []string{"zstd"}},
				Data:   []byte("definitely not zstd"),
			},
			reason: "decompress",
		},
		{
			name:   "unknown kind",
			kind:   Kind("finding.json"),
			msg:    &nats.Msg{Data: []byte(`{}`)},
			reason: "schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v map[string]any
			err := codec.Decode(tt.kind, tt.msg, &v)
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, tt.reason, decodeErr.Reason)
		})
	}
}

// fakeVerifier records what the peer asks of the engine
type fakeVerifier struct {
	agentID   string
	accepted  []string
	verified  []string
	recorded  []model.VerificationResponse
	verifyErr error
	recordErr error
}

func (f *fakeVerifier) AgentID() string { return f.agentID }

func (f *fakeVerifier) AcceptRequest(req model.VerificationRequest) bool {
	f.accepted = append(f.accepted, req.RequestID)
	return true
}

func (f *fakeVerifier) VerifyEvidence(req model.VerificationRequest) (model.VerificationResponse, error) {
	f.verified = append(f.verified, req.RequestID)
	if f.verifyErr != nil {
		return model.VerificationResponse{}, f.verifyErr
	}
	return model.VerificationResponse{
		RequestID:      req.RequestID,
		EvidenceID:     req.EvidenceID,
		VerifyingAgent: f.agentID,
		Verdict:        true,
		Confidence:     0.9,
		Timestamp:      time.Now().Unix(),
		Signature:      "sig",
	}, nil
}

func (f *fakeVerifier) RecordResponse(resp model.VerificationResponse) error {
	f.recorded = append(f.recorded, resp)
	return f.recordErr
}

func requestFor(agent string, ev model.Evidence) model.VerificationRequest {
	return model.VerificationRequest{
		RequestID:             "consensus-" + ev.ID,
		EvidenceID:            ev.ID,
		Evidence:              ev,
		RequestingAgent:       agent,
		Timestamp:             time.Now().Unix(),
		VerificationThreshold: 3,
		Verifiers:             []string{},
		Responses:             []model.VerificationResponse{},
		Status:                model.StatusPending,
	}
}

func TestPeer_HandleRequest(t *testing.T) {
	codec := newCodec(t, true)
	pub := &recordingPublisher{}
	verifier := &fakeVerifier{agentID: "node-b"}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	peer := NewPeer(pub, codec, verifier, &sliceSink{}, m, testLogger())

	msg, err := codec.Encode(SubjectVerifyRequest, "node-a", requestFor("node-a", testEvidence("ev-1")))
	require.NoError(t, err)
	peer.handleRequest(msg)

	assert.Equal(t, []string{"consensus-ev-1"}, verifier.accepted)
	assert.Equal(t, []string{"consensus-ev-1"}, verifier.verified)

	responses := pub.bySubject(SubjectVerifyResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "node-b", Sender(responses[0]))

	var resp model.VerificationResponse
	require.NoError(t, codec.Decode(KindVerificationResponse, responses[0], &resp))
	assert.Equal(t, "consensus-ev-1", resp.RequestID)
	assert.Equal(t, "node-b", resp.VerifyingAgent)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportMessages.WithLabelValues(SubjectVerifyRequest)))
}

func TestPeer_HandleRequest_SkipsOwnAndFailures(t *testing.T) {
	codec := newCodec(t, false)
	pub := &recordingPublisher{}
	verifier := &fakeVerifier{agentID: "node-a"}
	peer := NewPeer(pub, codec, verifier, &sliceSink{}, nil, testLogger())

	own, err := codec.Encode(SubjectVerifyRequest, "node-a", requestFor("node-a", testEvidence("ev-1")))
	require.NoError(t, err)
	peer.handleRequest(own)
	assert.Empty(t, verifier.verified)

	verifier.verifyErr = model.Wrap(model.KindSigning, "test", errors.New("no key"))
	other, err := codec.Encode(SubjectVerifyRequest, "node-c", requestFor("node-c", testEvidence("ev-2")))
	require.NoError(t, err)
	peer.handleRequest(other)
	assert.Equal(t, []string{"consensus-ev-2"}, verifier.verified)
	assert.Empty(t, pub.bySubject(SubjectVerifyResponse), "no response is published without a signature")
}

func TestPeer_HandleResponse(t *testing.T) {
	codec := newCodec(t, false)
	verifier := &fakeVerifier{agentID: "node-a"}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	peer := NewPeer(&recordingPublisher{}, codec, verifier, &sliceSink{}, m, testLogger())

	resp := model.VerificationResponse{
		RequestID: "consensus-1", EvidenceID: "ev-1", VerifyingAgent: "node-b",
		Verdict: true, Confidence: 0.8, Timestamp: 1700000000, Signature: "sig",
	}
	msg, err := codec.Encode(SubjectVerifyResponse, "node-b", resp)
	require.NoError(t, err)
	peer.handleResponse(msg)
	require.Len(t, verifier.recorded, 1)
	assert.Equal(t, resp, verifier.recorded[0])

	// our own echo is ignored
	resp.VerifyingAgent = "node-a"
	echo, err := codec.Encode(SubjectVerifyResponse, "node-a", resp)
	require.NoError(t, err)
	peer.handleResponse(echo)
	assert.Len(t, verifier.recorded, 1)

	// rejections are counted, unknown requests are not
	resp.VerifyingAgent = "node-c"
	verifier.recordErr = model.Wrap(model.KindRejected, "test", errors.New("bad signature"))
	rejected, err := codec.Encode(SubjectVerifyResponse, "node-c", resp)
	require.NoError(t, err)
	peer.handleResponse(rejected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportInvalid.WithLabelValues("rejected")))

	verifier.recordErr = model.Wrap(model.KindNotFound, "test", errors.New("unknown request"))
	peer.handleResponse(rejected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportInvalid.WithLabelValues("rejected")))
}

func TestPeer_HandleEvidence(t *testing.T) {
	codec := newCodec(t, true)
	sink := &sliceSink{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	peer := NewPeer(&recordingPublisher{}, codec, &fakeVerifier{agentID: "node-a"}, sink, m, testLogger())

	local, err := codec.Encode(SubjectEvidenceLocal, "detector", testEvidence("ev-local"))
	require.NoError(t, err)
	peer.handleEvidence(model.OriginLocal)(local)

	upstream, err := codec.Encode(SubjectEvidenceUpstream, "adapter", testEvidence("ev-upstream"))
	require.NoError(t, err)
	peer.handleEvidence(model.OriginUpstream)(upstream)

	require.Len(t, sink.items[model.OriginLocal], 1)
	require.Len(t, sink.items[model.OriginUpstream], 1)
	assert.Equal(t, "ev-local", sink.items[model.OriginLocal][0].ID)
	assert.Equal(t, "ev-upstream", sink.items[model.OriginUpstream][0].ID)

	peer.handleEvidence(model.OriginLocal)(&nats.Msg{Subject: SubjectEvidenceLocal, Data: []byte(`{"id":""}`)})
	assert.Len(t, sink.items[model.OriginLocal], 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportInvalid.WithLabelValues("schema")))

	sink.full = true
	assert.NotPanics(t, func() { peer.handleEvidence(model.OriginLocal)(local) })
}

func TestPeer_PublishErrors(t *testing.T) {
	codec := newCodec(t, false)
	pub := &recordingPublisher{err: errors.New("connection closed")}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	peer := NewPeer(pub, codec, &fakeVerifier{agentID: "node-a"}, &sliceSink{}, m, testLogger())

	assert.Error(t, peer.PublishEnhanced(testEvidence("ev-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportPublishErrors))
}

// loopback delivers published messages straight to every peer's handlers
type loopback struct {
	peers []*Peer
}

func (l *loopback) PublishMsg(m *nats.Msg) error {
	for _, p := range l.peers {
		switch m.Subject {
		case SubjectVerifyRequest:
			p.handleRequest(m)
		case SubjectVerifyResponse:
			p.handleResponse(m)
		}
	}
	return nil
}

func TestPeer_ConsensusAcrossNodes(t *testing.T) {
	codec := newCodec(t, true)
	bus := &loopback{}

	cfg := consensus.DefaultConfig()
	cfg.MinVerifiers = 3

	signers := make(map[string]*sign.Ed25519Signer)
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		s, err := sign.NewEd25519Signer(id, "", testLogger())
		require.NoError(t, err)
		signers[id] = s
	}
	keys := make(map[string]string)
	for id, s := range signers {
		keys[id] = s.PublicKey()
	}

	engines := make(map[string]*consensus.Engine)
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		e, err := consensus.NewEngine(cfg, signers[id], indicators.NewStatic(indicators.Defaults()), nil, testLogger())
		require.NoError(t, err)
		ring, err := sign.NewKeyring(keys)
		require.NoError(t, err)
		e.SetPeerVerifier(ring)
		engines[id] = e
		bus.peers = append(bus.peers, NewPeer(bus, codec, e, &sliceSink{}, nil, testLogger()))
	}

	origin := engines["node-a"]
	req, err := origin.SubmitForVerification(testEvidence("ev-1"))
	require.NoError(t, err)
	_, err = origin.VerifyEvidence(req)
	require.NoError(t, err)
	require.NoError(t, bus.peers[0].PublishRequest(req))

	stored, ok := origin.GetRequest(req.RequestID)
	require.True(t, ok)
	assert.Len(t, stored.Responses, 3)
	assert.Equal(t, model.StatusInProgress, stored.Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := origin.AwaitConsensus(ctx, req.RequestID)
	require.NoError(t, err)
	assert.True(t, result.ConsensusVerdict)
	assert.Equal(t, 3, result.TotalVerifiers)
	assert.ElementsMatch(t, []string{"node-a", "node-b", "node-c"}, result.VerifiedBy)
}

func TestPeer_Run(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(500*time.Millisecond))
	if err != nil {
		t.Skipf("NATS server not available: %v", err)
	}
	defer nc.Close()

	codec := newCodec(t, true)
	sink := &sliceSink{}
	peer := NewPeer(nc, codec, &fakeVerifier{agentID: "node-a"}, sink, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- peer.Run(ctx, nc) }()

	msg, err := codec.Encode(SubjectEvidenceUpstream, "adapter", testEvidence("ev-1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_ = nc.PublishMsg(msg)
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.items[model.OriginUpstream]) > 0
	}, 2*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not stop")
	}
}
