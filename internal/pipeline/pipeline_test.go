package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/consensus"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/credibility"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/indicators"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/sign"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func evidence(id, agent, sourceIP string) model.Evidence {
	return model.Evidence{
		ID:           id,
		Timestamp:    time.Now().Unix(),
		SourceIP:     sourceIP,
		ThreatType:   model.Malware,
		ThreatLevel:  model.Critical,
		Context:      "context " + id,
		EvidenceHash: "hash-" + id,
		AgentID:      agent,
		Reputation:   0.8,
	}
}

func TestBuffer_AddDrainRequeue(t *testing.T) {
	b := NewBuffer(time.Hour, 10)

	assert.True(t, b.Add(model.OriginLocal, evidence("l1", "node-a", "1.1.1.1")))
	assert.True(t, b.Add(model.OriginUpstream, evidence("u1", "upstream-feed", "1.1.1.1")))
	assert.False(t, b.Add(model.Origin("sideways"), evidence("x", "node-a", "")))

	stats := b.GetStats()
	assert.Equal(t, 1, stats.Local)
	assert.Equal(t, 1, stats.Upstream)

	batch := b.Drain()
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, "l1", batch.Local()[0].ID)
	assert.Equal(t, "u1", batch.Upstream()[0].ID)
	assert.Equal(t, 0, b.Len())

	b.Add(model.OriginLocal, evidence("l2", "node-a", "2.2.2.2"))
	b.Requeue(batch)

	again := b.Drain()
	require.Len(t, again.Local(), 2)
	assert.Equal(t, "l1", again.Local()[0].ID, "requeued evidence goes first")
	assert.Equal(t, "l2", again.Local()[1].ID)
}

func TestBuffer_Capacity(t *testing.T) {
	b := NewBuffer(time.Hour, 2)
	assert.True(t, b.Add(model.OriginLocal, evidence("1", "a", "")))
	assert.True(t, b.Add(model.OriginUpstream, evidence("2", "a", "")))
	assert.False(t, b.Add(model.OriginLocal, evidence("3", "a", "")))
	assert.Equal(t, 2, b.Len())
}

func TestBuffer_GC(t *testing.T) {
	b := NewBuffer(time.Minute, 0)
	now := time.Now()

	b.now = func() time.Time { return now.Add(-2 * time.Minute) }
	b.Add(model.OriginLocal, evidence("old", "a", ""))
	b.now = func() time.Time { return now }
	b.Add(model.OriginLocal, evidence("new", "a", ""))
	b.Add(model.OriginUpstream, evidence("new-upstream", "a", ""))

	assert.Equal(t, 1, b.GC(now))
	batch := b.Drain()
	require.Len(t, batch.Local(), 1)
	assert.Equal(t, "new", batch.Local()[0].ID)

	b.SetMaxAge(time.Hour)
	assert.Equal(t, "1h0m0s", b.GetStats().MaxAge)
}

func TestBuffer_StartStopGC(t *testing.T) {
	b := NewBuffer(time.Millisecond, 0)
	b.Add(model.OriginLocal, evidence("l1", "a", ""))

	b.StartGC(5 * time.Millisecond)
	b.StartGC(5 * time.Millisecond)
	defer b.StopGC()

	assert.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
}

type fakeCorrelator struct {
	results []model.CorrelatedResult
	err     error
	calls   int
}

func (f *fakeCorrelator) ProcessEvidenceCorrelation(local, upstream []model.Evidence) ([]model.CorrelatedResult, error) {
	f.calls++
	return f.results, f.err
}

type fakeEnhancer struct {
	failFor map[string]bool
	updates map[string]bool
}

func (f *fakeEnhancer) EnhanceThreatEvidence(ev model.Evidence, c *float64) (model.Evidence, error) {
	if f.failFor[ev.ID] {
		return model.Evidence{}, model.E(model.KindInternal, "test", "cannot score %s", ev.ID)
	}
	if c != nil {
		ev.Reputation = *c
	}
	return ev, nil
}

func (f *fakeEnhancer) UpdateCredibility(ev model.Evidence, accurate bool) {
	if f.updates == nil {
		f.updates = make(map[string]bool)
	}
	f.updates[ev.ID] = accurate
}

type fakePublisher struct {
	published []string
	err       error
}

func (f *fakePublisher) PublishEnhanced(ev model.Evidence) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, ev.ID)
	return nil
}

func correlated(id string, verdict bool, confidence float64) model.CorrelatedResult {
	return model.CorrelatedResult{
		Evidence: evidence(id, "node-a", "1.1.1.1"),
		Result: model.ConsensusResult{
			EvidenceID:       id,
			ConsensusVerdict: verdict,
			ConfidenceScore:  confidence,
			VerifiedBy:       []string{},
			DisputedBy:       []string{},
		},
	}
}

func TestProcessor_Flush(t *testing.T) {
	buffer := NewBuffer(time.Hour, 0)
	buffer.Add(model.OriginLocal, evidence("l1", "node-a", "1.1.1.1"))

	correlator := &fakeCorrelator{results: []model.CorrelatedResult{
		correlated("c1", true, 0.9),
		correlated("c2", false, 0.3),
		correlated("c3", true, 0.7),
	}}
	enhancer := &fakeEnhancer{failFor: map[string]bool{"c3": true}}
	sink := store.NewMemoryStore(10, 10)
	pub := &fakePublisher{}

	p := NewProcessor(buffer, correlator, enhancer, sink, pub, testLogger())
	stats, err := p.Flush(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "c3")
	assert.Equal(t, FlushStats{Drained: 1, Verified: 3, Unverified: 1, Stored: 3, Published: 3}, stats)
	assert.Equal(t, map[string]bool{"c1": true, "c2": false}, enhancer.updates)
	assert.Equal(t, []string{"c1", "c2", "l1"}, pub.published)

	got, ok := sink.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 0.9, got.Evidence.Reputation, "stored evidence is the enhanced one")
}

func TestProcessor_CredibilityFollowsLocalReporter(t *testing.T) {
	buffer := NewBuffer(time.Hour, 0)
	local := evidence("l1", "detector-7", "203.0.113.7")
	upstream := evidence("u1", "upstream-feed", "203.0.113.7")
	buffer.Add(model.OriginLocal, local)
	buffer.Add(model.OriginUpstream, upstream)

	combined := correlated("combined-l1-u1", true, 0.9)
	combined.Evidence.AgentID = "combined-detector-7-upstream-feed"
	combined.Local = &local
	combined.Upstream = &upstream
	solo := correlated("u2", false, 0.4)
	solo.Evidence.AgentID = "upstream-feed"
	solo.Upstream = &solo.Evidence

	enhancer := &fakeEnhancer{}
	sink := store.NewMemoryStore(10, 10)
	p := NewProcessor(buffer, &fakeCorrelator{results: []model.CorrelatedResult{combined, solo}}, enhancer, sink, nil, testLogger())

	stats, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Unverified, "l1 took part in verification")
	assert.Equal(t, map[string]bool{"l1": true, "u2": false}, enhancer.updates)

	got, ok := sink.Get("combined-l1-u1")
	require.True(t, ok)
	require.NotNil(t, got.Local)
	assert.Equal(t, "detector-7", got.Local.AgentID)
}

func TestProcessor_FlushEmptyAndCancelled(t *testing.T) {
	correlator := &fakeCorrelator{}
	p := NewProcessor(NewBuffer(time.Hour, 0), correlator, &fakeEnhancer{}, store.NewMemoryStore(1, 1), nil, testLogger())

	stats, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushStats{}, stats)
	assert.Equal(t, 0, correlator.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Flush(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessor_RequeuesOnCorrelationFailure(t *testing.T) {
	buffer := NewBuffer(time.Hour, 0)
	buffer.Add(model.OriginLocal, evidence("l1", "node-a", "1.1.1.1"))
	buffer.Add(model.OriginUpstream, evidence("u1", "upstream-feed", "1.1.1.1"))

	correlator := &fakeCorrelator{err: errors.New("signing unavailable")}
	p := NewProcessor(buffer, correlator, &fakeEnhancer{}, store.NewMemoryStore(1, 1), nil, testLogger())

	_, err := p.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, buffer.Len())
}

func TestProcessor_PublishFailureStillStores(t *testing.T) {
	buffer := NewBuffer(time.Hour, 0)
	buffer.Add(model.OriginUpstream, evidence("u1", "upstream-feed", "1.1.1.1"))

	sink := store.NewMemoryStore(10, 10)
	p := NewProcessor(buffer, &fakeCorrelator{results: []model.CorrelatedResult{correlated("u1", true, 0.8)}},
		&fakeEnhancer{}, sink, &fakePublisher{err: errors.New("nats closed")}, testLogger())

	stats, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stored)
	assert.Equal(t, 0, stats.Published)
}

func TestProcessor_EndToEnd(t *testing.T) {
	signer, err := sign.NewEd25519Signer("node-a", "", testLogger())
	require.NoError(t, err)
	ind := indicators.NewStatic(indicators.Defaults())

	engine, err := consensus.NewEngine(consensus.DefaultConfig(), signer, ind, nil, testLogger())
	require.NoError(t, err)
	cred, err := credibility.NewEngine(credibility.DefaultConfig(), credibility.NewStore(), ind, nil, testLogger())
	require.NoError(t, err)
	sink := store.NewMemoryStore(100, 100)
	pub := &fakePublisher{}

	buffer := NewBuffer(time.Hour, 0)
	buffer.Add(model.OriginLocal, evidence("l1", "detector-7", "203.0.113.7"))
	buffer.Add(model.OriginLocal, evidence("l2", "detector-9", "192.0.2.44"))
	buffer.Add(model.OriginUpstream, evidence("u1", "upstream-feed", "203.0.113.7"))
	buffer.Add(model.OriginUpstream, evidence("u2", "upstream-feed", "198.51.100.2"))

	p := NewProcessor(buffer, engine, cred, sink, pub, testLogger())
	stats, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Drained)
	assert.Equal(t, 2, stats.Verified)
	assert.Equal(t, 1, stats.Unverified)
	assert.Equal(t, 3, stats.Stored)
	assert.ElementsMatch(t, []string{"combined-l1-u1", "u2", "l2"}, pub.published)

	combined, ok := sink.Get("combined-l1-u1")
	require.True(t, ok)
	assert.Contains(t, combined.Evidence.Context, "[CREDIBILITY:")
	assert.True(t, combined.Result.ConsensusVerdict)
	assert.LessOrEqual(t, combined.Evidence.ThreatLevel, model.Critical)

	_, ok = sink.Get("u2")
	assert.True(t, ok)

	_, cached := engine.GetCachedResult("combined-l1-u1")
	assert.True(t, cached)

	// the real local detector learns from the verdict; the synthetic combined agent does not
	rep, tracked := cred.Store().SourceReputation("detector-7")
	require.True(t, tracked)
	assert.InDelta(t, 0.7*0.9+0.1, rep, 1e-9)
	_, tracked = cred.Store().SourceReputation("combined-detector-7-upstream-feed")
	assert.False(t, tracked)
	assert.Equal(t, 2, cred.GetMetrics().TrackedAgents, fmt.Sprintf("%+v", cred.GetMetrics()))

	// uncorrelated local evidence is enhanced without consensus and without feedback
	lonely, ok := sink.Get("l2")
	require.True(t, ok)
	assert.Contains(t, lonely.Evidence.Context, "[CREDIBILITY:")
	assert.Equal(t, 0, lonely.Result.TotalVerifiers)
	_, tracked = cred.Store().SourceReputation("detector-9")
	assert.False(t, tracked)
	_, cached = engine.GetCachedResult("l2")
	assert.False(t, cached)
}
