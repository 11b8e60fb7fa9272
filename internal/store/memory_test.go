package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
)

func record(id, agent string, level model.ThreatLevel) model.CorrelatedResult {
	return model.CorrelatedResult{
		Evidence: model.Evidence{
			ID:           id,
			AgentID:      agent,
			ThreatType:   model.Malware,
			ThreatLevel:  level,
			EvidenceHash: "hash-" + id,
			Reputation:   0.8,
		},
		Result: model.ConsensusResult{
			EvidenceID:       id,
			ConsensusVerdict: true,
			ConfidenceScore:  0.8,
			VerifiedBy:       []string{"node-a"},
			DisputedBy:       []string{},
			TotalVerifiers:   1,
		},
	}
}

func TestMemoryStore_AddAndDedupe(t *testing.T) {
	s := NewMemoryStore(10, 100)

	assert.True(t, s.Add(record("ev-1", "node-a", model.Critical)))
	assert.False(t, s.Add(record("ev-1", "node-a", model.Critical)), "same hash is a duplicate")

	renamed := record("ev-2", "node-a", model.Critical)
	renamed.Evidence.EvidenceHash = "hash-ev-1"
	assert.False(t, s.Add(renamed), "same content under a new id is a duplicate")

	noHash := record("ev-3", "node-b", model.Info)
	noHash.Evidence.EvidenceHash = ""
	assert.True(t, s.Add(noHash))
	assert.False(t, s.Add(noHash), "falls back to the id")

	stats := s.GetStats()
	assert.Equal(t, 2, stats.TotalEvidence)
	assert.Equal(t, 10, stats.MaxEvidence)
	assert.Equal(t, 2, stats.DedupeSize)
}

func TestMemoryStore_RingEvictsOldest(t *testing.T) {
	s := NewMemoryStore(3, 100)
	for i := 1; i <= 5; i++ {
		require.True(t, s.Add(record(fmt.Sprintf("ev-%d", i), "node-a", model.Warning)))
	}

	var ids []string
	for _, r := range s.List() {
		ids = append(ids, r.Evidence.ID)
	}
	assert.Equal(t, []string{"ev-3", "ev-4", "ev-5"}, ids)

	_, ok := s.Get("ev-1")
	assert.False(t, ok)
	got, ok := s.Get("ev-5")
	require.True(t, ok)
	assert.Equal(t, "ev-5", got.Result.EvidenceID)
}

func TestMemoryStore_Queries(t *testing.T) {
	s := NewMemoryStore(10, 100)
	s.Add(record("ev-1", "node-a", model.Info))
	s.Add(record("ev-2", "node-b", model.Warning))
	s.Add(record("ev-3", "node-a", model.Critical))
	s.Add(record("ev-4", "node-c", model.Emergency))

	assert.Len(t, s.ByAgent("node-a"), 2)
	assert.Empty(t, s.ByAgent("node-z"))

	tests := []struct {
		min  model.ThreatLevel
		want int
	}{
		{model.Info, 4},
		{model.Warning, 3},
		{model.Critical, 2},
		{model.Emergency, 1},
	}
	for _, tt := range tests {
		t.Run(tt.min.String(), func(t *testing.T) {
			assert.Len(t, s.BySeverity(tt.min), tt.want)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore(10, 100)
	s.Add(record("ev-1", "node-a", model.Critical))

	got, ok := s.Get("ev-1")
	require.True(t, ok)
	got.Result.VerifiedBy[0] = "mutated"

	again, _ := s.Get("ev-1")
	assert.Equal(t, "node-a", again.Result.VerifiedBy[0])
}

func TestMemoryStore_Clear(t *testing.T) {
	s := NewMemoryStore(10, 100)
	s.Add(record("ev-1", "node-a", model.Critical))
	s.Clear()

	assert.Empty(t, s.List())
	assert.Equal(t, 0, s.GetStats().DedupeSize)
	assert.True(t, s.Add(record("ev-1", "node-a", model.Critical)), "cleared dedupe accepts again")
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := NewMemoryStore(50, 1000)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Add(record(fmt.Sprintf("ev-%d-%d", w, i), "node-a", model.Warning))
				s.BySeverity(model.Info)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 50, s.GetStats().TotalEvidence)
}
