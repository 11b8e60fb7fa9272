package store

import (
	"container/ring"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
)

// MemoryStore keeps the most recent enhanced evidence in a ring buffer with LRU deduplication
type MemoryStore struct {
	mu          sync.RWMutex
	records     *ring.Ring
	dedupe      *lru.Cache[string, struct{}]
	maxEvidence int
	dedupeCap   int
}

// NewMemoryStore creates a new memory store with specified capacities
func NewMemoryStore(maxEvidence, dedupeCap int) *MemoryStore {
	if maxEvidence < 1 {
		maxEvidence = 1
	}
	if dedupeCap < 1 {
		dedupeCap = 1
	}
	dedupeCache, _ := lru.New[string, struct{}](dedupeCap)

	return &MemoryStore{
		records:     ring.New(maxEvidence),
		dedupe:      dedupeCache,
		maxEvidence: maxEvidence,
		dedupeCap:   dedupeCap,
	}
}

// Add stores an enhanced evidence record with the consensus result it was judged by.
// It returns false when the same evidence content was stored before.
func (s *MemoryStore) Add(record model.CorrelatedResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupeKey(record.Evidence)
	if _, exists := s.dedupe.Get(key); exists {
		return false
	}
	s.dedupe.Add(key, struct{}{})

	s.records.Value = record.Clone()
	s.records = s.records.Next()

	return true
}

// List returns every record, oldest first
func (s *MemoryStore) List() []model.CorrelatedResult {
	return s.filter(func(model.CorrelatedResult) bool { return true })
}

// Get returns the most recent record for an evidence id
func (s *MemoryStore) Get(evidenceID string) (model.CorrelatedResult, bool) {
	matches := s.filter(func(r model.CorrelatedResult) bool { return r.Evidence.ID == evidenceID })
	if len(matches) == 0 {
		return model.CorrelatedResult{}, false
	}
	return matches[len(matches)-1], true
}

// ByAgent returns records reported by one agent
func (s *MemoryStore) ByAgent(agentID string) []model.CorrelatedResult {
	return s.filter(func(r model.CorrelatedResult) bool { return r.Evidence.AgentID == agentID })
}

// BySeverity returns records at minLevel or above
func (s *MemoryStore) BySeverity(minLevel model.ThreatLevel) []model.CorrelatedResult {
	return s.filter(func(r model.CorrelatedResult) bool { return r.Evidence.ThreatLevel >= minLevel })
}

func (s *MemoryStore) filter(keep func(model.CorrelatedResult) bool) []model.CorrelatedResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]model.CorrelatedResult, 0)
	s.records.Do(func(value any) {
		if record, ok := value.(model.CorrelatedResult); ok && keep(record) {
			records = append(records, record.Clone())
		}
	})
	return records
}

// Clear removes all records and clears the dedupe cache
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.records.Len(); i++ {
		s.records.Value = nil
		s.records = s.records.Next()
	}
	s.dedupe.Purge()
}

// Stats describes the store's occupancy
type Stats struct {
	TotalEvidence int `json:"total_evidence"`
	MaxEvidence   int `json:"max_evidence"`
	DedupeCap     int `json:"dedupe_cap"`
	DedupeSize    int `json:"dedupe_size"`
}

// GetStats returns store statistics
func (s *MemoryStore) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	s.records.Do(func(value any) {
		if value != nil {
			count++
		}
	})

	return Stats{
		TotalEvidence: count,
		MaxEvidence:   s.maxEvidence,
		DedupeCap:     s.dedupeCap,
		DedupeSize:    s.dedupe.Len(),
	}
}

// dedupeKey prefers the content hash so the same observation under a new id is still a duplicate
func dedupeKey(ev model.Evidence) string {
	if ev.EvidenceHash != "" {
		return "hash:" + ev.EvidenceHash
	}
	return "id:" + ev.ID
}
