package credibility

import (
	"sync"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
)

// Defaults used when a key is seen for the first time
const (
	DefaultSourceReputation   = 0.7
	UpstreamSourceReputation  = 0.9
	DefaultIPReputation       = 0.5
	DefaultHistoricalAccuracy = 0.7

	sourceEMAStep = 0.1
	ipEMAStep     = 0.05
)

// Accuracy is the running (correct, total) tally for one threat category
type Accuracy struct {
	Correct uint64 `json:"correct"`
	Total   uint64 `json:"total"`
}

// Ratio returns correct/total, or ok=false when nothing was recorded
func (a Accuracy) Ratio() (float64, bool) {
	if a.Total == 0 {
		return 0, false
	}
	return float64(a.Correct) / float64(a.Total), true
}

// Snapshot is a point-in-time copy of every table in the store
type Snapshot struct {
	Sources    map[string]float64
	IPs        map[string]float64
	Categories map[model.ThreatType]Accuracy
}

// Store holds the long-lived trust statistics. Each table has its own lock, so a
// reader can observe one table updated before another.
type Store struct {
	sourceMu sync.RWMutex
	sources  map[string]float64

	ipMu sync.RWMutex
	ips  map[string]float64

	categoryMu sync.RWMutex
	categories map[model.ThreatType]Accuracy
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		sources:    make(map[string]float64),
		ips:        make(map[string]float64),
		categories: make(map[model.ThreatType]Accuracy),
	}
}

// SourceReputation returns the stored reputation for an agent
func (s *Store) SourceReputation(agentID string) (float64, bool) {
	s.sourceMu.RLock()
	defer s.sourceMu.RUnlock()
	rep, ok := s.sources[agentID]
	return rep, ok
}

// IPReputation returns the stored reputation for an IP
func (s *Store) IPReputation(ip string) (float64, bool) {
	s.ipMu.RLock()
	defer s.ipMu.RUnlock()
	rep, ok := s.ips[ip]
	return rep, ok
}

// CategoryAccuracy returns the tally for a threat category
func (s *Store) CategoryAccuracy(t model.ThreatType) Accuracy {
	s.categoryMu.RLock()
	defer s.categoryMu.RUnlock()
	return s.categories[t]
}

// RecordSource moves the agent's reputation toward 1 (accurate) or 0 by one EMA step
func (s *Store) RecordSource(agentID string, accurate bool) float64 {
	s.sourceMu.Lock()
	defer s.sourceMu.Unlock()

	current, ok := s.sources[agentID]
	if !ok {
		current = DefaultSourceReputation
	}
	updated := ema(current, accurate, sourceEMAStep)
	s.sources[agentID] = updated
	return updated
}

// RecordIP moves the IP's reputation toward 1 (accurate) or 0 by one EMA step
func (s *Store) RecordIP(ip string, accurate bool) float64 {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()

	current, ok := s.ips[ip]
	if !ok {
		current = DefaultIPReputation
	}
	updated := ema(current, accurate, ipEMAStep)
	s.ips[ip] = updated
	return updated
}

// RecordCategory counts one outcome for the category
func (s *Store) RecordCategory(t model.ThreatType, accurate bool) Accuracy {
	s.categoryMu.Lock()
	defer s.categoryMu.Unlock()

	acc := s.categories[t]
	acc.Total++
	if accurate {
		acc.Correct++
	}
	s.categories[t] = acc
	return acc
}

// Export copies every table. Tables are copied one at a time.
func (s *Store) Export() Snapshot {
	snap := Snapshot{
		Sources:    make(map[string]float64),
		IPs:        make(map[string]float64),
		Categories: make(map[model.ThreatType]Accuracy),
	}

	s.sourceMu.RLock()
	for k, v := range s.sources {
		snap.Sources[k] = v
	}
	s.sourceMu.RUnlock()

	s.ipMu.RLock()
	for k, v := range s.ips {
		snap.IPs[k] = v
	}
	s.ipMu.RUnlock()

	s.categoryMu.RLock()
	for k, v := range s.categories {
		snap.Categories[k] = v
	}
	s.categoryMu.RUnlock()

	return snap
}

// Restore replaces the contents of every table with snap. Reputations are clamped to [0,1].
func (s *Store) Restore(snap Snapshot) {
	sources := make(map[string]float64, len(snap.Sources))
	for k, v := range snap.Sources {
		sources[k] = model.Clamp01(v)
	}
	ips := make(map[string]float64, len(snap.IPs))
	for k, v := range snap.IPs {
		ips[k] = model.Clamp01(v)
	}
	categories := make(map[model.ThreatType]Accuracy, len(snap.Categories))
	for k, v := range snap.Categories {
		if v.Correct > v.Total {
			v.Correct = v.Total
		}
		categories[k] = v
	}

	s.sourceMu.Lock()
	s.sources = sources
	s.sourceMu.Unlock()

	s.ipMu.Lock()
	s.ips = ips
	s.ipMu.Unlock()

	s.categoryMu.Lock()
	s.categories = categories
	s.categoryMu.Unlock()
}

// stats summarises table sizes and mean reputations
func (s *Store) stats() Metrics {
	var m Metrics

	s.sourceMu.RLock()
	m.TrackedAgents = len(s.sources)
	m.MeanSourceReputation = mean(s.sources)
	s.sourceMu.RUnlock()

	s.ipMu.RLock()
	m.TrackedIPs = len(s.ips)
	m.MeanIPReputation = mean(s.ips)
	s.ipMu.RUnlock()

	s.categoryMu.RLock()
	m.TrackedCategories = len(s.categories)
	s.categoryMu.RUnlock()

	return m
}

func ema(current float64, accurate bool, step float64) float64 {
	target := 0.0
	if accurate {
		target = 1.0
	}
	return model.Clamp01(current*(1-step) + target*step)
}

func mean(values map[string]float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
