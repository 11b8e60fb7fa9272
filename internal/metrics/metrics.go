package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the consensus service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestsSubmitted      prometheus.Counter
	ResponsesRecorded      prometheus.Counter
	DuplicateResponses     prometheus.Counter
	ConsensusOutcomes      *prometheus.CounterVec
	RequestsExpired        prometheus.Counter
	PendingRequests        prometheus.Gauge
	CorrelatedPairs        prometheus.Counter
	CorrelationDuration    prometheus.Histogram
	CredibilityUpdates     *prometheus.CounterVec
	TrackedAgents          prometheus.Gauge
	TrackedIPs             prometheus.Gauge
	EvidenceEnhanced       *prometheus.CounterVec
	TransportMessages      *prometheus.CounterVec
	TransportInvalid       *prometheus.CounterVec
	TransportPublishErrors prometheus.Counter
	IndicatorReloads       prometheus.Counter
	KnownThreatIPs         prometheus.Gauge
}

// NewMetrics registers every metric with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_requests_submitted_total",
			Help: "Total number of verification requests submitted",
		}),
		ResponsesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_responses_recorded_total",
			Help: "Total number of verification responses recorded",
		}),
		DuplicateResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_duplicate_responses_total",
			Help: "Total number of responses that replaced an earlier response from the same agent",
		}),
		ConsensusOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_outcomes_total",
			Help: "Total number of consensus computations by outcome",
		}, []string{"outcome"}),
		RequestsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_requests_expired_total",
			Help: "Total number of verification requests removed by the expiry sweep",
		}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_pending_requests",
			Help: "Number of verification requests currently stored",
		}),
		CorrelatedPairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_correlated_pairs_total",
			Help: "Total number of local/upstream evidence pairs that correlated",
		}),
		CorrelationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consensus_correlation_duration_seconds",
			Help:    "Duration of evidence correlation batches",
			Buckets: prometheus.DefBuckets,
		}),
		CredibilityUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credibility_updates_total",
			Help: "Total number of credibility updates by outcome",
		}, []string{"accurate"}),
		TrackedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credibility_tracked_agents",
			Help: "Number of agents with a stored reputation",
		}),
		TrackedIPs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credibility_tracked_ips",
			Help: "Number of IPs with a stored reputation",
		}),
		EvidenceEnhanced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credibility_evidence_enhanced_total",
			Help: "Total number of evidence records enhanced, by adjusted threat level",
		}, []string{"threat_level"}),
		TransportMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_messages_total",
			Help: "Total number of peer messages received by subject",
		}, []string{"subject"}),
		TransportInvalid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_messages_invalid_total",
			Help: "Total number of peer messages rejected, by reason",
		}, []string{"reason"}),
		TransportPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "transport_publish_errors_total",
			Help: "Total number of NATS publish errors",
		}),
		IndicatorReloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "indicators_reloads_total",
			Help: "Total number of indicator snapshots applied",
		}),
		KnownThreatIPs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "indicators_known_threat_ips",
			Help: "Number of known-bad IPs in the active indicator snapshot",
		}),
	}
}

// IncRequestsSubmitted increments the submitted requests counter
func (m *Metrics) IncRequestsSubmitted() {
	if m == nil {
		return
	}
	m.RequestsSubmitted.Inc()
}

// IncResponsesRecorded increments the recorded responses counter
func (m *Metrics) IncResponsesRecorded(duplicate bool) {
	if m == nil {
		return
	}
	m.ResponsesRecorded.Inc()
	if duplicate {
		m.DuplicateResponses.Inc()
	}
}

// IncConsensusOutcome counts one consensus computation
func (m *Metrics) IncConsensusOutcome(reached bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if reached {
		outcome = "reached"
	}
	m.ConsensusOutcomes.WithLabelValues(outcome).Inc()
}

// AddRequestsExpired adds n to the expired requests counter
func (m *Metrics) AddRequestsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RequestsExpired.Add(float64(n))
}

// SetPendingRequests sets the pending requests gauge
func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
}

// IncCorrelatedPairs counts one correlated pair
func (m *Metrics) IncCorrelatedPairs() {
	if m == nil {
		return
	}
	m.CorrelatedPairs.Inc()
}

// ObserveCorrelationDuration records how long a correlation batch took
func (m *Metrics) ObserveCorrelationDuration(seconds float64) {
	if m == nil {
		return
	}
	m.CorrelationDuration.Observe(seconds)
}

// IncCredibilityUpdate counts one credibility update
func (m *Metrics) IncCredibilityUpdate(accurate bool) {
	if m == nil {
		return
	}
	label := "false"
	if accurate {
		label = "true"
	}
	m.CredibilityUpdates.WithLabelValues(label).Inc()
}

// SetTracked sets the tracked agents and IPs gauges
func (m *Metrics) SetTracked(agents, ips int) {
	if m == nil {
		return
	}
	m.TrackedAgents.Set(float64(agents))
	m.TrackedIPs.Set(float64(ips))
}

// IncEvidenceEnhanced counts one enhanced evidence record
func (m *Metrics) IncEvidenceEnhanced(level string) {
	if m == nil {
		return
	}
	m.EvidenceEnhanced.WithLabelValues(level).Inc()
}

// IncTransportMessage counts one received peer message
func (m *Metrics) IncTransportMessage(subject string) {
	if m == nil {
		return
	}
	m.TransportMessages.WithLabelValues(subject).Inc()
}

// IncTransportInvalid counts one rejected peer message
func (m *Metrics) IncTransportInvalid(reason string) {
	if m == nil {
		return
	}
	m.TransportInvalid.WithLabelValues(reason).Inc()
}

// IncTransportPublishErrors increments the publish error counter
func (m *Metrics) IncTransportPublishErrors() {
	if m == nil {
		return
	}
	m.TransportPublishErrors.Inc()
}

// RecordIndicatorReload counts an applied indicator snapshot holding knownIPs addresses
func (m *Metrics) RecordIndicatorReload(knownIPs int) {
	if m == nil {
		return
	}
	m.IndicatorReloads.Inc()
	m.KnownThreatIPs.Set(float64(knownIPs))
}
