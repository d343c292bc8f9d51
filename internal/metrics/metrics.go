package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series the engine exports.
type Metrics struct {
	// Pipeline metrics
	TelemetryReceived prometheus.Counter
	TelemetryDropped  prometheus.Counter
	DecisionsTotal    *prometheus.CounterVec // by action

	// Detection metrics
	FlowsByTier    *prometheus.CounterVec // by classification tier
	ThreatEvents   *prometheus.CounterVec // by severity
	ClearSignals   prometheus.Counter
	AnomalousFlows prometheus.Counter

	// Policy metrics
	PoliciesBySource *prometheus.GaugeVec   // by source
	PolicyChanges    *prometheus.CounterVec // by event type
	ActiveBlocks     prometheus.Gauge

	// Reputation metrics
	ReputationOutcomes *prometheus.CounterVec // by outcome
	TrackedIdentities  prometheus.Gauge

	// Resilience metrics
	StoreDegradations   prometheus.Counter
	EnforcementRetries  prometheus.Counter
	EnforcementFailures prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TelemetryReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_telemetry_records_total",
			Help: "Total telemetry records received from collectors",
		}),
		TelemetryDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_telemetry_dropped_total",
			Help: "Telemetry records dropped due to full queues",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_decisions_total",
			Help: "Mitigation decisions by effective action",
		}, []string{"action"}),
		FlowsByTier: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_flows_by_tier_total",
			Help: "Flow classifications by threat tier",
		}, []string{"tier"}),
		ThreatEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_threat_events_total",
			Help: "Threat events emitted by the detector, by severity",
		}, []string{"severity"}),
		ClearSignals: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_clear_signals_total",
			Help: "De-escalation signals emitted by the detector",
		}),
		AnomalousFlows: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_anomalous_flows_total",
			Help: "Flow samples flagged anomalous by the behavior analyzer",
		}),
		PoliciesBySource: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowguard_policies",
			Help: "Live policy rules by source",
		}, []string{"source"}),
		PolicyChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_policy_changes_total",
			Help: "Policy store change events by type",
		}, []string{"event"}),
		ActiveBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_active_blocks",
			Help: "Controller-issued blocks currently in force",
		}),
		ReputationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_reputation_outcomes_total",
			Help: "Confirmed outcomes folded into reputation, by kind",
		}, []string{"outcome"}),
		TrackedIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_tracked_identities",
			Help: "Identities with live detection state",
		}),
		StoreDegradations: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_store_degradations_total",
			Help: "Persistence operations that fell back to memory",
		}),
		EnforcementRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_enforcement_retries_total",
			Help: "Enforcement operations that needed a retry",
		}),
		EnforcementFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_enforcement_failures_total",
			Help: "Enforcement operations that exhausted all retries",
		}),
	}
}
