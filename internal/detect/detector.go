package detect

import (
	"sync"
	"time"

	"flowguard/internal/model"

	"github.com/sirupsen/logrus"
)

// ConditionsFunc returns the current network conditions. The detector reads
// them at evaluation time to scale its effective threshold without mutating
// the configured base.
type ConditionsFunc func() model.NetworkConditions

// Detector turns traffic window updates into escalating/de-escalating
// violation counts and emits one ThreatEvent per escalation. A second event
// for the same identity is only emitted after a full de-escalation and
// re-escalation cycle. When the counter returns to zero a clear event is
// emitted so the adaptive engine can evaluate early unblock.
type Detector struct {
	threshold       float64
	escalationBound int
	window          time.Duration
	bucketSize      time.Duration
	idleEviction    time.Duration
	criticalRatio   float64

	mu         sync.Mutex
	states     map[string]*detectorState
	events     chan model.ThreatEvent
	conditions ConditionsFunc
	logger     *logrus.Logger

	droppedEvents uint64
	dupRecords    uint64
}

type detectorState struct {
	identity   model.FlowIdentity
	window     *TrafficWindow
	violations int
	escalated  bool
}

// DetectorOptions carries detector tuning; zero values get defaults.
type DetectorOptions struct {
	RateThreshold   float64
	EscalationBound int
	Window          time.Duration
	BucketSize      time.Duration
	IdleEviction    time.Duration
	CriticalRatio   float64
}

func NewDetector(opts DetectorOptions, conditions ConditionsFunc, logger *logrus.Logger) *Detector {
	if opts.RateThreshold <= 0 {
		opts.RateThreshold = 700000
	}
	if opts.EscalationBound <= 0 {
		opts.EscalationBound = 3
	}
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.BucketSize <= 0 {
		opts.BucketSize = 10 * time.Second
	}
	if opts.IdleEviction <= 0 {
		opts.IdleEviction = 2 * opts.Window
	}
	if opts.CriticalRatio <= 0 {
		opts.CriticalRatio = 2.0
	}
	if conditions == nil {
		conditions = func() model.NetworkConditions { return model.NetworkConditions{} }
	}
	return &Detector{
		threshold:       opts.RateThreshold,
		escalationBound: opts.EscalationBound,
		window:          opts.Window,
		bucketSize:      opts.BucketSize,
		idleEviction:    opts.IdleEviction,
		criticalRatio:   opts.CriticalRatio,
		states:          make(map[string]*detectorState),
		events:          make(chan model.ThreatEvent, 256),
		conditions:      conditions,
		logger:          logger,
	}
}

// Events returns the threat event channel consumed by the adaptive engine.
// Events for a single identity are delivered in emission order.
func (d *Detector) Events() <-chan model.ThreatEvent {
	return d.events
}

// Observe ingests one telemetry record and runs the violation state machine.
// Duplicate records for an already-counted interval are dropped.
func (d *Detector) Observe(rec model.TelemetryRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := rec.Identity.Key()
	state, ok := d.states[key]
	if !ok {
		state = &detectorState{
			identity: rec.Identity,
			window:   NewTrafficWindow(d.bucketSize, d.window),
		}
		d.states[key] = state
	}

	if !state.window.Ingest(rec) {
		d.dupRecords++
		d.logger.Debugf("[Detector] Duplicate telemetry for %s at %s, dropped",
			rec.Identity, rec.IntervalStart.Format(time.RFC3339))
		return
	}

	rate := rec.ByteRate()
	effective := d.effectiveThreshold()

	if rate > effective {
		if state.violations < d.escalationBound {
			state.violations++
		}
		if state.violations >= d.escalationBound && !state.escalated {
			state.escalated = true
			d.emit(model.ThreatEvent{
				Identity:        rec.Identity,
				Severity:        d.grade(rate),
				ObservedRate:    rate,
				ViolationStreak: state.violations,
				Timestamp:       rec.IntervalEnd,
			})
		}
	} else {
		if state.violations > 0 {
			state.violations--
		}
		if state.violations == 0 && state.escalated {
			state.escalated = false
			d.emit(model.ThreatEvent{
				Identity:     rec.Identity,
				ObservedRate: rate,
				Timestamp:    rec.IntervalEnd,
				Clear:        true,
			})
		}
	}
}

// grade maps the observed rate to a severity. Critical needs a rate at or
// beyond the critical multiple of the base threshold; exceeding only a
// condition-lowered threshold grades medium.
func (d *Detector) grade(rate float64) model.Severity {
	switch {
	case rate >= d.threshold*d.criticalRatio:
		return model.SeverityCritical
	case rate > d.threshold:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

// effectiveThreshold scales the configured threshold by network conditions:
// attack waves lower it (more sensitive), a high false-positive rate raises
// it (less sensitive). The base config is never mutated.
func (d *Detector) effectiveThreshold() float64 {
	cond := d.conditions()
	effective := d.threshold
	if cond.AttackFrequency > 0.7 {
		effective *= 0.8
	}
	if cond.FalsePositiveRate > 0.1 {
		effective *= 1.2
	}
	return effective
}

func (d *Detector) emit(ev model.ThreatEvent) {
	select {
	case d.events <- ev:
		if ev.Clear {
			d.logger.Infof("[Detector] %s cleared, rate %.0f B/s", ev.Identity, ev.ObservedRate)
		} else {
			d.logger.Warnf("[Detector] Threat %s for %s: %.0f B/s after %d violations",
				ev.Severity, ev.Identity, ev.ObservedRate, ev.ViolationStreak)
		}
	default:
		d.droppedEvents++
		d.logger.Error("[Detector] Event channel is full, dropping threat event")
	}
}

// Sweep evicts windows idle beyond the eviction horizon. Intended to run
// from a periodic task, independent of the ingest path.
func (d *Detector) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	evicted := 0
	cutoff := now.Add(-d.idleEviction)
	for key, state := range d.states {
		if state.window.IdleSince().Before(cutoff) {
			delete(d.states, key)
			evicted++
		}
	}
	if evicted > 0 {
		d.logger.Debugf("[Detector] Evicted %d idle traffic windows", evicted)
	}
	return evicted
}

// DroppedDuplicates returns the count of ignored duplicate records.
func (d *Detector) DroppedDuplicates() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dupRecords
}

// TrackedIdentities returns the number of identities with live windows.
func (d *Detector) TrackedIdentities() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.states)
}
