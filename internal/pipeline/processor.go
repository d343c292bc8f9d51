package pipeline

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"flowguard/internal/adaptive"
	"flowguard/internal/alert"
	"flowguard/internal/detect"
	"flowguard/internal/enforce"
	"flowguard/internal/metrics"
	"flowguard/internal/model"
	"flowguard/internal/policy"
	"flowguard/internal/reputation"

	"github.com/sirupsen/logrus"
)

// Options tunes the processor; zero values get defaults.
type Options struct {
	TelemetryBuffer int
	// DropOldest selects the backpressure policy when the telemetry
	// queue fills: evict the oldest queued record instead of dropping
	// the incoming one.
	DropOldest bool
	// Alerts, when set, receives an alert for every critical threat
	// escalation.
	Alerts *alert.Manager
}

// Processor is the decision orchestrator. It consumes telemetry and
// detector events on a single goroutine so decisions for one identity
// are always made in arrival order, resolves external policy before
// consulting the adaptive engine, and pushes the effective action to
// the enforcement dispatcher.
type Processor struct {
	detector   *detect.Detector
	analyzer   *detect.FlowAnalyzer
	behavior   *detect.BehaviorAnalyzer
	engine     *adaptive.Engine
	store      *policy.Store
	resolver   *policy.Resolver
	reputation *reputation.Store
	dispatcher enforce.Dispatcher
	metrics    *metrics.Metrics
	alerts     *alert.Manager
	logger     *logrus.Logger

	telemetry  chan model.TelemetryRecord
	policyEvs  chan model.PolicyEvent
	dropOldest bool

	// Decision-path state, touched only from the Run goroutine.
	lastEvent map[string]model.ThreatEvent
	lastTier  map[string]model.ThreatTier
	seen      map[string]seenIdentity
	ports     *portTracker

	subMu       sync.Mutex
	subscribers map[chan adaptive.Decision]struct{}
}

type seenIdentity struct {
	identity model.FlowIdentity
	lastSeen time.Time
}

func NewProcessor(
	detector *detect.Detector,
	analyzer *detect.FlowAnalyzer,
	behavior *detect.BehaviorAnalyzer,
	engine *adaptive.Engine,
	store *policy.Store,
	resolver *policy.Resolver,
	rep *reputation.Store,
	dispatcher enforce.Dispatcher,
	m *metrics.Metrics,
	opts Options,
	logger *logrus.Logger,
) *Processor {
	if opts.TelemetryBuffer <= 0 {
		opts.TelemetryBuffer = 1024
	}
	return &Processor{
		detector:    detector,
		analyzer:    analyzer,
		behavior:    behavior,
		engine:      engine,
		store:       store,
		resolver:    resolver,
		reputation:  rep,
		dispatcher:  dispatcher,
		metrics:     m,
		alerts:      opts.Alerts,
		logger:      logger,
		telemetry:   make(chan model.TelemetryRecord, opts.TelemetryBuffer),
		policyEvs:   make(chan model.PolicyEvent, 256),
		dropOldest:  opts.DropOldest,
		lastEvent:   make(map[string]model.ThreatEvent),
		lastTier:    make(map[string]model.ThreatTier),
		seen:        make(map[string]seenIdentity),
		ports:       newPortTracker(10 * time.Second),
		subscribers: make(map[chan adaptive.Decision]struct{}),
	}
}

// Submit enqueues one telemetry record without blocking the collector.
// When the queue is full either the oldest queued record or the incoming
// one is dropped, per the configured backpressure policy.
func (p *Processor) Submit(rec model.TelemetryRecord) {
	select {
	case p.telemetry <- rec:
		return
	default:
	}

	if p.dropOldest {
		select {
		case <-p.telemetry:
			p.metrics.TelemetryDropped.Inc()
		default:
		}
		select {
		case p.telemetry <- rec:
			return
		default:
		}
	}

	p.metrics.TelemetryDropped.Inc()
	p.logger.Errorf("[Pipeline] Telemetry queue full, dropping record for %s", rec.Identity)
}

// PolicyChanged implements policy.Listener. The event is handed to the
// Run goroutine so enforcement updates stay ordered with decisions.
func (p *Processor) PolicyChanged(ev model.PolicyEvent) {
	p.metrics.PolicyChanges.WithLabelValues(string(ev.Type)).Inc()
	select {
	case p.policyEvs <- ev:
	default:
		p.logger.Error("[Pipeline] Policy event queue full, dropping event")
	}
}

// Subscribe returns a channel receiving every decision. Slow consumers
// miss decisions rather than stalling the pipeline.
func (p *Processor) Subscribe() chan adaptive.Decision {
	ch := make(chan adaptive.Decision, 64)
	p.subMu.Lock()
	p.subscribers[ch] = struct{}{}
	p.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (p *Processor) Unsubscribe(ch chan adaptive.Decision) {
	p.subMu.Lock()
	if _, ok := p.subscribers[ch]; ok {
		delete(p.subscribers, ch)
		close(ch)
	}
	p.subMu.Unlock()
}

// Run drives the decision loop until the context is cancelled.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("[Pipeline] Decision loop started")
	housekeeping := time.NewTicker(time.Minute)
	defer housekeeping.Stop()

	for {
		select {
		case rec := <-p.telemetry:
			p.handleTelemetry(rec)
		case ev := <-p.detector.Events():
			p.handleThreatEvent(ev)
		case ev := <-p.policyEvs:
			p.handlePolicyEvent(ev)
		case now := <-housekeeping.C:
			p.sweepSeen(now)
		case <-ctx.Done():
			p.logger.Info("[Pipeline] Decision loop stopped")
			return
		}
	}
}

func (p *Processor) handleTelemetry(rec model.TelemetryRecord) {
	p.metrics.TelemetryReceived.Inc()
	p.detector.Observe(rec)

	key := rec.Identity.Key()
	p.seen[key] = seenIdentity{identity: rec.Identity, lastSeen: time.Now()}

	sample := p.buildSample(rec)
	tier := p.analyzer.Classify(sample)
	p.lastTier[key] = tier
	p.metrics.FlowsByTier.WithLabelValues(tier.String()).Inc()

	anomalous := p.behavior.ClassifyPattern(sample) == detect.PatternAnomalous
	if anomalous {
		p.metrics.AnomalousFlows.Inc()
	}

	p.decide(rec.Identity, tier, anomalous)
}

func (p *Processor) handleThreatEvent(ev model.ThreatEvent) {
	key := ev.Identity.Key()

	if ev.Clear {
		p.metrics.ClearSignals.Inc()
		delete(p.lastEvent, key)
		if p.engine.HandleClear(ev.Identity) {
			p.redispatch(ev.Identity)
		}
		return
	}

	p.metrics.ThreatEvents.WithLabelValues(ev.Severity.String()).Inc()
	p.lastEvent[key] = ev
	if ev.Severity == model.SeverityCritical && p.alerts != nil {
		identity := ev.Identity
		p.alerts.Send(model.Alert{
			Type:     "critical_threat",
			Severity: ev.Severity.String(),
			Message:  fmt.Sprintf("sustained critical threat from %s at %.0f B/s", identity, ev.ObservedRate),
			Identity: &identity,
		})
	}
	p.reputation.RecordOutcome(ev.Identity, reputation.OutcomeConfirmedMalicious)
	p.metrics.ReputationOutcomes.WithLabelValues(reputation.OutcomeConfirmedMalicious.String()).Inc()

	tier, ok := p.lastTier[key]
	if !ok {
		// The event arrived before any classified sample; a sustained
		// threshold breach is at least suspicious.
		tier = model.TierSuspicious
	}
	p.decide(ev.Identity, tier, false)
}

// decide resolves external policy first; any matching external-source
// rule is authoritative and forwarded verbatim. Only without one does
// the adaptive engine get a say.
func (p *Processor) decide(identity model.FlowIdentity, tier model.ThreatTier, anomalous bool) {
	if action, rule := p.resolver.ResolveIdentity(identity); rule != nil && rule.Source.External() {
		p.dispatch(identity, action, rule.Priority)
		p.publish(adaptive.Decision{
			Identity: identity,
			Action:   action,
			RuleID:   rule.ID,
			Reason:   "external policy from " + string(rule.Source),
		})
		p.metrics.DecisionsTotal.WithLabelValues(string(action)).Inc()
		return
	}

	assessment := adaptive.Assessment{
		Identity:  identity,
		Tier:      tier,
		Anomalous: anomalous,
	}
	if ev, ok := p.lastEvent[identity.Key()]; ok {
		assessment.HasEvent = true
		assessment.Severity = ev.Severity
	}

	dec := p.engine.Evaluate(assessment)
	p.dispatchDecision(identity, dec)
	p.publish(dec)
	p.metrics.DecisionsTotal.WithLabelValues(string(dec.Action)).Inc()
	p.metrics.ActiveBlocks.Set(float64(len(p.engine.ActiveBlocks())))
}

func (p *Processor) dispatchDecision(identity model.FlowIdentity, dec adaptive.Decision) {
	// The engine may have installed a rule; the winner across all
	// sources is what the data plane gets.
	action, rule := p.resolver.ResolveIdentity(identity)
	if rule == nil {
		p.dispatch(identity, model.ActionNone, 0)
		return
	}
	p.dispatch(identity, action, rule.Priority)
}

func (p *Processor) dispatch(identity model.FlowIdentity, action model.PolicyAction, priority int) {
	var err error
	if action == model.ActionNone || action == model.ActionAllow {
		err = p.dispatcher.ClearAction(identity)
	} else {
		err = p.dispatcher.ApplyAction(identity, action, priority)
	}
	if err != nil {
		// The failure callback has already alerted; the decision stands
		// and the retrier keeps the intent pending.
		p.logger.Errorf("[Pipeline] Enforcement for %s failed: %v", identity, err)
	}
}

// redispatch recomputes and pushes the effective action for an identity
// after its rule set changed.
func (p *Processor) redispatch(identity model.FlowIdentity) {
	action, rule := p.resolver.ResolveIdentity(identity)
	if rule == nil {
		p.dispatch(identity, model.ActionNone, 0)
		return
	}
	p.dispatch(identity, action, rule.Priority)
}

// handlePolicyEvent re-enforces every known identity the changed rule
// covers. Identities never seen by telemetry have nothing applied, so
// skipping them is safe.
func (p *Processor) handlePolicyEvent(ev model.PolicyEvent) {
	for _, s := range p.seen {
		if p.ruleCovers(ev.Rule, s.identity) {
			p.redispatch(s.identity)
		}
	}
}

func (p *Processor) ruleCovers(rule model.PolicyRule, identity model.FlowIdentity) bool {
	switch rule.TargetType {
	case model.TargetFlow:
		return rule.TargetValue == identity.Key()
	case model.TargetIP:
		if rule.TargetValue == identity.SourceAddr {
			return true
		}
		// CIDR-targeted rules cover every address in the range, same as
		// the resolver's matching.
		if _, ipnet, err := net.ParseCIDR(rule.TargetValue); err == nil {
			if ip := net.ParseIP(identity.SourceAddr); ip != nil {
				return ipnet.Contains(ip)
			}
		}
		return false
	case model.TargetMACPort:
		return rule.TargetValue == identity.MACPortKey()
	}
	return false
}

// buildSample derives the analyzer-facing sample from one telemetry
// record, enriched with short-window fan-out tracking.
func (p *Processor) buildSample(rec model.TelemetryRecord) model.FlowSample {
	distinctPorts, newFlows := p.ports.observe(rec.Identity, rec.IntervalEnd)
	connRate := float64(newFlows) / p.ports.window.Seconds()
	return model.FlowSample{
		Identity:     rec.Identity,
		ByteRate:     rec.ByteRate(),
		PacketRate:   rec.PacketRate(),
		ConnRate:     connRate,
		BurstBytes:   rec.ByteCount,
		DistinctPort: distinctPorts,
		Timestamp:    rec.IntervalEnd,
	}
}

func (p *Processor) sweepSeen(now time.Time) {
	cutoff := now.Add(-10 * time.Minute)
	for key, s := range p.seen {
		if s.lastSeen.Before(cutoff) {
			delete(p.seen, key)
			delete(p.lastTier, key)
			delete(p.lastEvent, key)
		}
	}
	p.ports.sweep(now)
	p.metrics.TrackedIdentities.Set(float64(p.detector.TrackedIdentities()))

	p.metrics.PoliciesBySource.Reset()
	for source, count := range p.store.CountBySource() {
		p.metrics.PoliciesBySource.WithLabelValues(string(source)).Set(float64(count))
	}
}

func (p *Processor) publish(dec adaptive.Decision) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for ch := range p.subscribers {
		select {
		case ch <- dec:
		default:
		}
	}
}

// portTracker counts distinct destination ports and new flows per source
// over a short window. It backs the scan signature and the connection
// rate estimate.
type portTracker struct {
	window  time.Duration
	sources map[string]*portEntry
}

type portEntry struct {
	ports map[uint16]time.Time
	flows map[string]time.Time
}

func newPortTracker(window time.Duration) *portTracker {
	return &portTracker{
		window:  window,
		sources: make(map[string]*portEntry),
	}
}

// observe registers the flow and returns the live distinct-port count
// and the number of flows started within the window.
func (t *portTracker) observe(id model.FlowIdentity, now time.Time) (distinctPorts, newFlows int) {
	source := id.SourceAddr
	if source == "" {
		source = id.SourceHW
	}
	entry, ok := t.sources[source]
	if !ok {
		entry = &portEntry{
			ports: make(map[uint16]time.Time),
			flows: make(map[string]time.Time),
		}
		t.sources[source] = entry
	}

	entry.ports[id.DestPort] = now
	if _, ok := entry.flows[id.Key()]; !ok {
		entry.flows[id.Key()] = now
	}

	cutoff := now.Add(-t.window)
	for port, seen := range entry.ports {
		if seen.Before(cutoff) {
			delete(entry.ports, port)
		}
	}
	for key, started := range entry.flows {
		if started.Before(cutoff) {
			delete(entry.flows, key)
		}
	}
	return len(entry.ports), len(entry.flows)
}

func (t *portTracker) sweep(now time.Time) {
	cutoff := now.Add(-t.window)
	for source, entry := range t.sources {
		live := false
		for _, seen := range entry.ports {
			if !seen.Before(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(t.sources, source)
		}
	}
}
