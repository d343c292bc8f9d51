package adaptive

import (
	"sync"
	"time"

	"flowguard/internal/model"
	"flowguard/internal/policy"
	"flowguard/internal/reputation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Score weights for the composite threat score.
const (
	weightBase       = 0.3
	weightReputation = 0.2
	weightBehavior   = 0.3
	weightPattern    = 0.2
)

// Response tier bands over the composite score.
const (
	bandMonitor        = 0.3
	bandRateLimit      = 0.4
	bandSelectiveBlock = 0.6
	bandFullBlock      = 0.8
)

// Base block durations per threat level before any multiplier.
var baseDurations = map[model.Severity]time.Duration{
	model.SeverityLow:      60 * time.Second,
	model.SeverityMedium:   300 * time.Second,
	model.SeverityHigh:     900 * time.Second,
	model.SeverityCritical: 3600 * time.Second,
}

// Assessment bundles everything the engine needs to decide on one identity.
type Assessment struct {
	Identity  model.FlowIdentity
	Tier      model.ThreatTier
	Anomalous bool
	// HasEvent marks that a detector threat event accompanies this
	// assessment; Severity is only meaningful when set.
	HasEvent bool
	Severity model.Severity
}

// Decision is the engine's verdict for one assessment.
type Decision struct {
	Identity    model.FlowIdentity  `json:"identity"`
	Score       float64             `json:"score"`
	Response    model.ResponseTier  `json:"response"`
	Action      model.PolicyAction  `json:"action"`
	ThreatLevel model.Severity      `json:"threat_level"`
	Duration    time.Duration       `json:"duration,omitempty"`
	RuleID      string              `json:"rule_id,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// BlockRecord tracks one active controller-issued block.
type BlockRecord struct {
	Identity    model.FlowIdentity
	RuleID      string
	TargetType  model.TargetType
	TargetValue string
	ThreatLevel model.Severity
	Response    model.ResponseTier
	Base        time.Duration
	Duration    time.Duration
	ActivatedAt time.Time
	ExpiresAt   time.Time
}

// probationState remembers recently unblocked identities so repeat
// offenders get doubled base durations.
type probationState struct {
	until      time.Time
	recurrence int
}

// Options tunes the engine; zero values get defaults.
type Options struct {
	MinDuration        time.Duration
	MaxDuration        time.Duration
	ControllerPriority int
	ProbationWindow    time.Duration
	EarlyUnblockBand   reputation.Band
}

// Engine turns threat assessments into graduated responses and manages
// the lifecycle of the controller-sourced rules it installs. All blocking
// decisions flow through the policy store; the engine never talks to the
// enforcement layer directly.
type Engine struct {
	store      *policy.Store
	reputation *reputation.Store
	conditions *Conditions

	minDuration time.Duration
	maxDuration time.Duration
	priority    int
	probationW  time.Duration
	earlyBand   reputation.Band

	mu        sync.Mutex
	active    map[string]*BlockRecord // keyed by identity
	probation map[string]*probationState

	logger *logrus.Logger
}

func NewEngine(opts Options, store *policy.Store, rep *reputation.Store, cond *Conditions, logger *logrus.Logger) *Engine {
	if opts.MinDuration <= 0 {
		opts.MinDuration = 30 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 24 * time.Hour
	}
	if opts.ControllerPriority <= 0 {
		opts.ControllerPriority = 30
	}
	if opts.ProbationWindow <= 0 {
		opts.ProbationWindow = 30 * time.Minute
	}
	if opts.EarlyUnblockBand == 0 {
		opts.EarlyUnblockBand = reputation.BandGood
	}
	return &Engine{
		store:       store,
		reputation:  rep,
		conditions:  cond,
		minDuration: opts.MinDuration,
		maxDuration: opts.MaxDuration,
		priority:    opts.ControllerPriority,
		probationW:  opts.ProbationWindow,
		earlyBand:   opts.EarlyUnblockBand,
		active:      make(map[string]*BlockRecord),
		probation:   make(map[string]*probationState),
		logger:      logger,
	}
}

// Score computes the weighted composite threat score in [0,1].
func (e *Engine) Score(a Assessment) float64 {
	base := tierScore(a.Tier)
	repScore := e.reputation.GetScore(a.Identity)

	behavior := 0.0
	if a.Anomalous {
		behavior = 1.0
	}

	pattern := 0.0
	if a.HasEvent {
		pattern = severityScore(a.Severity)
	}

	score := weightBase*base +
		weightReputation*(1.0-repScore) +
		weightBehavior*behavior +
		weightPattern*pattern
	return clamp01(score)
}

// Evaluate scores the assessment, picks the response tier, and installs
// or refreshes the controller rule the tier calls for. It is the single
// entry point for engine-originated policy.
func (e *Engine) Evaluate(a Assessment) Decision {
	score := e.Score(a)
	response := responseFor(score)
	level := e.threatLevel(a, response)

	dec := Decision{
		Identity:    a.Identity,
		Score:       score,
		Response:    response,
		Action:      response.Action(),
		ThreatLevel: level,
	}

	if response == model.ResponseAllow {
		return dec
	}

	targetType, targetValue := targetFor(a.Identity, response)
	dec.Duration = e.computeDuration(a.Identity, level)
	dec.Reason = "adaptive response: " + response.String()

	e.mu.Lock()
	key := a.Identity.Key()
	if rec, ok := e.active[key]; ok {
		if response <= rec.Response {
			// Already covered at this tier or stronger; keep the
			// existing rule and its expiry.
			dec.RuleID = rec.RuleID
			dec.Duration = rec.Duration
			e.mu.Unlock()
			return dec
		}
		// Escalation: replace the weaker rule below.
		e.mu.Unlock()
		e.store.RemoveBySourceAndTarget(model.SourceController, rec.TargetType, rec.TargetValue)
		e.mu.Lock()
		delete(e.active, key)
	}

	now := time.Now()
	expires := now.Add(dec.Duration)
	rule := model.PolicyRule{
		ID:          uuid.New().String(),
		Source:      model.SourceController,
		Action:      dec.Action,
		TargetType:  targetType,
		TargetValue: targetValue,
		Priority:    e.priority,
		Reason:      dec.Reason,
		CreatedAt:   now,
		ExpiresAt:   &expires,
	}
	e.active[key] = &BlockRecord{
		Identity:    a.Identity,
		RuleID:      rule.ID,
		TargetType:  targetType,
		TargetValue: targetValue,
		ThreatLevel: level,
		Response:    response,
		Base:        baseDurations[level],
		Duration:    dec.Duration,
		ActivatedAt: now,
		ExpiresAt:   expires,
	}
	e.mu.Unlock()

	if err := e.store.AddPolicy(rule); err != nil {
		e.logger.Errorf("[Adaptive] Failed to install %s rule for %s: %v", response, a.Identity, err)
		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()
		dec.RuleID = ""
		return dec
	}

	dec.RuleID = rule.ID
	e.logger.Infof("[Adaptive] %s for %s: score=%.2f level=%s duration=%s",
		response, a.Identity, score, level, dec.Duration)
	return dec
}

// HandleClear processes the detector's de-escalation signal. Identities
// in a good-or-better reputation band are unblocked early and credited
// with a benign outcome; everyone else serves out the computed duration.
func (e *Engine) HandleClear(identity model.FlowIdentity) bool {
	score := e.reputation.GetScore(identity)
	if e.reputation.BandOf(score) < e.earlyBand {
		return false
	}

	released := e.releaseBlocks(identity, "traffic cleared, trusted identity")
	if released == 0 {
		return false
	}
	e.reputation.RecordOutcome(identity, reputation.OutcomeConfirmedBenign)
	e.logger.Infof("[Adaptive] Early unblock for %s (reputation %.2f)", identity, score)
	return true
}

// ForceUnblock is the administrator path. It removes every controller
// rule for the identity regardless of reputation and, when the operator
// marks the block a mistake, records a false positive outcome.
func (e *Engine) ForceUnblock(identity model.FlowIdentity, falsePositive bool) int {
	released := e.releaseBlocks(identity, "administrator unblock")
	if falsePositive {
		e.reputation.RecordOutcome(identity, reputation.OutcomeFalsePositive)
	}
	e.logger.Infof("[Adaptive] Administrator unblock for %s removed %d rules (false_positive=%v)",
		identity, released, falsePositive)
	return released
}

// releaseBlocks drops active controller rules covering the identity and
// puts it on probation.
func (e *Engine) releaseBlocks(identity model.FlowIdentity, reason string) int {
	e.mu.Lock()
	var targets []*BlockRecord
	for key, rec := range e.active {
		if rec.Identity.Key() == identity.Key() {
			targets = append(targets, rec)
			delete(e.active, key)
		}
	}
	if len(targets) > 0 {
		e.touchProbationLocked(identity)
	}
	e.mu.Unlock()

	released := 0
	for _, rec := range targets {
		released += e.store.RemoveBySourceAndTarget(model.SourceController, rec.TargetType, rec.TargetValue)
		e.logger.Debugf("[Adaptive] Released %s rule on %s=%s: %s",
			rec.Response, rec.TargetType, rec.TargetValue, reason)
	}
	return released
}

// Sweep expires finished blocks and stale probation entries. Expired
// identities move to probation so a quick relapse earns a doubled
// duration.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	var expired []*BlockRecord
	for key, rec := range e.active {
		if now.After(rec.ExpiresAt) {
			expired = append(expired, rec)
			delete(e.active, key)
		}
	}
	for key, p := range e.probation {
		if now.After(p.until) {
			delete(e.probation, key)
		}
	}
	for _, rec := range expired {
		e.touchProbationLocked(rec.Identity)
	}
	e.mu.Unlock()

	for _, rec := range expired {
		// The policy store sweeps the rule itself; this only clears
		// bookkeeping in case the stores sweep on different cadences.
		e.store.RemoveBySourceAndTarget(model.SourceController, rec.TargetType, rec.TargetValue)
		e.logger.Infof("[Adaptive] Block on %s=%s expired after %s",
			rec.TargetType, rec.TargetValue, rec.Duration)
	}
	return len(expired)
}

// RunSweeper runs the periodic expiry sweep until the stop channel closes.
func (e *Engine) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Sweep(time.Now())
		case <-stop:
			return
		}
	}
}

// ActiveBlocks returns copies of all live block records.
func (e *Engine) ActiveBlocks() []BlockRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BlockRecord, 0, len(e.active))
	for _, rec := range e.active {
		out = append(out, *rec)
	}
	return out
}

// OnProbation reports whether the identity was recently unblocked.
func (e *Engine) OnProbation(identity model.FlowIdentity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.probation[identity.Key()]
	return ok && time.Now().Before(p.until)
}

func (e *Engine) touchProbationLocked(identity model.FlowIdentity) {
	key := identity.Key()
	p, ok := e.probation[key]
	if !ok {
		p = &probationState{}
		e.probation[key] = p
	}
	p.until = time.Now().Add(e.probationW)
}

// computeDuration applies the duration formula: base for the threat
// level, doubled per probation recurrence, scaled by the reputation and
// network condition multipliers, clamped to the configured range.
func (e *Engine) computeDuration(identity model.FlowIdentity, level model.Severity) time.Duration {
	base := baseDurations[level]

	e.mu.Lock()
	if p, ok := e.probation[identity.Key()]; ok && time.Now().Before(p.until) {
		p.recurrence++
		for i := 0; i < p.recurrence && base < e.maxDuration; i++ {
			base *= 2
		}
		p.until = time.Now().Add(e.probationW)
	}
	e.mu.Unlock()

	repScore := e.reputation.GetScore(identity)
	d := time.Duration(float64(base) * e.reputationMultiplier(repScore) * e.conditionMultiplier())

	if d < e.minDuration {
		d = e.minDuration
	}
	if d > e.maxDuration {
		d = e.maxDuration
	}
	return d
}

// reputationMultiplier shortens blocks for trusted identities and
// lengthens them for identities with poor history.
func (e *Engine) reputationMultiplier(score float64) float64 {
	switch e.reputation.BandOf(score) {
	case reputation.BandHighTrust:
		return 0.5
	case reputation.BandGood:
		return 0.7
	case reputation.BandNeutral:
		return 1.0
	default:
		return 1.5
	}
}

// conditionMultiplier scales durations by network-wide state. Before any
// conditions have been reported the multiplier stays neutral.
func (e *Engine) conditionMultiplier() float64 {
	c := e.conditions.Get()
	if c == (model.NetworkConditions{}) {
		return 1.0
	}
	m := 1.0
	if c.Load > 0.8 {
		m *= 1.5
	}
	if c.AttackFrequency > 0.7 {
		m *= 1.3
	} else if c.AttackFrequency < 0.3 {
		m *= 0.9
	}
	if c.FalsePositiveRate > 0.1 {
		m *= 0.8
	}
	return m
}

// threatLevel derives the block severity: the response tier sets the
// floor, a detector event can only raise it.
func (e *Engine) threatLevel(a Assessment, response model.ResponseTier) model.Severity {
	level := model.SeverityLow
	switch response {
	case model.ResponseRateLimit:
		level = model.SeverityMedium
	case model.ResponseSelectiveBlock:
		level = model.SeverityHigh
	case model.ResponseFullBlock:
		level = model.SeverityCritical
	}
	if a.HasEvent && a.Severity > level {
		level = a.Severity
	}
	return level
}

// targetFor picks the rule target: full blocks cover the whole source,
// everything narrower stays scoped to the exact flow.
func targetFor(id model.FlowIdentity, response model.ResponseTier) (model.TargetType, string) {
	if response == model.ResponseFullBlock {
		if id.SourceAddr != "" {
			return model.TargetIP, id.SourceAddr
		}
		if id.SourceHW != "" {
			return model.TargetMACPort, id.MACPortKey()
		}
	}
	return model.TargetFlow, id.Key()
}

func responseFor(score float64) model.ResponseTier {
	switch {
	case score >= bandFullBlock:
		return model.ResponseFullBlock
	case score >= bandSelectiveBlock:
		return model.ResponseSelectiveBlock
	case score >= bandRateLimit:
		return model.ResponseRateLimit
	case score >= bandMonitor:
		return model.ResponseMonitor
	default:
		return model.ResponseAllow
	}
}

func tierScore(t model.ThreatTier) float64 {
	switch t {
	case model.TierMalicious:
		return 1.0
	case model.TierSuspicious:
		return 0.66
	case model.TierMonitor:
		return 0.33
	default:
		return 0.0
	}
}

func severityScore(s model.Severity) float64 {
	switch s {
	case model.SeverityCritical:
		return 1.0
	case model.SeverityHigh:
		return 0.75
	case model.SeverityMedium:
		return 0.5
	default:
		return 0.25
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
