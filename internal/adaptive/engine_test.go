package adaptive

import (
	"io"
	"testing"
	"time"

	"flowguard/internal/model"
	"flowguard/internal/policy"
	"flowguard/internal/reputation"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var testIdentity = model.FlowIdentity{
	SourceAddr: "10.0.0.5",
	DestAddr:   "10.0.0.10",
	Protocol:   6,
	SourcePort: 40000,
	DestPort:   80,
}

type testRig struct {
	engine     *Engine
	store      *policy.Store
	reputation *reputation.Store
	conditions *Conditions
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := testLogger()
	store := policy.NewStore(4, nil, logger)
	rep := reputation.NewStore(reputation.Options{}, nil, logger)
	cond := NewConditions()
	engine := NewEngine(Options{}, store, rep, cond, logger)
	return &testRig{engine: engine, store: store, reputation: rep, conditions: cond}
}

func TestEngine_ScoreWeights(t *testing.T) {
	rig := newTestRig(t)

	t.Run("benign neutral identity scores low", func(t *testing.T) {
		score := rig.engine.Score(Assessment{Identity: testIdentity, Tier: model.TierBenign})
		assert.InDelta(t, 0.1, score, 0.001, "only the neutral reputation term contributes")
	})

	t.Run("all factors max out at one", func(t *testing.T) {
		rig.reputation.Override(testIdentity, 0.0)
		score := rig.engine.Score(Assessment{
			Identity:  testIdentity,
			Tier:      model.TierMalicious,
			Anomalous: true,
			HasEvent:  true,
			Severity:  model.SeverityCritical,
		})
		assert.InDelta(t, 1.0, score, 0.001)
		rig.reputation.Override(testIdentity, reputation.NeutralScore)
	})
}

func TestResponseTierBands(t *testing.T) {
	assert.Equal(t, model.ResponseAllow, responseFor(0.1))
	assert.Equal(t, model.ResponseAllow, responseFor(0.29))
	assert.Equal(t, model.ResponseMonitor, responseFor(0.3))
	assert.Equal(t, model.ResponseRateLimit, responseFor(0.45))
	assert.Equal(t, model.ResponseSelectiveBlock, responseFor(0.6))
	assert.Equal(t, model.ResponseFullBlock, responseFor(0.8))
	assert.Equal(t, model.ResponseFullBlock, responseFor(1.0))
}

func TestEngine_DurationMonotoneInThreatLevel(t *testing.T) {
	rig := newTestRig(t)

	var last time.Duration
	for _, level := range []model.Severity{
		model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical,
	} {
		d := rig.engine.computeDuration(testIdentity, level)
		assert.Greater(t, d, last, "duration must grow with threat level")
		last = d
	}
}

func TestEngine_HighTrustHalvesDuration(t *testing.T) {
	rig := newTestRig(t)
	rig.reputation.Override(testIdentity, 0.9)

	d := rig.engine.computeDuration(testIdentity, model.SeverityMedium)
	assert.Equal(t, 150*time.Second, d, "5 minute base scaled by the 0.5 high-trust multiplier")
}

func TestEngine_PoorReputationLengthensDuration(t *testing.T) {
	rig := newTestRig(t)
	rig.reputation.Override(testIdentity, 0.1)

	d := rig.engine.computeDuration(testIdentity, model.SeverityMedium)
	assert.Equal(t, 450*time.Second, d)
}

func TestEngine_ConditionsScaleDuration(t *testing.T) {
	rig := newTestRig(t)
	rig.conditions.Update(model.NetworkConditions{Load: 0.9, AttackFrequency: 0.5})

	d := rig.engine.computeDuration(testIdentity, model.SeverityMedium)
	assert.Equal(t, 450*time.Second, d, "high load applies the 1.5 multiplier")
}

func TestEngine_DurationClampedToMin(t *testing.T) {
	rig := newTestRig(t)
	rig.reputation.Override(testIdentity, 0.95)
	rig.conditions.Update(model.NetworkConditions{FalsePositiveRate: 0.2})

	// 60s base * 0.5 trust * 0.9 quiet * 0.8 false-positive = 21.6s,
	// held up to the 30s floor.
	d := rig.engine.computeDuration(testIdentity, model.SeverityLow)
	assert.Equal(t, 30*time.Second, d)
}

func TestEngine_EvaluateInstallsControllerRule(t *testing.T) {
	rig := newTestRig(t)

	dec := rig.engine.Evaluate(Assessment{
		Identity:  testIdentity,
		Tier:      model.TierMalicious,
		Anomalous: true,
		HasEvent:  true,
		Severity:  model.SeverityCritical,
	})

	assert.Equal(t, model.ResponseFullBlock, dec.Response)
	assert.Equal(t, model.ActionBlock, dec.Action)
	assert.Equal(t, model.SeverityCritical, dec.ThreatLevel)
	require.NotEmpty(t, dec.RuleID)

	rule, err := rig.store.GetPolicy(dec.RuleID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceController, rule.Source)
	assert.Equal(t, 30, rule.Priority)
	assert.Equal(t, model.TargetIP, rule.TargetType)
	assert.Equal(t, testIdentity.SourceAddr, rule.TargetValue)
	require.NotNil(t, rule.ExpiresAt)

	// Re-evaluating while covered reuses the installed rule.
	again := rig.engine.Evaluate(Assessment{
		Identity: testIdentity,
		Tier:     model.TierMalicious,
		HasEvent: true,
		Severity: model.SeverityCritical,
	})
	assert.Equal(t, dec.RuleID, again.RuleID)
	assert.Len(t, rig.store.ListPolicies("", ""), 1)
}

func TestEngine_DetectorSeverityRaisesThreatLevel(t *testing.T) {
	rig := newTestRig(t)

	// A malicious tier with neutral reputation lands in rate-limit
	// territory, but a high-severity detector event pushes the block
	// duration to the 15 minute base.
	dec := rig.engine.Evaluate(Assessment{
		Identity: testIdentity,
		Tier:     model.TierMalicious,
		HasEvent: true,
		Severity: model.SeverityHigh,
	})

	assert.Equal(t, model.ResponseRateLimit, dec.Response)
	assert.Equal(t, model.SeverityHigh, dec.ThreatLevel)
	assert.Equal(t, 900*time.Second, dec.Duration)
}

func TestEngine_AllowInstallsNothing(t *testing.T) {
	rig := newTestRig(t)

	dec := rig.engine.Evaluate(Assessment{Identity: testIdentity, Tier: model.TierBenign})
	assert.Equal(t, model.ResponseAllow, dec.Response)
	assert.Empty(t, dec.RuleID)
	assert.Empty(t, rig.store.ListPolicies("", ""))
}

func TestEngine_HandleClear(t *testing.T) {
	t.Run("trusted identity is released early", func(t *testing.T) {
		rig := newTestRig(t)
		rig.reputation.Override(testIdentity, 0.8)

		dec := rig.engine.Evaluate(Assessment{
			Identity: testIdentity,
			Tier:     model.TierMalicious,
			HasEvent: true,
			Severity: model.SeverityHigh,
		})
		require.NotEmpty(t, dec.RuleID)

		released := rig.engine.HandleClear(testIdentity)
		assert.True(t, released)
		assert.Empty(t, rig.store.ListPolicies("", ""))
		assert.Empty(t, rig.engine.ActiveBlocks())
		assert.Greater(t, rig.reputation.GetScore(testIdentity), 0.8,
			"early release credits a benign outcome")
	})

	t.Run("untrusted identity serves the full duration", func(t *testing.T) {
		rig := newTestRig(t)
		rig.reputation.Override(testIdentity, 0.3)

		dec := rig.engine.Evaluate(Assessment{
			Identity: testIdentity,
			Tier:     model.TierMalicious,
			HasEvent: true,
			Severity: model.SeverityHigh,
		})
		require.NotEmpty(t, dec.RuleID)

		assert.False(t, rig.engine.HandleClear(testIdentity))
		assert.Len(t, rig.store.ListPolicies("", ""), 1)
	})
}

func TestEngine_ForceUnblock(t *testing.T) {
	rig := newTestRig(t)
	rig.reputation.Override(testIdentity, 0.2)

	dec := rig.engine.Evaluate(Assessment{
		Identity: testIdentity,
		Tier:     model.TierMalicious,
		HasEvent: true,
		Severity: model.SeverityCritical,
	})
	require.NotEmpty(t, dec.RuleID)

	removed := rig.engine.ForceUnblock(testIdentity, true)
	assert.Equal(t, 1, removed)
	assert.Empty(t, rig.store.ListPolicies("", ""))
	assert.Greater(t, rig.reputation.GetScore(testIdentity), 0.2,
		"a false positive outcome restores trust")
	assert.True(t, rig.engine.OnProbation(testIdentity))
}

func TestEngine_ProbationDoublesBaseDuration(t *testing.T) {
	rig := newTestRig(t)

	first := rig.engine.computeDuration(testIdentity, model.SeverityMedium)
	assert.Equal(t, 300*time.Second, first)

	dec := rig.engine.Evaluate(Assessment{
		Identity: testIdentity,
		Tier:     model.TierMalicious,
		HasEvent: true,
		Severity: model.SeverityMedium,
	})
	require.NotEmpty(t, dec.RuleID)
	rig.engine.ForceUnblock(testIdentity, false)

	relapse := rig.engine.computeDuration(testIdentity, model.SeverityMedium)
	assert.Equal(t, 600*time.Second, relapse, "a relapse during probation doubles the base")
}

func TestEngine_SweepExpiresBlocks(t *testing.T) {
	rig := newTestRig(t)

	dec := rig.engine.Evaluate(Assessment{
		Identity: testIdentity,
		Tier:     model.TierMalicious,
		HasEvent: true,
		Severity: model.SeverityHigh,
	})
	require.NotEmpty(t, dec.RuleID)

	// Force the block past its expiry.
	rig.engine.mu.Lock()
	for _, rec := range rig.engine.active {
		rec.ExpiresAt = time.Now().Add(-time.Second)
	}
	rig.engine.mu.Unlock()

	assert.Equal(t, 1, rig.engine.Sweep(time.Now()))
	assert.Empty(t, rig.engine.ActiveBlocks())
	assert.True(t, rig.engine.OnProbation(testIdentity))
	assert.Empty(t, rig.store.ListPolicies("", ""))
}
