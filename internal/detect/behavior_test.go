package detect

import (
	"testing"
	"time"

	"flowguard/internal/model"

	"github.com/stretchr/testify/assert"
)

func behaviorSample(rate float64, at time.Time) model.FlowSample {
	return model.FlowSample{
		Identity:  testIdentity,
		ByteRate:  rate,
		Timestamp: at,
	}
}

func TestBehaviorAnalyzer_LegitimateUntilBaselineReady(t *testing.T) {
	b := NewBehaviorAnalyzer(BehaviorOptions{MinSamples: 5}, testLogger())

	base := time.Now()
	// Wild swings, but without a baseline nothing is anomalous.
	for i, rate := range []float64{1000, 9000000, 500, 4000000} {
		verdict := b.ClassifyPattern(behaviorSample(rate, base.Add(time.Duration(i)*time.Second)))
		assert.Equal(t, PatternLegitimate, verdict)
	}
}

func TestBehaviorAnalyzer_FlagsRateSpike(t *testing.T) {
	b := NewBehaviorAnalyzer(BehaviorOptions{MinSamples: 5, Deviation: 3.0}, testLogger())

	base := time.Now()
	rates := []float64{100000, 101000, 100500, 99500, 100200, 100800}
	for i, rate := range rates {
		verdict := b.ClassifyPattern(behaviorSample(rate, base.Add(time.Duration(i)*time.Second)))
		assert.Equal(t, PatternLegitimate, verdict)
	}

	spike := behaviorSample(10000000, base.Add(time.Duration(len(rates))*time.Second))
	assert.Equal(t, PatternAnomalous, b.ClassifyPattern(spike))
}

func TestBehaviorAnalyzer_ScanSignature(t *testing.T) {
	b := NewBehaviorAnalyzer(BehaviorOptions{ScanThreshold: 10}, testLogger())

	sample := behaviorSample(1000, time.Now())
	sample.DistinctPort = 11
	assert.Equal(t, PatternAnomalous, b.ClassifyPattern(sample),
		"distinct-port fan-out flags a scan even without a baseline")
}

func TestBaseline_GapStatistics(t *testing.T) {
	bl := &baseline{}
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	// Three samples at +0s, +10s, +40s: two gaps of 10s and 30s.
	bl.update(behaviorSample(1000, base))
	bl.update(behaviorSample(1000, base.Add(10*time.Second)))
	bl.update(behaviorSample(1000, base.Add(40*time.Second)))

	assert.Equal(t, 3, bl.count)
	assert.Equal(t, 2, bl.gapCount)
	assert.InDelta(t, 20.0, bl.gapMean, 0.001, "mean over the gaps, not the samples")
}

func TestBehaviorAnalyzer_SweepEvictsStaleBaselines(t *testing.T) {
	b := NewBehaviorAnalyzer(BehaviorOptions{Horizon: time.Minute}, testLogger())

	now := time.Now()
	b.ClassifyPattern(behaviorSample(1000, now))
	assert.Equal(t, 1, b.TrackedIdentities())

	assert.Equal(t, 0, b.Sweep(now.Add(30*time.Second)))
	assert.Equal(t, 1, b.Sweep(now.Add(2*time.Minute)))
	assert.Equal(t, 0, b.TrackedIdentities())
}
