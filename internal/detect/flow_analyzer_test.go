package detect

import (
	"testing"
	"time"

	"flowguard/internal/model"

	"github.com/stretchr/testify/assert"
)

func sampleWithRate(rate float64) model.FlowSample {
	return model.FlowSample{
		Identity:  testIdentity,
		ByteRate:  rate,
		Timestamp: time.Now(),
	}
}

func TestFlowAnalyzer_RateTiers(t *testing.T) {
	a := NewFlowAnalyzer(AnalyzerOptions{}, testLogger())

	assert.Equal(t, model.TierBenign, a.Classify(sampleWithRate(50000)))
	assert.Equal(t, model.TierMonitor, a.Classify(sampleWithRate(150000)))
	assert.Equal(t, model.TierSuspicious, a.Classify(sampleWithRate(500000)))
	assert.Equal(t, model.TierMalicious, a.Classify(sampleWithRate(900000)))
}

func TestFlowAnalyzer_WhitelistIsAbsolute(t *testing.T) {
	a := NewFlowAnalyzer(AnalyzerOptions{}, testLogger())
	a.AddToWhitelist(testIdentity.SourceAddr)

	sample := sampleWithRate(5000000)
	sample.BurstBytes = 100000000
	sample.ConnRate = 10000
	assert.Equal(t, model.TierBenign, a.Classify(sample),
		"a whitelisted identity stays benign at any rate")

	a.RemoveFromWhitelist(testIdentity.SourceAddr)
	assert.Equal(t, model.TierMalicious, a.Classify(sample))
}

func TestFlowAnalyzer_WhitelistCIDR(t *testing.T) {
	a := NewFlowAnalyzer(AnalyzerOptions{}, testLogger())
	a.AddToWhitelist("10.0.0.0/24")

	assert.Equal(t, model.TierBenign, a.Classify(sampleWithRate(900000)))
}

func TestFlowAnalyzer_BlacklistForcesMalicious(t *testing.T) {
	a := NewFlowAnalyzer(AnalyzerOptions{}, testLogger())
	a.AddToBlacklist(testIdentity.SourceAddr)

	assert.Equal(t, model.TierMalicious, a.Classify(sampleWithRate(10)))
}

func TestFlowAnalyzer_BurstAndConnRateEscalate(t *testing.T) {
	a := NewFlowAnalyzer(AnalyzerOptions{}, testLogger())

	t.Run("burst escalates one tier", func(t *testing.T) {
		sample := sampleWithRate(150000)
		sample.BurstBytes = 6000000
		assert.Equal(t, model.TierSuspicious, a.Classify(sample))
	})

	t.Run("burst plus conn rate escalates twice", func(t *testing.T) {
		sample := sampleWithRate(150000)
		sample.BurstBytes = 6000000
		sample.ConnRate = 200
		assert.Equal(t, model.TierMalicious, a.Classify(sample))
	})

	t.Run("escalation caps at malicious", func(t *testing.T) {
		sample := sampleWithRate(900000)
		sample.BurstBytes = 6000000
		sample.ConnRate = 200
		assert.Equal(t, model.TierMalicious, a.Classify(sample))
	})
}

func TestFlowAnalyzer_ListCounts(t *testing.T) {
	a := NewFlowAnalyzer(AnalyzerOptions{}, testLogger())
	a.AddToWhitelist("10.1.0.0/16")
	a.AddToWhitelist("192.168.1.1")
	a.AddToBlacklist("203.0.113.7")

	whitelist, blacklist := a.ListCounts()
	assert.Equal(t, 2, whitelist)
	assert.Equal(t, 1, blacklist)
}

func TestFlowAnalyzer_TierCounts(t *testing.T) {
	a := NewFlowAnalyzer(AnalyzerOptions{}, testLogger())

	a.Classify(sampleWithRate(50000))
	a.Classify(sampleWithRate(50000))
	a.Classify(sampleWithRate(900000))

	counts := a.TierCounts()
	assert.Equal(t, uint64(2), counts[model.TierBenign.String()])
	assert.Equal(t, uint64(1), counts[model.TierMalicious.String()])
}
