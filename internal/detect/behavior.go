package detect

import (
	"math"
	"sync"
	"time"

	"flowguard/internal/model"

	"github.com/sirupsen/logrus"
)

// PatternVerdict is the behavior analyzer's judgement of a recent sample.
type PatternVerdict int

const (
	PatternLegitimate PatternVerdict = iota
	PatternAnomalous
)

func (v PatternVerdict) String() string {
	if v == PatternAnomalous {
		return "anomalous"
	}
	return "legitimate"
}

// BehaviorAnalyzer keeps a rolling per-identity baseline (mean and variance
// of byte rate, inter-arrival gaps, distinct-port counts) over a longer
// horizon than the traffic window, and flags samples deviating beyond a
// z-score threshold or matching a scan signature. It only modifies the
// composite threat score, never blocks on its own.
type BehaviorAnalyzer struct {
	minSamples    int
	deviation     float64
	scanThreshold int
	horizon       time.Duration

	mu        sync.Mutex
	baselines map[string]*baseline
	logger    *logrus.Logger
}

// baseline tracks running statistics with Welford's algorithm so variance
// never needs a second pass over stored samples. Gaps get their own count:
// n samples yield only n-1 inter-arrival gaps.
type baseline struct {
	count      int
	gapCount   int
	rateMean   float64
	rateM2     float64
	gapMean    float64
	gapM2      float64
	lastSample time.Time
}

// BehaviorOptions tunes the analyzer; zero values get defaults.
type BehaviorOptions struct {
	MinSamples    int
	Deviation     float64
	ScanThreshold int
	Horizon       time.Duration
}

func NewBehaviorAnalyzer(opts BehaviorOptions, logger *logrus.Logger) *BehaviorAnalyzer {
	if opts.MinSamples <= 0 {
		opts.MinSamples = 5
	}
	if opts.Deviation <= 0 {
		opts.Deviation = 3.0
	}
	if opts.ScanThreshold <= 0 {
		opts.ScanThreshold = 10
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 5 * time.Minute
	}
	return &BehaviorAnalyzer{
		minSamples:    opts.MinSamples,
		deviation:     opts.Deviation,
		scanThreshold: opts.ScanThreshold,
		horizon:       opts.Horizon,
		baselines:     make(map[string]*baseline),
		logger:        logger,
	}
}

// ClassifyPattern compares the sample against the identity's baseline and
// folds the sample into the baseline afterwards. Until the baseline has
// enough samples every pattern is treated as legitimate.
func (b *BehaviorAnalyzer) ClassifyPattern(sample model.FlowSample) PatternVerdict {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := sample.Identity.Key()
	bl, ok := b.baselines[key]
	if !ok {
		bl = &baseline{}
		b.baselines[key] = bl
	}

	verdict := PatternLegitimate

	// Scan signature short-circuits the statistical comparison.
	if sample.DistinctPort > b.scanThreshold {
		verdict = PatternAnomalous
		b.logger.Debugf("[Behavior] %s: %d distinct ports exceeds scan threshold %d",
			sample.Identity, sample.DistinctPort, b.scanThreshold)
	} else if bl.count >= b.minSamples {
		if z := bl.rateZScore(sample.ByteRate); z > b.deviation {
			verdict = PatternAnomalous
			b.logger.Debugf("[Behavior] %s: rate z-score %.2f beyond %.2f",
				sample.Identity, z, b.deviation)
		} else if !bl.lastSample.IsZero() {
			gap := sample.Timestamp.Sub(bl.lastSample).Seconds()
			if z := bl.gapZScore(gap); z > b.deviation {
				verdict = PatternAnomalous
				b.logger.Debugf("[Behavior] %s: inter-arrival z-score %.2f beyond %.2f",
					sample.Identity, z, b.deviation)
			}
		}
	}

	bl.update(sample)
	return verdict
}

// Sweep drops baselines with no samples inside the horizon.
func (b *BehaviorAnalyzer) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	cutoff := now.Add(-b.horizon)
	for key, bl := range b.baselines {
		if bl.lastSample.Before(cutoff) {
			delete(b.baselines, key)
			evicted++
		}
	}
	return evicted
}

// TrackedIdentities returns the number of identities with live baselines.
func (b *BehaviorAnalyzer) TrackedIdentities() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.baselines)
}

func (bl *baseline) update(sample model.FlowSample) {
	if !bl.lastSample.IsZero() {
		gap := sample.Timestamp.Sub(bl.lastSample).Seconds()
		bl.gapMean, bl.gapM2 = welford(bl.gapMean, bl.gapM2, gap, bl.gapCount)
		bl.gapCount++
	}
	bl.rateMean, bl.rateM2 = welford(bl.rateMean, bl.rateM2, sample.ByteRate, bl.count)
	bl.count++
	bl.lastSample = sample.Timestamp
}

func (bl *baseline) rateZScore(rate float64) float64 {
	return zScore(rate, bl.rateMean, bl.rateM2, bl.count)
}

func (bl *baseline) gapZScore(gap float64) float64 {
	return zScore(gap, bl.gapMean, bl.gapM2, bl.gapCount)
}

func welford(mean, m2, value float64, count int) (float64, float64) {
	n := float64(count + 1)
	delta := value - mean
	mean += delta / n
	m2 += delta * (value - mean)
	return mean, m2
}

func zScore(value, mean, m2 float64, count int) float64 {
	if count < 2 {
		return 0
	}
	variance := m2 / float64(count-1)
	if variance <= 0 {
		return 0
	}
	return math.Abs(value-mean) / math.Sqrt(variance)
}
