package reputation

import (
	"sync"
	"time"

	"flowguard/internal/model"

	"github.com/sirupsen/logrus"
)

// Outcome is a confirmed classification result fed back into reputation.
type Outcome int

const (
	OutcomeConfirmedMalicious Outcome = iota
	OutcomeConfirmedBenign
	OutcomeFalsePositive
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmedMalicious:
		return "confirmed_malicious"
	case OutcomeConfirmedBenign:
		return "confirmed_benign"
	case OutcomeFalsePositive:
		return "false_positive"
	default:
		return "unknown"
	}
}

// Band groups scores into trust bands.
type Band int

const (
	BandVeryPoor Band = iota
	BandNeutral
	BandGood
	BandHighTrust
)

func (b Band) String() string {
	switch b {
	case BandHighTrust:
		return "high_trust"
	case BandGood:
		return "good"
	case BandNeutral:
		return "neutral"
	case BandVeryPoor:
		return "very_poor"
	default:
		return "unknown"
	}
}

// Record is the persisted trust state for one identity.
type Record struct {
	Identity       string    `json:"identity"`
	Score          float64   `json:"score"`
	LastUpdated    time.Time `json:"last_updated"`
	SampleCount    int       `json:"sample_count"`
	Malicious      int       `json:"malicious"`
	Legitimate     int       `json:"legitimate"`
	FalsePositives int       `json:"false_positives"`
}

// Backend persists reputation records. Implementations return
// *model.TransientStoreError when unavailable; the store then keeps
// serving from memory.
type Backend interface {
	SaveReputation(rec Record) error
	LoadReputations() ([]Record, error)
}

// NeutralScore is returned for identities never seen before.
const NeutralScore = 0.5

// Store keeps a bounded [0,1] trust score per identity, updated from
// confirmed outcomes. Updates on the same identity serialize through a
// striped lock so each delta applies to the then-current value, never a
// stale read. A single outcome can move the score by at most MaxStep.
type Store struct {
	maxStep  float64
	weight   float64
	highBand float64
	goodBand float64
	poorBand float64

	stripes [64]sync.Mutex
	mu      sync.RWMutex
	records map[string]*Record

	backend  Backend
	degraded func()
	logger   *logrus.Logger
}

// Options tunes the store; zero values get defaults.
type Options struct {
	MaxStep       float64
	HighTrustBand float64
	GoodBand      float64
	PoorBand      float64
}

func NewStore(opts Options, backend Backend, logger *logrus.Logger) *Store {
	if opts.MaxStep <= 0 {
		opts.MaxStep = 0.1
	}
	if opts.HighTrustBand <= 0 {
		opts.HighTrustBand = 0.9
	}
	if opts.GoodBand <= 0 {
		opts.GoodBand = 0.7
	}
	if opts.PoorBand <= 0 {
		opts.PoorBand = 0.3
	}
	s := &Store{
		maxStep:  opts.MaxStep,
		weight:   0.3,
		highBand: opts.HighTrustBand,
		goodBand: opts.GoodBand,
		poorBand: opts.PoorBand,
		records:  make(map[string]*Record),
		backend:  backend,
		logger:   logger,
	}
	s.loadFromBackend()
	return s
}

func (s *Store) loadFromBackend() {
	if s.backend == nil {
		return
	}
	records, err := s.backend.LoadReputations()
	if err != nil {
		s.logger.Warnf("[Reputation] Could not load persisted records, starting neutral: %v", err)
		return
	}
	s.mu.Lock()
	for i := range records {
		rec := records[i]
		s.records[rec.Identity] = &rec
	}
	s.mu.Unlock()
	if len(records) > 0 {
		s.logger.Infof("[Reputation] Loaded %d persisted records", len(records))
	}
}

func (s *Store) stripe(key string) *sync.Mutex {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return &s.stripes[h%uint32(len(s.stripes))]
}

// RecordOutcome applies a bounded score update for one confirmed outcome.
// Confirmed malicious pulls the score toward 0; confirmed benign and false
// positives pull it toward 1. The move per event is capped at MaxStep.
func (s *Store) RecordOutcome(identity model.FlowIdentity, outcome Outcome) Record {
	key := identity.Key()
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{Identity: key, Score: NeutralScore}
		s.records[key] = rec
	}

	var target float64
	switch outcome {
	case OutcomeConfirmedMalicious:
		target = 0.0
		rec.Malicious++
	case OutcomeConfirmedBenign:
		target = 1.0
		rec.Legitimate++
	case OutcomeFalsePositive:
		target = 1.0
		rec.Legitimate++
		rec.FalsePositives++
	}

	delta := s.weight * (target - rec.Score)
	if delta > s.maxStep {
		delta = s.maxStep
	} else if delta < -s.maxStep {
		delta = -s.maxStep
	}
	rec.Score = clamp01(rec.Score + delta)
	rec.SampleCount++
	rec.LastUpdated = time.Now()
	snapshot := *rec
	s.mu.Unlock()

	s.persist(snapshot)
	s.logger.Debugf("[Reputation] %s %s -> score %.3f (%d samples)",
		identity, outcome, snapshot.Score, snapshot.SampleCount)
	return snapshot
}

// GetScore returns the current score, or the neutral default for unseen
// identities.
func (s *Store) GetScore(identity model.FlowIdentity) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[identity.Key()]; ok {
		return rec.Score
	}
	return NeutralScore
}

// GetRecord returns the full record for an identity.
func (s *Store) GetRecord(identity model.FlowIdentity) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[identity.Key()]; ok {
		return *rec, nil
	}
	return Record{}, &model.NotFoundError{Kind: "reputation record", ID: identity.String()}
}

// BandOf maps a score to its trust band.
func (s *Store) BandOf(score float64) Band {
	switch {
	case score >= s.highBand:
		return BandHighTrust
	case score >= s.goodBand:
		return BandGood
	case score >= s.poorBand:
		return BandNeutral
	default:
		return BandVeryPoor
	}
}

// Override sets a score directly. Reserved for administrator use.
func (s *Store) Override(identity model.FlowIdentity, score float64) Record {
	key := identity.Key()
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{Identity: key}
		s.records[key] = rec
	}
	rec.Score = clamp01(score)
	rec.LastUpdated = time.Now()
	snapshot := *rec
	s.mu.Unlock()

	s.persist(snapshot)
	s.logger.Infof("[Reputation] Administrator override for %s: score %.3f", identity, snapshot.Score)
	return snapshot
}

// TrackedIdentities returns the number of identities with records.
func (s *Store) TrackedIdentities() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// OnDegradation registers a callback invoked whenever a persistence
// operation falls back to memory-only.
func (s *Store) OnDegradation(fn func()) {
	s.degraded = fn
}

func (s *Store) persist(rec Record) {
	if s.backend == nil {
		return
	}
	if err := s.backend.SaveReputation(rec); err != nil {
		s.logger.Warnf("[Reputation] Persist for %s failed, continuing in memory: %v", rec.Identity, err)
		if s.degraded != nil {
			s.degraded()
		}
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
