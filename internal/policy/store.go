package policy

import (
	"hash/fnv"
	"sync"
	"time"

	"flowguard/internal/model"

	"github.com/sirupsen/logrus"
)

// Listener receives policy change notifications by value. Implementations
// must not block; slow consumers should buffer internally.
type Listener interface {
	PolicyChanged(ev model.PolicyEvent)
}

// Backend persists policy rules. Implementations return
// *model.TransientStoreError when the persistence layer is unavailable;
// the store then degrades to in-memory operation.
type Backend interface {
	SavePolicy(rule model.PolicyRule) error
	DeletePolicy(id string) error
	LoadPolicies() ([]model.PolicyRule, error)
}

// Store is the priority-ordered repository of policy rules from all
// sources. Mutations on the same target serialize through a shard lock;
// reads on other targets proceed concurrently. Expired rules are excluded
// lazily at read time and removed by a periodic sweep.
type Store struct {
	shards []*storeShard

	idMu    sync.RWMutex
	idIndex map[string]int // rule id -> shard index

	listenerMu sync.RWMutex
	listeners  []Listener

	backend  Backend
	degraded func()
	logger   *logrus.Logger
}

type storeShard struct {
	mu    sync.RWMutex
	rules map[string]*model.PolicyRule
}

func NewStore(shardCount int, backend Backend, logger *logrus.Logger) *Store {
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]*storeShard, shardCount)
	for i := range shards {
		shards[i] = &storeShard{rules: make(map[string]*model.PolicyRule)}
	}
	s := &Store{
		shards:  shards,
		idIndex: make(map[string]int),
		backend: backend,
		logger:  logger,
	}
	s.loadFromBackend()
	return s
}

func (s *Store) loadFromBackend() {
	if s.backend == nil {
		return
	}
	rules, err := s.backend.LoadPolicies()
	if err != nil {
		s.logger.Warnf("[PolicyStore] Could not load persisted policies, starting empty: %v", err)
		return
	}
	now := time.Now()
	loaded := 0
	for i := range rules {
		rule := rules[i]
		if rule.Expired(now) {
			continue
		}
		idx := s.shardFor(rule.TargetType, rule.TargetValue)
		shard := s.shards[idx]
		shard.mu.Lock()
		shard.rules[rule.ID] = &rule
		shard.mu.Unlock()
		s.idMu.Lock()
		s.idIndex[rule.ID] = idx
		s.idMu.Unlock()
		loaded++
	}
	if loaded > 0 {
		s.logger.Infof("[PolicyStore] Loaded %d persisted policies", loaded)
	}
}

func (s *Store) shardFor(targetType model.TargetType, targetValue string) int {
	h := fnv.New32a()
	h.Write([]byte(targetType))
	h.Write([]byte{0})
	h.Write([]byte(targetValue))
	return int(h.Sum32() % uint32(len(s.shards)))
}

// AddPolicy validates and inserts a rule, then notifies listeners.
// Re-adding an existing id replaces the old rule, so the store never
// holds two rules with the same id.
func (s *Store) AddPolicy(rule model.PolicyRule) error {
	if err := validateRule(&rule); err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}

	idx := s.shardFor(rule.TargetType, rule.TargetValue)
	shard := s.shards[idx]

	shard.mu.Lock()
	shard.rules[rule.ID] = &rule
	shard.mu.Unlock()

	s.idMu.Lock()
	oldIdx, existed := s.idIndex[rule.ID]
	s.idIndex[rule.ID] = idx
	s.idMu.Unlock()

	// A replaced rule may live in a different shard when its target
	// changed; drop the stale copy so it cannot keep matching.
	if existed && oldIdx != idx {
		old := s.shards[oldIdx]
		old.mu.Lock()
		delete(old.rules, rule.ID)
		old.mu.Unlock()
	}

	s.persist(rule)
	s.notify(model.PolicyEvent{Type: model.PolicyAdded, Rule: rule})
	s.logger.Infof("[PolicyStore] Added %s rule %s: %s %s=%s priority=%d",
		rule.Source, rule.ID, rule.Action, rule.TargetType, rule.TargetValue, rule.Priority)
	return nil
}

// RemovePolicy deletes a rule by id and notifies listeners.
func (s *Store) RemovePolicy(id string) error {
	s.idMu.Lock()
	idx, ok := s.idIndex[id]
	if ok {
		delete(s.idIndex, id)
	}
	s.idMu.Unlock()
	if !ok {
		return &model.NotFoundError{Kind: "policy", ID: id}
	}

	shard := s.shards[idx]
	shard.mu.Lock()
	rule, ok := shard.rules[id]
	if ok {
		delete(shard.rules, id)
	}
	shard.mu.Unlock()
	if !ok {
		return &model.NotFoundError{Kind: "policy", ID: id}
	}

	s.unpersist(id)
	s.notify(model.PolicyEvent{Type: model.PolicyRemoved, Rule: *rule})
	s.logger.Infof("[PolicyStore] Removed rule %s (%s %s=%s)",
		id, rule.Action, rule.TargetType, rule.TargetValue)
	return nil
}

// GetPolicy returns a copy of the rule with the given id, excluding
// expired rules.
func (s *Store) GetPolicy(id string) (model.PolicyRule, error) {
	s.idMu.RLock()
	idx, ok := s.idIndex[id]
	s.idMu.RUnlock()
	if !ok {
		return model.PolicyRule{}, &model.NotFoundError{Kind: "policy", ID: id}
	}

	shard := s.shards[idx]
	shard.mu.RLock()
	rule, ok := shard.rules[id]
	shard.mu.RUnlock()
	if !ok || rule.Expired(time.Now()) {
		return model.PolicyRule{}, &model.NotFoundError{Kind: "policy", ID: id}
	}
	return *rule, nil
}

// ListPolicies returns copies of all non-expired rules, optionally filtered
// to one target.
func (s *Store) ListPolicies(targetType model.TargetType, targetValue string) []model.PolicyRule {
	now := time.Now()
	result := make([]model.PolicyRule, 0)
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, rule := range shard.rules {
			if rule.Expired(now) {
				continue
			}
			if targetType != "" && rule.TargetType != targetType {
				continue
			}
			if targetValue != "" && rule.TargetValue != targetValue {
				continue
			}
			result = append(result, *rule)
		}
		shard.mu.RUnlock()
	}
	return result
}

// RemoveBySourceAndTarget deletes all rules from the given source matching
// the target. Returns the number removed. Used by the adaptive engine to
// drop its own rules on unblock.
func (s *Store) RemoveBySourceAndTarget(source model.PolicySource, targetType model.TargetType, targetValue string) int {
	idx := s.shardFor(targetType, targetValue)
	shard := s.shards[idx]

	var removed []model.PolicyRule
	shard.mu.Lock()
	for id, rule := range shard.rules {
		if rule.Source == source && rule.TargetType == targetType && rule.TargetValue == targetValue {
			removed = append(removed, *rule)
			delete(shard.rules, id)
		}
	}
	shard.mu.Unlock()

	for _, rule := range removed {
		s.idMu.Lock()
		delete(s.idIndex, rule.ID)
		s.idMu.Unlock()
		s.unpersist(rule.ID)
		s.notify(model.PolicyEvent{Type: model.PolicyRemoved, Rule: rule})
	}
	return len(removed)
}

// Sweep removes expired rules. Reads never wait on the sweep; expiry is
// also applied lazily on every read path.
func (s *Store) Sweep(now time.Time) int {
	swept := 0
	for _, shard := range s.shards {
		var expired []model.PolicyRule
		shard.mu.Lock()
		for id, rule := range shard.rules {
			if rule.Expired(now) {
				expired = append(expired, *rule)
				delete(shard.rules, id)
			}
		}
		shard.mu.Unlock()

		for _, rule := range expired {
			s.idMu.Lock()
			delete(s.idIndex, rule.ID)
			s.idMu.Unlock()
			s.unpersist(rule.ID)
			s.notify(model.PolicyEvent{Type: model.PolicyExpired, Rule: rule})
			swept++
		}
	}
	if swept > 0 {
		s.logger.Debugf("[PolicyStore] Swept %d expired policies", swept)
	}
	return swept
}

// RunSweeper runs the periodic expiry sweep until the stop channel closes.
func (s *Store) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(time.Now())
		case <-stop:
			return
		}
	}
}

// RegisterListener subscribes to policy change events.
func (s *Store) RegisterListener(l Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(ev model.PolicyEvent) {
	s.listenerMu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.RUnlock()

	for _, l := range listeners {
		l.PolicyChanged(ev)
	}
}

// CountBySource returns the number of non-expired rules per source.
func (s *Store) CountBySource() map[model.PolicySource]int {
	now := time.Now()
	counts := make(map[model.PolicySource]int)
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, rule := range shard.rules {
			if !rule.Expired(now) {
				counts[rule.Source]++
			}
		}
		shard.mu.RUnlock()
	}
	return counts
}

// OnDegradation registers a callback invoked whenever a persistence
// operation falls back to memory-only.
func (s *Store) OnDegradation(fn func()) {
	s.degraded = fn
}

func (s *Store) persist(rule model.PolicyRule) {
	if s.backend == nil {
		return
	}
	if err := s.backend.SavePolicy(rule); err != nil {
		s.logger.Warnf("[PolicyStore] Persist of rule %s failed, continuing in memory: %v", rule.ID, err)
		if s.degraded != nil {
			s.degraded()
		}
	}
}

func (s *Store) unpersist(id string) {
	if s.backend == nil {
		return
	}
	if err := s.backend.DeletePolicy(id); err != nil {
		s.logger.Warnf("[PolicyStore] Delete of rule %s from store failed: %v", id, err)
		if s.degraded != nil {
			s.degraded()
		}
	}
}

func validateRule(rule *model.PolicyRule) error {
	if rule.ID == "" {
		return &model.ValidationError{Field: "id", Detail: "must not be empty"}
	}
	if !rule.Source.Valid() {
		return &model.ValidationError{Field: "source", Detail: "unrecognized policy source"}
	}
	if !rule.Action.Valid() {
		return &model.ValidationError{Field: "action", Detail: "unrecognized policy action"}
	}
	if !rule.TargetType.Valid() {
		return &model.ValidationError{Field: "target_type", Detail: "unrecognized target type"}
	}
	if rule.TargetValue == "" {
		return &model.ValidationError{Field: "target_value", Detail: "must not be empty"}
	}
	if rule.Priority < 1 || rule.Priority > 100 {
		return &model.ValidationError{Field: "priority", Detail: "must be within [1,100]"}
	}
	if rule.ExpiresAt != nil && rule.ExpiresAt.Before(time.Now()) {
		return &model.ValidationError{Field: "expires_at", Detail: "must not be in the past"}
	}
	return nil
}
