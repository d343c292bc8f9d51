package policy

import (
	"io"
	"testing"
	"time"

	"flowguard/internal/model"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func blockRule(id, target string, priority int) model.PolicyRule {
	return model.PolicyRule{
		ID:          id,
		Source:      model.SourceAdmin,
		Action:      model.ActionBlock,
		TargetType:  model.TargetIP,
		TargetValue: target,
		Priority:    priority,
		CreatedAt:   time.Now(),
	}
}

func TestStore_AddGetRemove(t *testing.T) {
	s := NewStore(4, nil, testLogger())

	rule := blockRule("r1", "10.0.0.5", 50)
	require.NoError(t, s.AddPolicy(rule))

	got, err := s.GetPolicy("r1")
	require.NoError(t, err)
	assert.Equal(t, rule.TargetValue, got.TargetValue)
	assert.Equal(t, rule.Priority, got.Priority)

	require.NoError(t, s.RemovePolicy("r1"))

	_, err = s.GetPolicy("r1")
	var nferr *model.NotFoundError
	assert.ErrorAs(t, err, &nferr)
}

func TestStore_RemoveUnknownReturnsNotFound(t *testing.T) {
	s := NewStore(4, nil, testLogger())

	err := s.RemovePolicy("missing")
	var nferr *model.NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "policy", nferr.Kind)
}

func TestStore_Validation(t *testing.T) {
	s := NewStore(4, nil, testLogger())

	cases := []struct {
		name   string
		mutate func(*model.PolicyRule)
	}{
		{"empty id", func(r *model.PolicyRule) { r.ID = "" }},
		{"bad source", func(r *model.PolicyRule) { r.Source = "nonsense" }},
		{"bad action", func(r *model.PolicyRule) { r.Action = "nuke" }},
		{"bad target type", func(r *model.PolicyRule) { r.TargetType = "vlan" }},
		{"empty target value", func(r *model.PolicyRule) { r.TargetValue = "" }},
		{"priority too low", func(r *model.PolicyRule) { r.Priority = 0 }},
		{"priority too high", func(r *model.PolicyRule) { r.Priority = 101 }},
		{"expiry in the past", func(r *model.PolicyRule) {
			past := time.Now().Add(-time.Minute)
			r.ExpiresAt = &past
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := blockRule("rv", "10.0.0.9", 50)
			tc.mutate(&rule)
			err := s.AddPolicy(rule)
			var verr *model.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	assert.Empty(t, s.ListPolicies("", ""), "no partial state after rejected input")
}

func TestStore_ListFilters(t *testing.T) {
	s := NewStore(4, nil, testLogger())
	require.NoError(t, s.AddPolicy(blockRule("a", "10.0.0.1", 50)))
	require.NoError(t, s.AddPolicy(blockRule("b", "10.0.0.2", 50)))

	flowRule := blockRule("c", "k", 50)
	flowRule.TargetType = model.TargetFlow
	require.NoError(t, s.AddPolicy(flowRule))

	assert.Len(t, s.ListPolicies("", ""), 3)
	assert.Len(t, s.ListPolicies(model.TargetIP, ""), 2)
	assert.Len(t, s.ListPolicies(model.TargetIP, "10.0.0.2"), 1)
}

type captureListener struct {
	events []model.PolicyEvent
}

func (c *captureListener) PolicyChanged(ev model.PolicyEvent) {
	c.events = append(c.events, ev)
}

func TestStore_ListenerNotifications(t *testing.T) {
	s := NewStore(4, nil, testLogger())
	listener := &captureListener{}
	s.RegisterListener(listener)

	require.NoError(t, s.AddPolicy(blockRule("r1", "10.0.0.5", 50)))
	require.NoError(t, s.RemovePolicy("r1"))

	require.Len(t, listener.events, 2)
	assert.Equal(t, model.PolicyAdded, listener.events[0].Type)
	assert.Equal(t, model.PolicyRemoved, listener.events[1].Type)
	assert.Equal(t, "r1", listener.events[1].Rule.ID)
}

func TestStore_SweepExpiresRules(t *testing.T) {
	s := NewStore(4, nil, testLogger())
	listener := &captureListener{}
	s.RegisterListener(listener)

	rule := blockRule("short", "10.0.0.5", 50)
	expires := time.Now().Add(50 * time.Millisecond)
	rule.ExpiresAt = &expires
	require.NoError(t, s.AddPolicy(rule))

	// Lazy expiry applies on reads even before the sweep runs.
	time.Sleep(80 * time.Millisecond)
	_, err := s.GetPolicy("short")
	assert.Error(t, err)
	assert.Empty(t, s.ListPolicies("", ""))

	assert.Equal(t, 1, s.Sweep(time.Now()))
	last := listener.events[len(listener.events)-1]
	assert.Equal(t, model.PolicyExpired, last.Type)
}

func TestStore_RemoveBySourceAndTarget(t *testing.T) {
	s := NewStore(4, nil, testLogger())

	controllerRule := blockRule("c1", "10.0.0.5", 30)
	controllerRule.Source = model.SourceController
	require.NoError(t, s.AddPolicy(controllerRule))
	require.NoError(t, s.AddPolicy(blockRule("a1", "10.0.0.5", 90)))

	removed := s.RemoveBySourceAndTarget(model.SourceController, model.TargetIP, "10.0.0.5")
	assert.Equal(t, 1, removed)

	// The admin rule on the same target survives.
	remaining := s.ListPolicies(model.TargetIP, "10.0.0.5")
	require.Len(t, remaining, 1)
	assert.Equal(t, model.SourceAdmin, remaining[0].Source)
}

func TestStore_CountBySource(t *testing.T) {
	s := NewStore(4, nil, testLogger())
	require.NoError(t, s.AddPolicy(blockRule("a1", "10.0.0.1", 50)))
	require.NoError(t, s.AddPolicy(blockRule("a2", "10.0.0.2", 50)))

	intel := blockRule("t1", "10.0.0.3", 60)
	intel.Source = model.SourceThreatIntel
	require.NoError(t, s.AddPolicy(intel))

	counts := s.CountBySource()
	assert.Equal(t, 2, counts[model.SourceAdmin])
	assert.Equal(t, 1, counts[model.SourceThreatIntel])
}

type failingPolicyBackend struct {
	saves   int
	deletes int
}

func (f *failingPolicyBackend) SavePolicy(rule model.PolicyRule) error {
	f.saves++
	return &model.TransientStoreError{Op: "save policy", Err: assert.AnError}
}

func (f *failingPolicyBackend) DeletePolicy(id string) error {
	f.deletes++
	return &model.TransientStoreError{Op: "delete policy", Err: assert.AnError}
}

func (f *failingPolicyBackend) LoadPolicies() ([]model.PolicyRule, error) {
	return nil, &model.TransientStoreError{Op: "load policies", Err: assert.AnError}
}

func TestStore_ReAddingIDReplacesRule(t *testing.T) {
	s := NewStore(4, nil, testLogger())

	require.NoError(t, s.AddPolicy(blockRule("r1", "10.0.0.5", 50)))
	require.NoError(t, s.AddPolicy(blockRule("r1", "192.0.2.9", 60)))

	rules := s.ListPolicies("", "")
	require.Len(t, rules, 1, "the store never holds two rules with one id")
	assert.Equal(t, "192.0.2.9", rules[0].TargetValue)

	// The stale copy must not keep matching its old target.
	assert.Empty(t, s.ListPolicies(model.TargetIP, "10.0.0.5"))

	require.NoError(t, s.RemovePolicy("r1"))
	assert.Empty(t, s.ListPolicies("", ""))
}

func TestStore_DegradationCallback(t *testing.T) {
	backend := &failingPolicyBackend{}
	s := NewStore(4, backend, testLogger())
	degradations := 0
	s.OnDegradation(func() { degradations++ })

	require.NoError(t, s.AddPolicy(blockRule("r1", "10.0.0.5", 50)))
	require.NoError(t, s.RemovePolicy("r1"))

	assert.Equal(t, 1, backend.saves)
	assert.Equal(t, 1, backend.deletes)
	assert.Equal(t, 2, degradations, "every failed persistence operation is counted")
}
