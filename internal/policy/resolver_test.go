package policy

import (
	"testing"
	"time"

	"flowguard/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_NoMatchReturnsNone(t *testing.T) {
	s := NewStore(4, nil, testLogger())
	r := NewResolver(s)

	action, rule := r.GetEffectiveAction(model.TargetIP, "10.0.0.5")
	assert.Equal(t, model.ActionNone, action)
	assert.Nil(t, rule)
}

func TestResolver_HighestPriorityWins(t *testing.T) {
	s := NewStore(4, nil, testLogger())
	r := NewResolver(s)

	low := blockRule("low", "10.0.0.5", 30)
	low.Action = model.ActionBlock
	high := blockRule("high", "10.0.0.5", 90)
	high.Action = model.ActionAllow
	require.NoError(t, s.AddPolicy(low))
	require.NoError(t, s.AddPolicy(high))

	action, rule := r.GetEffectiveAction(model.TargetIP, "10.0.0.5")
	require.NotNil(t, rule)
	assert.Equal(t, model.ActionAllow, action)
	assert.Equal(t, "high", rule.ID)
}

func TestResolver_TieBreaksToNewestRule(t *testing.T) {
	s := NewStore(4, nil, testLogger())
	r := NewResolver(s)

	older := blockRule("older", "10.0.0.5", 50)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := blockRule("newer", "10.0.0.5", 50)
	newer.Action = model.ActionRateLimit
	newer.CreatedAt = time.Now()
	require.NoError(t, s.AddPolicy(older))
	require.NoError(t, s.AddPolicy(newer))

	action, rule := r.GetEffectiveAction(model.TargetIP, "10.0.0.5")
	require.NotNil(t, rule)
	assert.Equal(t, "newer", rule.ID)
	assert.Equal(t, model.ActionRateLimit, action)
}

func TestResolver_CIDRRangeMatches(t *testing.T) {
	s := NewStore(4, nil, testLogger())
	r := NewResolver(s)

	rangeRule := blockRule("range", "10.0.0.0/24", 50)
	require.NoError(t, s.AddPolicy(rangeRule))

	action, rule := r.GetEffectiveAction(model.TargetIP, "10.0.0.77")
	require.NotNil(t, rule)
	assert.Equal(t, model.ActionBlock, action)

	action, rule = r.GetEffectiveAction(model.TargetIP, "10.1.0.77")
	assert.Nil(t, rule)
	assert.Equal(t, model.ActionNone, action)
}

func TestResolver_ResolveIdentityAcrossLevels(t *testing.T) {
	s := NewStore(4, nil, testLogger())
	r := NewResolver(s)

	identity := model.FlowIdentity{
		SourceAddr: "10.0.0.5",
		DestAddr:   "10.0.0.10",
		Protocol:   6,
		SourcePort: 40000,
		DestPort:   80,
		SourceHW:   "aa:bb:cc:dd:ee:ff",
		SwitchPort: 3,
	}

	ipRule := blockRule("ip", "10.0.0.5", 40)
	require.NoError(t, s.AddPolicy(ipRule))

	flowRule := blockRule("flow", identity.Key(), 60)
	flowRule.TargetType = model.TargetFlow
	flowRule.Action = model.ActionRateLimit
	require.NoError(t, s.AddPolicy(flowRule))

	macRule := blockRule("mac", identity.MACPortKey(), 20)
	macRule.TargetType = model.TargetMACPort
	macRule.Action = model.ActionMonitor
	require.NoError(t, s.AddPolicy(macRule))

	action, rule := r.ResolveIdentity(identity)
	require.NotNil(t, rule)
	assert.Equal(t, "flow", rule.ID, "highest priority across all target levels wins")
	assert.Equal(t, model.ActionRateLimit, action)

	require.NoError(t, s.RemovePolicy("flow"))
	action, rule = r.ResolveIdentity(identity)
	require.NotNil(t, rule)
	assert.Equal(t, "ip", rule.ID)
	assert.Equal(t, model.ActionBlock, action)
}
