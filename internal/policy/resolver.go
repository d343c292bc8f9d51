package policy

import (
	"net"
	"sort"
	"time"

	"flowguard/internal/model"
)

// Resolver computes the single effective action for a target by priority
// across all non-expired rules. Priority ties break toward the most
// recently created rule.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// GetEffectiveAction returns the winning rule for one target, or
// (ActionNone, nil) when nothing matches and the caller falls back to
// default-allow. IP targets also match containing CIDR-range rules.
func (r *Resolver) GetEffectiveAction(targetType model.TargetType, targetValue string) (model.PolicyAction, *model.PolicyRule) {
	matches := r.matchingRules(targetType, targetValue, time.Now())
	if len(matches) == 0 {
		return model.ActionNone, nil
	}
	best := pickWinner(matches)
	return best.Action, best
}

// ResolveIdentity resolves across every target level an identity can match:
// its exact flow key, its source address (including CIDR ranges), and its
// mac:port. The highest-priority rule across all levels wins.
func (r *Resolver) ResolveIdentity(id model.FlowIdentity) (model.PolicyAction, *model.PolicyRule) {
	now := time.Now()
	var matches []*model.PolicyRule

	matches = append(matches, r.matchingRules(model.TargetFlow, id.Key(), now)...)
	if id.SourceAddr != "" {
		matches = append(matches, r.matchingRules(model.TargetIP, id.SourceAddr, now)...)
	}
	if id.SourceHW != "" {
		matches = append(matches, r.matchingRules(model.TargetMACPort, id.MACPortKey(), now)...)
	}

	if len(matches) == 0 {
		return model.ActionNone, nil
	}
	best := pickWinner(matches)
	return best.Action, best
}

func (r *Resolver) matchingRules(targetType model.TargetType, targetValue string, now time.Time) []*model.PolicyRule {
	var ip net.IP
	if targetType == model.TargetIP {
		ip = net.ParseIP(targetValue)
	}

	var matches []*model.PolicyRule
	for _, shard := range r.store.shards {
		shard.mu.RLock()
		for _, rule := range shard.rules {
			if rule.TargetType != targetType || rule.Expired(now) {
				continue
			}
			if rule.TargetValue == targetValue {
				matched := *rule
				matches = append(matches, &matched)
				continue
			}
			if ip != nil {
				if _, ipnet, err := net.ParseCIDR(rule.TargetValue); err == nil && ipnet.Contains(ip) {
					matched := *rule
					matches = append(matches, &matched)
				}
			}
		}
		shard.mu.RUnlock()
	}
	return matches
}

// pickWinner sorts by priority descending, then by creation time descending,
// then by id for a deterministic order when both are equal.
func pickWinner(matches []*model.PolicyRule) *model.PolicyRule {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})
	return matches[0]
}
