package model

import "time"

// PolicySource identifies where a policy rule came from. External sources
// (everything except SourceController and SourceDefault) are authoritative
// over the adaptive engine's own decisions.
type PolicySource string

const (
	SourceAdmin       PolicySource = "admin"
	SourceThreatIntel PolicySource = "threat_intel"
	SourceExternalIDS PolicySource = "external_ids"
	SourceHoneypot    PolicySource = "honeypot"
	SourceExternalApp PolicySource = "external_app"
	SourceController  PolicySource = "controller"
	SourceDefault     PolicySource = "default"
)

// Valid reports whether s is a recognized policy source.
func (s PolicySource) Valid() bool {
	switch s {
	case SourceAdmin, SourceThreatIntel, SourceExternalIDS, SourceHoneypot,
		SourceExternalApp, SourceController, SourceDefault:
		return true
	}
	return false
}

// External reports whether rules from this source override controller rules.
func (s PolicySource) External() bool {
	switch s {
	case SourceAdmin, SourceThreatIntel, SourceExternalIDS, SourceHoneypot, SourceExternalApp:
		return true
	case SourceController, SourceDefault:
		return false
	}
	return false
}

// PolicyAction is the action a rule prescribes for its target.
type PolicyAction string

const (
	ActionNone      PolicyAction = "none" // resolver result only, never stored
	ActionAllow     PolicyAction = "allow"
	ActionMonitor   PolicyAction = "monitor"
	ActionRateLimit PolicyAction = "rate_limit"
	ActionBlock     PolicyAction = "block"
)

func (a PolicyAction) Valid() bool {
	switch a {
	case ActionAllow, ActionMonitor, ActionRateLimit, ActionBlock:
		return true
	}
	return false
}

// TargetType describes what a rule's target value names.
type TargetType string

const (
	TargetFlow    TargetType = "flow"     // FlowIdentity.Key()
	TargetIP      TargetType = "ip"       // address or CIDR range
	TargetMACPort TargetType = "mac_port" // "mac:switchPort"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetFlow, TargetIP, TargetMACPort:
		return true
	}
	return false
}

// PolicyRule is one entry in the policy store. Rules are immutable once
// inserted; they disappear through removal or expiry.
type PolicyRule struct {
	ID          string       `json:"id"`
	Source      PolicySource `json:"source"`
	Action      PolicyAction `json:"action"`
	TargetType  TargetType   `json:"target_type"`
	TargetValue string       `json:"target_value"`
	Priority    int          `json:"priority"`
	Reason      string       `json:"reason,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

// Expired reports whether the rule is past its expiry at the given instant.
// Rules without expiry never expire.
func (r *PolicyRule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// PolicyEventType tags a policy store change notification.
type PolicyEventType string

const (
	PolicyAdded   PolicyEventType = "added"
	PolicyRemoved PolicyEventType = "removed"
	PolicyExpired PolicyEventType = "expired"
)

// PolicyEvent is delivered by value to policy store listeners.
type PolicyEvent struct {
	Type PolicyEventType `json:"event"`
	Rule PolicyRule      `json:"rule"`
}
