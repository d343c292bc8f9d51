package model

import "time"

// Severity grades a threat event emitted by the detector.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ThreatEvent is emitted once per escalation by the threat detector and
// consumed by the adaptive engine. Never mutated after creation.
type ThreatEvent struct {
	Identity        FlowIdentity `json:"identity"`
	Severity        Severity     `json:"severity"`
	ObservedRate    float64      `json:"observed_rate"` // bytes/sec at escalation
	ViolationStreak int          `json:"violation_streak"`
	Timestamp       time.Time    `json:"timestamp"`
	// Clear marks the implicit de-escalation signal sent when an identity's
	// violation counter returns to zero. Clear events carry no severity.
	Clear bool `json:"clear,omitempty"`
}

// ThreatTier is the flow-level classification from the flow analyzer.
type ThreatTier int

const (
	TierBenign ThreatTier = iota
	TierMonitor
	TierSuspicious
	TierMalicious
)

func (t ThreatTier) String() string {
	switch t {
	case TierBenign:
		return "benign"
	case TierMonitor:
		return "monitor"
	case TierSuspicious:
		return "suspicious"
	case TierMalicious:
		return "malicious"
	default:
		return "unknown"
	}
}

// Escalate returns the next tier up, capped at malicious.
func (t ThreatTier) Escalate() ThreatTier {
	if t >= TierMalicious {
		return TierMalicious
	}
	return t + 1
}

// ResponseTier is the graduated response chosen by the adaptive engine.
type ResponseTier int

const (
	ResponseAllow ResponseTier = iota
	ResponseMonitor
	ResponseRateLimit
	ResponseSelectiveBlock
	ResponseFullBlock
)

func (r ResponseTier) String() string {
	switch r {
	case ResponseAllow:
		return "allow"
	case ResponseMonitor:
		return "monitor"
	case ResponseRateLimit:
		return "rate_limit"
	case ResponseSelectiveBlock:
		return "selective_block"
	case ResponseFullBlock:
		return "full_block"
	default:
		return "unknown"
	}
}

// Action maps a response tier onto the policy action it installs.
func (r ResponseTier) Action() PolicyAction {
	switch r {
	case ResponseAllow:
		return ActionAllow
	case ResponseMonitor:
		return ActionMonitor
	case ResponseRateLimit:
		return ActionRateLimit
	case ResponseSelectiveBlock, ResponseFullBlock:
		return ActionBlock
	default:
		return ActionAllow
	}
}
