package model

import "time"

// Alert is an operator-facing notification raised for significant
// mitigation events.
type Alert struct {
	Type      string        `json:"type"`
	Severity  string        `json:"severity"`
	Message   string        `json:"message"`
	Identity  *FlowIdentity `json:"identity,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
