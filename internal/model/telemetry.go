package model

import "time"

// TelemetryRecord is one per-flow counter sample from the stats collector.
// Delivery is at-least-once with no cross-identity ordering; consumers must
// deduplicate on (identity, IntervalStart).
type TelemetryRecord struct {
	Identity      FlowIdentity `json:"identity"`
	ByteCount     uint64       `json:"byte_count"`
	PacketCount   uint64       `json:"packet_count"`
	IntervalStart time.Time    `json:"interval_start"`
	IntervalEnd   time.Time    `json:"interval_end"`
}

// Interval returns the sampling interval length, never less than a second
// so rate division stays sane on malformed records.
func (t TelemetryRecord) Interval() time.Duration {
	d := t.IntervalEnd.Sub(t.IntervalStart)
	if d < time.Second {
		return time.Second
	}
	return d
}

// ByteRate returns the observed bytes/second over the interval.
func (t TelemetryRecord) ByteRate() float64 {
	return float64(t.ByteCount) / t.Interval().Seconds()
}

// PacketRate returns the observed packets/second over the interval.
func (t TelemetryRecord) PacketRate() float64 {
	return float64(t.PacketCount) / t.Interval().Seconds()
}

// FlowSample is the flow-level observation handed to the flow analyzer and
// behavior analyzer: rates over a short window plus connection attempts.
type FlowSample struct {
	Identity     FlowIdentity `json:"identity"`
	ByteRate     float64      `json:"byte_rate"`     // bytes/sec
	PacketRate   float64      `json:"packet_rate"`   // packets/sec
	ConnRate     float64      `json:"conn_rate"`     // new connection attempts/sec
	BurstBytes   uint64       `json:"burst_bytes"`   // bytes in the burst sub-window
	DistinctPort int          `json:"distinct_port"` // distinct destination ports seen
	Timestamp    time.Time    `json:"timestamp"`
}

// NetworkConditions is process-wide tunable state scaling thresholds and
// block durations. Values are ratios in [0,1]. Replaced atomically as a
// whole; never mutated in place.
type NetworkConditions struct {
	Load              float64 `json:"load"`
	AttackFrequency   float64 `json:"attack_frequency"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
}
