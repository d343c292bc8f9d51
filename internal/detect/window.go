package detect

import (
	"time"

	"flowguard/internal/model"
)

// TrafficWindow keeps rolling per-identity counters over a bounded horizon
// in fixed-size buckets. It is owned by the detector; callers never touch it
// concurrently. Duplicate telemetry records (at-least-once delivery) are
// ignored by interval start.
type TrafficWindow struct {
	bucketSize time.Duration
	horizon    time.Duration
	buckets    map[int64]*windowBucket // unix bucket index -> counters
	seen       map[int64]struct{}      // interval starts already ingested
	lastSeen   time.Time
}

type windowBucket struct {
	bytes   uint64
	packets uint64
}

// NewTrafficWindow creates a window with the given bucket size and horizon.
func NewTrafficWindow(bucketSize, horizon time.Duration) *TrafficWindow {
	if bucketSize <= 0 {
		bucketSize = 10 * time.Second
	}
	if horizon < bucketSize {
		horizon = 3 * bucketSize
	}
	return &TrafficWindow{
		bucketSize: bucketSize,
		horizon:    horizon,
		buckets:    make(map[int64]*windowBucket),
		seen:       make(map[int64]struct{}),
	}
}

// Ingest adds one telemetry record. It returns false if the record is a
// duplicate of an already-counted interval.
func (w *TrafficWindow) Ingest(rec model.TelemetryRecord) bool {
	key := rec.IntervalStart.UnixNano()
	if _, dup := w.seen[key]; dup {
		return false
	}
	w.seen[key] = struct{}{}

	idx := rec.IntervalStart.Truncate(w.bucketSize).Unix()
	b, ok := w.buckets[idx]
	if !ok {
		b = &windowBucket{}
		w.buckets[idx] = b
	}
	b.bytes += rec.ByteCount
	b.packets += rec.PacketCount

	if rec.IntervalEnd.After(w.lastSeen) {
		w.lastSeen = rec.IntervalEnd
	}
	w.evict(rec.IntervalEnd)
	return true
}

// Rate returns the average bytes/second across the live buckets ending at
// the given instant. Zero if the window is empty.
func (w *TrafficWindow) Rate(now time.Time) float64 {
	var total uint64
	var n int
	cutoff := now.Add(-w.horizon).Truncate(w.bucketSize).Unix()
	for idx, b := range w.buckets {
		if idx < cutoff {
			continue
		}
		total += b.bytes
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(total) / (float64(n) * w.bucketSize.Seconds())
}

// TotalBytes returns the byte total across live buckets.
func (w *TrafficWindow) TotalBytes(now time.Time) uint64 {
	var total uint64
	cutoff := now.Add(-w.horizon).Truncate(w.bucketSize).Unix()
	for idx, b := range w.buckets {
		if idx >= cutoff {
			total += b.bytes
		}
	}
	return total
}

// IdleSince reports the end of the last ingested interval.
func (w *TrafficWindow) IdleSince() time.Time { return w.lastSeen }

func (w *TrafficWindow) evict(now time.Time) {
	cutoff := now.Add(-w.horizon).Truncate(w.bucketSize).Unix()
	for idx := range w.buckets {
		if idx < cutoff {
			delete(w.buckets, idx)
		}
	}
	// The dedupe set follows the same horizon.
	nsCutoff := now.Add(-w.horizon).UnixNano()
	for key := range w.seen {
		if key < nsCutoff {
			delete(w.seen, key)
		}
	}
}
