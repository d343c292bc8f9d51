package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrafficWindow_RateAveragesBuckets(t *testing.T) {
	w := NewTrafficWindow(10*time.Second, 30*time.Second)

	r0 := record(testIdentity, 0, 800000)
	r1 := record(testIdentity, 1, 800000)
	assert.True(t, w.Ingest(r0))
	assert.True(t, w.Ingest(r1))

	assert.InDelta(t, 800000, w.Rate(r1.IntervalEnd), 1)
	assert.Equal(t, r0.ByteCount+r1.ByteCount, w.TotalBytes(r1.IntervalEnd))
}

func TestTrafficWindow_DuplicateIngestRejected(t *testing.T) {
	w := NewTrafficWindow(10*time.Second, 30*time.Second)

	rec := record(testIdentity, 0, 500000)
	assert.True(t, w.Ingest(rec))
	assert.False(t, w.Ingest(rec))
	assert.Equal(t, rec.ByteCount, w.TotalBytes(rec.IntervalEnd),
		"duplicate must not double-count")
}

func TestTrafficWindow_EvictsBeyondHorizon(t *testing.T) {
	w := NewTrafficWindow(10*time.Second, 30*time.Second)

	old := record(testIdentity, 0, 800000)
	assert.True(t, w.Ingest(old))

	// A record far past the horizon pushes the old bucket out.
	late := record(testIdentity, 30, 100000)
	assert.True(t, w.Ingest(late))

	assert.Equal(t, late.ByteCount, w.TotalBytes(late.IntervalEnd))
	assert.Equal(t, late.IntervalEnd, w.IdleSince())
}
