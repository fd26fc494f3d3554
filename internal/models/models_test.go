package models

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedding_Normalized(t *testing.T) {
	e := Embedding{3, 4}
	n := e.Normalized()

	require.Len(t, n, 2)
	assert.InDelta(t, 0.6, n[0], 1e-6)
	assert.InDelta(t, 0.8, n[1], 1e-6)
	assert.InDelta(t, 1.0, n.Norm(), 1e-6)
	assert.Equal(t, Embedding{3, 4}, e, "input must not be modified")
}

func TestEmbedding_NormalizedZeroVector(t *testing.T) {
	zero := make(Embedding, EmbeddingDim)
	n := zero.Normalized()

	assert.Equal(t, zero, n)
	for _, x := range n {
		assert.False(t, math.IsNaN(float64(x)))
	}
}

func TestDirection_Opposite(t *testing.T) {
	assert.Equal(t, DirectionExit, DirectionEntry.Opposite())
	assert.Equal(t, DirectionEntry, DirectionExit.Opposite())
	assert.False(t, Direction("SIDEWAYS").Valid())
}

func TestChallengeType_Congruent(t *testing.T) {
	assert.True(t, ChallengeBlink.Congruent())
	assert.True(t, ChallengeTurnLeft.Congruent())
	assert.True(t, ChallengeTurnRight.Congruent())
	assert.False(t, ChallengeNone.Congruent())
	assert.False(t, ChallengeType("SMILE").Congruent())
}

func TestPendingRecord_ExpiredAt(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ttl := 7 * 24 * time.Hour
	rec := PendingRecord{ID: uuid.New(), Status: StatusPending, CreatedAt: created}

	assert.False(t, rec.ExpiredAt(created.Add(ttl), ttl), "exactly seven days stays pending")
	assert.True(t, rec.ExpiredAt(created.Add(ttl+time.Second), ttl))

	rec.Status = StatusApproved
	assert.False(t, rec.ExpiredAt(created.Add(30*24*time.Hour), ttl))
}

func TestPendingRecord_Purgeable(t *testing.T) {
	reviewed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	retention := 30 * 24 * time.Hour

	rec := PendingRecord{Status: StatusRejected, ReviewedAt: &reviewed}
	assert.False(t, rec.Purgeable(reviewed.Add(retention), retention))
	assert.True(t, rec.Purgeable(reviewed.Add(retention+time.Minute), retention))

	rec.Status = StatusExpired
	assert.False(t, rec.Purgeable(reviewed.Add(2*retention), retention))

	rec = PendingRecord{Status: StatusApproved}
	assert.False(t, rec.Purgeable(reviewed.Add(2*retention), retention))
}

func TestAttendanceEvent_Snapshot(t *testing.T) {
	ev := AttendanceEvent{
		ID:         uuid.New(),
		IdentityID: uuid.New(),
		Timestamp:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Direction:  DirectionEntry,
		Source:     SourceAuto,
	}
	snap := ev.Snapshot()

	assert.Equal(t, ev.ID.String(), snap["id"])
	assert.Equal(t, "ENTRY", snap["direction"])
	assert.Equal(t, "2024-03-01T09:00:00Z", snap["timestamp"])
}
