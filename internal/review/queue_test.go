package review_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/attendance/attendancetest"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/review"
	"github.com/your-org/checkpoint/internal/review/reviewtest"
)

var epoch = time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type resolver map[string]*models.Identity

func (r resolver) ResolveCandidate(ctx context.Context, candidateID string) (*models.Identity, error) {
	ident, ok := r[candidateID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return ident, nil
}

type fixture struct {
	queue    *review.Queue
	store    *reviewtest.MemoryStore
	evidence *reviewtest.MemoryEvidence
	ledger   *attendancetest.MemoryStore
	clock    *fixedClock
	alice    *models.Identity
}

func newFixture() *fixture {
	f := &fixture{
		store:    reviewtest.NewMemoryStore(),
		evidence: reviewtest.NewMemoryEvidence(),
		ledger:   attendancetest.NewMemoryStore(),
		clock:    &fixedClock{now: epoch},
		alice:    &models.Identity{ID: uuid.New(), ExternalID: "EMP-001", DisplayName: "Alice", Active: true},
	}
	seqClock := &fixedClock{now: epoch.Add(time.Hour)}
	seq := attendance.NewSequencer(f.ledger, attendance.Options{Now: seqClock.Now}, slog.Default())
	f.queue = review.NewQueue(f.store, f.evidence, seq, resolver{"EMP-001": f.alice}, review.Options{Now: f.clock.Now}, slog.Default())
	return f
}

func (f *fixture) enqueue(t *testing.T, candidate string, reason models.PendingReason) *models.PendingRecord {
	t.Helper()
	rec, err := f.queue.Enqueue(context.Background(), review.EnqueueRequest{
		CandidateID: candidate,
		Direction:   models.DirectionEntry,
		Timestamp:   f.clock.Now(),
		Reason:      reason,
		MatchScore:  0.78,
		Evidence:    []byte{0xff, 0xd8, 0xff},
	})
	require.NoError(t, err)
	return rec
}

func TestEnqueue_Validation(t *testing.T) {
	q := newFixture().queue
	ctx := context.Background()

	tests := []struct {
		name string
		req  review.EnqueueRequest
	}{
		{"empty candidate", review.EnqueueRequest{Direction: models.DirectionEntry, Reason: models.ReasonNotEnrolled}},
		{"unknown reason", review.EnqueueRequest{CandidateID: "x", Direction: models.DirectionEntry, Reason: "BORED"}},
		{"unknown direction", review.EnqueueRequest{CandidateID: "x", Direction: "SIDEWAYS", Reason: models.ReasonNotEnrolled}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestEnqueue_StoresEvidence(t *testing.T) {
	f := newFixture()
	rec := f.enqueue(t, "EMP-001", models.ReasonFacialFailed)

	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, "evidence/"+rec.ID.String()+".jpg", rec.EvidenceRef)
	assert.True(t, f.evidence.Has(rec.EvidenceRef))

	stored, err := f.queue.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.CandidateID, stored.CandidateID)
}

func TestEnqueue_EvidenceFailureKeepsRecord(t *testing.T) {
	f := newFixture()
	f.evidence.SetFail(true)

	rec := f.enqueue(t, "EMP-001", models.ReasonTechnicalIssue)
	assert.Empty(t, rec.EvidenceRef)
	assert.Equal(t, 1, f.store.Len())
}

func TestReview_ApproveCreatesEvent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.enqueue(t, "EMP-001", models.ReasonFacialFailed)

	f.clock.Set(epoch.Add(2 * time.Hour))
	got, err := f.queue.Review(ctx, review.ReviewRequest{ID: rec.ID, Approve: true, ReviewerID: "supervisor-1"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusApproved, got.Status)
	assert.Equal(t, "supervisor-1", got.ReviewerID)
	require.NotNil(t, got.ReviewedAt)
	assert.Equal(t, epoch.Add(2*time.Hour), *got.ReviewedAt)
	require.NotNil(t, got.AttendanceID)

	events := f.ledger.Events(f.alice.ID)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, *got.AttendanceID, ev.ID)
	assert.Equal(t, models.DirectionEntry, ev.Direction)
	assert.Equal(t, rec.Timestamp, ev.Timestamp)
	assert.Equal(t, models.SourceReview, ev.Source)
	assert.Equal(t, float32(1), ev.MatchConfidence)
	assert.Equal(t, float32(1), ev.LivenessScore)

	audits := f.ledger.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, models.AuditCreated, audits[0].Action)
	assert.Equal(t, "supervisor-1", audits[0].ActorID)
	assert.Equal(t, rec.ID.String(), audits[0].Metadata["pending_id"])
}

func TestReview_ApproveRetryReusesRecordedEvent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.enqueue(t, "EMP-001", models.ReasonFacialFailed)

	f.store.FailNextUpdate = errors.New("connection reset")
	_, err := f.queue.Review(ctx, review.ReviewRequest{ID: rec.ID, Approve: true, ReviewerID: "supervisor-1"})
	require.Error(t, err)
	assert.Equal(t, models.KindStorage, models.KindOf(err))

	stored, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	events := f.ledger.Events(f.alice.ID)
	require.Len(t, events, 1)

	got, err := f.queue.Review(ctx, review.ReviewRequest{ID: rec.ID, Approve: true, ReviewerID: "supervisor-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)
	require.NotNil(t, got.AttendanceID)
	assert.Equal(t, events[0].ID, *got.AttendanceID)
	assert.Len(t, f.ledger.Events(f.alice.ID), 1)
	assert.Len(t, f.ledger.Audits(), 1)
}

func TestReview_ApproveUnknownCandidate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.enqueue(t, "EMP-999", models.ReasonNotEnrolled)

	_, err := f.queue.Review(ctx, review.ReviewRequest{ID: rec.ID, Approve: true, ReviewerID: "supervisor-1"})
	require.ErrorIs(t, err, models.ErrValidation)

	stored, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)

	got, err := f.queue.Review(ctx, review.ReviewRequest{
		ID:         rec.ID,
		Approve:    true,
		ReviewerID: "supervisor-1",
		IdentityID: &f.alice.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)
	assert.Len(t, f.ledger.Events(f.alice.ID), 1)
}

func TestReview_Reject(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.enqueue(t, "EMP-001", models.ReasonManualRequest)

	_, err := f.queue.Review(ctx, review.ReviewRequest{ID: rec.ID, ReviewerID: "supervisor-1", Notes: "  "})
	require.ErrorIs(t, err, models.ErrValidation)

	got, err := f.queue.Review(ctx, review.ReviewRequest{ID: rec.ID, ReviewerID: "supervisor-1", Notes: "not on shift"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)
	assert.Equal(t, "not on shift", got.ReviewNotes)
	assert.Nil(t, got.AttendanceID)
	assert.Empty(t, f.ledger.Events(f.alice.ID))
}

func TestReview_OnlyPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.enqueue(t, "EMP-001", models.ReasonFacialFailed)

	_, err := f.queue.Review(ctx, review.ReviewRequest{ID: rec.ID, ReviewerID: "s", Notes: "duplicate"})
	require.NoError(t, err)

	_, err = f.queue.Review(ctx, review.ReviewRequest{ID: rec.ID, Approve: true, ReviewerID: "s"})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, f.ledger.Events(f.alice.ID))
}

func TestReview_MissingRecord(t *testing.T) {
	f := newFixture()
	_, err := f.queue.Review(context.Background(), review.ReviewRequest{ID: uuid.New(), Approve: true, ReviewerID: "s"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReview_ApproveDirectionConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.ledger.Seed(models.AttendanceEvent{
		ID:         uuid.New(),
		IdentityID: f.alice.ID,
		Timestamp:  epoch.Add(-time.Hour),
		Direction:  models.DirectionEntry,
		Source:     models.SourceAuto,
	})
	rec := f.enqueue(t, "EMP-001", models.ReasonFacialFailed)

	_, err := f.queue.Review(ctx, review.ReviewRequest{ID: rec.ID, Approve: true, ReviewerID: "s"})
	require.ErrorIs(t, err, models.ErrValidation)

	stored, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Len(t, f.ledger.Events(f.alice.ID), 1)
}

func TestSweep_ExpiryBoundary(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := epoch.Add(30 * 24 * time.Hour)
	f.clock.Set(now)

	atBoundary := models.PendingRecord{
		ID: uuid.New(), CandidateID: "a", Status: models.StatusPending,
		Direction: models.DirectionEntry, Reason: models.ReasonFacialFailed,
		CreatedAt: now.Add(-7 * 24 * time.Hour),
	}
	pastBoundary := models.PendingRecord{
		ID: uuid.New(), CandidateID: "b", Status: models.StatusPending,
		Direction: models.DirectionEntry, Reason: models.ReasonFacialFailed,
		CreatedAt: now.Add(-7*24*time.Hour - time.Nanosecond),
	}
	f.store.Seed(atBoundary, pastBoundary)

	report, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	got, err := f.queue.Get(ctx, atBoundary.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	got, err = f.queue.Get(ctx, pastBoundary.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
}

func TestSweep_PurgesPhotosAndRecords(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	stale := f.enqueue(t, "EMP-001", models.ReasonFacialFailed)
	reviewed := f.enqueue(t, "EMP-001", models.ReasonManualRequest)
	kept := f.enqueue(t, "EMP-001", models.ReasonManualRequest)

	_, err := f.queue.Review(ctx, review.ReviewRequest{ID: reviewed.ID, ReviewerID: "s", Notes: "no"})
	require.NoError(t, err)
	f.clock.Set(epoch.Add(time.Hour))
	_, err = f.queue.Review(ctx, review.ReviewRequest{ID: kept.ID, ReviewerID: "s", Notes: "no"})
	require.NoError(t, err)

	// reviewed is 30 days plus an hour old, kept is exactly 30 days old.
	f.clock.Set(epoch.Add(30*24*time.Hour + time.Hour))

	report, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, review.SweepReport{Expired: 1, PhotosPurged: 2, RecordsPurged: 1}, report)

	got, err := f.queue.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Empty(t, got.EvidenceRef)
	assert.False(t, f.evidence.Has(stale.EvidenceRef))

	_, err = f.queue.Get(ctx, reviewed.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, f.evidence.Has(reviewed.EvidenceRef))

	got, err = f.queue.Get(ctx, kept.ID)
	require.NoError(t, err)
	assert.True(t, f.evidence.Has(got.EvidenceRef))

	again, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, review.SweepReport{}, again)
}

func TestSweep_SwallowsPhotoFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.enqueue(t, "EMP-001", models.ReasonFacialFailed)

	f.clock.Set(epoch.Add(8 * 24 * time.Hour))
	f.evidence.SetFail(true)

	report, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.PhotoFailures)

	got, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.EvidenceRef, got.EvidenceRef)

	f.evidence.SetFail(false)
	report, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, review.SweepReport{PhotosPurged: 1}, report)
}

func TestList_ByStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.enqueue(t, "EMP-001", models.ReasonFacialFailed)
	f.enqueue(t, "EMP-002", models.ReasonNotEnrolled)

	_, err := f.queue.Review(ctx, review.ReviewRequest{ID: a.ID, ReviewerID: "s", Notes: "no"})
	require.NoError(t, err)

	pending, err := f.queue.List(ctx, review.Filter{Status: models.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "EMP-002", pending[0].CandidateID)

	all, err := f.queue.List(ctx, review.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
