package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/review"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStoreWithDB(mock), mock
}

var eventCols = []string{
	"id", "identity_id", "timestamp", "direction", "match_confidence", "liveness_score",
	"challenge", "source", "sync_state", "created_at",
}

func TestCreateIdentity(t *testing.T) {
	now := time.Now().UTC()

	t.Run("inserts identity and samples in one transaction", func(t *testing.T) {
		store, mock := newMockStore(t)
		ident := &models.Identity{
			ExternalID:  "EMP-001",
			DisplayName: "Alice",
			Active:      true,
			Samples: []models.EnrollmentSample{
				{Pose: models.PoseFront, Embedding: models.Embedding{1, 0, 0}},
				{Pose: models.PoseLeft, Embedding: models.Embedding{0, 1, 0}},
			},
		}

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO identities`).
			WithArgs(pgxmock.AnyArg(), "EMP-001", "Alice", true).
			WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
		mock.ExpectExec(`INSERT INTO identity_embeddings`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "FRONT", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`INSERT INTO identity_embeddings`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "LEFT", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, store.CreateIdentity(context.Background(), ident))
		assert.NotEqual(t, uuid.Nil, ident.ID)
		assert.Equal(t, now, ident.CreatedAt)
		assert.NotEqual(t, uuid.Nil, ident.Samples[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate external id is a validation error", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO identities`).
			WithArgs(pgxmock.AnyArg(), "EMP-001", "Alice", true).
			WillReturnError(&pgconn.PgError{Code: "23505"})
		mock.ExpectRollback()

		err := store.CreateIdentity(context.Background(), &models.Identity{ExternalID: "EMP-001", DisplayName: "Alice", Active: true})
		assert.ErrorIs(t, err, models.ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetIdentity(t *testing.T) {
	id := uuid.New()
	sampleID := uuid.New()
	now := time.Now().UTC()

	t.Run("loads samples", func(t *testing.T) {
		store, mock := newMockStore(t)
		vec := pgvector.NewVector([]float32{0.6, 0.8})

		mock.ExpectQuery(`SELECT id, external_id, display_name, active, created_at, updated_at FROM identities WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"id", "external_id", "display_name", "active", "created_at", "updated_at"}).
				AddRow(id, "EMP-001", "Alice", true, now, now))
		mock.ExpectQuery(`FROM identity_embeddings WHERE identity_id = ANY\(\$1\)`).
			WithArgs([]uuid.UUID{id}).
			WillReturnRows(pgxmock.NewRows([]string{"identity_id", "id", "pose", "embedding", "created_at"}).
				AddRow(id, sampleID, "FRONT", &vec, now))

		got, err := store.GetIdentity(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "Alice", got.DisplayName)
		require.Len(t, got.Samples, 1)
		assert.Equal(t, models.PoseFront, got.Samples[0].Pose)
		assert.Equal(t, models.Embedding{0.6, 0.8}, got.Samples[0].Embedding)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`FROM identities WHERE id = \$1`).
			WithArgs(id).
			WillReturnError(pgx.ErrNoRows)

		_, err := store.GetIdentity(context.Background(), id)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestResolveCandidate_FallsBackToExternalID(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM identities WHERE external_id = \$1`).
		WithArgs("EMP-007").
		WillReturnRows(pgxmock.NewRows([]string{"id", "external_id", "display_name", "active", "created_at", "updated_at"}).
			AddRow(id, "EMP-007", "Bond", true, now, now))
	mock.ExpectQuery(`FROM identity_embeddings`).
		WithArgs([]uuid.UUID{id}).
		WillReturnRows(pgxmock.NewRows([]string{"identity_id", "id", "pose", "embedding", "created_at"}))

	got, err := store.ResolveCandidate(context.Background(), "EMP-007")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetActive_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectExec(`UPDATE identities SET active`).
		WithArgs(false, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SetActive(context.Background(), id, false)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchEmbeddings(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	target := models.Embedding{1, 0}

	mock.ExpectQuery(`DISTINCT ON \(e.identity_id\)`).
		WithArgs(pgxmock.AnyArg(), 0.7, 5).
		WillReturnRows(pgxmock.NewRows([]string{"identity_id", "external_id", "display_name", "score"}).
			AddRow(id, "EMP-001", "Alice", float32(0.93)))

	matches, err := store.SearchEmbeddings(context.Background(), target, 0.7, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].IdentityID)
	assert.InDelta(t, 0.93, matches[0].Score, 1e-6)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_RecordsEventAndAudit(t *testing.T) {
	store, mock := newMockStore(t)
	identityID := uuid.New()
	now := time.Now().UTC()
	ev := &models.AttendanceEvent{
		ID: uuid.New(), IdentityID: identityID, Timestamp: now, Direction: models.DirectionEntry,
		MatchConfidence: 0.9, LivenessScore: 1, Challenge: models.ChallengeBlink,
		Source: models.SourceAuto, SyncState: models.SyncPending, CreatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(identityID.String()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM attendance_events\s+WHERE identity_id = \$1 ORDER BY timestamp DESC`).
		WithArgs(identityID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO attendance_events`).
		WithArgs(ev.ID, identityID, now, "ENTRY", float32(0.9), float32(1), "BLINK", "AUTO", "PENDING", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(pgxmock.AnyArg(), "CREATED", &ev.ID, identityID.String(), "", "", "", map[string]any{}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx attendance.Tx) error {
		if err := tx.LockIdentity(context.Background(), identityID); err != nil {
			return err
		}
		last, err := tx.LastEvent(context.Background(), identityID)
		if err != nil {
			return err
		}
		assert.Nil(t, last)
		if err := tx.InsertEvent(context.Background(), ev); err != nil {
			return err
		}
		return tx.InsertAudit(context.Background(), &models.AuditEntry{
			ID: uuid.New(), Action: models.AuditCreated, AttendanceID: &ev.ID,
			DetectedIdentityID: identityID.String(), CreatedAt: now,
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM attendance_events`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx attendance.Tx) error {
		return tx.DeleteEvent(context.Background(), id)
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNeighbors(t *testing.T) {
	store, mock := newMockStore(t)
	identityID := uuid.New()
	prevID := uuid.New()
	exclude := uuid.New()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := at.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`timestamp <= \$2 AND id <> \$3`).
		WithArgs(identityID, at, exclude).
		WillReturnRows(pgxmock.NewRows(eventCols).
			AddRow(prevID, identityID, earlier, "ENTRY", float32(0.9), float32(1), "BLINK", "AUTO", "PENDING", earlier))
	mock.ExpectQuery(`timestamp > \$2 AND id <> \$3`).
		WithArgs(identityID, at, exclude).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx attendance.Tx) error {
		prev, next, err := tx.Neighbors(context.Background(), identityID, at, exclude)
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, prevID, prev.ID)
		assert.Equal(t, models.DirectionEntry, prev.Direction)
		assert.Nil(t, next)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListEvents_Filters(t *testing.T) {
	store, mock := newMockStore(t)
	identityID := uuid.New()
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE identity_id = \$1 AND timestamp >= \$2 ORDER BY timestamp DESC LIMIT \$3 OFFSET \$4`).
		WithArgs(identityID, from, 50, 0).
		WillReturnRows(pgxmock.NewRows(eventCols))

	events, err := store.ListEvents(context.Background(), attendance.EventFilter{IdentityID: &identityID, From: &from})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAudit(t *testing.T) {
	store, mock := newMockStore(t)
	eventID := uuid.New()
	entryID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`WHERE attendance_id = \$1 AND \(detected_identity_id = \$2 OR corrected_identity_id = \$2\) AND action = \$3 ORDER BY created_at DESC LIMIT \$4 OFFSET \$5`).
		WithArgs(eventID, "ident-1", "DELETED_BY_ADMIN", 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "action", "attendance_id", "detected_identity_id", "corrected_identity_id",
			"actor_id", "reason", "metadata", "created_at",
		}).AddRow(entryID, "DELETED_BY_ADMIN", (*uuid.UUID)(nil), "ident-1", "", "admin", "duplicate scan",
			map[string]any{"deleted_event": map[string]any{"direction": "ENTRY"}}, now))

	entries, err := store.ListAudit(context.Background(), models.AuditFilter{
		AttendanceID: &eventID,
		IdentityID:   "ident-1",
		Action:       models.AuditDeletedByAdmin,
		Limit:        10,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditDeletedByAdmin, entries[0].Action)
	assert.Nil(t, entries[0].AttendanceID)
	assert.Equal(t, "duplicate scan", entries[0].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingStore(t *testing.T) {
	t.Run("get missing", func(t *testing.T) {
		store, mock := newMockStore(t)
		id := uuid.New()
		mock.ExpectQuery(`FROM pending_records WHERE id = \$1`).
			WithArgs(id).
			WillReturnError(pgx.ErrNoRows)

		_, err := store.GetPending(context.Background(), id)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list by status without limit", func(t *testing.T) {
		store, mock := newMockStore(t)
		id := uuid.New()
		now := time.Now().UTC()
		mock.ExpectQuery(`FROM pending_records WHERE status = \$1 ORDER BY created_at, id$`).
			WithArgs("PENDING").
			WillReturnRows(pgxmock.NewRows([]string{
				"id", "candidate_id", "resolved_name", "timestamp", "direction", "evidence_ref", "reason",
				"match_score", "status", "reviewer_id", "reviewed_at", "review_notes", "attendance_id", "created_at",
			}).AddRow(id, "EMP-001", "", now, "ENTRY", "evidence/x.jpg", "FACIAL_FAILED",
				float32(0.8), "PENDING", "", (*time.Time)(nil), "", (*uuid.UUID)(nil), now))

		recs, err := store.ListPending(context.Background(), review.Filter{Status: models.StatusPending})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, models.ReasonFacialFailed, recs[0].Reason)
		assert.Nil(t, recs[0].ReviewedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update missing", func(t *testing.T) {
		store, mock := newMockStore(t)
		rec := &models.PendingRecord{ID: uuid.New(), Status: models.StatusExpired}
		mock.ExpectExec(`UPDATE pending_records`).
			WithArgs("EXPIRED", "", (*time.Time)(nil), "", (*uuid.UUID)(nil), "", rec.ID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := store.UpdatePending(context.Background(), rec)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}
