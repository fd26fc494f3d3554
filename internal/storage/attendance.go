package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/models"
)

const eventColumns = `id, identity_id, timestamp, direction, match_confidence, liveness_score, challenge, source, sync_state, created_at`

// WithinTx implements attendance.Store.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx attendance.Tx) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return fn(&ledgerTx{q: tx})
	})
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter attendance.EventFilter) ([]models.AttendanceEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.IdentityID != nil {
		add("identity_id = $%d", *filter.IdentityID)
	}
	if filter.From != nil {
		add("timestamp >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("timestamp <= $%d", *filter.To)
	}

	query := `SELECT ` + eventColumns + ` FROM attendance_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)
	query += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.AttendanceEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// ListAudit returns audit entries newest first. IdentityID matches either
// the detected or the corrected identity.
func (s *PostgresStore) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, strings.ReplaceAll(clause, "$?", fmt.Sprintf("$%d", len(args))))
	}
	if filter.AttendanceID != nil {
		add("attendance_id = $?", *filter.AttendanceID)
	}
	if filter.IdentityID != "" {
		add("(detected_identity_id = $? OR corrected_identity_id = $?)", filter.IdentityID)
	}
	if filter.Action != "" {
		add("action = $?", string(filter.Action))
	}
	if filter.From != nil {
		add("created_at >= $?", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $?", *filter.To)
	}

	query := `SELECT id, action, attendance_id, detected_identity_id, corrected_identity_id, actor_id, reason, metadata, created_at FROM audit_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var (
			e      models.AuditEntry
			action string
		)
		if err := rows.Scan(&e.ID, &action, &e.AttendanceID, &e.DetectedIdentityID, &e.CorrectedIdentityID,
			&e.ActorID, &e.Reason, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = models.AuditAction(action)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return out, nil
}

type ledgerTx struct {
	q querier
}

// LockIdentity takes a transaction-scoped advisory lock keyed on the identity.
func (t *ledgerTx) LockIdentity(ctx context.Context, identityID uuid.UUID) error {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, identityID.String()); err != nil {
		return fmt.Errorf("lock identity: %w", err)
	}
	return nil
}

func (t *ledgerTx) LastEvent(ctx context.Context, identityID uuid.UUID) (*models.AttendanceEvent, error) {
	return t.optionalEvent(ctx, "last event",
		`SELECT `+eventColumns+` FROM attendance_events
		 WHERE identity_id = $1 ORDER BY timestamp DESC, created_at DESC LIMIT 1`, identityID)
}

func (t *ledgerTx) Neighbors(ctx context.Context, identityID uuid.UUID, at time.Time, exclude uuid.UUID) (*models.AttendanceEvent, *models.AttendanceEvent, error) {
	prev, err := t.optionalEvent(ctx, "previous event",
		`SELECT `+eventColumns+` FROM attendance_events
		 WHERE identity_id = $1 AND timestamp <= $2 AND id <> $3
		 ORDER BY timestamp DESC, created_at DESC LIMIT 1`, identityID, at, exclude)
	if err != nil {
		return nil, nil, err
	}
	next, err := t.optionalEvent(ctx, "next event",
		`SELECT `+eventColumns+` FROM attendance_events
		 WHERE identity_id = $1 AND timestamp > $2 AND id <> $3
		 ORDER BY timestamp ASC, created_at ASC LIMIT 1`, identityID, at, exclude)
	if err != nil {
		return nil, nil, err
	}
	return prev, next, nil
}

func (t *ledgerTx) GetEvent(ctx context.Context, id uuid.UUID) (*models.AttendanceEvent, error) {
	ev, err := t.optionalEvent(ctx, "get event",
		`SELECT `+eventColumns+` FROM attendance_events WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, models.ErrNotFound.WithMessage("Attendance event not found")
	}
	return ev, nil
}

func (t *ledgerTx) InsertEvent(ctx context.Context, ev *models.AttendanceEvent) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO attendance_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.IdentityID, ev.Timestamp, string(ev.Direction), ev.MatchConfidence, ev.LivenessScore,
		string(ev.Challenge), string(ev.Source), string(ev.SyncState), ev.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.Validation("unknown identity")
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *ledgerTx) UpdateEventTimestamp(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE attendance_events SET timestamp = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound.WithMessage("Attendance event not found")
	}
	return nil
}

// DeleteEvent relies on ON DELETE SET NULL to detach audit entries.
func (t *ledgerTx) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM attendance_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound.WithMessage("Attendance event not found")
	}
	return nil
}

func (t *ledgerTx) InsertAudit(ctx context.Context, e *models.AuditEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO audit_entries (id, action, attendance_id, detected_identity_id, corrected_identity_id, actor_id, reason, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, string(e.Action), e.AttendanceID, e.DetectedIdentityID, e.CorrectedIdentityID,
		e.ActorID, e.Reason, meta, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (t *ledgerTx) optionalEvent(ctx context.Context, op, query string, args ...any) (*models.AttendanceEvent, error) {
	ev, err := scanEvent(t.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ev, nil
}

func scanEvent(row pgx.Row) (*models.AttendanceEvent, error) {
	var (
		ev                                  models.AttendanceEvent
		direction, challenge, source, state string
	)
	err := row.Scan(&ev.ID, &ev.IdentityID, &ev.Timestamp, &direction, &ev.MatchConfidence, &ev.LivenessScore,
		&challenge, &source, &state, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.Direction = models.Direction(direction)
	ev.Challenge = models.ChallengeType(challenge)
	ev.Source = models.EventSource(source)
	ev.SyncState = models.SyncState(state)
	return &ev, nil
}
