package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/review"
)

const pendingColumns = `id, candidate_id, resolved_name, timestamp, direction, evidence_ref, reason, match_score, status, reviewer_id, reviewed_at, review_notes, attendance_id, created_at`

func (s *PostgresStore) InsertPending(ctx context.Context, rec *models.PendingRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO pending_records (`+pendingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.CandidateID, rec.ResolvedName, rec.Timestamp, string(rec.Direction), rec.EvidenceRef,
		string(rec.Reason), rec.MatchScore, string(rec.Status), rec.ReviewerID, rec.ReviewedAt,
		rec.ReviewNotes, rec.AttendanceID, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPending(ctx context.Context, id uuid.UUID) (*models.PendingRecord, error) {
	rec, err := scanPending(s.db.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound.WithMessage("Pending record not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get pending record: %w", err)
	}
	return rec, nil
}

// UpdatePending writes the mutable review fields of rec.
func (s *PostgresStore) UpdatePending(ctx context.Context, rec *models.PendingRecord) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE pending_records
		 SET status = $1, reviewer_id = $2, reviewed_at = $3, review_notes = $4, attendance_id = $5, evidence_ref = $6
		 WHERE id = $7`,
		string(rec.Status), rec.ReviewerID, rec.ReviewedAt, rec.ReviewNotes, rec.AttendanceID, rec.EvidenceRef, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update pending record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound.WithMessage("Pending record not found")
	}
	return nil
}

// ListPending returns records oldest first. A zero Limit lists everything,
// which the retention sweep relies on.
func (s *PostgresStore) ListPending(ctx context.Context, filter review.Filter) ([]models.PendingRecord, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_records`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	defer rows.Close()

	var out []models.PendingRecord
	for rows.Next() {
		rec, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeletePending(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM pending_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pending record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound.WithMessage("Pending record not found")
	}
	return nil
}

func scanPending(row pgx.Row) (*models.PendingRecord, error) {
	var (
		rec                       models.PendingRecord
		direction, reason, status string
	)
	err := row.Scan(&rec.ID, &rec.CandidateID, &rec.ResolvedName, &rec.Timestamp, &direction, &rec.EvidenceRef,
		&reason, &rec.MatchScore, &status, &rec.ReviewerID, &rec.ReviewedAt, &rec.ReviewNotes,
		&rec.AttendanceID, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Direction = models.Direction(direction)
	rec.Reason = models.PendingReason(reason)
	rec.Status = models.PendingStatus(status)
	return &rec, nil
}
