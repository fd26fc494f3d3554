package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/checkpoint/internal/models"
)

type IdentityFilter struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

type EmbeddingMatch struct {
	IdentityID  uuid.UUID `json:"identity_id"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name"`
	Score       float32   `json:"score"`
}

// CreateIdentity inserts the identity and its enrollment samples atomically.
func (s *PostgresStore) CreateIdentity(ctx context.Context, ident *models.Identity) error {
	if ident.ID == uuid.Nil {
		ident.ID = uuid.New()
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO identities (id, external_id, display_name, active)
			 VALUES ($1, $2, $3, $4) RETURNING created_at, updated_at`,
			ident.ID, ident.ExternalID, ident.DisplayName, ident.Active,
		).Scan(&ident.CreatedAt, &ident.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return models.Validation(fmt.Sprintf("external id %q is already enrolled", ident.ExternalID))
			}
			return fmt.Errorf("create identity: %w", err)
		}
		return insertSamples(ctx, tx, ident.ID, ident.Samples)
	})
}

// ReplaceSamples swaps every stored embedding of an identity for samples.
func (s *PostgresStore) ReplaceSamples(ctx context.Context, identityID uuid.UUID, samples []models.EnrollmentSample) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE identities SET updated_at = NOW() WHERE id = $1`, identityID)
		if err != nil {
			return fmt.Errorf("touch identity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound.WithMessage("Identity not found")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM identity_embeddings WHERE identity_id = $1`, identityID); err != nil {
			return fmt.Errorf("delete embeddings: %w", err)
		}
		return insertSamples(ctx, tx, identityID, samples)
	})
}

func insertSamples(ctx context.Context, q querier, identityID uuid.UUID, samples []models.EnrollmentSample) error {
	for i := range samples {
		sm := &samples[i]
		if sm.ID == uuid.Nil {
			sm.ID = uuid.New()
		}
		if sm.CreatedAt.IsZero() {
			sm.CreatedAt = time.Now().UTC()
		}
		_, err := q.Exec(ctx,
			`INSERT INTO identity_embeddings (id, identity_id, pose, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			sm.ID, identityID, string(sm.Pose), pgvector.NewVector(sm.Embedding), sm.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	return s.getIdentity(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetIdentityByExternalID(ctx context.Context, externalID string) (*models.Identity, error) {
	return s.getIdentity(ctx, `WHERE external_id = $1`, externalID)
}

// ResolveCandidate accepts either an identity UUID or an external id.
func (s *PostgresStore) ResolveCandidate(ctx context.Context, candidateID string) (*models.Identity, error) {
	if id, err := uuid.Parse(candidateID); err == nil {
		ident, err := s.GetIdentity(ctx, id)
		if !errors.Is(err, models.ErrNotFound) {
			return ident, err
		}
	}
	return s.GetIdentityByExternalID(ctx, candidateID)
}

func (s *PostgresStore) getIdentity(ctx context.Context, where string, arg any) (*models.Identity, error) {
	var ident models.Identity
	err := s.db.QueryRow(ctx,
		`SELECT id, external_id, display_name, active, created_at, updated_at FROM identities `+where, arg,
	).Scan(&ident.ID, &ident.ExternalID, &ident.DisplayName, &ident.Active, &ident.CreatedAt, &ident.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound.WithMessage("Identity not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}

	samples, err := s.loadSamples(ctx, []uuid.UUID{ident.ID})
	if err != nil {
		return nil, err
	}
	ident.Samples = samples[ident.ID]
	return &ident, nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context, filter IdentityFilter) ([]models.Identity, error) {
	query := `SELECT id, external_id, display_name, active, created_at, updated_at FROM identities`
	if filter.ActiveOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at, id LIMIT $1 OFFSET $2`

	rows, err := s.db.Query(ctx, query, limitOrDefault(filter.Limit), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []models.Identity
	for rows.Next() {
		var ident models.Identity
		if err := rows.Scan(&ident.ID, &ident.ExternalID, &ident.DisplayName, &ident.Active, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return out, nil
}

// Gallery returns every active identity with its embeddings, the pool the
// kiosk matches against.
func (s *PostgresStore) Gallery(ctx context.Context) ([]models.Identity, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, external_id, display_name, active, created_at, updated_at
		 FROM identities WHERE active ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load gallery: %w", err)
	}
	defer rows.Close()

	var out []models.Identity
	var ids []uuid.UUID
	for rows.Next() {
		var ident models.Identity
		if err := rows.Scan(&ident.ID, &ident.ExternalID, &ident.DisplayName, &ident.Active, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, ident)
		ids = append(ids, ident.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load gallery: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	samples, err := s.loadSamples(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Samples = samples[out[i].ID]
	}
	return out, nil
}

func (s *PostgresStore) loadSamples(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]models.EnrollmentSample, error) {
	rows, err := s.db.Query(ctx,
		`SELECT identity_id, id, pose, embedding, created_at
		 FROM identity_embeddings WHERE identity_id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]models.EnrollmentSample, len(ids))
	for rows.Next() {
		var (
			identityID uuid.UUID
			sm         models.EnrollmentSample
			pose       string
			vec        *pgvector.Vector
		)
		if err := rows.Scan(&identityID, &sm.ID, &pose, &vec, &sm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		sm.Pose = models.EnrollmentPose(pose)
		if vec != nil {
			sm.Embedding = models.Embedding(vec.Slice())
		}
		out[identityID] = append(out[identityID], sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE identities SET active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound.WithMessage("Identity not found")
	}
	return nil
}

// SearchEmbeddings returns active identities whose best stored embedding has
// cosine similarity of at least threshold, best first.
func (s *PostgresStore) SearchEmbeddings(ctx context.Context, embedding models.Embedding, threshold float64, limit int) ([]EmbeddingMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(embedding)

	rows, err := s.db.Query(ctx, `
		SELECT identity_id, external_id, display_name, score FROM (
			SELECT DISTINCT ON (e.identity_id)
				e.identity_id, i.external_id, i.display_name, 1 - (e.embedding <=> $1) AS score
			FROM identity_embeddings e
			JOIN identities i ON i.id = e.identity_id
			WHERE i.active
			ORDER BY e.identity_id, e.embedding <=> $1
		) best
		WHERE score >= $2
		ORDER BY score DESC
		LIMIT $3`,
		vec, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer rows.Close()

	var matches []EmbeddingMatch
	for rows.Next() {
		var m EmbeddingMatch
		if err := rows.Scan(&m.IdentityID, &m.ExternalID, &m.DisplayName, &m.Score); err != nil {
			return nil, fmt.Errorf("scan search match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	return matches, nil
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
