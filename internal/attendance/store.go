package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/models"
)

// Store runs ledger mutations atomically. Everything done through the Tx
// passed to fn commits together or not at all.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	ListEvents(ctx context.Context, filter EventFilter) ([]models.AttendanceEvent, error)
}

// Tx is the transactional view of the attendance and audit stores.
type Tx interface {
	// LockIdentity serialises writers for one identity until the tx ends.
	LockIdentity(ctx context.Context, identityID uuid.UUID) error
	// LastEvent returns the most recent event by timestamp, or nil.
	LastEvent(ctx context.Context, identityID uuid.UUID) (*models.AttendanceEvent, error)
	// Neighbors returns the latest event at or before at and the earliest
	// event after it, skipping exclude.
	Neighbors(ctx context.Context, identityID uuid.UUID, at time.Time, exclude uuid.UUID) (prev, next *models.AttendanceEvent, err error)
	GetEvent(ctx context.Context, id uuid.UUID) (*models.AttendanceEvent, error)
	InsertEvent(ctx context.Context, ev *models.AttendanceEvent) error
	UpdateEventTimestamp(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteEvent(ctx context.Context, id uuid.UUID) error
	InsertAudit(ctx context.Context, entry *models.AuditEntry) error
}

type EventFilter struct {
	IdentityID *uuid.UUID
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Notifier receives committed ledger changes.
type Notifier interface {
	NotifyChange(ctx context.Context, change models.LedgerChange) error
}

// Authorizer is the secondary gate on administrator overrides.
type Authorizer interface {
	Authorized(ctx context.Context, actorID string) bool
}

type AuthorizerFunc func(ctx context.Context, actorID string) bool

func (f AuthorizerFunc) Authorized(ctx context.Context, actorID string) bool {
	return f(ctx, actorID)
}
