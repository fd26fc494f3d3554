package models

import (
	"time"

	"github.com/google/uuid"
)

type AuditAction string

const (
	AuditCreated         AuditAction = "CREATED"
	AuditCancelledByUser AuditAction = "CANCELLED_BY_USER"
	AuditDeletedByAdmin  AuditAction = "DELETED_BY_ADMIN"
	AuditForcedByAdmin   AuditAction = "FORCED_BY_ADMIN"
	AuditModifiedByAdmin AuditAction = "MODIFIED_BY_ADMIN"
)

// AuditEntry documents one mutation of the attendance ledger. AttendanceID is
// nulled by the store once the referenced event is deleted.
type AuditEntry struct {
	ID                  uuid.UUID      `json:"id" db:"id"`
	Action              AuditAction    `json:"action" db:"action"`
	AttendanceID        *uuid.UUID     `json:"attendance_id,omitempty" db:"attendance_id"`
	DetectedIdentityID  string         `json:"detected_identity_id,omitempty" db:"detected_identity_id"`
	CorrectedIdentityID string         `json:"corrected_identity_id,omitempty" db:"corrected_identity_id"`
	ActorID             string         `json:"actor_id,omitempty" db:"actor_id"`
	Reason              string         `json:"reason,omitempty" db:"reason"`
	Metadata            map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
}

// AuditFilter selects audit entries. Zero fields are ignored.
type AuditFilter struct {
	AttendanceID *uuid.UUID
	IdentityID   string
	Action       AuditAction
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// LedgerChange is published after a ledger mutation commits.
type LedgerChange struct {
	Action AuditAction     `json:"action"`
	Event  AttendanceEvent `json:"event"`
	Audit  AuditEntry      `json:"audit"`
}
