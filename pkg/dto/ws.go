package dto

import "github.com/google/uuid"

// WSEvent is pushed to dashboard clients for every ledger or review change.
type WSEvent struct {
	Type       string           `json:"type"`
	IdentityID *uuid.UUID       `json:"identity_id,omitempty"`
	Event      *EventResponse   `json:"event,omitempty"`
	Audit      *AuditResponse   `json:"audit,omitempty"`
	Pending    *PendingResponse `json:"pending,omitempty"`
}
