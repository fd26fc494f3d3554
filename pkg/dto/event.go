package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/models"
)

const timeFormat = time.RFC3339

type EventResponse struct {
	ID              uuid.UUID `json:"id"`
	IdentityID      uuid.UUID `json:"identity_id"`
	Timestamp       string    `json:"timestamp"`
	Direction       string    `json:"direction"`
	MatchConfidence float32   `json:"match_confidence"`
	LivenessScore   float32   `json:"liveness_score"`
	Challenge       string    `json:"challenge,omitempty"`
	Source          string    `json:"source"`
	SyncState       string    `json:"sync_state"`
	CreatedAt       string    `json:"created_at"`
}

func NewEventResponse(ev models.AttendanceEvent) EventResponse {
	return EventResponse{
		ID:              ev.ID,
		IdentityID:      ev.IdentityID,
		Timestamp:       ev.Timestamp.UTC().Format(timeFormat),
		Direction:       string(ev.Direction),
		MatchConfidence: ev.MatchConfidence,
		LivenessScore:   ev.LivenessScore,
		Challenge:       string(ev.Challenge),
		Source:          string(ev.Source),
		SyncState:       string(ev.SyncState),
		CreatedAt:       ev.CreatedAt.UTC().Format(timeFormat),
	}
}

type EventListResponse struct {
	Events []EventResponse `json:"events"`
	Total  int             `json:"total"`
}

type EventQuery struct {
	IdentityID string `form:"identity_id"`
	From       string `form:"from"`
	To         string `form:"to"`
	Limit      int    `form:"limit"`
	Offset     int    `form:"offset"`
}

type ForceEventRequest struct {
	IdentityID uuid.UUID  `json:"identity_id" binding:"required"`
	Direction  string     `json:"direction" binding:"required"`
	At         *time.Time `json:"at,omitempty"`
	Reason     string     `json:"reason" binding:"required"`
}

type DeleteEventRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type AdjustEventRequest struct {
	Timestamp time.Time `json:"timestamp" binding:"required"`
	Reason    string    `json:"reason" binding:"required"`
}

type AuditResponse struct {
	ID                  uuid.UUID      `json:"id"`
	AttendanceID        *uuid.UUID     `json:"attendance_id,omitempty"`
	Action              string         `json:"action"`
	ActorID             string         `json:"actor_id,omitempty"`
	DetectedIdentityID  string         `json:"detected_identity_id,omitempty"`
	CorrectedIdentityID string         `json:"corrected_identity_id,omitempty"`
	Reason              string         `json:"reason,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           string         `json:"created_at"`
}

func NewAuditResponse(e models.AuditEntry) AuditResponse {
	return AuditResponse{
		ID:                  e.ID,
		AttendanceID:        e.AttendanceID,
		Action:              string(e.Action),
		ActorID:             e.ActorID,
		DetectedIdentityID:  e.DetectedIdentityID,
		CorrectedIdentityID: e.CorrectedIdentityID,
		Reason:              e.Reason,
		Metadata:            e.Metadata,
		CreatedAt:           e.CreatedAt.UTC().Format(timeFormat),
	}
}

type AuditListResponse struct {
	Entries []AuditResponse `json:"entries"`
	Total   int             `json:"total"`
}

type AuditQuery struct {
	AttendanceID string `form:"attendance_id"`
	IdentityID   string `form:"identity_id"`
	Action       string `form:"action"`
	From         string `form:"from"`
	To           string `form:"to"`
	Limit        int    `form:"limit"`
	Offset       int    `form:"offset"`
}
