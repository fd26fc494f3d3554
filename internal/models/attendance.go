package models

import (
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionEntry Direction = "ENTRY"
	DirectionExit  Direction = "EXIT"
)

// Opposite returns the direction that must follow d.
func (d Direction) Opposite() Direction {
	if d == DirectionEntry {
		return DirectionExit
	}
	return DirectionEntry
}

func (d Direction) Valid() bool {
	return d == DirectionEntry || d == DirectionExit
}

type SyncState string

const (
	SyncPending SyncState = "PENDING"
	SyncSynced  SyncState = "SYNCED"
)

// EventSource records which path produced an attendance event.
type EventSource string

const (
	SourceAuto   EventSource = "AUTO"
	SourceManual EventSource = "MANUAL"
	SourceForced EventSource = "FORCED"
	SourceReview EventSource = "REVIEW"
)

// AttendanceEvent is one ledger row. Per identity, events ordered by Timestamp
// alternate ENTRY, EXIT, ENTRY, ...
type AttendanceEvent struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	IdentityID      uuid.UUID     `json:"identity_id" db:"identity_id"`
	Timestamp       time.Time     `json:"timestamp" db:"timestamp"`
	Direction       Direction     `json:"direction" db:"direction"`
	MatchConfidence float32       `json:"match_confidence" db:"match_confidence"`
	LivenessScore   float32       `json:"liveness_score" db:"liveness_score"`
	Challenge       ChallengeType `json:"challenge,omitempty" db:"challenge"`
	Source          EventSource   `json:"source" db:"source"`
	SyncState       SyncState     `json:"sync_state" db:"sync_state"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
}

// Snapshot flattens the event for audit metadata.
func (e AttendanceEvent) Snapshot() map[string]any {
	return map[string]any{
		"id":               e.ID.String(),
		"identity_id":      e.IdentityID.String(),
		"timestamp":        e.Timestamp.UTC().Format(time.RFC3339Nano),
		"direction":        string(e.Direction),
		"match_confidence": e.MatchConfidence,
		"liveness_score":   e.LivenessScore,
		"challenge":        string(e.Challenge),
		"source":           string(e.Source),
		"sync_state":       string(e.SyncState),
	}
}
