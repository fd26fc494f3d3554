package models

import (
	"time"

	"github.com/google/uuid"
)

type PendingReason string

const (
	ReasonFacialFailed   PendingReason = "FACIAL_FAILED"
	ReasonNotEnrolled    PendingReason = "NOT_ENROLLED"
	ReasonManualRequest  PendingReason = "MANUAL_REQUEST"
	ReasonTechnicalIssue PendingReason = "TECHNICAL_ISSUE"
)

func (r PendingReason) Valid() bool {
	switch r {
	case ReasonFacialFailed, ReasonNotEnrolled, ReasonManualRequest, ReasonTechnicalIssue:
		return true
	}
	return false
}

type PendingStatus string

const (
	StatusPending  PendingStatus = "PENDING"
	StatusApproved PendingStatus = "APPROVED"
	StatusRejected PendingStatus = "REJECTED"
	StatusExpired  PendingStatus = "EXPIRED"
)

// Reviewed reports whether a human decided the record.
func (s PendingStatus) Reviewed() bool {
	return s == StatusApproved || s == StatusRejected
}

// PendingRecord is an attendance candidate deferred to human review.
// CandidateID may not resolve to an enrolled identity.
type PendingRecord struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	CandidateID  string        `json:"candidate_id" db:"candidate_id"`
	ResolvedName string        `json:"resolved_name,omitempty" db:"resolved_name"`
	Timestamp    time.Time     `json:"timestamp" db:"timestamp"`
	Direction    Direction     `json:"direction" db:"direction"`
	EvidenceRef  string        `json:"evidence_ref,omitempty" db:"evidence_ref"`
	Reason       PendingReason `json:"reason" db:"reason"`
	MatchScore   float32       `json:"match_score" db:"match_score"`
	Status       PendingStatus `json:"status" db:"status"`
	ReviewerID   string        `json:"reviewer_id,omitempty" db:"reviewer_id"`
	ReviewedAt   *time.Time    `json:"reviewed_at,omitempty" db:"reviewed_at"`
	ReviewNotes  string        `json:"review_notes,omitempty" db:"review_notes"`
	AttendanceID *uuid.UUID    `json:"attendance_id,omitempty" db:"attendance_id"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

// ExpiredAt reports whether a PENDING record is older than ttl at now.
// A record exactly ttl old is not yet expired.
func (p PendingRecord) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return p.Status == StatusPending && now.Sub(p.CreatedAt) > ttl
}

// Purgeable reports whether a reviewed record is past the retention window.
func (p PendingRecord) Purgeable(now time.Time, retention time.Duration) bool {
	if !p.Status.Reviewed() || p.ReviewedAt == nil {
		return false
	}
	return now.Sub(*p.ReviewedAt) > retention
}
