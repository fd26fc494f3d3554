package dto

import (
	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/models"
)

type PendingResponse struct {
	ID           uuid.UUID  `json:"id"`
	CandidateID  string     `json:"candidate_id"`
	ResolvedName string     `json:"resolved_name,omitempty"`
	Timestamp    string     `json:"timestamp"`
	Direction    string     `json:"direction"`
	Reason       string     `json:"reason"`
	MatchScore   float32    `json:"match_score"`
	Status       string     `json:"status"`
	HasEvidence  bool       `json:"has_evidence"`
	ReviewerID   string     `json:"reviewer_id,omitempty"`
	ReviewedAt   string     `json:"reviewed_at,omitempty"`
	ReviewNotes  string     `json:"review_notes,omitempty"`
	AttendanceID *uuid.UUID `json:"attendance_id,omitempty"`
	CreatedAt    string     `json:"created_at"`
}

func NewPendingResponse(rec models.PendingRecord) PendingResponse {
	resp := PendingResponse{
		ID:           rec.ID,
		CandidateID:  rec.CandidateID,
		ResolvedName: rec.ResolvedName,
		Timestamp:    rec.Timestamp.UTC().Format(timeFormat),
		Direction:    string(rec.Direction),
		Reason:       string(rec.Reason),
		MatchScore:   rec.MatchScore,
		Status:       string(rec.Status),
		HasEvidence:  rec.EvidenceRef != "",
		ReviewerID:   rec.ReviewerID,
		ReviewNotes:  rec.ReviewNotes,
		AttendanceID: rec.AttendanceID,
		CreatedAt:    rec.CreatedAt.UTC().Format(timeFormat),
	}
	if rec.ReviewedAt != nil {
		resp.ReviewedAt = rec.ReviewedAt.UTC().Format(timeFormat)
	}
	return resp
}

type PendingListResponse struct {
	Records []PendingResponse `json:"records"`
	Total   int               `json:"total"`
}

type PendingQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// ReviewRequest is a supervisor decision. IdentityID overrides the
// candidate when approving a record whose candidate did not resolve.
type ReviewRequest struct {
	Approve    *bool      `json:"approve" binding:"required"`
	Notes      string     `json:"notes"`
	IdentityID *uuid.UUID `json:"identity_id,omitempty"`
}
