package dto

type StartSessionRequest struct {
	ClaimedID string `json:"claimed_id"`
	Direction string `json:"direction"`
}

type StartEnrollmentRequest struct {
	ExternalID  string `json:"external_id" binding:"required"`
	DisplayName string `json:"display_name" binding:"required"`
	Reenroll    bool   `json:"reenroll"`
}

// ManualReviewRequest names who the person says they are; empty is allowed.
type ManualReviewRequest struct {
	CandidateID string `json:"candidate_id"`
}

type UndoRequest struct {
	Reason string `json:"reason" binding:"required"`
}
