package dto

import (
	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/models"
)

type IdentityResponse struct {
	ID          uuid.UUID      `json:"id"`
	ExternalID  string         `json:"external_id"`
	DisplayName string         `json:"display_name"`
	Active      bool           `json:"active"`
	SampleCount int            `json:"sample_count"`
	Poses       map[string]int `json:"poses,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

func NewIdentityResponse(ident models.Identity) IdentityResponse {
	resp := IdentityResponse{
		ID:          ident.ID,
		ExternalID:  ident.ExternalID,
		DisplayName: ident.DisplayName,
		Active:      ident.Active,
		SampleCount: len(ident.Samples),
		CreatedAt:   ident.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:   ident.UpdatedAt.UTC().Format(timeFormat),
	}
	if len(ident.Samples) > 0 {
		resp.Poses = make(map[string]int)
		for _, s := range ident.Samples {
			resp.Poses[string(s.Pose)]++
		}
	}
	return resp
}

type IdentityListResponse struct {
	Identities []IdentityResponse `json:"identities"`
	Total      int                `json:"total"`
}

type IdentityQuery struct {
	ActiveOnly bool `form:"active_only"`
	Limit      int  `form:"limit"`
	Offset     int  `form:"offset"`
}
