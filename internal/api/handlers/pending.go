package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/auth"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/review"
	"github.com/your-org/checkpoint/pkg/dto"
)

type PendingQueue interface {
	List(ctx context.Context, filter review.Filter) ([]models.PendingRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*models.PendingRecord, error)
	Review(ctx context.Context, req review.ReviewRequest) (*models.PendingRecord, error)
}

type EvidenceReader interface {
	GetEvidence(ctx context.Context, ref string) ([]byte, error)
}

type PendingHandler struct {
	queue    PendingQueue
	evidence EvidenceReader
}

func NewPendingHandler(queue PendingQueue, evidence EvidenceReader) *PendingHandler {
	return &PendingHandler{queue: queue, evidence: evidence}
}

func (h *PendingHandler) List(c *gin.Context) {
	var q dto.PendingQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, bindError(err))
		return
	}

	status := models.PendingStatus(strings.ToUpper(q.Status))
	switch status {
	case "", models.StatusPending, models.StatusApproved, models.StatusRejected, models.StatusExpired:
	default:
		respondError(c, models.Validation("unknown status "+q.Status))
		return
	}

	recs, err := h.queue.List(c.Request.Context(), review.Filter{Status: status, Limit: pageLimit(q.Limit), Offset: q.Offset})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.PendingResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, dto.NewPendingResponse(rec))
	}
	c.JSON(http.StatusOK, dto.PendingListResponse{Records: resp, Total: len(resp)})
}

func (h *PendingHandler) Get(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	rec, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewPendingResponse(*rec))
}

// Review records a supervisor decision; the reviewer is X-Actor-ID.
func (h *PendingHandler) Review(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	rec, err := h.queue.Review(c.Request.Context(), review.ReviewRequest{
		ID:         id,
		Approve:    *req.Approve,
		ReviewerID: c.GetHeader(auth.ActorHeader),
		Notes:      req.Notes,
		IdentityID: req.IdentityID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewPendingResponse(*rec))
}

// Evidence streams the JPEG captured with a pending record.
func (h *PendingHandler) Evidence(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	rec, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if rec.EvidenceRef == "" {
		respondError(c, models.ErrNotFound.WithMessage("no evidence stored for this record"))
		return
	}

	data, err := h.evidence.GetEvidence(c.Request.Context(), rec.EvidenceRef)
	if err != nil {
		respondError(c, models.Storage("read evidence", err))
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}
