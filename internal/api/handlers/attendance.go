package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/auth"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/pkg/dto"
)

type Ledger interface {
	History(ctx context.Context, filter attendance.EventFilter) ([]models.AttendanceEvent, error)
	Force(ctx context.Context, req attendance.ForceRequest) (*models.AttendanceEvent, error)
	Delete(ctx context.Context, eventID uuid.UUID, actorID, reason string) error
	AdjustTimestamp(ctx context.Context, eventID uuid.UUID, actorID, reason string, at time.Time) (*models.AttendanceEvent, error)
}

type AuditReader interface {
	ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error)
}

type AttendanceHandler struct {
	ledger Ledger
	audit  AuditReader
}

func NewAttendanceHandler(ledger Ledger, audit AuditReader) *AttendanceHandler {
	return &AttendanceHandler{ledger: ledger, audit: audit}
}

func (h *AttendanceHandler) List(c *gin.Context) {
	var q dto.EventQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, bindError(err))
		return
	}

	filter := attendance.EventFilter{Limit: q.Limit, Offset: q.Offset}
	var err error
	if filter.IdentityID, err = parseOptionalUUID("identity_id", q.IdentityID); err != nil {
		respondError(c, err)
		return
	}
	if filter.From, err = parseTime("from", q.From); err != nil {
		respondError(c, err)
		return
	}
	if filter.To, err = parseTime("to", q.To); err != nil {
		respondError(c, err)
		return
	}

	events, err := h.ledger.History(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.EventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, dto.NewEventResponse(ev))
	}
	c.JSON(http.StatusOK, dto.EventListResponse{Events: resp, Total: len(resp)})
}

// Force writes an event regardless of alternation. Requires X-Actor-ID and,
// when admin tokens are configured, X-Admin-Token.
func (h *AttendanceHandler) Force(c *gin.Context) {
	var req dto.ForceEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	fr := attendance.ForceRequest{
		IdentityID: req.IdentityID,
		Direction:  models.Direction(req.Direction),
		ActorID:    c.GetHeader(auth.ActorHeader),
		Reason:     req.Reason,
	}
	if req.At != nil {
		fr.At = *req.At
	}

	ev, err := h.ledger.Force(c.Request.Context(), fr)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.NewEventResponse(*ev))
}

func (h *AttendanceHandler) Delete(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req dto.DeleteEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	if err := h.ledger.Delete(c.Request.Context(), id, c.GetHeader(auth.ActorHeader), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *AttendanceHandler) Adjust(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req dto.AdjustEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	ev, err := h.ledger.AdjustTimestamp(c.Request.Context(), id, c.GetHeader(auth.ActorHeader), req.Reason, req.Timestamp)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewEventResponse(*ev))
}

func (h *AttendanceHandler) Audit(c *gin.Context) {
	var q dto.AuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, bindError(err))
		return
	}

	filter := models.AuditFilter{
		IdentityID: q.IdentityID,
		Action:     models.AuditAction(q.Action),
		Limit:      q.Limit,
		Offset:     q.Offset,
	}
	var err error
	if filter.AttendanceID, err = parseOptionalUUID("attendance_id", q.AttendanceID); err != nil {
		respondError(c, err)
		return
	}
	if filter.From, err = parseTime("from", q.From); err != nil {
		respondError(c, err)
		return
	}
	if filter.To, err = parseTime("to", q.To); err != nil {
		respondError(c, err)
		return
	}

	entries, err := h.audit.ListAudit(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.AuditResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, dto.NewAuditResponse(e))
	}
	c.JSON(http.StatusOK, dto.AuditListResponse{Entries: resp, Total: len(resp)})
}
