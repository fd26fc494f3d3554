package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/your-org/checkpoint/internal/kiosk"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/pkg/dto"
)

// KioskController is the kiosk runner as driven by the kiosk screen.
type KioskController interface {
	StartSession(ctx context.Context, opts kiosk.SessionOptions) (kiosk.Status, error)
	StartEnrollment(ctx context.Context, req kiosk.EnrollRequest) (kiosk.EnrollStatus, error)
	RequestManualReview(ctx context.Context, candidateID string) (kiosk.Outcome, error)
	UndoLast(ctx context.Context, reason string) (*models.AttendanceEvent, error)
	Cancel()
	Status() kiosk.RunnerStatus
}

type KioskHandler struct {
	runner KioskController
}

func NewKioskHandler(runner KioskController) *KioskHandler {
	return &KioskHandler{runner: runner}
}

func (h *KioskHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.Status())
}

func (h *KioskHandler) StartSession(c *gin.Context) {
	var req dto.StartSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, bindError(err))
			return
		}
	}

	st, err := h.runner.StartSession(c.Request.Context(), kiosk.SessionOptions{
		ClaimedID: req.ClaimedID,
		Direction: models.Direction(strings.ToUpper(req.Direction)),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *KioskHandler) StartEnrollment(c *gin.Context) {
	var req dto.StartEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	st, err := h.runner.StartEnrollment(c.Request.Context(), kiosk.EnrollRequest{
		ExternalID:  req.ExternalID,
		DisplayName: req.DisplayName,
		Reenroll:    req.Reenroll,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *KioskHandler) ManualReview(c *gin.Context) {
	var req dto.ManualReviewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, bindError(err))
			return
		}
	}

	out, err := h.runner.RequestManualReview(c.Request.Context(), req.CandidateID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

// Undo cancels the attendance the kiosk just recorded.
func (h *KioskHandler) Undo(c *gin.Context) {
	var req dto.UndoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	ev, err := h.runner.UndoLast(c.Request.Context(), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewEventResponse(*ev))
}

func (h *KioskHandler) Cancel(c *gin.Context) {
	h.runner.Cancel()
	c.Status(http.StatusNoContent)
}
