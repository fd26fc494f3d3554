package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/models"
)

// respondError writes err as {"error", "code"} with a status derived from
// its kind. Only server-side failures are logged.
func respondError(c *gin.Context, err error) {
	kind := models.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": models.UserMessage(err), "code": kind})
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation, models.KindNoFaceDetected, models.KindMultipleFaces, models.KindProcessingFailed:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindUnauthorized:
		return http.StatusForbidden
	case models.KindStorage, models.KindModelLoadFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondError(c, models.Validation(fmt.Sprintf("invalid %s", name)))
		return uuid.Nil, false
	}
	return id, true
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// pageLimit bounds a list request; zero or negative picks the default.
func pageLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

// parseTime accepts RFC 3339 timestamps; an empty string is no bound.
func parseTime(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, models.Validation(fmt.Sprintf("%s must be an RFC 3339 timestamp", field))
	}
	return &t, nil
}

func parseOptionalUUID(field, value string) (*uuid.UUID, error) {
	if value == "" {
		return nil, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, models.Validation(fmt.Sprintf("invalid %s", field))
	}
	return &id, nil
}

func bindError(err error) error {
	return models.Validation(err.Error())
}
