package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type ContextPinger interface {
	Ping(ctx context.Context) error
}

type Pinger interface {
	Ping() error
}

type SystemHandler struct {
	db       ContextPinger
	minio    ContextPinger
	producer Pinger
}

// NewSystemHandler takes the backing services to check. A nil producer is
// skipped, for deployments without NATS.
func NewSystemHandler(db, minio ContextPinger, producer Pinger) *SystemHandler {
	return &SystemHandler{db: db, minio: minio, producer: producer}
}

func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SystemHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	check := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}

	check("postgres", h.db.Ping(ctx))
	check("minio", h.minio.Ping(ctx))
	if h.producer != nil {
		check("nats", h.producer.Ping())
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
		"checks": checks,
	})
}
