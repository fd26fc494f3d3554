package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/checkpoint/internal/api/handlers"
	"github.com/your-org/checkpoint/internal/api/ws"
	"github.com/your-org/checkpoint/internal/auth"
	"github.com/your-org/checkpoint/internal/kiosk"
)

// RouterConfig wires handlers to their stores. Kiosk and Hub are optional;
// the matching routes are only mounted when they are set.
type RouterConfig struct {
	APIKey string

	DB       handlers.ContextPinger
	MinIO    handlers.ContextPinger
	Producer handlers.Pinger

	Identities handlers.IdentityStore
	Enroller   handlers.Enroller
	Resources  kiosk.ResourceFactory
	Threshold  float64

	Ledger   handlers.Ledger
	Audit    handlers.AuditReader
	Pending  handlers.PendingQueue
	Evidence handlers.EvidenceReader

	Kiosk handlers.KioskController
	Hub   *ws.Hub
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(cfg.APIKey))

	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	identH := handlers.NewIdentityHandler(cfg.Identities, cfg.Enroller, cfg.Resources, cfg.Threshold)
	v1.GET("/identities", identH.List)
	v1.POST("/identities", identH.Enroll)
	v1.POST("/identities/search", identH.Search)
	v1.GET("/identities/:id", identH.Get)
	v1.POST("/identities/:id/deactivate", identH.Deactivate)
	v1.POST("/identities/:id/reactivate", identH.Reactivate)

	attH := handlers.NewAttendanceHandler(cfg.Ledger, cfg.Audit)
	v1.GET("/attendance", attH.List)
	v1.POST("/attendance/force", attH.Force)
	v1.PATCH("/attendance/:id", attH.Adjust)
	v1.DELETE("/attendance/:id", attH.Delete)
	v1.GET("/audit", attH.Audit)

	pendH := handlers.NewPendingHandler(cfg.Pending, cfg.Evidence)
	v1.GET("/pending", pendH.List)
	v1.GET("/pending/:id", pendH.Get)
	v1.GET("/pending/:id/evidence", pendH.Evidence)
	v1.POST("/pending/:id/review", pendH.Review)

	if cfg.Kiosk != nil {
		kioskH := handlers.NewKioskHandler(cfg.Kiosk)
		v1.GET("/kiosk", kioskH.Status)
		v1.POST("/kiosk/session", kioskH.StartSession)
		v1.POST("/kiosk/enrollment", kioskH.StartEnrollment)
		v1.POST("/kiosk/manual-review", kioskH.ManualReview)
		v1.POST("/kiosk/undo", kioskH.Undo)
		v1.POST("/kiosk/cancel", kioskH.Cancel)
	}

	return r
}
