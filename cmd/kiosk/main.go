package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/your-org/checkpoint/internal/api"
	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/auth"
	"github.com/your-org/checkpoint/internal/config"
	"github.com/your-org/checkpoint/internal/ingest"
	"github.com/your-org/checkpoint/internal/kiosk"
	"github.com/your-org/checkpoint/internal/liveness"
	"github.com/your-org/checkpoint/internal/matching"
	"github.com/your-org/checkpoint/internal/observability"
	"github.com/your-org/checkpoint/internal/queue"
	"github.com/your-org/checkpoint/internal/review"
	"github.com/your-org/checkpoint/internal/storage"
	"github.com/your-org/checkpoint/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	port := flag.Int("port", 0, "control API port (overrides server.port)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting checkpoint kiosk", "device", cfg.Capture.Device, "fps", cfg.Capture.FPS)

	if err := run(cfg, logger); err != nil {
		logger.Error("kiosk stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("kiosk stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := vision.InitRuntime(os.Getenv("ONNXRUNTIME_LIB")); err != nil {
		return err
	}
	defer func() {
		if err := vision.ShutdownRuntime(); err != nil {
			logger.Warn("shutdown onnx runtime", "error", err)
		}
	}()

	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()

	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		return fmt.Errorf("connect to minio: %w", err)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		logger.Warn("ensure minio bucket", "error", err)
	}

	// The kiosk keeps working without NATS; only change notifications stop.
	var (
		ledgerNotifier  attendance.Notifier
		pendingNotifier review.Notifier
	)
	routerCfg := api.RouterConfig{}
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		logger.Warn("nats unavailable, ledger notifications disabled", "error", err)
	} else {
		defer producer.Close()
		if err := producer.EnsureStreams(ctx); err != nil {
			logger.Warn("ensure nats streams", "error", err)
		}
		ledgerNotifier, pendingNotifier = producer, producer
		routerCfg.Producer = producer
	}

	var authorizer attendance.Authorizer
	if cfg.Attendance.RequireAdminAuth {
		authorizer = auth.NewAdminAuthorizer(cfg.Server.AdminTokens, logger)
	}

	seq := attendance.NewSequencer(db, attendance.Options{
		Authorizer:      authorizer,
		Notifier:        ledgerNotifier,
		MinDeleteReason: cfg.Attendance.MinDeleteReason,
	}, logger)

	pending := review.NewQueue(db, minioStore, seq, db, review.Options{
		ExpireAfter: cfg.Review.ExpireAfter,
		Retention:   cfg.Review.Retention,
		Notifier:    pendingNotifier,
	}, logger)

	thresholds := matching.Thresholds{
		Match:      float32(cfg.Matching.MatchThreshold),
		Attendance: float32(cfg.Matching.AttendanceThreshold),
	}
	livenessCfg := liveness.ConfigFrom(cfg.Liveness)
	factory := kiosk.NewONNXFactory(cfg.Vision, logger)

	enroller := kiosk.NewEnroller(factory, db, db, kiosk.EnrollerOptions{
		Plan:       kiosk.PlanFrom(cfg.Enrollment),
		Pose:       livenessCfg.Thresholds,
		Thresholds: thresholds,
	}, logger)

	runner := kiosk.NewRunner(kiosk.Deps{
		Resources:      factory,
		Gallery:        db,
		Attendance:     seq,
		Pending:        pending,
		Liveness:       livenessCfg,
		Thresholds:     thresholds,
		SessionTimeout: cfg.Capture.SessionTimeout,
		Logger:         logger,
	}, enroller, logger)

	routerCfg.APIKey = cfg.Server.APIKey
	routerCfg.DB = db
	routerCfg.MinIO = minioStore
	routerCfg.Identities = db
	routerCfg.Enroller = enroller
	routerCfg.Resources = factory
	routerCfg.Threshold = cfg.Matching.MatchThreshold
	routerCfg.Ledger = seq
	routerCfg.Audit = db
	routerCfg.Pending = pending
	routerCfg.Evidence = minioStore
	routerCfg.Kiosk = runner

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	camera := ingest.NewCamera(cfg.Capture, logger)
	frames := make(chan kiosk.Frame, 1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return camera.Run(ctx, frames)
	})
	g.Go(func() error {
		return runner.Run(ctx, frames)
	})
	g.Go(func() error {
		logger.Info("kiosk control API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down kiosk...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
