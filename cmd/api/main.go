package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/your-org/checkpoint/internal/api"
	"github.com/your-org/checkpoint/internal/api/ws"
	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/auth"
	"github.com/your-org/checkpoint/internal/config"
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
	port := flag.Int("port", 0, "HTTP port (overrides server.port)")
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
	logger.Info("starting checkpoint API service", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		logger.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		logger.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		logger.Warn("ensure minio bucket", "error", err)
	}

	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		logger.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		logger.Warn("ensure nats streams", "error", err)
	}

	var authorizer attendance.Authorizer
	if cfg.Attendance.RequireAdminAuth {
		authorizer = auth.NewAdminAuthorizer(cfg.Server.AdminTokens, logger)
	}

	seq := attendance.NewSequencer(db, attendance.Options{
		Authorizer:      authorizer,
		Notifier:        producer,
		MinDeleteReason: cfg.Attendance.MinDeleteReason,
	}, logger)

	pending := review.NewQueue(db, minioStore, seq, db, review.Options{
		ExpireAfter: cfg.Review.ExpireAfter,
		Retention:   cfg.Review.Retention,
		Notifier:    producer,
	}, logger)

	// WebSocket hub fed from the LEDGER stream
	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		logger.Error("create ledger consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	if err := consumer.ConsumeLedger(ctx, "api-ledger", hub.HandleNotification); err != nil {
		logger.Warn("start ledger consumer", "error", err)
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Review.SweepSchedule, func() { sweep(ctx, pending, logger) }); err != nil {
		logger.Error("schedule review sweep", "schedule", cfg.Review.SweepSchedule, "error", err)
		os.Exit(1)
	}
	sweeper.Start()
	sweep(ctx, pending, logger)

	routerCfg := api.RouterConfig{
		APIKey:     cfg.Server.APIKey,
		DB:         db,
		MinIO:      minioStore,
		Producer:   producer,
		Identities: db,
		Threshold:  cfg.Matching.MatchThreshold,
		Ledger:     seq,
		Audit:      db,
		Pending:    pending,
		Evidence:   minioStore,
		Hub:        hub,
	}

	// Enrollment from uploads and face search need the models; without them
	// the rest of the API still serves.
	if err := vision.InitRuntime(os.Getenv("ONNXRUNTIME_LIB")); err != nil {
		logger.Warn("onnx runtime unavailable, enrollment and search disabled", "error", err)
	} else {
		defer func() { _ = vision.ShutdownRuntime() }()
		factory := kiosk.NewONNXFactory(cfg.Vision, logger)
		routerCfg.Resources = factory
		routerCfg.Enroller = kiosk.NewEnroller(factory, db, db, kiosk.EnrollerOptions{
			Plan: kiosk.PlanFrom(cfg.Enrollment),
			Pose: liveness.ConfigFrom(cfg.Liveness).Thresholds,
			Thresholds: matching.Thresholds{
				Match:      float32(cfg.Matching.MatchThreshold),
				Attendance: float32(cfg.Matching.AttendanceThreshold),
			},
		}, logger)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down API server...")
	<-sweeper.Stop().Done()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("API server stopped")
}

func sweep(ctx context.Context, q *review.Queue, logger *slog.Logger) {
	report, err := q.Sweep(ctx)
	if err != nil {
		logger.Error("review sweep failed", "error", err)
		return
	}
	logger.Info("review sweep finished",
		"expired", report.Expired,
		"photos_purged", report.PhotosPurged,
		"records_purged", report.RecordsPurged,
		"photo_failures", report.PhotoFailures,
	)
}
