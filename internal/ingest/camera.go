package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/your-org/checkpoint/internal/config"
	"github.com/your-org/checkpoint/internal/kiosk"
	"github.com/your-org/checkpoint/internal/vision"
)

type extractFunc func(ctx context.Context, src Source, callback FrameCallback) error

// Camera feeds decoded frames to the kiosk, restarting FFmpeg with
// exponential backoff when the device drops out.
type Camera struct {
	src        Source
	extract    extractFunc
	maxRetries int
	baseDelay  time.Duration
	now        func() time.Time
	seq        atomic.Uint64
	logger     *slog.Logger
}

func NewCamera(cfg config.CaptureConfig, logger *slog.Logger) *Camera {
	logger = logger.With("component", "camera", "device", cfg.Device)
	return &Camera{
		src: Source{
			Device:      cfg.Device,
			InputFormat: cfg.InputFormat,
			FPS:         cfg.FPS,
			Width:       cfg.Width,
		},
		extract: func(ctx context.Context, src Source, cb FrameCallback) error {
			return NewFFmpegExtractor(logger).StartExtraction(ctx, src, cb)
		},
		maxRetries: 3,
		baseDelay:  time.Second,
		now:        time.Now,
		logger:     logger,
	}
}

// Run delivers frames to out until ctx is cancelled, the input ends, or the
// device keeps failing after the retries. out is closed on return.
func (c *Camera) Run(ctx context.Context, out chan<- kiosk.Frame) error {
	defer close(out)

	c.logger.Info("camera started", "fps", c.src.FPS, "width", c.src.Width)
	defer c.logger.Info("camera stopped")

	attempt := 0
	for {
		if attempt > 0 {
			delay := c.baseDelay << uint(attempt) // 2s, 4s, 8s
			c.logger.Warn("restarting camera", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}

		before := c.seq.Load()
		err := c.extract(ctx, c.src, func(data []byte) error {
			return c.deliver(ctx, data, out)
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		if c.seq.Load() > before {
			attempt = 0
		}
		c.logger.Error("camera capture failed", "attempt", attempt, "error", err)
		if attempt >= c.maxRetries {
			return fmt.Errorf("camera %s failed after %d retries: %w", c.src.Device, c.maxRetries, err)
		}
		attempt++
	}
}

func (c *Camera) deliver(ctx context.Context, data []byte, out chan<- kiosk.Frame) error {
	img, err := vision.DecodeImage(data)
	if err != nil {
		return err
	}
	f := kiosk.Frame{
		Seq:   c.seq.Add(1),
		At:    c.now(),
		Image: img,
		JPEG:  data,
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- f:
		return nil
	}
}
