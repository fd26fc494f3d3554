package liveness

import (
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/your-org/checkpoint/internal/config"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/observability"
	"github.com/your-org/checkpoint/internal/vision"
)

// Engine runs one challenge per session. Safe for concurrent use: the frame
// loop calls Observe while the presentation layer polls Snapshot.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	rng      *rand.Rand
	progress Progress
	logger   *slog.Logger
}

func NewEngine(cfg Config, rng *rand.Rand, logger *slog.Logger) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Engine{
		cfg:    cfg,
		rng:    rng,
		logger: logger.With("component", "liveness"),
	}
}

// Start issues a fresh challenge, discarding any previous one.
func (e *Engine) Start(now time.Time) (Progress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	challenge, err := Select(e.rng, e.cfg.Challenges)
	if err != nil {
		return Progress{}, err
	}
	e.progress = Issue(challenge, now)
	e.logger.Debug("challenge issued", "challenge", challenge)
	return e.progress, nil
}

// Observe feeds one frame's faces and returns the updated progress.
func (e *Engine) Observe(faces []models.DetectedFace, at time.Time) Progress {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.progress.State
	e.progress = Step(e.progress, Observation{Faces: faces, At: at}, e.cfg)
	e.finished(before)
	return e.progress
}

// Tick applies the timeout without a frame, for when the camera stalls.
func (e *Engine) Tick(now time.Time) Progress {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.progress.State
	e.progress = Expire(e.progress, now, e.cfg)
	e.finished(before)
	return e.progress
}

// Cancel aborts an unfinished challenge as Failed.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.progress.State
	e.progress = Cancel(e.progress, "cancelled")
	e.finished(before)
}

func (e *Engine) Snapshot() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Outcome returns verified=true once the challenge passed, the liveness error
// for a failed or timed-out challenge, and (false, nil) while still running.
func (e *Engine) Outcome() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return outcome(e.progress)
}

func outcome(p Progress) (bool, error) {
	switch p.State {
	case Verified:
		return true, nil
	case Failed:
		return false, models.ErrLivenessFailed.WithMessage("Liveness check failed: " + p.Reason)
	case TimedOut:
		return false, models.ErrLivenessTimedOut
	}
	return false, nil
}

// Score is the liveness score of a verified challenge, zero otherwise.
func (e *Engine) Score() float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.progress.State != Verified {
		return 0
	}
	return e.progress.Score()
}

func (e *Engine) finished(before State) {
	p := e.progress
	if before.Terminal() || !p.State.Terminal() {
		return
	}
	observability.LivenessResults.WithLabelValues(string(p.Challenge), p.State.String()).Inc()
	e.logger.Info("challenge finished",
		"challenge", p.Challenge,
		"state", p.State.String(),
		"frames", p.Frames,
		"reason", p.Reason,
	)
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.LivenessConfig) Config {
	cfg := Config{
		Timeout:           c.Timeout,
		ConsecutiveFrames: c.ConsecutiveFrames,
		BlinkCycles:       c.BlinkCycles,
		Thresholds: vision.Thresholds{
			EyesClosedMax: float32(c.EyesClosedMax),
			EyesOpenMin:   float32(c.EyesOpenMin),
			TurnYaw:       float32(c.TurnYawDegrees),
			Forward:       float32(c.ForwardDegrees),
		},
	}
	for _, ch := range c.Challenges {
		cfg.Challenges = append(cfg.Challenges, models.ChallengeType(strings.ToUpper(ch)))
	}
	return cfg
}
