package kiosk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/liveness"
	"github.com/your-org/checkpoint/internal/matching"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/observability"
	"github.com/your-org/checkpoint/internal/review"
	"github.com/your-org/checkpoint/internal/vision"
)

const (
	defaultSessionTimeout        = 30 * time.Second
	defaultMaxProcessingFailures = 5
	evidenceQuality              = 85
)

// Frame is one captured camera image. JPEG, when set, is the encoded frame
// as delivered by the source and is stored as evidence verbatim.
type Frame struct {
	Seq   uint64
	At    time.Time
	Image image.Image
	JPEG  []byte
}

// Gallery is the read side of the identity store.
type Gallery interface {
	Gallery(ctx context.Context) ([]models.Identity, error)
	ResolveCandidate(ctx context.Context, candidateID string) (*models.Identity, error)
}

// Recorder is the attendance sequencer as seen by a session.
type Recorder interface {
	RecordAttendance(ctx context.Context, identityID uuid.UUID, matchConfidence, livenessScore float32, challenge models.ChallengeType) (*models.AttendanceEvent, error)
	Record(ctx context.Context, req attendance.RecordRequest) (*models.AttendanceEvent, error)
	NextDirection(ctx context.Context, identityID uuid.UUID) (models.Direction, error)
	CancelLast(ctx context.Context, identityID, expected uuid.UUID, reason string) (*models.AttendanceEvent, error)
}

type PendingQueue interface {
	Enqueue(ctx context.Context, req review.EnqueueRequest) (*models.PendingRecord, error)
}

// Deps wires sessions to models, stores and policy. SessionTimeout bounds a
// whole session including recognition; MaxProcessingFailures is how many
// consecutive failed embeddings end the recognition phase.
type Deps struct {
	Resources             ResourceFactory
	Gallery               Gallery
	Attendance            Recorder
	Pending               PendingQueue
	Liveness              liveness.Config
	Thresholds            matching.Thresholds
	SessionTimeout        time.Duration
	MaxProcessingFailures int
	Now                   func() time.Time
	Rand                  *rand.Rand
	Logger                *slog.Logger
}

func (d *Deps) defaults() {
	if d.SessionTimeout <= 0 {
		d.SessionTimeout = defaultSessionTimeout
	}
	if d.MaxProcessingFailures <= 0 {
		d.MaxProcessingFailures = defaultMaxProcessingFailures
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Thresholds == (matching.Thresholds{}) {
		d.Thresholds = matching.DefaultThresholds()
	}
}

// SessionOptions selects the recognition path. A ClaimedID (typed by the
// user) switches to 1:1 verification against that identity; Direction, when
// set, is requested explicitly and a conflict with the ledger is surfaced.
type SessionOptions struct {
	ClaimedID string           `json:"claimed_id,omitempty"`
	Direction models.Direction `json:"direction,omitempty"`
}

type Phase string

const (
	PhaseLiveness    Phase = "LIVENESS"
	PhaseRecognizing Phase = "RECOGNIZING"
	PhaseDone        Phase = "DONE"
)

type OutcomeKind string

const (
	OutcomeInProgress OutcomeKind = "IN_PROGRESS"
	OutcomeRecorded   OutcomeKind = "RECORDED"
	OutcomeQueued     OutcomeKind = "QUEUED"
	OutcomeRejected   OutcomeKind = "REJECTED"
	OutcomeCancelled  OutcomeKind = "CANCELLED"
	OutcomeFailed     OutcomeKind = "FAILED"
)

func (k OutcomeKind) Final() bool {
	return k != OutcomeInProgress
}

// Outcome is the result of one frame or, when Kind is final, of the session.
// Err carries the error kind behind a rejection or a per-frame status.
type Outcome struct {
	Kind     OutcomeKind             `json:"kind"`
	Code     models.ErrorKind        `json:"code,omitempty"`
	Message  string                  `json:"message"`
	Identity *models.Identity        `json:"identity,omitempty"`
	Event    *models.AttendanceEvent `json:"event,omitempty"`
	Pending  *models.PendingRecord   `json:"pending,omitempty"`
	Score    float32                 `json:"score,omitempty"`
	Err      error                   `json:"-"`
}

// Status is the pollable view of a session.
type Status struct {
	ID        uuid.UUID         `json:"id"`
	Phase     Phase             `json:"phase"`
	Liveness  liveness.Progress `json:"liveness"`
	Message   string            `json:"message"`
	Faces     int               `json:"faces"`
	StartedAt time.Time         `json:"started_at"`
	Outcome   *Outcome          `json:"outcome,omitempty"`
}

// Session runs liveness then recognition for one person. ProcessFrame is
// called by a single consumer; Status and Cancel may be called from any
// goroutine.
type Session struct {
	id     uuid.UUID
	deps   Deps
	opts   SessionOptions
	res    *Resources
	engine *liveness.Engine
	logger *slog.Logger

	mu       sync.Mutex
	phase    Phase
	started  time.Time
	last     Frame
	failures int
	final    *Outcome
	pool     []models.Identity

	stateMu sync.Mutex
	status  Status

	closeOnce sync.Once
}

// NewSession opens the session's resources and issues a liveness challenge.
// A ModelLoadFailed error means no session was started.
func NewSession(ctx context.Context, deps Deps, opts SessionOptions) (*Session, error) {
	deps.defaults()
	if opts.Direction != "" && !opts.Direction.Valid() {
		return nil, models.Validation(fmt.Sprintf("unknown direction %q", opts.Direction))
	}
	opts.ClaimedID = strings.TrimSpace(opts.ClaimedID)

	res, err := deps.Resources.Open(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := deps.Logger.With("component", "session", "session_id", id)
	engine := liveness.NewEngine(deps.Liveness, deps.Rand, logger)
	now := deps.Now()
	progress, err := engine.Start(now)
	if err != nil {
		res.Close()
		return nil, err
	}

	s := &Session{
		id:      id,
		deps:    deps,
		opts:    opts,
		res:     res,
		engine:  engine,
		logger:  logger,
		phase:   PhaseLiveness,
		started: now,
		status: Status{
			ID:        id,
			Phase:     PhaseLiveness,
			Liveness:  progress,
			Message:   progress.Instruction,
			StartedAt: now,
		},
	}
	observability.ActiveSessions.Inc()
	logger.Info("session started", "challenge", progress.Challenge, "claimed", opts.ClaimedID != "")
	return s, nil
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Status() Status {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.status
	st.Liveness = s.engine.Snapshot()
	return st
}

// Done reports whether the session reached a final outcome.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final != nil
}

// ProcessFrame advances the session by one frame. Per-frame problems come
// back as an in-progress Outcome; the returned error is set only when the
// session failed on a storage or model error.
func (s *Session) ProcessFrame(ctx context.Context, f Frame) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.final != nil {
		return *s.final, nil
	}
	observability.FramesProcessed.Inc()
	s.last = f

	if out, done := s.checkTimeout(f.At); done {
		return out, nil
	}

	faces, err := s.res.Locator.Locate(f.Image)
	if err != nil {
		if models.Recoverable(err) {
			return s.progress(0, err), nil
		}
		return s.fail(err)
	}

	if s.phase == PhaseLiveness {
		p := s.engine.Observe(faces, f.At)
		verified, lerr := s.engine.Outcome()
		if lerr != nil {
			return s.finish(Outcome{Kind: OutcomeRejected, Err: lerr}), nil
		}
		if !verified {
			return s.progress(len(faces), faceCountErr(len(faces)), p.Instruction), nil
		}
		s.phase = PhaseRecognizing
		s.logger.Debug("liveness verified", "score", s.engine.Score())
	}

	return s.recognize(ctx, f, faces)
}

func (s *Session) recognize(ctx context.Context, f Frame, faces []models.DetectedFace) (Outcome, error) {
	if err := faceCountErr(len(faces)); err != nil {
		return s.progress(len(faces), err), nil
	}
	face := faces[0]

	tracked := s.engine.Snapshot().TrackingID
	if tracked != nil && face.TrackingID != nil && *tracked != *face.TrackingID {
		return s.finish(Outcome{
			Kind: OutcomeRejected,
			Err:  models.ErrLivenessFailed.WithMessage("a different face appeared after the challenge"),
		}), nil
	}

	emb, err := s.res.Extractor.Embed(vision.Crop(f.Image, face.Box))
	if err != nil {
		return s.embedFailure(ctx, err)
	}
	s.failures = 0

	if s.opts.ClaimedID != "" {
		return s.verifyClaim(ctx, emb)
	}
	return s.identify(ctx, emb)
}

// identify is the 1:N path.
func (s *Session) identify(ctx context.Context, emb models.Embedding) (Outcome, error) {
	pool, err := s.gallery(ctx)
	if err != nil {
		return s.fail(err)
	}

	best, ok := matching.Best(emb, pool)
	if !ok {
		return s.finish(Outcome{Kind: OutcomeRejected, Err: models.ErrFaceNotRecognized}), nil
	}

	switch s.deps.Thresholds.Decide(best.Score) {
	case matching.AutoRecord:
		return s.record(ctx, best.Identity, best.Score)
	case matching.Review:
		return s.enqueue(ctx, best.Identity.ExternalID, &best.Identity, models.ReasonFacialFailed, best.Score)
	default:
		return s.finish(Outcome{Kind: OutcomeRejected, Err: models.ErrFaceNotRecognized, Score: best.Score}), nil
	}
}

// verifyClaim is the 1:1 path for a typed identity. Anything short of an
// automatic match goes to review under the claimed id.
func (s *Session) verifyClaim(ctx context.Context, emb models.Embedding) (Outcome, error) {
	ident, err := s.deps.Gallery.ResolveCandidate(ctx, s.opts.ClaimedID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && !ident.Active) {
		return s.enqueue(ctx, s.opts.ClaimedID, nil, models.ReasonNotEnrolled, 0)
	}
	if err != nil {
		return s.fail(err)
	}

	var score float32
	if best, ok := matching.Best(emb, []models.Identity{*ident}); ok {
		score = best.Score
	}
	if s.deps.Thresholds.Decide(score) == matching.AutoRecord {
		return s.record(ctx, *ident, score)
	}
	return s.enqueue(ctx, s.opts.ClaimedID, ident, models.ReasonFacialFailed, score)
}

func (s *Session) record(ctx context.Context, ident models.Identity, score float32) (Outcome, error) {
	challenge := s.engine.Snapshot().Challenge
	liveScore := s.engine.Score()

	var (
		ev  *models.AttendanceEvent
		err error
	)
	if s.opts.Direction != "" {
		ev, err = s.deps.Attendance.Record(ctx, attendance.RecordRequest{
			IdentityID:      ident.ID,
			Direction:       s.opts.Direction,
			MatchConfidence: score,
			LivenessScore:   liveScore,
			Challenge:       challenge,
			Source:          models.SourceAuto,
		})
	} else {
		ev, err = s.deps.Attendance.RecordAttendance(ctx, ident.ID, score, liveScore, challenge)
	}
	if err != nil {
		if models.KindOf(err) == models.KindValidation {
			return s.finish(Outcome{Kind: OutcomeRejected, Err: err, Identity: &ident, Score: score}), nil
		}
		return s.fail(err)
	}

	return s.finish(Outcome{
		Kind:     OutcomeRecorded,
		Message:  recordedMessage(ev.Direction, ident.DisplayName),
		Identity: &ident,
		Event:    ev,
		Score:    score,
	}), nil
}

func (s *Session) enqueue(ctx context.Context, candidateID string, ident *models.Identity, reason models.PendingReason, score float32) (Outcome, error) {
	dir := s.opts.Direction
	name := ""
	if ident != nil {
		name = ident.DisplayName
		if dir == "" {
			next, err := s.deps.Attendance.NextDirection(ctx, ident.ID)
			if err != nil {
				return s.fail(err)
			}
			dir = next
		}
	}
	if dir == "" {
		dir = models.DirectionEntry
	}

	at := s.last.At
	if at.IsZero() {
		at = s.deps.Now()
	}
	rec, err := s.deps.Pending.Enqueue(ctx, review.EnqueueRequest{
		CandidateID:  candidateID,
		ResolvedName: name,
		Direction:    dir,
		Timestamp:    at,
		Reason:       reason,
		MatchScore:   score,
		Evidence:     s.evidence(),
	})
	if err != nil {
		if models.KindOf(err) == models.KindValidation {
			return s.finish(Outcome{Kind: OutcomeRejected, Err: err, Identity: ident, Score: score}), nil
		}
		return s.fail(err)
	}

	return s.finish(Outcome{
		Kind:     OutcomeQueued,
		Message:  "Sent for supervisor review.",
		Identity: ident,
		Pending:  rec,
		Score:    score,
	}), nil
}

// embedFailure tolerates transient extractor errors until the budget runs
// out; a claimed session then falls back to review.
func (s *Session) embedFailure(ctx context.Context, err error) (Outcome, error) {
	if !models.Recoverable(err) {
		return s.fail(err)
	}
	s.failures++
	if s.failures < s.deps.MaxProcessingFailures {
		return s.progress(1, err), nil
	}
	if s.opts.ClaimedID != "" {
		ident, rerr := s.deps.Gallery.ResolveCandidate(ctx, s.opts.ClaimedID)
		if rerr != nil {
			ident = nil
		}
		return s.enqueue(ctx, s.opts.ClaimedID, ident, models.ReasonTechnicalIssue, 0)
	}
	return s.finish(Outcome{Kind: OutcomeRejected, Err: err}), nil
}

// RequestManualReview sends the session to a supervisor under candidateID,
// or the claimed id when candidateID is empty. It is allowed while the
// session runs and after a rejection.
func (s *Session) RequestManualReview(ctx context.Context, candidateID string) (Outcome, error) {
	s.engine.Cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.final != nil && s.final.Kind != OutcomeRejected {
		return *s.final, models.Validation("this session already finished")
	}
	candidateID = strings.TrimSpace(candidateID)
	if candidateID == "" {
		candidateID = s.opts.ClaimedID
	}
	if candidateID == "" {
		return Outcome{}, models.Validation("enter your id to request a manual review")
	}

	var ident *models.Identity
	found, err := s.deps.Gallery.ResolveCandidate(ctx, candidateID)
	switch {
	case err == nil:
		ident = found
	case !errors.Is(err, models.ErrNotFound):
		return s.fail(err)
	}

	var score float32
	if s.final != nil {
		score = s.final.Score
		s.final = nil
	}
	return s.enqueue(ctx, candidateID, ident, models.ReasonManualRequest, score)
}

// Tick applies timeouts when no frame arrives.
func (s *Session) Tick(now time.Time) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.final != nil {
		return *s.final
	}
	if out, done := s.checkTimeout(now); done {
		return out
	}
	return Outcome{Kind: OutcomeInProgress}
}

func (s *Session) checkTimeout(now time.Time) (Outcome, bool) {
	if s.phase == PhaseLiveness {
		s.engine.Tick(now)
		if _, err := s.engine.Outcome(); err != nil {
			return s.finish(Outcome{Kind: OutcomeRejected, Err: err}), true
		}
	}
	if now.Sub(s.started) > s.deps.SessionTimeout {
		return s.finish(Outcome{
			Kind: OutcomeRejected,
			Err:  models.ErrNoFaceDetected.WithMessage("Session timed out before a face could be recognized"),
		}), true
	}
	return Outcome{}, false
}

// Cancel aborts the session; the liveness challenge ends as Failed.
func (s *Session) Cancel() {
	s.engine.Cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final == nil {
		s.finish(Outcome{Kind: OutcomeCancelled, Message: "Scan cancelled."})
	}
}

// Close releases the session's resources. It is safe to call repeatedly and
// on every exit path.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.res.Close()
		observability.ActiveSessions.Dec()
	})
}

func (s *Session) gallery(ctx context.Context) ([]models.Identity, error) {
	if s.pool != nil {
		return s.pool, nil
	}
	pool, err := s.deps.Gallery.Gallery(ctx)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = []models.Identity{}
	}
	s.pool = pool
	return pool, nil
}

func (s *Session) evidence() []byte {
	if len(s.last.JPEG) > 0 {
		return s.last.JPEG
	}
	if s.last.Image == nil {
		return nil
	}
	data, err := vision.EncodeJPEG(s.last.Image, evidenceQuality)
	if err != nil {
		s.logger.Warn("encode evidence", "error", err)
		return nil
	}
	return data
}

func (s *Session) progress(faces int, err error, instruction ...string) Outcome {
	out := Outcome{Kind: OutcomeInProgress, Err: err}
	if err != nil {
		out.Code = models.KindOf(err)
		out.Message = models.UserMessage(err)
	} else if len(instruction) > 0 {
		out.Message = instruction[0]
	}

	s.stateMu.Lock()
	s.status.Phase = s.phase
	s.status.Faces = faces
	if out.Message != "" {
		s.status.Message = out.Message
	}
	s.stateMu.Unlock()
	return out
}

// finish records the final outcome and releases the resources early; the
// owner still calls Close.
func (s *Session) finish(out Outcome) Outcome {
	if out.Err != nil {
		out.Code = models.KindOf(out.Err)
		if out.Message == "" {
			out.Message = models.UserMessage(out.Err)
		}
	}
	s.final = &out
	s.phase = PhaseDone
	s.engine.Cancel()
	s.res.Close()

	s.stateMu.Lock()
	s.status.Phase = PhaseDone
	s.status.Message = out.Message
	final := out
	s.status.Outcome = &final
	s.stateMu.Unlock()

	s.logger.Info("session finished",
		"outcome", out.Kind,
		"code", out.Code,
		"score", out.Score,
		"elapsed", s.deps.Now().Sub(s.started),
	)
	return out
}

func (s *Session) fail(err error) (Outcome, error) {
	out := s.finish(Outcome{Kind: OutcomeFailed, Err: err})
	return out, err
}

func faceCountErr(n int) error {
	switch {
	case n == 0:
		return models.ErrNoFaceDetected
	case n > 1:
		return models.ErrMultipleFaces
	}
	return nil
}

func recordedMessage(dir models.Direction, name string) string {
	if dir == models.DirectionExit {
		return fmt.Sprintf("Goodbye, %s. Check-out recorded.", name)
	}
	return fmt.Sprintf("Welcome, %s. Check-in recorded.", name)
}
