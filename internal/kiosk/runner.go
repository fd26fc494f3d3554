package kiosk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/observability"
)

const defaultTickInterval = 500 * time.Millisecond

// RunnerStatus is what the kiosk screen polls. At most one of Session and
// Enrollment is active; the Last fields keep the previous result on screen.
type RunnerStatus struct {
	Session        *Status       `json:"session,omitempty"`
	Enrollment     *EnrollStatus `json:"enrollment,omitempty"`
	Last           *Outcome      `json:"last,omitempty"`
	LastEnrollment *EnrollStatus `json:"last_enrollment,omitempty"`
}

// Runner owns the single frame consumer. Frames offered while a frame is
// being processed are dropped, so sessions always see the latest image.
type Runner struct {
	deps     Deps
	enroller *Enroller
	tick     time.Duration
	logger   *slog.Logger

	gate chan Frame

	mu             sync.Mutex
	session        *Session
	enrollment     *Enrollment
	previous       *Session
	last           *Outcome
	lastEnrollment *EnrollStatus
	starting       bool
}

func NewRunner(deps Deps, enroller *Enroller, logger *slog.Logger) *Runner {
	deps.defaults()
	return &Runner{
		deps:     deps,
		enroller: enroller,
		tick:     defaultTickInterval,
		logger:   logger.With("component", "runner"),
		gate:     make(chan Frame),
	}
}

var errBusy = models.Validation("a session is already running")

// StartSession begins a recognition session. Models are loaded without
// holding the runner lock so Status and frame handling stay responsive.
func (r *Runner) StartSession(ctx context.Context, opts SessionOptions) (Status, error) {
	r.mu.Lock()
	if r.busy() {
		r.mu.Unlock()
		return Status{}, errBusy
	}
	r.starting = true
	r.mu.Unlock()

	s, err := NewSession(ctx, r.deps, opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.starting = false
	if err != nil {
		return Status{}, err
	}
	r.session = s
	r.previous = nil
	r.last = nil
	return s.Status(), nil
}

// StartEnrollment begins a guided enrollment capture.
func (r *Runner) StartEnrollment(ctx context.Context, req EnrollRequest) (EnrollStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enroller == nil {
		return EnrollStatus{}, models.Validation("enrollment is not available on this kiosk")
	}
	if r.busy() {
		return EnrollStatus{}, errBusy
	}
	en, err := r.enroller.Start(ctx, req)
	if err != nil {
		return EnrollStatus{}, err
	}
	r.enrollment = en
	r.lastEnrollment = nil
	return en.Status(), nil
}

// RequestManualReview sends the active or just-rejected session to review.
func (r *Runner) RequestManualReview(ctx context.Context, candidateID string) (Outcome, error) {
	r.mu.Lock()
	s := r.session
	if s == nil {
		s = r.previous
	}
	r.mu.Unlock()
	if s == nil {
		return Outcome{}, models.Validation("no session to review")
	}
	out, err := s.RequestManualReview(ctx, candidateID)
	if err == nil {
		r.settle(s)
	}
	return out, err
}

// UndoLast removes the event the previous session just recorded, for a
// person who was recognized by mistake.
func (r *Runner) UndoLast(ctx context.Context, reason string) (*models.AttendanceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil || r.last == nil || r.last.Kind != OutcomeRecorded || r.last.Event == nil {
		return nil, models.Validation("there is no recorded scan to undo")
	}
	if reason == "" {
		reason = "cancelled at the kiosk"
	}
	ev, err := r.deps.Attendance.CancelLast(ctx, r.last.Event.IdentityID, r.last.Event.ID, reason)
	if err != nil {
		return nil, err
	}
	r.logger.Info("scan undone", "event_id", ev.ID, "identity_id", ev.IdentityID)
	r.last = &Outcome{Kind: OutcomeCancelled, Message: "Your last scan was cancelled.", Identity: r.last.Identity}
	return ev, nil
}

// Cancel aborts whatever is running.
func (r *Runner) Cancel() {
	r.mu.Lock()
	s, en := r.session, r.enrollment
	r.mu.Unlock()

	if s != nil {
		s.Cancel()
		r.settle(s)
	}
	if en != nil {
		en.Cancel()
		r.settleEnrollment(en)
	}
}

func (r *Runner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st RunnerStatus
	if r.session != nil {
		s := r.session.Status()
		st.Session = &s
	}
	if r.enrollment != nil {
		e := r.enrollment.Status()
		st.Enrollment = &e
	}
	st.Last = r.last
	st.LastEnrollment = r.lastEnrollment
	return st
}

// Offer hands a frame to the consumer if it is idle and drops it otherwise.
func (r *Runner) Offer(f Frame) bool {
	select {
	case r.gate <- f:
		return true
	default:
		observability.FramesDropped.Inc()
		return false
	}
}

// Run pumps frames into the gate, consumes them one at a time and applies
// timeouts until ctx ends or frames closes. Any running session is
// cancelled on return.
func (r *Runner) Run(ctx context.Context, frames <-chan Frame) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case f, ok := <-frames:
				if !ok {
					return errFramesClosed
				}
				r.Offer(f)
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case f := <-r.gate:
				r.handle(ctx, f)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				r.timeouts(r.deps.Now())
			}
		}
	})

	err := g.Wait()
	r.Cancel()
	if errors.Is(err, context.Canceled) || errors.Is(err, errFramesClosed) {
		return nil
	}
	return err
}

var errFramesClosed = errors.New("frame source closed")

func (r *Runner) handle(ctx context.Context, f Frame) {
	r.mu.Lock()
	s, en := r.session, r.enrollment
	r.mu.Unlock()

	switch {
	case s != nil:
		out, err := s.ProcessFrame(ctx, f)
		if err != nil {
			r.logger.Error("session failed", "session_id", s.ID(), "error", err)
		}
		if out.Kind.Final() {
			r.settle(s)
		}
	case en != nil:
		st, err := en.ProcessFrame(ctx, f)
		if err != nil && !models.Recoverable(err) {
			r.logger.Error("enrollment failed", "error", err)
		}
		if st.Done {
			r.settleEnrollment(en)
		}
	}
}

func (r *Runner) timeouts(now time.Time) {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()

	if s != nil && s.Tick(now).Kind.Final() {
		r.settle(s)
	}
}

// settle closes a finished session and keeps its outcome for display.
func (r *Runner) settle(s *Session) {
	st := s.Status()
	if st.Outcome == nil {
		return
	}
	s.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == s {
		r.session = nil
		r.previous = s
	}
	if r.previous == s {
		r.last = st.Outcome
	}
}

func (r *Runner) settleEnrollment(en *Enrollment) {
	en.Close()
	st := en.Status()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enrollment == en {
		r.enrollment = nil
		r.lastEnrollment = &st
	}
}

func (r *Runner) busy() bool {
	return r.starting || r.session != nil || r.enrollment != nil
}
