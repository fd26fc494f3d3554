// Package attendance turns verified identities into an alternating
// ENTRY/EXIT ledger with an audit entry for every mutation.
package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/observability"
)

const DefaultMinDeleteReason = 10

type Options struct {
	// Authorizer gates Force, Delete and AdjustTimestamp. Nil allows all.
	Authorizer      Authorizer
	Notifier        Notifier
	MinDeleteReason int
	Now             func() time.Time
}

type Sequencer struct {
	store      Store
	authorizer Authorizer
	notifier   Notifier
	minReason  int
	now        func() time.Time
	logger     *slog.Logger
}

func NewSequencer(store Store, opts Options, logger *slog.Logger) *Sequencer {
	s := &Sequencer{
		store:      store,
		authorizer: opts.Authorizer,
		notifier:   opts.Notifier,
		minReason:  opts.MinDeleteReason,
		now:        opts.Now,
		logger:     logger.With("component", "sequencer"),
	}
	if s.minReason <= 0 {
		s.minReason = DefaultMinDeleteReason
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// RecordRequest describes an attendance event. A zero Direction means derive
// it from the ledger; a zero At means now. EventID fixes the new event's id so
// a caller can find it again after a failure; zero picks a random one.
type RecordRequest struct {
	EventID         uuid.UUID
	IdentityID      uuid.UUID
	Direction       models.Direction
	At              time.Time
	MatchConfidence float32
	LivenessScore   float32
	Challenge       models.ChallengeType
	Source          models.EventSource
	ActorID         string
	Metadata        map[string]any
}

// ForceRequest writes an event regardless of alternation.
type ForceRequest struct {
	IdentityID uuid.UUID
	Direction  models.Direction
	At         time.Time
	ActorID    string
	Reason     string
}

// RecordAttendance writes the next event for a live, verified subject.
func (s *Sequencer) RecordAttendance(ctx context.Context, identityID uuid.UUID, matchConfidence, livenessScore float32, challenge models.ChallengeType) (*models.AttendanceEvent, error) {
	return s.Record(ctx, RecordRequest{
		IdentityID:      identityID,
		MatchConfidence: matchConfidence,
		LivenessScore:   livenessScore,
		Challenge:       challenge,
		Source:          models.SourceAuto,
	})
}

// NextDirection returns the direction the next event for identityID takes.
func (s *Sequencer) NextDirection(ctx context.Context, identityID uuid.UUID) (models.Direction, error) {
	var dir models.Direction
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		last, err := tx.LastEvent(ctx, identityID)
		if err != nil {
			return err
		}
		dir = directionAfter(last)
		return nil
	})
	if err != nil {
		return "", storageErr("read last event", err)
	}
	return dir, nil
}

// Record writes an event and its CREATED audit entry in one transaction. An
// explicit direction that contradicts the ledger is a ValidationError.
func (s *Sequencer) Record(ctx context.Context, req RecordRequest) (*models.AttendanceEvent, error) {
	if req.Direction != "" && !req.Direction.Valid() {
		return nil, models.Validation(fmt.Sprintf("unknown direction %q", req.Direction))
	}
	if req.Source == "" {
		req.Source = models.SourceManual
	}

	ev := &models.AttendanceEvent{
		ID:              uuid.New(),
		IdentityID:      req.IdentityID,
		MatchConfidence: req.MatchConfidence,
		LivenessScore:   req.LivenessScore,
		Challenge:       req.Challenge,
		Source:          req.Source,
		SyncState:       models.SyncPending,
	}
	if req.EventID != uuid.Nil {
		ev.ID = req.EventID
	}
	backdated := !req.At.IsZero()

	var entry *models.AuditEntry
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.LockIdentity(ctx, req.IdentityID); err != nil {
			return err
		}
		// read the clock under the lock so timestamps follow commit order
		ev.CreatedAt = s.now().UTC()
		ev.Timestamp = ev.CreatedAt
		if backdated {
			ev.Timestamp = req.At.UTC()
		}

		var expected models.Direction
		if backdated {
			prev, next, err := tx.Neighbors(ctx, req.IdentityID, ev.Timestamp, uuid.Nil)
			if err != nil {
				return err
			}
			expected, err = slotDirection(prev, next, ev.Timestamp)
			if err != nil {
				return err
			}
		} else {
			last, err := tx.LastEvent(ctx, req.IdentityID)
			if err != nil {
				return err
			}
			if last != nil && !last.Timestamp.Before(ev.Timestamp) {
				return models.Validation("the latest attendance event is not in the past")
			}
			expected = directionAfter(last)
		}

		if req.Direction != "" && req.Direction != expected {
			return directionConflict(req.Direction)
		}
		ev.Direction = expected

		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}
		entry = newAudit(models.AuditCreated, &ev.ID, req.ActorID, "")
		entry.DetectedIdentityID = req.IdentityID.String()
		entry.Metadata = mergeMeta(req.Metadata, map[string]any{
			"direction":        string(ev.Direction),
			"source":           string(ev.Source),
			"match_confidence": ev.MatchConfidence,
			"liveness_score":   ev.LivenessScore,
			"challenge":        string(ev.Challenge),
		})
		return tx.InsertAudit(ctx, entry)
	})
	if err != nil {
		return nil, storageErr("record attendance", err)
	}

	s.committed(ctx, models.AuditCreated, *ev, *entry)
	return ev, nil
}

// Force writes an event bypassing the alternation check. It requires a
// reason and, when an Authorizer is configured, an authorized actor.
func (s *Sequencer) Force(ctx context.Context, req ForceRequest) (*models.AttendanceEvent, error) {
	if !req.Direction.Valid() {
		return nil, models.Validation("a forced event needs an explicit direction")
	}
	if err := s.authorize(ctx, req.ActorID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, models.Validation("a reason is required to force an attendance event")
	}

	now := s.now().UTC()
	at := now
	if !req.At.IsZero() {
		at = req.At.UTC()
	}
	ev := &models.AttendanceEvent{
		ID:              uuid.New(),
		IdentityID:      req.IdentityID,
		Timestamp:       at,
		Direction:       req.Direction,
		MatchConfidence: 1,
		LivenessScore:   1,
		Source:          models.SourceForced,
		SyncState:       models.SyncPending,
		CreatedAt:       now,
	}

	var entry *models.AuditEntry
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.LockIdentity(ctx, req.IdentityID); err != nil {
			return err
		}
		prev, next, err := tx.Neighbors(ctx, req.IdentityID, at, uuid.Nil)
		if err != nil {
			return err
		}
		expected, slotErr := slotDirection(prev, next, at)

		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}
		entry = newAudit(models.AuditForcedByAdmin, &ev.ID, req.ActorID, req.Reason)
		entry.CorrectedIdentityID = req.IdentityID.String()
		entry.Metadata = map[string]any{
			"direction":          string(ev.Direction),
			"expected_direction": string(expected),
			"overrode_sequence":  slotErr != nil || expected != req.Direction,
		}
		return tx.InsertAudit(ctx, entry)
	})
	if err != nil {
		return nil, storageErr("force attendance", err)
	}

	s.committed(ctx, models.AuditForcedByAdmin, *ev, *entry)
	return ev, nil
}

// Delete removes an event. The DELETED_BY_ADMIN entry with a snapshot of the
// event is written first; the store nulls its event reference on delete.
func (s *Sequencer) Delete(ctx context.Context, eventID uuid.UUID, actorID, reason string) error {
	if len([]rune(strings.TrimSpace(reason))) < s.minReason {
		return models.Validation(fmt.Sprintf("a deletion reason of at least %d characters is required", s.minReason))
	}
	if err := s.authorize(ctx, actorID); err != nil {
		return err
	}
	return s.remove(ctx, eventID, actorID, reason, models.AuditDeletedByAdmin)
}

// CancelLast undoes the identity's most recent event, for a subject who was
// recorded by mistake at the terminal. expected is the event the terminal
// recorded; if anything newer exists the undo is refused.
func (s *Sequencer) CancelLast(ctx context.Context, identityID, expected uuid.UUID, reason string) (*models.AttendanceEvent, error) {
	var (
		last  *models.AttendanceEvent
		entry *models.AuditEntry
	)
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.LockIdentity(ctx, identityID); err != nil {
			return err
		}
		var err error
		last, err = tx.LastEvent(ctx, identityID)
		if err != nil {
			return err
		}
		if last == nil {
			return models.Validation("there is no attendance event to cancel")
		}
		if last.ID != expected {
			return models.Validation("a newer attendance event exists; ask an administrator to correct it")
		}
		entry, err = deleteWithAudit(ctx, tx, last, identityID.String(), reason, models.AuditCancelledByUser)
		return err
	})
	if err != nil {
		return nil, storageErr("cancel attendance", err)
	}

	s.committed(ctx, models.AuditCancelledByUser, *last, *entry)
	return last, nil
}

func (s *Sequencer) remove(ctx context.Context, eventID uuid.UUID, actorID, reason string, action models.AuditAction) error {
	var (
		ev    *models.AttendanceEvent
		entry *models.AuditEntry
	)
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if err := tx.LockIdentity(ctx, ev.IdentityID); err != nil {
			return err
		}
		entry, err = deleteWithAudit(ctx, tx, ev, actorID, reason, action)
		return err
	})
	if err != nil {
		return storageErr("delete attendance", err)
	}

	s.committed(ctx, action, *ev, *entry)
	return nil
}

// deleteWithAudit writes the snapshot entry before the row goes away. The
// returned entry no longer references the event.
func deleteWithAudit(ctx context.Context, tx Tx, ev *models.AttendanceEvent, actorID, reason string, action models.AuditAction) (*models.AuditEntry, error) {
	entry := newAudit(action, &ev.ID, actorID, reason)
	entry.DetectedIdentityID = ev.IdentityID.String()
	entry.Metadata = map[string]any{"deleted_event": ev.Snapshot()}
	if err := tx.InsertAudit(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.DeleteEvent(ctx, ev.ID); err != nil {
		return nil, err
	}
	entry.AttendanceID = nil
	return entry, nil
}

// AdjustTimestamp moves an event in time without changing its position in
// the identity's sequence.
func (s *Sequencer) AdjustTimestamp(ctx context.Context, eventID uuid.UUID, actorID, reason string, at time.Time) (*models.AttendanceEvent, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, models.Validation("a reason is required to modify an attendance event")
	}
	if err := s.authorize(ctx, actorID); err != nil {
		return nil, err
	}
	at = at.UTC()

	var (
		ev    *models.AttendanceEvent
		entry *models.AuditEntry
	)
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if err := tx.LockIdentity(ctx, ev.IdentityID); err != nil {
			return err
		}

		before, after, err := tx.Neighbors(ctx, ev.IdentityID, ev.Timestamp, ev.ID)
		if err != nil {
			return err
		}
		if before != nil && !at.After(before.Timestamp) {
			return models.Validation("the new time must be after the previous attendance event")
		}
		if after != nil && !at.Before(after.Timestamp) {
			return models.Validation("the new time must be before the next attendance event")
		}

		old := ev.Snapshot()
		if err := tx.UpdateEventTimestamp(ctx, ev.ID, at); err != nil {
			return err
		}
		ev.Timestamp = at

		entry = newAudit(models.AuditModifiedByAdmin, &ev.ID, actorID, reason)
		entry.DetectedIdentityID = ev.IdentityID.String()
		entry.Metadata = map[string]any{
			"before": old,
			"after":  ev.Snapshot(),
		}
		return tx.InsertAudit(ctx, entry)
	})
	if err != nil {
		return nil, storageErr("adjust attendance", err)
	}

	s.committed(ctx, models.AuditModifiedByAdmin, *ev, *entry)
	return ev, nil
}

// Event returns a single event, or models.ErrNotFound.
func (s *Sequencer) Event(ctx context.Context, id uuid.UUID) (*models.AttendanceEvent, error) {
	var ev *models.AttendanceEvent
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, id)
		return err
	})
	if err != nil {
		return nil, storageErr("get attendance", err)
	}
	return ev, nil
}

// History lists events, newest first.
func (s *Sequencer) History(ctx context.Context, filter EventFilter) ([]models.AttendanceEvent, error) {
	events, err := s.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, storageErr("list attendance", err)
	}
	return events, nil
}

func (s *Sequencer) authorize(ctx context.Context, actorID string) error {
	if s.authorizer == nil {
		return nil
	}
	if actorID == "" || !s.authorizer.Authorized(ctx, actorID) {
		return models.ErrUnauthorized
	}
	return nil
}

// committed runs the post-commit side effects; none of them can fail the call.
func (s *Sequencer) committed(ctx context.Context, action models.AuditAction, ev models.AttendanceEvent, entry models.AuditEntry) {
	if action == models.AuditCreated || action == models.AuditForcedByAdmin {
		observability.AttendanceEvents.WithLabelValues(string(ev.Direction), string(ev.Source)).Inc()
	}

	attendanceID := ""
	if entry.AttendanceID != nil {
		attendanceID = entry.AttendanceID.String()
	}
	s.logger.InfoContext(ctx, "audit_event",
		slog.String("audit_id", entry.ID.String()),
		slog.String("action", string(action)),
		slog.String("attendance_id", attendanceID),
		slog.String("identity_id", ev.IdentityID.String()),
		slog.String("direction", string(ev.Direction)),
		slog.String("actor_id", entry.ActorID),
	)

	if s.notifier == nil {
		return
	}
	change := models.LedgerChange{Action: action, Event: ev, Audit: entry}
	if err := s.notifier.NotifyChange(ctx, change); err != nil {
		s.logger.WarnContext(ctx, "notify ledger change", "error", err, "action", action)
	}
}

func newAudit(action models.AuditAction, eventID *uuid.UUID, actorID, reason string) *models.AuditEntry {
	return &models.AuditEntry{
		ID:           uuid.New(),
		Action:       action,
		AttendanceID: eventID,
		ActorID:      actorID,
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
	}
}

// directionAfter applies the ledger rule: ENTRY unless the last event is ENTRY.
func directionAfter(last *models.AttendanceEvent) models.Direction {
	if last == nil {
		return models.DirectionEntry
	}
	return last.Direction.Opposite()
}

// slotDirection returns the only direction that keeps alternation when an
// event is placed between prev and next.
func slotDirection(prev, next *models.AttendanceEvent, at time.Time) (models.Direction, error) {
	if prev != nil && prev.Timestamp.Equal(at) {
		return "", models.Validation("an attendance event already exists at that time")
	}
	dir := directionAfter(prev)
	if next != nil && next.Direction == dir {
		return "", models.Validation("an event at that time would break the entry/exit sequence")
	}
	return dir, nil
}

func directionConflict(requested models.Direction) error {
	if requested == models.DirectionEntry {
		return models.Validation("already checked in")
	}
	return models.Validation("no check-in to check out of")
}

func mergeMeta(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// storageErr passes domain errors through and wraps anything else.
func storageErr(op string, err error) error {
	if models.KindOf(err) != models.KindInternal {
		return err
	}
	return models.Storage(op, err)
}
