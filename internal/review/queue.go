// Package review holds attendance candidates the kiosk could not decide on
// until a human approves or rejects them.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/observability"
)

const (
	DefaultExpireAfter = 7 * 24 * time.Hour
	DefaultRetention   = 30 * 24 * time.Hour
)

type Filter struct {
	Status models.PendingStatus
	Limit  int
	Offset int
}

type Store interface {
	InsertPending(ctx context.Context, rec *models.PendingRecord) error
	GetPending(ctx context.Context, id uuid.UUID) (*models.PendingRecord, error)
	UpdatePending(ctx context.Context, rec *models.PendingRecord) error
	ListPending(ctx context.Context, filter Filter) ([]models.PendingRecord, error)
	DeletePending(ctx context.Context, id uuid.UUID) error
}

// EvidenceStore keeps write-once evidence photos.
type EvidenceStore interface {
	PutEvidence(ctx context.Context, id uuid.UUID, jpeg []byte) (string, error)
	DeleteEvidence(ctx context.Context, ref string) error
}

// Recorder writes the attendance event for an approved record.
type Recorder interface {
	Record(ctx context.Context, req attendance.RecordRequest) (*models.AttendanceEvent, error)
	Event(ctx context.Context, id uuid.UUID) (*models.AttendanceEvent, error)
}

// Resolver maps a free-form candidate id onto an enrolled identity.
// It returns models.ErrNotFound when nothing matches.
type Resolver interface {
	ResolveCandidate(ctx context.Context, candidateID string) (*models.Identity, error)
}

type Notifier interface {
	NotifyPending(ctx context.Context, rec models.PendingRecord) error
}

type Options struct {
	ExpireAfter time.Duration
	Retention   time.Duration
	Notifier    Notifier
	Now         func() time.Time
}

type Queue struct {
	store       Store
	evidence    EvidenceStore
	recorder    Recorder
	resolver    Resolver
	notifier    Notifier
	expireAfter time.Duration
	retention   time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewQueue(store Store, evidence EvidenceStore, recorder Recorder, resolver Resolver, opts Options, logger *slog.Logger) *Queue {
	q := &Queue{
		store:       store,
		evidence:    evidence,
		recorder:    recorder,
		resolver:    resolver,
		notifier:    opts.Notifier,
		expireAfter: opts.ExpireAfter,
		retention:   opts.Retention,
		now:         opts.Now,
		logger:      logger.With("component", "review"),
	}
	if q.expireAfter <= 0 {
		q.expireAfter = DefaultExpireAfter
	}
	if q.retention <= 0 {
		q.retention = DefaultRetention
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// EnqueueRequest describes a candidate the kiosk could not decide on.
// Evidence is a JPEG stored alongside the record; upload failures are logged
// and the record is kept without a photo.
type EnqueueRequest struct {
	CandidateID  string
	ResolvedName string
	Direction    models.Direction
	Timestamp    time.Time
	Reason       models.PendingReason
	MatchScore   float32
	Evidence     []byte
}

// Enqueue creates a PENDING record.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.PendingRecord, error) {
	if strings.TrimSpace(req.CandidateID) == "" {
		return nil, models.Validation("a candidate id is required")
	}
	if !req.Reason.Valid() {
		return nil, models.Validation(fmt.Sprintf("unknown pending reason %q", req.Reason))
	}
	if !req.Direction.Valid() {
		return nil, models.Validation(fmt.Sprintf("unknown direction %q", req.Direction))
	}

	now := q.now().UTC()
	rec := &models.PendingRecord{
		ID:           uuid.New(),
		CandidateID:  strings.TrimSpace(req.CandidateID),
		ResolvedName: req.ResolvedName,
		Timestamp:    req.Timestamp.UTC(),
		Direction:    req.Direction,
		Reason:       req.Reason,
		MatchScore:   req.MatchScore,
		Status:       models.StatusPending,
		CreatedAt:    now,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}

	if len(req.Evidence) > 0 && q.evidence != nil {
		ref, err := q.evidence.PutEvidence(ctx, rec.ID, req.Evidence)
		if err != nil {
			q.logger.WarnContext(ctx, "store evidence", "error", err, "pending_id", rec.ID)
		} else {
			rec.EvidenceRef = ref
		}
	}

	if err := q.store.InsertPending(ctx, rec); err != nil {
		return nil, storageErr("insert pending record", err)
	}

	observability.PendingRecords.WithLabelValues(string(rec.Reason)).Inc()
	q.logger.InfoContext(ctx, "pending record created",
		"pending_id", rec.ID,
		"candidate_id", rec.CandidateID,
		"reason", rec.Reason,
		"direction", rec.Direction,
	)
	q.notify(ctx, *rec)
	return rec, nil
}

// ReviewRequest carries a reviewer's decision. IdentityID overrides candidate
// resolution on approval, e.g. when the reviewer recognises someone who typed
// a wrong id.
type ReviewRequest struct {
	ID         uuid.UUID
	Approve    bool
	ReviewerID string
	Notes      string
	IdentityID *uuid.UUID
}

// Review approves or rejects a PENDING record. Approval writes a human-verified
// attendance event at the record's time and direction before the record is
// marked APPROVED; rejection needs notes and only changes status.
func (q *Queue) Review(ctx context.Context, req ReviewRequest) (*models.PendingRecord, error) {
	if strings.TrimSpace(req.ReviewerID) == "" {
		return nil, models.Validation("a reviewer id is required")
	}
	if !req.Approve && strings.TrimSpace(req.Notes) == "" {
		return nil, models.Validation("notes are required to reject a pending record")
	}

	rec, err := q.store.GetPending(ctx, req.ID)
	if err != nil {
		return nil, storageErr("get pending record", err)
	}
	if rec.Status != models.StatusPending {
		return nil, models.Validation(fmt.Sprintf("pending record is already %s", strings.ToLower(string(rec.Status))))
	}

	if req.Approve {
		identityID, err := q.approvalIdentity(ctx, rec, req.IdentityID)
		if err != nil {
			return nil, err
		}
		eventID := approvalEventID(rec.ID)
		ev, err := q.recorder.Record(ctx, attendance.RecordRequest{
			EventID:         eventID,
			IdentityID:      identityID,
			Direction:       rec.Direction,
			At:              rec.Timestamp,
			MatchConfidence: 1.0,
			LivenessScore:   1.0,
			Source:          models.SourceReview,
			ActorID:         req.ReviewerID,
			Metadata: map[string]any{
				"pending_id":     rec.ID.String(),
				"pending_reason": string(rec.Reason),
			},
		})
		if err != nil {
			prior, lookupErr := q.recorder.Event(ctx, eventID)
			if lookupErr != nil || prior.IdentityID != identityID {
				return nil, err
			}
			// an earlier approval wrote the event but never updated the record
			q.logger.WarnContext(ctx, "reusing approval event", "pending_id", rec.ID, "event_id", prior.ID)
			ev = prior
		}
		rec.Status = models.StatusApproved
		rec.AttendanceID = &ev.ID
	} else {
		rec.Status = models.StatusRejected
	}

	reviewedAt := q.now().UTC()
	rec.ReviewerID = req.ReviewerID
	rec.ReviewedAt = &reviewedAt
	rec.ReviewNotes = req.Notes

	if err := q.store.UpdatePending(ctx, rec); err != nil {
		return nil, storageErr("update pending record", err)
	}

	q.logger.InfoContext(ctx, "pending record reviewed",
		"pending_id", rec.ID,
		"status", rec.Status,
		"reviewer_id", rec.ReviewerID,
	)
	q.notify(ctx, *rec)
	return rec, nil
}

// approvalEventID is the id the approval of a pending record writes its
// event under, stable across retries.
func approvalEventID(pendingID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:checkpoint:pending:"+pendingID.String()))
}

func (q *Queue) approvalIdentity(ctx context.Context, rec *models.PendingRecord, override *uuid.UUID) (uuid.UUID, error) {
	if override != nil {
		return *override, nil
	}
	ident, err := q.resolver.ResolveCandidate(ctx, rec.CandidateID)
	if errors.Is(err, models.ErrNotFound) {
		return uuid.Nil, models.Validation("the candidate is not an enrolled identity; choose one to approve")
	}
	if err != nil {
		return uuid.Nil, storageErr("resolve candidate", err)
	}
	if !ident.Active {
		return uuid.Nil, models.Validation("the candidate identity is inactive")
	}
	return ident.ID, nil
}

func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.PendingRecord, error) {
	rec, err := q.store.GetPending(ctx, id)
	if err != nil {
		return nil, storageErr("get pending record", err)
	}
	return rec, nil
}

func (q *Queue) List(ctx context.Context, filter Filter) ([]models.PendingRecord, error) {
	recs, err := q.store.ListPending(ctx, filter)
	if err != nil {
		return nil, storageErr("list pending records", err)
	}
	return recs, nil
}

func (q *Queue) notify(ctx context.Context, rec models.PendingRecord) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.NotifyPending(ctx, rec); err != nil {
		q.logger.WarnContext(ctx, "notify pending record", "error", err, "pending_id", rec.ID)
	}
}

func storageErr(op string, err error) error {
	if models.KindOf(err) != models.KindInternal {
		return err
	}
	return models.Storage(op, err)
}
