package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/attendance/attendancetest"
	"github.com/your-org/checkpoint/internal/auth"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/review"
	"github.com/your-org/checkpoint/internal/review/reviewtest"
	"github.com/your-org/checkpoint/internal/storage"
	"github.com/your-org/checkpoint/pkg/dto"
)

const (
	apiKey     = "test-key"
	adminToken = "admin-token"
)

var epoch = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type identities struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*models.Identity
	found []storage.EmbeddingMatch
}

func (s *identities) ListIdentities(ctx context.Context, filter storage.IdentityFilter) ([]models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Identity
	for _, ident := range s.byID {
		if filter.ActiveOnly && !ident.Active {
			continue
		}
		out = append(out, *ident)
	}
	return out, nil
}

func (s *identities) GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return nil, models.ErrNotFound.WithMessage("Identity not found")
	}
	cp := *ident
	return &cp, nil
}

func (s *identities) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	ident.Active = active
	return nil
}

func (s *identities) SearchEmbeddings(ctx context.Context, embedding models.Embedding, threshold float64, limit int) ([]storage.EmbeddingMatch, error) {
	return s.found, nil
}

func (s *identities) ResolveCandidate(ctx context.Context, candidateID string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ident := range s.byID {
		if ident.ExternalID == candidateID || ident.ID.String() == candidateID {
			cp := *ident
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

type auditReader struct{ ledger *attendancetest.MemoryStore }

func (a auditReader) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	for _, e := range a.ledger.Audits() {
		if filter.IdentityID != "" && e.DetectedIdentityID != filter.IdentityID && e.CorrectedIdentityID != filter.IdentityID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type fixture struct {
	router   *gin.Engine
	ledger   *attendancetest.MemoryStore
	pending  *reviewtest.MemoryStore
	evidence *reviewtest.MemoryEvidence
	queue    *review.Queue
	idents   *identities
	alice    *models.Identity
}

func newFixture(t *testing.T, minioErr error) *fixture {
	t.Helper()
	now := func() time.Time { return epoch }
	f := &fixture{
		ledger:   attendancetest.NewMemoryStore(),
		pending:  reviewtest.NewMemoryStore(),
		evidence: reviewtest.NewMemoryEvidence(),
		alice:    &models.Identity{ID: uuid.New(), ExternalID: "EMP-001", DisplayName: "Alice", Active: true},
	}
	f.idents = &identities{byID: map[uuid.UUID]*models.Identity{f.alice.ID: f.alice}}

	seq := attendance.NewSequencer(f.ledger, attendance.Options{
		Authorizer: auth.NewAdminAuthorizer([]string{adminToken}, slog.Default()),
		Now:        now,
	}, slog.Default())
	f.queue = review.NewQueue(f.pending, f.evidence, seq, f.idents, review.Options{Now: now}, slog.Default())

	f.router = NewRouter(RouterConfig{
		APIKey:     apiKey,
		DB:         pinger{},
		MinIO:      pinger{err: minioErr},
		Identities: f.idents,
		Threshold:  0.7,
		Ledger:     seq,
		Audit:      auditReader{ledger: f.ledger},
		Pending:    f.queue,
		Evidence:   f.evidence,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, errors.New("connection refused"))

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]any](t, w)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "connection refused", checks["minio"])
	assert.NotContains(t, checks, "nats")
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/attendance", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestForceRequiresAdminToken(t *testing.T) {
	f := newFixture(t, nil)
	body := dto.ForceEventRequest{IdentityID: f.alice.ID, Direction: "EXIT", Reason: "badge reader was down"}

	w := f.do(t, http.MethodPost, "/v1/attendance/force", body, auth.ActorHeader, "supervisor-1")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(models.KindUnauthorized), decode[map[string]any](t, w)["code"])

	w = f.do(t, http.MethodPost, "/v1/attendance/force", body, auth.ActorHeader, "supervisor-1", auth.AdminHeader, adminToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ev := decode[dto.EventResponse](t, w)
	assert.Equal(t, "EXIT", ev.Direction)
	assert.Equal(t, "FORCED", ev.Source)

	w = f.do(t, http.MethodGet, "/v1/attendance?identity_id="+f.alice.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.EventListResponse](t, w).Total)

	w = f.do(t, http.MethodGet, "/v1/audit?identity_id="+f.alice.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	audit := decode[dto.AuditListResponse](t, w)
	require.Equal(t, 1, audit.Total)
	assert.Equal(t, string(models.AuditForcedByAdmin), audit.Entries[0].Action)
	assert.Equal(t, "supervisor-1", audit.Entries[0].ActorID)
}

func TestDeleteAndAdjust(t *testing.T) {
	f := newFixture(t, nil)
	ev := models.AttendanceEvent{
		ID:         uuid.New(),
		IdentityID: f.alice.ID,
		Timestamp:  epoch.Add(-2 * time.Hour),
		Direction:  models.DirectionEntry,
		Source:     models.SourceAuto,
	}
	f.ledger.Seed(ev)
	admin := []string{auth.ActorHeader, "supervisor-1", auth.AdminHeader, adminToken}

	w := f.do(t, http.MethodPatch, "/v1/attendance/"+ev.ID.String(),
		dto.AdjustEventRequest{Timestamp: epoch.Add(-3 * time.Hour), Reason: "clock drift"}, admin...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, epoch.Add(-3*time.Hour).Format(time.RFC3339), decode[dto.EventResponse](t, w).Timestamp)

	w = f.do(t, http.MethodDelete, "/v1/attendance/"+ev.ID.String(), dto.DeleteEventRequest{Reason: "short"}, admin...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/attendance/"+ev.ID.String(), dto.DeleteEventRequest{Reason: "duplicate scan from a test badge"}, admin...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, f.ledger.Events(f.alice.ID))

	w = f.do(t, http.MethodDelete, "/v1/attendance/not-a-uuid", dto.DeleteEventRequest{Reason: "duplicate scan from a test badge"}, admin...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAttendanceListRejectsBadTime(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/v1/attendance?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(models.KindValidation), decode[map[string]any](t, w)["code"])
}

func TestPendingReviewFlow(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.queue.Enqueue(context.Background(), review.EnqueueRequest{
		CandidateID: "EMP-001",
		Direction:   models.DirectionEntry,
		Timestamp:   epoch.Add(-time.Hour),
		Reason:      models.ReasonFacialFailed,
		MatchScore:  0.76,
		Evidence:    []byte("jpeg"),
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v1/pending?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.PendingListResponse](t, w)
	require.Equal(t, 1, list.Total)
	assert.True(t, list.Records[0].HasEvidence)

	w = f.do(t, http.MethodGet, "/v1/pending?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/pending/"+rec.ID.String()+"/evidence", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "jpeg", w.Body.String())

	no := false
	w = f.do(t, http.MethodPost, "/v1/pending/"+rec.ID.String()+"/review", dto.ReviewRequest{Approve: &no}, auth.ActorHeader, "supervisor-1")
	assert.Equal(t, http.StatusBadRequest, w.Code, "rejection needs notes")

	yes := true
	w = f.do(t, http.MethodPost, "/v1/pending/"+rec.ID.String()+"/review", dto.ReviewRequest{Approve: &yes})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reviewer required")

	w = f.do(t, http.MethodPost, "/v1/pending/"+rec.ID.String()+"/review", dto.ReviewRequest{Approve: &yes}, auth.ActorHeader, "supervisor-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[dto.PendingResponse](t, w)
	assert.Equal(t, string(models.StatusApproved), got.Status)
	assert.Equal(t, "supervisor-1", got.ReviewerID)
	require.NotNil(t, got.AttendanceID)

	events := f.ledger.Events(f.alice.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.SourceReview, events[0].Source)
	assert.Equal(t, *got.AttendanceID, events[0].ID)
}

func TestPendingListIsPaged(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 60; i++ {
		f.pending.Seed(models.PendingRecord{
			ID:          uuid.New(),
			CandidateID: "EMP-001",
			Timestamp:   epoch.Add(-time.Duration(i+1) * time.Minute),
			Direction:   models.DirectionEntry,
			Reason:      models.ReasonFacialFailed,
			Status:      models.StatusPending,
			CreatedAt:   epoch.Add(-time.Duration(i+1) * time.Minute),
		})
	}

	w := f.do(t, http.MethodGet, "/v1/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, decode[dto.PendingListResponse](t, w).Total)

	w = f.do(t, http.MethodGet, "/v1/pending?limit=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, decode[dto.PendingListResponse](t, w).Total)

	w = f.do(t, http.MethodGet, "/v1/pending?limit=5&offset=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, decode[dto.PendingListResponse](t, w).Total)
}

func TestIdentityEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/v1/identities/"+f.alice.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "EMP-001", decode[dto.IdentityResponse](t, w).ExternalID)

	w = f.do(t, http.MethodGet, "/v1/identities/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/identities/nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/identities/"+f.alice.ID.String()+"/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.alice.Active)

	w = f.do(t, http.MethodGet, "/v1/identities?active_only=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[dto.IdentityListResponse](t, w).Total)

	w = f.do(t, http.MethodPost, "/v1/identities", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no enroller configured")

	w = f.do(t, http.MethodPost, "/v1/identities/search", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no models configured")
}
