package kiosk

import (
	"context"
	"image"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/attendance/attendancetest"
	"github.com/your-org/checkpoint/internal/liveness"
	"github.com/your-org/checkpoint/internal/matching"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/review"
	"github.com/your-org/checkpoint/internal/review/reviewtest"
	"github.com/your-org/checkpoint/internal/vision"
)

var epoch = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fakeLocator struct {
	mu     sync.Mutex
	faces  []models.DetectedFace
	err    error
	closed int
	hook   func()
}

func (l *fakeLocator) Set(faces ...models.DetectedFace) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faces = faces
}

func (l *fakeLocator) Locate(img image.Image) ([]models.DetectedFace, error) {
	l.mu.Lock()
	hook := l.hook
	l.mu.Unlock()
	if hook != nil {
		hook()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return append([]models.DetectedFace(nil), l.faces...), nil
}

func (l *fakeLocator) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
}

func (l *fakeLocator) Closed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeExtractor struct {
	mu     sync.Mutex
	emb    models.Embedding
	err    error
	closed int
}

func (e *fakeExtractor) Set(emb models.Embedding) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emb = emb
}

func (e *fakeExtractor) Embed(img image.Image) (models.Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return append(models.Embedding(nil), e.emb...), nil
}

func (e *fakeExtractor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
}

func (e *fakeExtractor) Closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeGallery struct {
	mu         sync.Mutex
	identities []models.Identity
}

func (g *fakeGallery) Gallery(ctx context.Context) ([]models.Identity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.Identity(nil), g.identities...), nil
}

func (g *fakeGallery) ResolveCandidate(ctx context.Context, candidateID string) (*models.Identity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ident := range g.identities {
		if ident.ExternalID == candidateID || ident.ID.String() == candidateID {
			found := ident
			return &found, nil
		}
	}
	return nil, models.ErrNotFound
}

type fakeWriter struct {
	mu       sync.Mutex
	created  []*models.Identity
	replaced map[uuid.UUID][]models.EnrollmentSample
}

func (w *fakeWriter) CreateIdentity(ctx context.Context, ident *models.Identity) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ident.ID == uuid.Nil {
		ident.ID = uuid.New()
	}
	w.created = append(w.created, ident)
	return nil
}

func (w *fakeWriter) ReplaceSamples(ctx context.Context, identityID uuid.UUID, samples []models.EnrollmentSample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.replaced == nil {
		w.replaced = make(map[uuid.UUID][]models.EnrollmentSample)
	}
	w.replaced[identityID] = samples
	return nil
}

// basis returns the unit vector along axis i.
func basis(i int) models.Embedding {
	e := make(models.Embedding, models.EmbeddingDim)
	e[i] = 1
	return e
}

// mix returns a*e_i + sqrt(1-a^2)*e_j, whose cosine with e_i is a.
func mix(a float64, i, j int) models.Embedding {
	e := make(models.Embedding, models.EmbeddingDim)
	e[i] = float32(a)
	e[j] = float32(math.Sqrt(1 - a*a))
	return e
}

func face(yaw float32, track int) models.DetectedFace {
	id := track
	return models.DetectedFace{
		Box:        models.BoundingBox{X1: 8, Y1: 8, X2: 56, Y2: 56},
		Confidence: 0.98,
		TrackingID: &id,
		Yaw:        yaw,
	}
}

type harness struct {
	deps     Deps
	clock    *clock
	locator  *fakeLocator
	embedder *fakeExtractor
	gallery  *fakeGallery
	ledger   *attendancetest.MemoryStore
	seq      *attendance.Sequencer
	pending  *reviewtest.MemoryStore
	evidence *reviewtest.MemoryEvidence
	opened   int
	alice    models.Identity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    &clock{now: epoch},
		locator:  &fakeLocator{},
		embedder: &fakeExtractor{},
		gallery:  &fakeGallery{},
		ledger:   attendancetest.NewMemoryStore(),
		pending:  reviewtest.NewMemoryStore(),
		evidence: reviewtest.NewMemoryEvidence(),
	}
	for i := 0; i < 7; i++ {
		h.gallery.identities = append(h.gallery.identities, models.Identity{
			ID:          uuid.New(),
			ExternalID:  "EMP-00" + string(rune('0'+i)),
			DisplayName: "Employee " + string(rune('A'+i)),
			Active:      true,
			Samples:     []models.EnrollmentSample{{ID: uuid.New(), Pose: models.PoseFront, Embedding: basis(i)}},
		})
	}
	// alice carries a full seven-pose enrollment; her third sample is the
	// one the tests aim at with mix(a, 2, 10).
	h.alice = h.gallery.identities[2]
	h.alice.Samples = nil
	poses := []models.EnrollmentPose{models.PoseFront, models.PoseFront, models.PoseFront, models.PoseLeft, models.PoseLeft, models.PoseRight, models.PoseRight}
	for k, axis := range []int{20, 21, 2, 22, 23, 24, 25} {
		h.alice.Samples = append(h.alice.Samples, models.EnrollmentSample{
			ID:        uuid.New(),
			Pose:      poses[k],
			Embedding: basis(axis),
		})
	}
	h.gallery.identities[2] = h.alice

	logger := slog.Default()
	seq := attendance.NewSequencer(h.ledger, attendance.Options{Now: h.clock.Now}, logger)
	h.seq = seq
	queue := review.NewQueue(h.pending, h.evidence, seq, h.gallery, review.Options{Now: h.clock.Now}, logger)

	lcfg := liveness.DefaultConfig()
	lcfg.Challenges = []models.ChallengeType{models.ChallengeTurnLeft}

	h.deps = Deps{
		Resources: ResourceFactoryFunc(func(ctx context.Context) (*Resources, error) {
			h.opened++
			return &Resources{Locator: h.locator, Extractor: h.embedder}, nil
		}),
		Gallery:    h.gallery,
		Attendance: seq,
		Pending:    queue,
		Liveness:   lcfg,
		Thresholds: matching.DefaultThresholds(),
		Now:        h.clock.Now,
		Rand:       rand.New(rand.NewPCG(1, 2)),
		Logger:     logger,
	}
	return h
}

func (h *harness) frame(offset time.Duration) Frame {
	return Frame{
		At:    h.clock.Now().Add(offset),
		Image: image.NewRGBA(image.Rect(0, 0, 64, 64)),
		JPEG:  []byte("jpeg-bytes"),
	}
}

var _ vision.Locator = (*fakeLocator)(nil)
var _ vision.Extractor = (*fakeExtractor)(nil)
