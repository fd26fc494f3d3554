// Package reviewtest provides in-memory review stores for tests.
package reviewtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/review"
)

// MemoryStore keeps pending records in a map. FailNextUpdate, when set, is
// returned by the next UpdatePending call and then cleared.
type MemoryStore struct {
	mu             sync.Mutex
	records        map[uuid.UUID]models.PendingRecord
	FailNextUpdate error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]models.PendingRecord)}
}

func (m *MemoryStore) InsertPending(ctx context.Context, rec *models.PendingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("pending record %s already exists", rec.ID)
	}
	m.records[rec.ID] = *rec
	return nil
}

func (m *MemoryStore) GetPending(ctx context.Context, id uuid.UUID) (*models.PendingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) UpdatePending(ctx context.Context, rec *models.PendingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailNextUpdate; err != nil {
		m.FailNextUpdate = nil
		return err
	}
	if _, ok := m.records[rec.ID]; !ok {
		return models.ErrNotFound
	}
	m.records[rec.ID] = *rec
	return nil
}

// ListPending returns matching records oldest first.
func (m *MemoryStore) ListPending(ctx context.Context, filter review.Filter) ([]models.PendingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PendingRecord
	for _, rec := range m.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeletePending(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// Seed stores records as-is.
func (m *MemoryStore) Seed(recs ...models.PendingRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.records[rec.ID] = rec
	}
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

var ErrEvidenceUnavailable = errors.New("evidence store unavailable")

// MemoryEvidence keeps photos keyed by reference. SetFail makes every
// call return ErrEvidenceUnavailable.
type MemoryEvidence struct {
	mu     sync.Mutex
	photos map[string][]byte
	fail   bool
}

func NewMemoryEvidence() *MemoryEvidence {
	return &MemoryEvidence{photos: make(map[string][]byte)}
}

func (m *MemoryEvidence) PutEvidence(ctx context.Context, id uuid.UUID, jpeg []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", ErrEvidenceUnavailable
	}
	ref := "evidence/" + id.String() + ".jpg"
	m.photos[ref] = append([]byte(nil), jpeg...)
	return ref, nil
}

func (m *MemoryEvidence) DeleteEvidence(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrEvidenceUnavailable
	}
	delete(m.photos, ref)
	return nil
}

func (m *MemoryEvidence) GetEvidence(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, ErrEvidenceUnavailable
	}
	data, ok := m.photos[ref]
	if !ok {
		return nil, models.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryEvidence) Has(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.photos[ref]
	return ok
}

func (m *MemoryEvidence) SetFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}
