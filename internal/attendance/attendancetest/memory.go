// Package attendancetest provides an in-memory attendance.Store for tests.
package attendancetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/attendance"
	"github.com/your-org/checkpoint/internal/models"
)

// ErrInjected is returned by operations listed in MemoryStore.FailOn.
var ErrInjected = errors.New("injected failure")

// MemoryStore keeps the ledger in maps. Transactions run one at a time on a
// staged copy that replaces the committed state only when fn succeeds.
type MemoryStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]models.AttendanceEvent
	audits []models.AuditEntry

	// FailOn makes the named Tx method ("InsertEvent", "InsertAudit", ...) fail.
	FailOn map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[uuid.UUID]models.AttendanceEvent),
		FailOn: make(map[string]bool),
	}
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx attendance.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:  m,
		events: make(map[uuid.UUID]models.AttendanceEvent, len(m.events)),
		audits: append([]models.AuditEntry(nil), m.audits...),
	}
	for id, ev := range m.events {
		tx.events[id] = ev
	}

	if err := fn(tx); err != nil {
		return err
	}
	m.events = tx.events
	m.audits = tx.audits
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, filter attendance.EventFilter) ([]models.AttendanceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.AttendanceEvent
	for _, ev := range m.events {
		if filter.IdentityID != nil && ev.IdentityID != *filter.IdentityID {
			continue
		}
		if filter.From != nil && ev.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && ev.Timestamp.After(*filter.To) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
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

// Events returns the identity's events ordered by timestamp.
func (m *MemoryStore) Events(identityID uuid.UUID) []models.AttendanceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.AttendanceEvent
	for _, ev := range m.events {
		if ev.IdentityID == identityID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Audits returns every committed audit entry in insertion order.
func (m *MemoryStore) Audits() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEntry(nil), m.audits...)
}

// Seed inserts events directly, bypassing the sequencer.
func (m *MemoryStore) Seed(events ...models.AttendanceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		m.events[ev.ID] = ev
	}
}

type memTx struct {
	store  *MemoryStore
	events map[uuid.UUID]models.AttendanceEvent
	audits []models.AuditEntry
}

func (t *memTx) fail(op string) error {
	if t.store.FailOn[op] {
		return ErrInjected
	}
	return nil
}

func (t *memTx) LockIdentity(ctx context.Context, identityID uuid.UUID) error {
	return t.fail("LockIdentity")
}

func (t *memTx) LastEvent(ctx context.Context, identityID uuid.UUID) (*models.AttendanceEvent, error) {
	if err := t.fail("LastEvent"); err != nil {
		return nil, err
	}
	var last *models.AttendanceEvent
	for _, ev := range t.events {
		if ev.IdentityID != identityID {
			continue
		}
		if last == nil || ev.Timestamp.After(last.Timestamp) {
			e := ev
			last = &e
		}
	}
	return last, nil
}

func (t *memTx) Neighbors(ctx context.Context, identityID uuid.UUID, at time.Time, exclude uuid.UUID) (*models.AttendanceEvent, *models.AttendanceEvent, error) {
	if err := t.fail("Neighbors"); err != nil {
		return nil, nil, err
	}
	var prev, next *models.AttendanceEvent
	for _, ev := range t.events {
		if ev.IdentityID != identityID || ev.ID == exclude {
			continue
		}
		e := ev
		if !ev.Timestamp.After(at) {
			if prev == nil || ev.Timestamp.After(prev.Timestamp) {
				prev = &e
			}
		} else if next == nil || ev.Timestamp.Before(next.Timestamp) {
			next = &e
		}
	}
	return prev, next, nil
}

func (t *memTx) GetEvent(ctx context.Context, id uuid.UUID) (*models.AttendanceEvent, error) {
	if err := t.fail("GetEvent"); err != nil {
		return nil, err
	}
	ev, ok := t.events[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &ev, nil
}

func (t *memTx) InsertEvent(ctx context.Context, ev *models.AttendanceEvent) error {
	if err := t.fail("InsertEvent"); err != nil {
		return err
	}
	t.events[ev.ID] = *ev
	return nil
}

func (t *memTx) UpdateEventTimestamp(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := t.fail("UpdateEventTimestamp"); err != nil {
		return err
	}
	ev, ok := t.events[id]
	if !ok {
		return models.ErrNotFound
	}
	ev.Timestamp = at
	t.events[id] = ev
	return nil
}

// DeleteEvent mirrors ON DELETE SET NULL on audit entries.
func (t *memTx) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	if err := t.fail("DeleteEvent"); err != nil {
		return err
	}
	if _, ok := t.events[id]; !ok {
		return models.ErrNotFound
	}
	delete(t.events, id)
	for i := range t.audits {
		if t.audits[i].AttendanceID != nil && *t.audits[i].AttendanceID == id {
			t.audits[i].AttendanceID = nil
		}
	}
	return nil
}

func (t *memTx) InsertAudit(ctx context.Context, entry *models.AuditEntry) error {
	if err := t.fail("InsertAudit"); err != nil {
		return err
	}
	if entry.AttendanceID != nil {
		if _, ok := t.events[*entry.AttendanceID]; !ok {
			return errors.New("audit references a missing attendance event")
		}
	}
	e := *entry
	if entry.AttendanceID != nil {
		id := *entry.AttendanceID
		e.AttendanceID = &id
	}
	t.audits = append(t.audits, e)
	return nil
}
