package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/checkpoint/internal/models"
)

type published struct {
	subject string
	payload []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, payload: payload})
	return &jetstream.PubAck{Stream: LedgerStreamName}, nil
}

func TestProducer_NotifyChange(t *testing.T) {
	pb := &fakePublisher{}
	p := &Producer{pb: pb}
	eventID := uuid.New()
	change := models.LedgerChange{
		Action: models.AuditDeletedByAdmin,
		Event:  models.AttendanceEvent{ID: eventID, Direction: models.DirectionExit},
		Audit:  models.AuditEntry{ID: uuid.New(), Action: models.AuditDeletedByAdmin, Reason: "duplicate scan"},
	}

	require.NoError(t, p.NotifyChange(context.Background(), change))
	require.Len(t, pb.msgs, 1)
	assert.Equal(t, "ledger.events.deleted_by_admin", pb.msgs[0].subject)

	n, err := Decode(pb.msgs[0].subject, pb.msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, KindLedgerChange, n.Kind)
	require.NotNil(t, n.Change)
	assert.Equal(t, eventID, n.Change.Event.ID)
	assert.Equal(t, "duplicate scan", n.Change.Audit.Reason)
	assert.Nil(t, n.Pending)
}

func TestProducer_NotifyPending(t *testing.T) {
	pb := &fakePublisher{}
	p := &Producer{pb: pb}
	rec := models.PendingRecord{
		ID:          uuid.New(),
		CandidateID: "EMP-001",
		Status:      models.StatusApproved,
		Timestamp:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	require.NoError(t, p.NotifyPending(context.Background(), rec))
	require.Len(t, pb.msgs, 1)
	assert.Equal(t, "ledger.pending.approved", pb.msgs[0].subject)

	n, err := Decode(pb.msgs[0].subject, pb.msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, KindPendingUpdate, n.Kind)
	require.NotNil(t, n.Pending)
	assert.Equal(t, rec.ID, n.Pending.ID)
}

func TestProducer_PublishError(t *testing.T) {
	p := &Producer{pb: &fakePublisher{err: errors.New("no responders")}}
	err := p.NotifyPending(context.Background(), models.PendingRecord{ID: uuid.New(), Status: models.StatusPending})
	assert.ErrorContains(t, err, "publish pending record")
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode("frames.cam1", []byte(`{}`))
	assert.Error(t, err)

	_, err = Decode("ledger.events.created", []byte(`not json`))
	assert.Error(t, err)

	raw, err := json.Marshal(models.PendingRecord{CandidateID: "x"})
	require.NoError(t, err)
	n, err := Decode("ledger.pending.pending", raw)
	require.NoError(t, err)
	assert.Equal(t, "x", n.Pending.CandidateID)
}

func TestProducer_PingWithoutConnection(t *testing.T) {
	p := &Producer{}
	assert.Error(t, p.Ping())
}
