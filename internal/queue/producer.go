package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/checkpoint/internal/models"
)

const (
	LedgerStreamName   = "LEDGER"
	LedgerSubjectBase  = "ledger"
	EventsSubjectBase  = LedgerSubjectBase + ".events"
	PendingSubjectBase = LedgerSubjectBase + ".pending"
)

type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Producer publishes committed ledger changes and pending-record updates.
// It implements attendance.Notifier and review.Notifier.
type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
	pb publisher
}

func connect(natsURL string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, js, nil
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Producer{nc: nc, js: js, pb: js}, nil
}

// EnsureStreams creates the LEDGER stream if it doesn't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:        LedgerStreamName,
		Subjects:    []string{LedgerSubjectBase + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxMsgs:     1000000,
		Storage:     jetstream.FileStorage,
		Duplicates:  2 * time.Minute,
		Description: "Attendance ledger and pending review notifications",
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
		cancel()
		if err == nil {
			slog.Info("ensured NATS stream", "name", cfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
		}
		slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// NotifyChange publishes to ledger.events.<action>, deduplicated on the audit id.
func (p *Producer) NotifyChange(ctx context.Context, change models.LedgerChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal ledger change: %w", err)
	}

	subject := EventsSubjectBase + "." + strings.ToLower(string(change.Action))
	if _, err := p.pb.Publish(ctx, subject, payload, jetstream.WithMsgID(change.Audit.ID.String())); err != nil {
		return fmt.Errorf("publish ledger change: %w", err)
	}
	return nil
}

// NotifyPending publishes to ledger.pending.<status>.
func (p *Producer) NotifyPending(ctx context.Context, rec models.PendingRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal pending record: %w", err)
	}

	status := strings.ToLower(string(rec.Status))
	subject := PendingSubjectBase + "." + status
	if _, err := p.pb.Publish(ctx, subject, payload, jetstream.WithMsgID(rec.ID.String()+"-"+status)); err != nil {
		return fmt.Errorf("publish pending record: %w", err)
	}
	return nil
}

func (p *Producer) Ping() error {
	if p.nc == nil || !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
