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

type NotificationKind string

const (
	KindLedgerChange  NotificationKind = "ledger_change"
	KindPendingUpdate NotificationKind = "pending_update"
)

// Notification is a decoded LEDGER message. Exactly one of Change and
// Pending is set, according to Kind.
type Notification struct {
	Kind    NotificationKind      `json:"kind"`
	Change  *models.LedgerChange  `json:"change,omitempty"`
	Pending *models.PendingRecord `json:"pending,omitempty"`
}

// Decode maps a subject and payload onto a Notification.
func Decode(subject string, data []byte) (Notification, error) {
	switch {
	case strings.HasPrefix(subject, EventsSubjectBase+"."):
		var change models.LedgerChange
		if err := json.Unmarshal(data, &change); err != nil {
			return Notification{}, fmt.Errorf("unmarshal ledger change: %w", err)
		}
		return Notification{Kind: KindLedgerChange, Change: &change}, nil
	case strings.HasPrefix(subject, PendingSubjectBase+"."):
		var rec models.PendingRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return Notification{}, fmt.Errorf("unmarshal pending record: %w", err)
		}
		return Notification{Kind: KindPendingUpdate, Pending: &rec}, nil
	}
	return Notification{}, fmt.Errorf("unknown subject %q", subject)
}

type NotificationHandler func(ctx context.Context, n Notification) error

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeLedger delivers new LEDGER messages to handler until ctx ends.
// Undecodable messages are terminated rather than redelivered.
func (c *Consumer) ConsumeLedger(ctx context.Context, consumerName string, handler NotificationHandler) error {
	stream, err := c.js.Stream(ctx, LedgerStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", LedgerStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: LedgerSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch ledger messages", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				n, err := Decode(msg.Subject(), msg.Data())
				if err != nil {
					slog.Error("decode ledger message", "error", err, "subject", msg.Subject())
					_ = msg.Term()
					continue
				}
				if err := handler(ctx, n); err != nil {
					slog.Error("process ledger message", "error", err, "subject", msg.Subject())
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("ledger consumer started", "consumer", consumerName)
	return nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
