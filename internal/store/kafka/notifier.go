package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var _ store.Notifier = (*Notifier)(nil)

type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier publishes order updates keyed by order id, so every update of one
// order lands on the same partition in publish order.
type Notifier struct {
	writer messageWriter
	nowFn  func() time.Time
}

func NewNotifier(cfg Config) *Notifier {
	return &Notifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		nowFn: time.Now,
	}
}

func (n *Notifier) Publish(ctx context.Context, updates []event.OrderUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := n.nowFn()
	msgs := make([]kafka.Message, len(updates))
	for i, u := range updates {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode order update %s: %w", u.OrderID, err)
		}
		msgs[i] = kafka.Message{
			Key:   []byte(u.OrderID),
			Value: data,
			Time:  now,
			Headers: []kafka.Header{
				{Key: "trigger", Value: []byte(u.Trigger)},
			},
		}
	}
	if err := n.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d order updates: %w", len(updates), err)
	}
	return nil
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}
