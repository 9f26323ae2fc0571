package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var _ store.Notifier = (*ListNotifier)(nil)

// ListNotifier appends order updates to a Redis list. Used when no Kafka
// brokers are configured.
type ListNotifier struct {
	client *Client
	list   string
}

func NewListNotifier(client *Client, list string) *ListNotifier {
	return &ListNotifier{client: client, list: list}
}

func (n *ListNotifier) Publish(ctx context.Context, updates []event.OrderUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(updates))
	for _, u := range updates {
		b, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode order update %s: %w", u.OrderID, err)
		}
		values = append(values, b)
	}
	if err := n.client.rdb.RPush(ctx, n.client.key(n.list), values...).Err(); err != nil {
		return fmt.Errorf("publish %d order updates: %w", len(updates), err)
	}
	return nil
}
