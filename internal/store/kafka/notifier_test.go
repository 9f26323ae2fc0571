package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNotifier_Publish(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	now := time.Unix(1_700_000_000, 0)
	n := &Notifier{writer: w, nowFn: func() time.Time { return now }}

	updates := []event.OrderUpdate{
		{Context: event.UpdateContext(event.TriggerNewOrder, "0x1", "0xa"), OrderID: "0x1", Trigger: event.TriggerNewOrder, TxHash: "0xa", TxTimestamp: 5},
		{Context: event.UpdateContext(event.TriggerReprice, "0x2", "0xb"), OrderID: "0x2", Trigger: event.TriggerReprice, TxHash: "0xb", TxTimestamp: 6},
	}
	require.NoError(t, n.Publish(context.Background(), updates))
	require.Len(t, w.msgs, 2)

	assert.Equal(t, "0x1", string(w.msgs[0].Key))
	assert.Equal(t, now, w.msgs[0].Time)
	assert.Equal(t, "reprice", string(w.msgs[1].Headers[0].Value))

	var got event.OrderUpdate
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &got))
	assert.Equal(t, updates[1], got)

	require.NoError(t, n.Close())
	assert.True(t, w.closed)
}

func TestNotifier_PublishError(t *testing.T) {
	t.Parallel()

	n := &Notifier{writer: &fakeWriter{err: errors.New("broker down")}, nowFn: time.Now}
	err := n.Publish(context.Background(), []event.OrderUpdate{{OrderID: "0x1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	assert.NoError(t, n.Publish(context.Background(), nil))
}
