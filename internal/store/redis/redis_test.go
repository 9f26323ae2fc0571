package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClientFrom(rdb, "test"), mr
}

func TestLock_AcquireRelease(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	a, b := NewLock(client), NewLock(client)

	ok, err := a.Acquire(ctx, "reorg-check", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "reorg-check", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	// Releasing a lock we never held leaves the owner's key alone.
	require.NoError(t, b.Release(ctx, "reorg-check"))
	assert.True(t, mr.Exists("test:lock:reorg-check"))

	require.NoError(t, a.Release(ctx, "reorg-check"))
	assert.False(t, mr.Exists("test:lock:reorg-check"))

	ok, err = b.Acquire(ctx, "reorg-check", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	a, b := NewLock(client), NewLock(client)

	ok, err := a.Acquire(ctx, "prune", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = b.Acquire(ctx, "prune", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(ctx, "prune"))
	assert.True(t, mr.Exists("test:lock:prune"), "b still holds the lock")
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	client, _ := newTestClient(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	q := NewQueue(client, "events-sync", WithVisibility(time.Minute), WithPollInterval(time.Millisecond))
	q.nowFn = clk.Now
	return q, clk
}

func job(kind event.JobKind, payload any) *event.Job {
	b, _ := json.Marshal(payload)
	return &event.Job{Kind: kind, Payload: b}
}

func TestQueue_FIFOAndPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := job(event.JobBackfillRange, event.RangeJob{FromBlock: 1, ToBlock: 2})
	second := job(event.JobBackfillRange, event.RangeJob{FromBlock: 3, ToBlock: 4})
	urgent := job(event.JobBlockCheck, event.BlockCheckJob{Block: 9})
	require.NoError(t, q.Enqueue(ctx, first, store.EnqueueOptions{}))
	require.NoError(t, q.Enqueue(ctx, second, store.EnqueueOptions{}))
	require.NoError(t, q.Enqueue(ctx, urgent, store.EnqueueOptions{Priority: true}))
	assert.NotEmpty(t, first.ID)

	var got []string
	for i := 0; i < 3; i++ {
		j, err := q.Dequeue(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, event.JobProcessing, j.State)
		got = append(got, j.ID)
		require.NoError(t, q.Ack(ctx, j))
	}
	assert.Equal(t, []string{urgent.ID, first.ID, second.ID}, got)

	_, err := q.Dequeue(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)
}

func TestQueue_DelayedJobBecomesReady(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	j := job(event.JobBlockCheck, event.BlockCheckJob{Block: 5, BlockHash: "0x5"})
	require.NoError(t, q.Enqueue(ctx, j, store.EnqueueOptions{Delay: time.Minute}))

	_, err := q.Dequeue(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)

	clk.now = clk.now.Add(61 * time.Second)
	got, err := q.Dequeue(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)

	var payload event.BlockCheckJob
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "0x5", payload.BlockHash)
}

func TestQueue_RetryAndDeadLetter(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job(event.JobBackfillRange, event.RangeJob{FromBlock: 1, ToBlock: 1}), store.EnqueueOptions{}))
	j, err := q.Dequeue(ctx, 5*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, j, 10*time.Second))
	_, err = q.Dequeue(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)

	clk.now = clk.now.Add(11 * time.Second)
	j, err = q.Dequeue(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempt)

	require.NoError(t, q.DeadLetter(ctx, j, "rpc: permanent"))
	dead, err := q.DeadLettered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, event.JobDeadLettered, dead[0].State)
	assert.Equal(t, "rpc: permanent", dead[0].LastError)

	ready, delayed, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready+delayed+inflight)
}

func TestQueue_UnackedJobIsReclaimed(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueBulk(ctx, []*event.Job{job(event.JobBackfillRange, event.RangeJob{FromBlock: 7, ToBlock: 7})}, store.EnqueueOptions{}))
	j, err := q.Dequeue(ctx, 5*time.Millisecond)
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)

	clk.now = clk.now.Add(2 * time.Minute)
	again, err := q.Dequeue(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, j.ID, again.ID)
}

func TestListNotifier_Publish(t *testing.T) {
	client, mr := newTestClient(t)
	n := NewListNotifier(client, "order-updates")

	require.NoError(t, n.Publish(context.Background(), []event.OrderUpdate{
		{Context: "new-order-0x1-0xa", OrderID: "0x1", Trigger: event.TriggerNewOrder, TxHash: "0xa", TxTimestamp: 10},
	}))
	require.NoError(t, n.Publish(context.Background(), nil))

	items, err := mr.List("test:order-updates")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var u event.OrderUpdate
	require.NoError(t, json.Unmarshal([]byte(items[0]), &u))
	assert.Equal(t, "0x1", u.OrderID)
	assert.Equal(t, event.TriggerNewOrder, u.Trigger)
}
