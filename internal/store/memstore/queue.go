package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var (
	_ store.JobQueue = (*Queue)(nil)
	_ store.Lock     = (*Lock)(nil)
	_ store.Notifier = (*Notifier)(nil)
)

type queued struct {
	job     event.Job
	readyAt time.Time
	seq     int
}

// Queue is a single-process JobQueue. Dequeue never blocks.
type Queue struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	seq     int
	pending []queued
	dead    []event.Job
	acked   []event.Job
}

func NewQueue() *Queue {
	return &Queue{nowFn: time.Now}
}

func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.nowFn = now
	q.mu.Unlock()
}

func (q *Queue) Enqueue(ctx context.Context, job *event.Job, opts store.EnqueueOptions) error {
	return q.EnqueueBulk(ctx, []*event.Job{job}, opts)
}

func (q *Queue) EnqueueBulk(_ context.Context, jobs []*event.Job, opts store.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.nowFn()
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		job.State = event.JobQueued
		if job.EnqueuedAt.IsZero() {
			job.EnqueuedAt = now
		}
		q.seq++
		seq := q.seq
		if opts.Priority {
			seq = -seq
		}
		q.pending = append(q.pending, queued{job: *job, readyAt: now.Add(opts.Delay), seq: seq})
	}
	return nil
}

// Dequeue returns the earliest-enqueued ready job, priority jobs first.
func (q *Queue) Dequeue(_ context.Context, _ time.Duration) (*event.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.nowFn()
	best := -1
	for i, p := range q.pending {
		if p.readyAt.After(now) {
			continue
		}
		if best < 0 || p.seq < q.pending[best].seq {
			best = i
		}
	}
	if best < 0 {
		return nil, store.ErrQueueEmpty
	}
	job := q.pending[best].job
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	job.State = event.JobProcessing
	return &job, nil
}

func (q *Queue) Ack(_ context.Context, job *event.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.State = event.JobCompleted
	q.acked = append(q.acked, *job)
	return nil
}

func (q *Queue) Retry(_ context.Context, job *event.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Attempt++
	job.State = event.JobRetrying
	q.seq++
	q.pending = append(q.pending, queued{job: *job, readyAt: q.nowFn().Add(delay), seq: q.seq})
	return nil
}

func (q *Queue) DeadLetter(_ context.Context, job *event.Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.State = event.JobDeadLettered
	job.LastError = reason
	q.dead = append(q.dead, *job)
	return nil
}

// Pending returns queued jobs in enqueue order, ready or not.
func (q *Queue) Pending() []event.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]event.Job, len(q.pending))
	for i, p := range q.pending {
		out[i] = p.job
	}
	return out
}

func (q *Queue) Dead() []event.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]event.Job(nil), q.dead...)
}

func (q *Queue) Acked() []event.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]event.Job(nil), q.acked...)
}

// Lock is a single-process TTL lock.
type Lock struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	holders map[string]time.Time
}

func NewLock() *Lock {
	return &Lock{nowFn: time.Now, holders: make(map[string]time.Time)}
}

func (l *Lock) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if exp, ok := l.holders[name]; ok && exp.After(now) {
		return false, nil
	}
	l.holders[name] = now.Add(ttl)
	return true, nil
}

func (l *Lock) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holders, name)
	return nil
}

// Notifier records published updates.
type Notifier struct {
	mu      sync.Mutex
	updates []event.OrderUpdate
}

func (n *Notifier) Publish(_ context.Context, updates []event.OrderUpdate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, updates...)
	return nil
}

func (n *Notifier) Updates() []event.OrderUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]event.OrderUpdate(nil), n.updates...)
}
