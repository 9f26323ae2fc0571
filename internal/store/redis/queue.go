package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var _ store.JobQueue = (*Queue)(nil)

const (
	defaultVisibility   = 10 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
	promoteBatch        = 100
)

// dequeueScript moves due delayed jobs and expired in-flight jobs back to the
// ready list, then pops one ready job into the in-flight set.
//
// KEYS: ready, delayed, processing, jobs
// ARGV: now ms, visibility deadline ms, promote batch
var dequeueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("LPUSH", KEYS[1], id)
end
local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[3], id)
	redis.call("RPUSH", KEYS[1], id)
end
while true do
	local id = redis.call("RPOP", KEYS[1])
	if not id then
		return false
	end
	local payload = redis.call("HGET", KEYS[4], id)
	if payload then
		redis.call("ZADD", KEYS[3], ARGV[2], id)
		return payload
	end
end
`)

// Queue is an at-least-once job queue. Jobs live in a hash; ids move between
// a ready list, a delayed sorted set, an in-flight sorted set scored by
// visibility deadline, and a dead-letter list.
type Queue struct {
	client       *Client
	name         string
	visibility   time.Duration
	pollInterval time.Duration
	nowFn        func() time.Time
}

type QueueOption func(*Queue)

// WithVisibility sets how long a dequeued job stays invisible before another
// worker may reclaim it.
func WithVisibility(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

func WithPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

func NewQueue(client *Client, name string, opts ...QueueOption) *Queue {
	q := &Queue{
		client:       client,
		name:         name,
		visibility:   defaultVisibility,
		pollInterval: defaultPollInterval,
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) keyJobs() string       { return q.client.key("queue", q.name, "jobs") }
func (q *Queue) keyReady() string      { return q.client.key("queue", q.name, "ready") }
func (q *Queue) keyDelayed() string    { return q.client.key("queue", q.name, "delayed") }
func (q *Queue) keyProcessing() string { return q.client.key("queue", q.name, "processing") }
func (q *Queue) keyDead() string       { return q.client.key("queue", q.name, "dead") }

func (q *Queue) Enqueue(ctx context.Context, job *event.Job, opts store.EnqueueOptions) error {
	return q.EnqueueBulk(ctx, []*event.Job{job}, opts)
}

// EnqueueBulk writes all jobs in one transaction. Relative order within the
// batch is not preserved for consumers.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []*event.Job, opts store.EnqueueOptions) error {
	if len(jobs) == 0 {
		return nil
	}
	now := q.nowFn()
	_, err := q.client.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, job := range jobs {
			if job.ID == "" {
				job.ID = uuid.NewString()
			}
			job.State = event.JobQueued
			if job.EnqueuedAt.IsZero() {
				job.EnqueuedAt = now
			}
			b, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("encode job %s: %w", job.ID, err)
			}
			p.HSet(ctx, q.keyJobs(), job.ID, b)
			switch {
			case opts.Delay > 0:
				p.ZAdd(ctx, q.keyDelayed(), redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: job.ID})
			case opts.Priority:
				p.RPush(ctx, q.keyReady(), job.ID)
			default:
				p.LPush(ctx, q.keyReady(), job.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %d jobs on %s: %w", len(jobs), q.name, err)
	}
	return nil
}

// Dequeue polls until a job is ready or wait elapses.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*event.Job, error) {
	deadline := time.Now().Add(wait)
	for {
		now := q.nowFn()
		payload, err := dequeueScript.Run(ctx, q.client.rdb,
			[]string{q.keyReady(), q.keyDelayed(), q.keyProcessing(), q.keyJobs()},
			now.UnixMilli(), now.Add(q.visibility).UnixMilli(), promoteBatch,
		).Text()
		if err == nil {
			var job event.Job
			if err := json.Unmarshal([]byte(payload), &job); err != nil {
				return nil, fmt.Errorf("decode job: %w", err)
			}
			job.State = event.JobProcessing
			return &job, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("dequeue %s: %w", q.name, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, store.ErrQueueEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(q.pollInterval, remaining)):
		}
	}
}

func (q *Queue) Ack(ctx context.Context, job *event.Job) error {
	_, err := q.client.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keyProcessing(), job.ID)
		p.HDel(ctx, q.keyJobs(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	job.State = event.JobCompleted
	return nil
}

// Retry bumps the attempt counter and schedules the job after delay.
func (q *Queue) Retry(ctx context.Context, job *event.Job, delay time.Duration) error {
	job.Attempt++
	job.State = event.JobRetrying
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	due := q.nowFn().Add(delay).UnixMilli()
	_, err = q.client.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.keyJobs(), job.ID, b)
		p.ZRem(ctx, q.keyProcessing(), job.ID)
		p.ZAdd(ctx, q.keyDelayed(), redis.Z{Score: float64(due), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, job *event.Job, reason string) error {
	job.State = event.JobDeadLettered
	job.LastError = reason
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	_, err = q.client.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, q.keyDead(), b)
		p.ZRem(ctx, q.keyProcessing(), job.ID)
		p.HDel(ctx, q.keyJobs(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// DeadLettered returns up to limit dead-lettered jobs, newest first.
func (q *Queue) DeadLettered(ctx context.Context, limit int64) ([]*event.Job, error) {
	raw, err := q.client.rdb.LRange(ctx, q.keyDead(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]*event.Job, 0, len(raw))
	for _, r := range raw {
		var job event.Job
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, &job)
	}
	return out, nil
}

// Depth reports ready, delayed and in-flight counts.
func (q *Queue) Depth(ctx context.Context) (ready, delayed, inflight int64, err error) {
	p := q.client.rdb.Pipeline()
	r := p.LLen(ctx, q.keyReady())
	d := p.ZCard(ctx, q.keyDelayed())
	f := p.ZCard(ctx, q.keyProcessing())
	if _, err = p.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return r.Val(), d.Val(), f.Val(), nil
}
