// Package backfill splits historical block ranges into queued batch jobs and
// runs the workers that drain them.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

const defaultBatchSize = 16

// Range is an inclusive block range.
type Range struct {
	From int64
	To   int64
}

// Split cuts [from, to] into consecutive ranges of at most size blocks.
func Split(from, to, size int64) []Range {
	if to < from {
		return nil
	}
	if size <= 0 {
		size = defaultBatchSize
	}
	out := make([]Range, 0, (to-from)/size+1)
	for start := from; start <= to; start += size {
		end := start + size - 1
		if end > to {
			end = to
		}
		out = append(out, Range{From: start, To: end})
	}
	return out
}

// Shuffle permutes items in place with Fisher-Yates.
func Shuffle[T any](items []T, rnd *rand.Rand) {
	for i := len(items) - 1; i > 0; i-- {
		j := rnd.Intn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

type SchedulerConfig struct {
	Chain     string
	Network   string
	BatchSize int64
}

// Scheduler enqueues backfill batches. Batches go out in random order so
// concurrent workers rarely contend on the same balance rows.
type Scheduler struct {
	queue  store.JobQueue
	cfg    SchedulerConfig
	logger *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewScheduler(queue store.JobQueue, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Scheduler{
		queue:  queue,
		cfg:    cfg,
		logger: logger.With("component", "backfill_scheduler"),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRand replaces the shuffle source.
func (s *Scheduler) SetRand(rnd *rand.Rand) {
	s.mu.Lock()
	s.rnd = rnd
	s.mu.Unlock()
}

// Schedule enqueues [from, to] as shuffled batches and returns the number of
// jobs created.
func (s *Scheduler) Schedule(ctx context.Context, from, to int64, opts event.SyncOptions) (int, error) {
	ranges := Split(from, to, s.cfg.BatchSize)
	if len(ranges) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	Shuffle(ranges, s.rnd)
	s.mu.Unlock()

	jobs := make([]*event.Job, 0, len(ranges))
	for _, r := range ranges {
		job, err := newRangeJob(r, opts)
		if err != nil {
			return 0, err
		}
		jobs = append(jobs, job)
	}
	if err := s.queue.EnqueueBulk(ctx, jobs, store.EnqueueOptions{}); err != nil {
		return 0, fmt.Errorf("enqueue backfill [%d, %d]: %w", from, to, err)
	}
	metrics.BackfillJobsEnqueued.WithLabelValues(s.cfg.Chain, s.cfg.Network, string(event.JobBackfillRange)).Add(float64(len(jobs)))
	s.logger.Info("backfill scheduled",
		"from", from,
		"to", to,
		"batches", len(jobs),
		"batch_size", s.cfg.BatchSize,
		"sub_kinds", opts.SubKinds,
		"address", opts.Address,
	)
	return len(jobs), nil
}

// ScheduleBlock enqueues a single-block resync ahead of regular batches.
func (s *Scheduler) ScheduleBlock(ctx context.Context, block int64, opts event.SyncOptions) error {
	job, err := newRangeJob(Range{From: block, To: block}, opts)
	if err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, job, store.EnqueueOptions{Priority: true}); err != nil {
		return fmt.Errorf("enqueue resync of block %d: %w", block, err)
	}
	metrics.BackfillJobsEnqueued.WithLabelValues(s.cfg.Chain, s.cfg.Network, string(event.JobBackfillRange)).Inc()
	return nil
}

func newRangeJob(r Range, opts event.SyncOptions) (*event.Job, error) {
	payload, err := json.Marshal(event.RangeJob{FromBlock: r.From, ToBlock: r.To, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("encode range job: %w", err)
	}
	return &event.Job{
		ID:         uuid.NewString(),
		Kind:       event.JobBackfillRange,
		Payload:    payload,
		State:      event.JobQueued,
		EnqueuedAt: time.Now(),
	}, nil
}
