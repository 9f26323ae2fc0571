package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mgamer/indexer-v3-sub004/internal/alert"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/normalizer"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/retry"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/syncer"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
	"github.com/mgamer/indexer-v3-sub004/internal/tracing"
)

// Handler processes one job payload.
type Handler func(ctx context.Context, job *event.Job) error

// RangeSyncer syncs one block range.
type RangeSyncer interface {
	SyncRange(ctx context.Context, from, to int64, opts event.SyncOptions) (syncer.Result, error)
}

// RangeHandler runs backfill-range jobs through s.
func RangeHandler(s RangeSyncer) Handler {
	return func(ctx context.Context, job *event.Job) error {
		var p event.RangeJob
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return retry.Terminal(fmt.Errorf("decode range job: %w", err))
		}
		_, err := s.SyncRange(ctx, p.FromBlock, p.ToBlock, p.Options)
		return err
	}
}

type WorkerConfig struct {
	Chain          string
	Network        string
	Workers        int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PollTimeout    time.Duration
}

// Worker drains the job queue. A failed job is retried with exponential
// backoff until MaxAttempts, then dead-lettered with an alert. Terminal
// errors skip the remaining attempts.
type Worker struct {
	queue    store.JobQueue
	handlers map[event.JobKind]Handler
	alerter  alert.Alerter
	cfg      WorkerConfig
	logger   *slog.Logger
}

func NewWorker(queue store.JobQueue, alerter alert.Alerter, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Worker{
		queue:    queue,
		handlers: make(map[event.JobKind]Handler),
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger.With("component", "backfill_worker"),
	}
}

// Handle registers h for kind. It must be called before Run.
func (w *Worker) Handle(kind event.JobKind, h Handler) {
	w.handlers[kind] = h
}

// Run starts cfg.Workers consumers and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("backfill workers started", "workers", w.cfg.Workers, "max_attempts", w.cfg.MaxAttempts)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				start := time.Now()
				took, err := w.ProcessNext(gctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Error("job loop error", "error", err)
					if err := retry.Sleep(gctx, w.cfg.PollTimeout); err != nil {
						return nil
					}
					continue
				}
				// An empty queue that answered early still costs one poll.
				if !took {
					if err := retry.Sleep(gctx, w.cfg.PollTimeout-time.Since(start)); err != nil {
						return nil
					}
				}
			}
		})
	}
	return g.Wait()
}

// ProcessNext handles at most one ready job. It reports whether a job was
// taken; the returned error covers queue failures only.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
	if errors.Is(err, store.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	from := event.JobQueued
	if job.Attempt > 0 {
		from = event.JobRetrying
	}
	w.transition(job, from, event.JobProcessing)
	return true, w.process(ctx, job)
}

// Drain processes ready jobs until the queue reports empty.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		took, err := w.ProcessNext(ctx)
		if err != nil {
			return err
		}
		if !took {
			return nil
		}
	}
}

func (w *Worker) process(ctx context.Context, job *event.Job) error {
	start := time.Now()
	handleErr := w.invoke(ctx, job)
	metrics.BackfillJobLatency.WithLabelValues(w.cfg.Chain, w.cfg.Network, string(job.Kind)).Observe(time.Since(start).Seconds())

	if handleErr == nil {
		if err := w.queue.Ack(ctx, job); err != nil {
			return fmt.Errorf("ack job %s: %w", job.ID, err)
		}
		w.transition(job, event.JobProcessing, event.JobCompleted)
		return nil
	}

	decision := retry.Classify(handleErr)
	retryable := decision.IsTransient() || decision.Reason == retry.ReasonUnknown
	if retryable && job.Attempt+1 < w.cfg.MaxAttempts {
		delay := retry.Backoff(job.Attempt, w.cfg.BackoffInitial, w.cfg.BackoffMax)
		job.LastError = handleErr.Error()
		w.logger.Warn("job failed, retrying",
			"job_id", job.ID,
			"kind", job.Kind,
			"attempt", job.Attempt+1,
			"delay", delay,
			"reason", decision.Reason,
			"error", handleErr,
		)
		if err := w.queue.Retry(ctx, job, delay); err != nil {
			return fmt.Errorf("retry job %s: %w", job.ID, err)
		}
		w.transition(job, event.JobProcessing, event.JobRetrying)
		return nil
	}

	w.logger.Error("job dead-lettered",
		"job_id", job.ID,
		"kind", job.Kind,
		"attempt", job.Attempt+1,
		"reason", decision.Reason,
		"payload", string(job.Payload),
		"error", handleErr,
	)
	if err := w.queue.DeadLetter(ctx, job, handleErr.Error()); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	w.transition(job, event.JobProcessing, event.JobDeadLettered)
	if err := w.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeDeadLetter,
		Chain:   w.cfg.Chain,
		Network: w.cfg.Network,
		Title:   fmt.Sprintf("%s job dead-lettered", job.Kind),
		Message: handleErr.Error(),
		Fields: map[string]string{
			"job_id":   job.ID,
			"attempts": strconv.Itoa(job.Attempt + 1),
			"payload":  string(job.Payload),
		},
	}); err != nil {
		w.logger.Warn("dead-letter alert failed", "job_id", job.ID, "error", err)
	}
	return nil
}

func (w *Worker) invoke(ctx context.Context, job *event.Job) (err error) {
	h, ok := w.handlers[job.Kind]
	if !ok {
		return retry.Terminal(fmt.Errorf("no handler for job kind %q", job.Kind))
	}
	ctx, span := tracing.Start(ctx, "backfill.job",
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempt),
	)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked", "job_id", job.ID, "kind", job.Kind, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job handler panic: %v", r)
		}
		tracing.End(span, err)
	}()
	return h(ctx, job)
}

// transition records a state change. The queue owns the stored state; an
// unexpected move is logged and not enforced.
func (w *Worker) transition(job *event.Job, from, next event.JobState) {
	if _, err := from.Transition(next); err != nil {
		w.logger.Warn("unexpected job transition", "job_id", job.ID, "error", err)
	}
	job.State = next
	metrics.BackfillJobTransitions.WithLabelValues(w.cfg.Chain, w.cfg.Network, string(job.Kind), string(next)).Inc()
}

// Resubmitter re-runs a delayed order normalization.
type Resubmitter interface {
	HandleResubmit(ctx context.Context, raw json.RawMessage) ([]normalizer.Result, error)
}

// ResubmitHandler runs order-resubmit jobs through r. Per-order outcomes are
// values; only infrastructure failures fail the job.
func ResubmitHandler(r Resubmitter) Handler {
	return func(ctx context.Context, job *event.Job) error {
		_, err := r.HandleResubmit(ctx, job.Payload)
		return err
	}
}
