// Package realtime follows the chain head, keeping the durable cursor a few
// blocks behind it so recent blocks are always observed twice.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/syncer"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

// Plan is the work of one tick: the window synced in place and an optional
// older prefix handed to backfill.
type Plan struct {
	From int64
	To   int64
	// HasGap is set when the window does not start right after the cursor.
	HasGap  bool
	GapFrom int64
	GapTo   int64
}

// Window plans a tick for the given cursor and head. ok is false when the
// cursor has caught up.
func Window(cursor, head, maxBlocks int64) (Plan, bool) {
	if cursor >= head {
		return Plan{}, false
	}
	if maxBlocks <= 0 {
		maxBlocks = 1
	}
	from := cursor + 1
	if start := head - maxBlocks + 1; start > from {
		from = start
	}
	p := Plan{From: from, To: head}
	if cursor+1 < from {
		p.HasGap, p.GapFrom, p.GapTo = true, cursor+1, from-1
	}
	return p, true
}

type RangeSyncer interface {
	SyncRange(ctx context.Context, from, to int64, opts event.SyncOptions) (syncer.Result, error)
}

type Backfiller interface {
	Schedule(ctx context.Context, from, to int64, opts event.SyncOptions) (int, error)
}

type Config struct {
	Chain             string
	Network           string
	ConfirmationLag   int64
	MaxRealtimeBlocks int64
	Interval          time.Duration
	// BlockCheckDelays schedules re-checks of every newly synced block.
	BlockCheckDelays []time.Duration
}

type Tailer struct {
	provider chain.Provider
	cursors  store.CursorRepository
	syncer   RangeSyncer
	backfill Backfiller
	queue    store.JobQueue
	cfg      Config
	logger   *slog.Logger

	// checkedThrough is the highest block with scheduled block checks.
	checkedThrough int64
	lastHead       int64
	lastCursor     int64
}

func NewTailer(
	provider chain.Provider,
	cursors store.CursorRepository,
	s RangeSyncer,
	backfill Backfiller,
	queue store.JobQueue,
	cfg Config,
	logger *slog.Logger,
) *Tailer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxRealtimeBlocks <= 0 {
		cfg.MaxRealtimeBlocks = 16
	}
	return &Tailer{
		provider: provider,
		cursors:  cursors,
		syncer:   s,
		backfill: backfill,
		queue:    queue,
		cfg:      cfg,
		logger:   logger.With("component", "realtime"),
	}
}

// Run ticks every Interval until ctx is cancelled. Tick errors are logged
// and retried on the next tick from the unchanged cursor.
func (t *Tailer) Run(ctx context.Context) error {
	t.logger.Info("realtime tailer started",
		"interval", t.cfg.Interval,
		"confirmation_lag", t.cfg.ConfirmationLag,
		"max_blocks", t.cfg.MaxRealtimeBlocks,
	)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := t.Tick(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("realtime tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick syncs the window between the cursor and the head, hands any uncovered
// prefix to backfill and then moves the cursor to head minus the
// confirmation lag.
func (t *Tailer) Tick(ctx context.Context) error {
	labels := []string{t.cfg.Chain, t.cfg.Network}
	metrics.RealtimeTicksTotal.WithLabelValues(labels...).Inc()

	err := t.tick(ctx)
	if err != nil {
		metrics.RealtimeTickErrors.WithLabelValues(labels...).Inc()
	}
	return err
}

func (t *Tailer) tick(ctx context.Context) error {
	head, err := t.provider.GetBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get head: %w", err)
	}
	metrics.RealtimeHeadBlock.WithLabelValues(t.cfg.Chain, t.cfg.Network).Set(float64(head))
	t.lastHead = head

	cur, err := t.cursors.Get(ctx, model.StreamRealtime)
	if err != nil {
		return fmt.Errorf("get cursor: %w", err)
	}
	// A fresh stream starts at the head; history is a backfill request.
	cursor := max(head-t.cfg.ConfirmationLag-1, -1)
	if cur != nil {
		cursor = cur.BlockNumber
		t.lastCursor = cursor
	}

	plan, ok := Window(cursor, head, t.cfg.MaxRealtimeBlocks)
	if !ok {
		return nil
	}

	res, err := t.syncer.SyncRange(ctx, plan.From, plan.To, event.SyncOptions{Realtime: true})
	if err != nil {
		return fmt.Errorf("sync [%d, %d]: %w", plan.From, plan.To, err)
	}

	t.scheduleBlockChecks(ctx, res.Blocks)

	if plan.HasGap {
		if _, err := t.backfill.Schedule(ctx, plan.GapFrom, plan.GapTo, event.SyncOptions{}); err != nil {
			return fmt.Errorf("hand gap [%d, %d] to backfill: %w", plan.GapFrom, plan.GapTo, err)
		}
		metrics.RealtimeGapBlocks.WithLabelValues(t.cfg.Chain, t.cfg.Network).Add(float64(plan.GapTo - plan.GapFrom + 1))
		t.logger.Info("realtime gap handed to backfill", "from", plan.GapFrom, "to", plan.GapTo)
	}

	next := head - t.cfg.ConfirmationLag
	if next <= cursor {
		return nil
	}
	c := &model.BlockCursor{Stream: model.StreamRealtime, BlockNumber: next}
	for _, b := range res.Blocks {
		if b.BlockNumber == next {
			c.BlockHash = b.BlockHash
		}
	}
	if err := t.cursors.Advance(ctx, c); err != nil {
		return fmt.Errorf("advance cursor to %d: %w", next, err)
	}
	metrics.RealtimeCursorBlock.WithLabelValues(t.cfg.Chain, t.cfg.Network).Set(float64(next))
	t.lastCursor = next
	t.logger.Debug("realtime tick",
		"head", head,
		"from", plan.From,
		"to", plan.To,
		"cursor", next,
		"decoded", res.Decoded,
	)
	return nil
}

// Position returns the head and cursor seen by the latest tick. It must be
// called from the goroutine driving Tick.
func (t *Tailer) Position() (head, cursor int64) {
	return t.lastHead, t.lastCursor
}

// scheduleBlockChecks enqueues delayed re-checks of blocks not seen by an
// earlier tick. Failures are logged; the periodic reorg scan still covers
// these blocks.
func (t *Tailer) scheduleBlockChecks(ctx context.Context, blocks []model.IndexedBlock) {
	if t.queue == nil || len(t.cfg.BlockCheckDelays) == 0 {
		return
	}
	var fresh []model.IndexedBlock
	for _, b := range blocks {
		if b.BlockNumber > t.checkedThrough {
			fresh = append(fresh, b)
		}
	}
	if len(fresh) == 0 {
		return
	}
	for _, delay := range t.cfg.BlockCheckDelays {
		jobs := make([]*event.Job, 0, len(fresh))
		for _, b := range fresh {
			payload, err := json.Marshal(event.BlockCheckJob{Block: b.BlockNumber, BlockHash: b.BlockHash})
			if err != nil {
				t.logger.Error("encode block check", "block", b.BlockNumber, "error", err)
				continue
			}
			jobs = append(jobs, &event.Job{
				ID:      uuid.NewString(),
				Kind:    event.JobBlockCheck,
				Payload: payload,
				State:   event.JobQueued,
			})
		}
		if err := t.queue.EnqueueBulk(ctx, jobs, store.EnqueueOptions{Delay: delay}); err != nil {
			t.logger.Warn("schedule block checks failed", "delay", delay, "blocks", len(jobs), "error", err)
			continue
		}
		metrics.BackfillJobsEnqueued.WithLabelValues(t.cfg.Chain, t.cfg.Network, string(event.JobBlockCheck)).Add(float64(len(jobs)))
	}
	t.checkedThrough = fresh[len(fresh)-1].BlockNumber
}
