// Package pipeline composes the realtime tailer, backfill workers, reorg
// detector and finalizer of one chain/network into a single supervised unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mgamer/indexer-v3-sub004/internal/alert"
	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/backfill"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/demux"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/finalizer"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/ledger"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/normalizer"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/realtime"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/reorgdetector"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/syncer"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

type Config struct {
	Chain                 string
	Network               string
	Sync                  config.SyncConfig
	Backfill              config.BackfillConfig
	Reorg                 config.ReorgConfig
	BlockFetchConcurrency int
	UnhealthyThreshold    int
}

// Deps are the collaborators shared by every stage. Normalizer may be nil,
// in which case the pipeline maintains the transfer ledger only.
type Deps struct {
	Provider   chain.Provider
	Demuxer    *demux.Demuxer
	Ledger     *ledger.Ledger
	Normalizer *normalizer.Normalizer
	Cursors    store.CursorRepository
	Blocks     store.BlockRepository
	Queue      store.JobQueue
	Lock       store.Lock
	Alerter    alert.Alerter
}

type Pipeline struct {
	cfg       Config
	alerter   alert.Alerter
	health    *Health
	syncer    *syncer.Syncer
	scheduler *backfill.Scheduler
	worker    *backfill.Worker
	tailer    *realtime.Tailer
	detector  *reorgdetector.Detector
	finalizer *finalizer.Finalizer
	logger    *slog.Logger
}

// noOrders stands in for the normalizer in ledger-only deployments.
type noOrders struct{}

func (noOrders) RollbackBlock(context.Context, int64, string) ([]normalizer.Result, error) {
	return nil, nil
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Pipeline {
	logger = logger.With("chain", cfg.Chain, "network", cfg.Network)
	alerter := deps.Alerter
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}

	var orders syncer.OrderProcessor
	var rollback reorgdetector.OrderRollback = noOrders{}
	if deps.Normalizer != nil {
		orders = deps.Normalizer
		rollback = deps.Normalizer
	}

	s := syncer.New(deps.Provider, deps.Demuxer, deps.Ledger, orders, deps.Blocks, syncer.Config{
		Chain:                 cfg.Chain,
		Network:               cfg.Network,
		BlockFetchConcurrency: cfg.BlockFetchConcurrency,
	}, logger)

	scheduler := backfill.NewScheduler(deps.Queue, backfill.SchedulerConfig{
		Chain:     cfg.Chain,
		Network:   cfg.Network,
		BatchSize: cfg.Sync.BackfillBatchSize,
	}, logger)

	detector := reorgdetector.New(deps.Provider, deps.Blocks, deps.Lock, deps.Ledger, rollback, scheduler, reorgdetector.Config{
		Chain:    cfg.Chain,
		Network:  cfg.Network,
		Interval: cfg.Reorg.Interval,
		Depth:    cfg.Reorg.Depth,
		LockTTL:  cfg.Reorg.LockTTL,
	}, logger).WithAlerter(alerter)

	worker := backfill.NewWorker(deps.Queue, alerter, backfill.WorkerConfig{
		Chain:          cfg.Chain,
		Network:        cfg.Network,
		Workers:        cfg.Backfill.Workers,
		MaxAttempts:    cfg.Backfill.MaxAttempts,
		BackoffInitial: cfg.Backfill.BackoffInitial,
		BackoffMax:     cfg.Backfill.BackoffMax,
		PollTimeout:    cfg.Backfill.PollTimeout,
	}, logger)
	worker.Handle(event.JobBackfillRange, backfill.RangeHandler(s))
	worker.Handle(event.JobBlockCheck, detector.HandleBlockCheck)
	if deps.Normalizer != nil {
		worker.Handle(event.JobOrderResubmit, backfill.ResubmitHandler(deps.Normalizer))
	}

	tailer := realtime.NewTailer(deps.Provider, deps.Cursors, s, scheduler, deps.Queue, realtime.Config{
		Chain:             cfg.Chain,
		Network:           cfg.Network,
		ConfirmationLag:   cfg.Sync.ConfirmationLag,
		MaxRealtimeBlocks: cfg.Sync.MaxRealtimeBlocks,
		Interval:          cfg.Sync.RealtimeInterval,
		BlockCheckDelays:  cfg.Sync.BlockCheckDelays,
	}, logger)

	fin := finalizer.New(deps.Provider, deps.Blocks, deps.Lock, finalizer.Config{
		Chain:     cfg.Chain,
		Network:   cfg.Network,
		Interval:  cfg.Reorg.PruneInterval,
		Retention: cfg.Reorg.BlockRetention,
		LockTTL:   cfg.Reorg.LockTTL,
	}, logger)

	health := NewHealth(model.Chain(cfg.Chain), model.Network(cfg.Network))
	health.SetUnhealthyThreshold(cfg.UnhealthyThreshold)

	return &Pipeline{
		cfg:       cfg,
		alerter:   alerter,
		health:    health,
		syncer:    s,
		scheduler: scheduler,
		worker:    worker,
		tailer:    tailer,
		detector:  detector,
		finalizer: fin,
		logger:    logger.With("component", "pipeline"),
	}
}

func (p *Pipeline) Health() *Health                   { return p.health }
func (p *Pipeline) Syncer() *syncer.Syncer            { return p.syncer }
func (p *Pipeline) Tailer() *realtime.Tailer          { return p.tailer }
func (p *Pipeline) Worker() *backfill.Worker          { return p.worker }
func (p *Pipeline) Detector() *reorgdetector.Detector { return p.detector }
func (p *Pipeline) Finalizer() *finalizer.Finalizer   { return p.finalizer }
func (p *Pipeline) Scheduler() *backfill.Scheduler    { return p.scheduler }

// HealthSnapshot serves the admin API.
func (p *Pipeline) HealthSnapshot() any { return p.health.Snapshot() }

// Backfill queues [from, to] for the backfill workers and returns the number
// of range jobs created.
func (p *Pipeline) Backfill(ctx context.Context, from, to int64, opts event.SyncOptions) (int, error) {
	return p.scheduler.Schedule(ctx, from, to, opts)
}

// Run starts every stage and blocks until ctx is cancelled or a stage fails.
// Cancellation is a clean shutdown and returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline starting",
		"confirmation_lag", p.cfg.Sync.ConfirmationLag,
		"max_realtime_blocks", p.cfg.Sync.MaxRealtimeBlocks,
		"backfill_workers", p.cfg.Backfill.Workers,
		"reorg_depth", p.cfg.Reorg.Depth,
	)

	g, gctx := errgroup.WithContext(ctx)
	p.goGuarded(g, "realtime", func() error { return p.runRealtime(gctx) })
	p.goGuarded(g, "backfill", func() error { return p.worker.Run(gctx) })
	p.goGuarded(g, "reorg_detector", func() error { return p.detector.Run(gctx) })
	p.goGuarded(g, "finalizer", func() error { return p.finalizer.Run(gctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	p.logger.Info("pipeline stopped")
	return nil
}

func (p *Pipeline) goGuarded(g *errgroup.Group, stage string, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("pipeline stage panic", "stage", stage, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("%s panic: %v", stage, r)
			}
		}()
		return fn()
	})
}

func (p *Pipeline) runRealtime(ctx context.Context) error {
	interval := p.cfg.Sync.RealtimeInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.TickRealtime(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TickRealtime runs one realtime tick and records its outcome in Health.
// Crossing the unhealthy threshold raises an alert; the first good tick
// afterwards raises a recovery alert and triggers an immediate reorg check.
func (p *Pipeline) TickRealtime(ctx context.Context) {
	start := time.Now()
	err := p.tailer.Tick(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("realtime tick failed", "error", err)
		if p.health.RecordFailure(err) {
			p.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeRPCDegraded,
				Title:   "Realtime sync unhealthy",
				Message: fmt.Sprintf("%d consecutive realtime ticks failed: %v", p.health.Snapshot().ConsecutiveFailures, err),
			})
		}
		return
	}
	head, cursor := p.tailer.Position()
	if p.health.RecordTick(time.Since(start), head, cursor) {
		p.logger.Info("realtime sync recovered", "head", head, "cursor", cursor)
		p.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Title:   "Realtime sync recovered",
			Message: fmt.Sprintf("cursor %d, head %d", cursor, head),
		})
		p.detector.CheckNow()
	}
}

func (p *Pipeline) sendAlert(ctx context.Context, a alert.Alert) {
	a.Chain = p.cfg.Chain
	a.Network = p.cfg.Network
	if err := p.alerter.Send(ctx, a); err != nil {
		p.logger.Warn("alert send failed", "type", a.Type, "error", err)
	}
}
