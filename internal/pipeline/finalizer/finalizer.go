// Package finalizer prunes block-hash rows that fell out of the reorg window.
package finalizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

const (
	defaultInterval = 10 * time.Minute
	defaultLockTTL  = time.Minute
)

type Config struct {
	Chain    string
	Network  string
	Interval time.Duration
	// Retention is how many blocks below the head keep their hash rows.
	// Zero disables pruning.
	Retention int64
	LockTTL   time.Duration
}

// Finalizer periodically deletes indexed block rows older than the
// retention window. Blocks that deep are treated as final: the reorg
// detector never compares them again.
type Finalizer struct {
	provider chain.Provider
	blocks   store.BlockRepository
	lock     store.Lock
	cfg      Config
	logger   *slog.Logger
}

func New(provider chain.Provider, blocks store.BlockRepository, lock store.Lock, cfg Config, logger *slog.Logger) *Finalizer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Finalizer{
		provider: provider,
		blocks:   blocks,
		lock:     lock,
		cfg:      cfg,
		logger:   logger.With("component", "finalizer", "chain", cfg.Chain, "network", cfg.Network),
	}
}

func (f *Finalizer) LockName() string {
	return fmt.Sprintf("finalizer:%s:%s", f.cfg.Chain, f.cfg.Network)
}

func (f *Finalizer) Run(ctx context.Context) error {
	if f.cfg.Retention <= 0 {
		f.logger.Info("finalizer disabled, no block retention configured")
		<-ctx.Done()
		return ctx.Err()
	}
	f.logger.Info("finalizer started", "interval", f.cfg.Interval, "retention", f.cfg.Retention)

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("finalizer stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := f.Prune(ctx); err != nil && ctx.Err() == nil {
				f.logger.Warn("finalizer prune failed", "error", err)
			}
		}
	}
}

// Prune deletes block rows below head minus Retention and returns how many
// were removed. It returns store.ErrLockNotAcquired when another instance is
// pruning.
func (f *Finalizer) Prune(ctx context.Context) (int64, error) {
	if f.cfg.Retention <= 0 {
		return 0, nil
	}
	acquired, err := f.lock.Acquire(ctx, f.LockName(), f.cfg.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire %s: %w", f.LockName(), err)
	}
	if !acquired {
		return 0, store.ErrLockNotAcquired
	}
	defer func() {
		if err := f.lock.Release(context.WithoutCancel(ctx), f.LockName()); err != nil {
			f.logger.Warn("release finalizer lock failed", "error", err)
		}
	}()

	head, err := f.provider.GetBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("get head: %w", err)
	}
	cutoff := head - f.cfg.Retention
	if cutoff <= 0 {
		return 0, nil
	}
	pruned, err := f.blocks.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune blocks before %d: %w", cutoff, err)
	}
	if pruned > 0 {
		metrics.FinalizerPrunedBlocksTotal.WithLabelValues(f.cfg.Chain, f.cfg.Network).Add(float64(pruned))
		f.logger.Info("pruned old block rows", "cutoff_block", cutoff, "pruned_count", pruned)
	}
	return pruned, nil
}
