// Package reorgdetector compares stored block hashes with the canonical chain
// and repairs ledger and order state for blocks that were orphaned.
package reorgdetector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mgamer/indexer-v3-sub004/internal/alert"
	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/normalizer"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/retry"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
	"github.com/mgamer/indexer-v3-sub004/internal/tracing"
)

const (
	defaultInterval        = 30 * time.Second
	defaultDepth           = 64
	defaultLockTTL         = time.Minute
	rpcErrorAlertThreshold = 5
)

// TransferRollback tombstones the transfers of an orphaned block.
type TransferRollback interface {
	Rollback(ctx context.Context, block int64, blockHash string) ([]model.TransferEvent, error)
}

// OrderRollback undoes the order effects of an orphaned block.
type OrderRollback interface {
	RollbackBlock(ctx context.Context, block int64, blockHash string) ([]normalizer.Result, error)
}

// Resyncer re-queues a single block ahead of regular backfill.
type Resyncer interface {
	ScheduleBlock(ctx context.Context, block int64, opts event.SyncOptions) error
}

type Config struct {
	Chain    string
	Network  string
	Interval time.Duration
	// Depth is how many of the newest stored blocks each check compares.
	Depth   int
	LockTTL time.Duration
}

// Detector periodically compares stored block hashes against the chain. An
// orphaned block has its transfers and order effects rolled back, its row
// removed and the block re-queued for sync.
type Detector struct {
	provider chain.Provider
	blocks   store.BlockRepository
	lock     store.Lock
	ledger   TransferRollback
	orders   OrderRollback
	resync   Resyncer
	alerter  alert.Alerter
	cfg      Config
	logger   *slog.Logger
	nowFn    func() time.Time

	checkNowCh chan struct{}

	mu                 sync.Mutex
	consecutiveRPCErrs int
	// lastVerified caches hashes confirmed on the previous check. Blocks
	// that still carry the same stored hash are not fetched again while the
	// tip keeps matching.
	lastVerified map[int64]string
}

func New(
	provider chain.Provider,
	blocks store.BlockRepository,
	lock store.Lock,
	ledger TransferRollback,
	orders OrderRollback,
	resync Resyncer,
	cfg Config,
	logger *slog.Logger,
) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Detector{
		provider:   provider,
		blocks:     blocks,
		lock:       lock,
		ledger:     ledger,
		orders:     orders,
		resync:     resync,
		alerter:    &alert.NoopAlerter{},
		cfg:        cfg,
		logger:     logger.With("component", "reorg_detector"),
		nowFn:      time.Now,
		checkNowCh: make(chan struct{}, 1),
	}
}

// WithAlerter sets the alerter for reorg and RPC error alerts.
func (d *Detector) WithAlerter(a alert.Alerter) *Detector {
	if a != nil {
		d.alerter = a
	}
	return d
}

// LockName is the distributed lock guarding the periodic check.
func (d *Detector) LockName() string {
	return fmt.Sprintf("reorg-detector:%s:%s", d.cfg.Chain, d.cfg.Network)
}

// CheckNow triggers an immediate check without blocking.
func (d *Detector) CheckNow() {
	select {
	case d.checkNowCh <- struct{}{}:
	default:
	}
}

func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info("reorg detector started", "interval", d.cfg.Interval, "depth", d.cfg.Depth, "lock_ttl", d.cfg.LockTTL)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("reorg detector stopping")
			return ctx.Err()
		case <-ticker.C:
		case <-d.checkNowCh:
		}
		if err := d.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("reorg check failed", "error", err)
		}
	}
}

// CheckOnce runs one scan of the newest stored blocks. It returns
// store.ErrLockNotAcquired when another instance is scanning.
func (d *Detector) CheckOnce(ctx context.Context) error {
	acquired, err := d.lock.Acquire(ctx, d.LockName(), d.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", d.LockName(), err)
	}
	if !acquired {
		metrics.ReorgLockContended.WithLabelValues(d.cfg.Chain, d.cfg.Network).Inc()
		d.logger.Debug("reorg check skipped, lock held elsewhere")
		return store.ErrLockNotAcquired
	}
	defer func() {
		if err := d.lock.Release(context.WithoutCancel(ctx), d.LockName()); err != nil {
			d.logger.Warn("release reorg lock failed", "error", err)
		}
	}()

	start := d.nowFn()
	defer func() {
		metrics.ReorgDetectorCheckLatency.WithLabelValues(d.cfg.Chain, d.cfg.Network).Observe(time.Since(start).Seconds())
	}()
	return d.scan(ctx)
}

func (d *Detector) scan(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	recent, err := d.blocks.GetRecent(ctx, d.cfg.Depth)
	if err != nil {
		return fmt.Errorf("get recent blocks: %w", err)
	}
	if len(recent) == 0 {
		d.lastVerified = nil
		return nil
	}

	// A broken parent link between stored rows means one of them is stale;
	// drop the cache so every row is compared with the chain.
	if d.parentChainBroken(recent) {
		d.lastVerified = nil
	}

	canonical := make(map[int64]string)
	var orphaned []model.IndexedBlock
	verify := func(b model.IndexedBlock) (bool, error) {
		hash, ok := canonical[b.BlockNumber]
		if !ok {
			h, err := d.canonicalHash(ctx, b.BlockNumber)
			if err != nil {
				return false, err
			}
			hash = h
			canonical[b.BlockNumber] = hash
		}
		if hash == "" {
			// Past the current head; the chain may not have caught up.
			return false, nil
		}
		if hash != b.BlockHash {
			orphaned = append(orphaned, b)
		}
		return true, nil
	}

	// A height holding more than one row was re-synced after a fork; the
	// cached hash may belong to the stale row, so every row there is fetched.
	rows := make(map[int64]int, len(recent))
	for _, b := range recent {
		rows[b.BlockNumber]++
	}

	tip := recent[0]
	tipOK := false
	if known, err := verify(tip); err == nil && known && len(orphaned) == 0 {
		tipOK = true
	}

	verified := make(map[int64]string, len(recent))
	if tipOK {
		verified[tip.BlockNumber] = tip.BlockHash
	}
	rpcErrs := 0
	for _, b := range recent[1:] {
		if prev, ok := d.lastVerified[b.BlockNumber]; tipOK && ok && prev == b.BlockHash && rows[b.BlockNumber] == 1 {
			verified[b.BlockNumber] = prev
			continue
		}
		before := len(orphaned)
		known, err := verify(b)
		if err != nil {
			rpcErrs++
			continue
		}
		if known && len(orphaned) == before {
			verified[b.BlockNumber] = b.BlockHash
		}
	}

	var errs []error
	for _, b := range orphaned {
		if err := d.reconcile(ctx, b, canonical[b.BlockNumber]); err != nil {
			errs = append(errs, err)
			delete(verified, b.BlockNumber)
		}
	}
	d.lastVerified = verified

	d.logger.Debug("reorg check completed",
		"stored", len(recent),
		"orphaned", len(orphaned),
		"rpc_calls", len(canonical),
		"rpc_errors", rpcErrs,
	)
	return errors.Join(errs...)
}

// parentChainBroken reports whether two stored consecutive blocks disagree
// on their link. Rows for different forks of the same height are expected
// until reconciliation and are not compared.
func (d *Detector) parentChainBroken(blocks []model.IndexedBlock) bool {
	byNumber := make(map[int64][]string, len(blocks))
	for _, b := range blocks {
		byNumber[b.BlockNumber] = append(byNumber[b.BlockNumber], b.BlockHash)
	}
	for _, b := range blocks {
		if b.ParentHash == "" {
			continue
		}
		parents, ok := byNumber[b.BlockNumber-1]
		if !ok || len(parents) != 1 || len(byNumber[b.BlockNumber]) != 1 {
			continue
		}
		if parents[0] != b.ParentHash {
			d.logger.Warn("parent hash chain break detected",
				"block_number", b.BlockNumber,
				"block_hash", b.BlockHash,
				"parent_hash", b.ParentHash,
				"stored_parent_hash", parents[0],
			)
			return true
		}
	}
	return false
}

// canonicalHash returns the chain's hash for number, or "" when the chain
// has no such block yet.
func (d *Detector) canonicalHash(ctx context.Context, number int64) (string, error) {
	b, err := d.provider.GetBlock(ctx, number)
	if errors.Is(err, chain.ErrBlockNotFound) {
		d.consecutiveRPCErrs = 0
		return "", nil
	}
	if err != nil {
		d.consecutiveRPCErrs++
		metrics.ReorgDetectorRPCErrorsTotal.WithLabelValues(d.cfg.Chain, d.cfg.Network).Inc()
		d.logger.Warn("failed to get canonical block",
			"block_number", number,
			"consecutive_rpc_errors", d.consecutiveRPCErrs,
			"error", err,
		)
		if d.consecutiveRPCErrs == rpcErrorAlertThreshold {
			if sendErr := d.alerter.Send(ctx, alert.Alert{
				Type:    alert.AlertTypeRPCDegraded,
				Chain:   d.cfg.Chain,
				Network: d.cfg.Network,
				Title:   "Reorg detector RPC errors",
				Message: fmt.Sprintf("%d consecutive block reads failed for %s/%s", d.consecutiveRPCErrs, d.cfg.Chain, d.cfg.Network),
			}); sendErr != nil {
				d.logger.Warn("rpc error alert failed", "error", sendErr)
			}
		}
		return "", retry.Transient(fmt.Errorf("get block %d: %w", number, err))
	}
	d.consecutiveRPCErrs = 0
	return strings.ToLower(b.Hash), nil
}

// CheckBlock compares one stored (block, hash) pair with the chain and
// reconciles it when orphaned. It serves the delayed block-check jobs.
func (d *Detector) CheckBlock(ctx context.Context, block int64, hash string) error {
	d.mu.Lock()
	canonical, err := d.canonicalHash(ctx, block)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	hash = strings.ToLower(hash)
	if canonical == "" || canonical == hash {
		return nil
	}
	return d.reconcile(ctx, model.IndexedBlock{BlockNumber: block, BlockHash: hash}, canonical)
}

// HandleBlockCheck runs a block-check job.
func (d *Detector) HandleBlockCheck(ctx context.Context, job *event.Job) error {
	var p event.BlockCheckJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return retry.Terminal(fmt.Errorf("decode block check: %w", err))
	}
	return d.CheckBlock(ctx, p.Block, p.BlockHash)
}

// reconcile repairs one orphaned block. Every step is idempotent; the row is
// deleted last so a failed repair is found and retried on the next check.
func (d *Detector) reconcile(ctx context.Context, b model.IndexedBlock, actual string) (err error) {
	ctx, span := tracing.Start(ctx, "reorg.reconcile",
		attribute.Int64("block", b.BlockNumber),
		attribute.String("expected_hash", b.BlockHash),
		attribute.String("actual_hash", actual),
	)
	defer func() { tracing.End(span, err) }()

	ev := event.ReorgEvent{
		BlockNumber:  b.BlockNumber,
		ExpectedHash: b.BlockHash,
		ActualHash:   actual,
		DetectedAt:   d.nowFn(),
	}
	metrics.ReorgDetectedTotal.WithLabelValues(d.cfg.Chain, d.cfg.Network).Inc()
	d.logger.Warn("orphaned block detected",
		"block_number", ev.BlockNumber,
		"expected_hash", ev.ExpectedHash,
		"actual_hash", ev.ActualHash,
	)

	removed, err := d.ledger.Rollback(ctx, b.BlockNumber, b.BlockHash)
	if err != nil {
		return fmt.Errorf("rollback ledger at %d: %w", b.BlockNumber, err)
	}
	results, err := d.orders.RollbackBlock(ctx, b.BlockNumber, b.BlockHash)
	if err != nil {
		return fmt.Errorf("rollback orders at %d: %w", b.BlockNumber, err)
	}
	if err := d.resync.ScheduleBlock(ctx, b.BlockNumber, event.SyncOptions{}); err != nil {
		return fmt.Errorf("resync block %d: %w", b.BlockNumber, err)
	}
	if err := d.blocks.Delete(ctx, b.BlockNumber, b.BlockHash); err != nil {
		return fmt.Errorf("delete orphaned block %d: %w", b.BlockNumber, err)
	}

	metrics.ReorgReconciledTotal.WithLabelValues(d.cfg.Chain, d.cfg.Network).Inc()
	d.logger.Info("orphaned block reconciled",
		"block_number", b.BlockNumber,
		"block_hash", b.BlockHash,
		"transfers_rolled_back", len(removed),
		"orders_touched", len(results),
	)
	if sendErr := d.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeReorg,
		Chain:   d.cfg.Chain,
		Network: d.cfg.Network,
		Title:   fmt.Sprintf("Reorg at block %d", b.BlockNumber),
		Message: fmt.Sprintf("stored hash %s replaced by %s", ev.ExpectedHash, ev.ActualHash),
		Fields: map[string]string{
			"block":       strconv.FormatInt(ev.BlockNumber, 10),
			"transfers":   strconv.Itoa(len(removed)),
			"orders":      strconv.Itoa(len(results)),
			"detected_at": ev.DetectedAt.UTC().Format(time.RFC3339),
		},
	}); sendErr != nil {
		d.logger.Warn("reorg alert failed", "error", sendErr)
	}
	return nil
}
