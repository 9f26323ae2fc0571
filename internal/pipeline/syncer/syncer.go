// Package syncer turns one block range into stored state: block hashes,
// ledger transfers and order effects.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/demux"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/ledger"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/retry"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
	"github.com/mgamer/indexer-v3-sub004/internal/tracing"
)

const defaultBlockFetchConcurrency = 10

// Ledger applies transfers extracted from decoded events.
type Ledger interface {
	Extract(decoded []event.Decoded) []model.TransferEvent
	Apply(ctx context.Context, transfers []model.TransferEvent) (ledger.ApplyStats, error)
}

// OrderProcessor applies the order side effects of decoded events.
type OrderProcessor interface {
	ProcessEvents(ctx context.Context, decoded []event.Decoded, transfers []model.TransferEvent) error
}

type Config struct {
	Chain   string
	Network string
	// BlockFetchConcurrency bounds parallel block header reads.
	BlockFetchConcurrency int
}

// Result summarizes one synced range.
type Result struct {
	Blocks    []model.IndexedBlock
	Decoded   int
	Transfers ledger.ApplyStats
}

type Syncer struct {
	provider chain.Provider
	demux    *demux.Demuxer
	ledger   Ledger
	orders   OrderProcessor
	blocks   store.BlockRepository
	cfg      Config
	logger   *slog.Logger
}

func New(
	provider chain.Provider,
	dmx *demux.Demuxer,
	ldg Ledger,
	orders OrderProcessor,
	blocks store.BlockRepository,
	cfg Config,
	logger *slog.Logger,
) *Syncer {
	if cfg.BlockFetchConcurrency <= 0 {
		cfg.BlockFetchConcurrency = defaultBlockFetchConcurrency
	}
	return &Syncer{
		provider: provider,
		demux:    dmx,
		ledger:   ldg,
		orders:   orders,
		blocks:   blocks,
		cfg:      cfg,
		logger:   logger.With("component", "syncer"),
	}
}

// SyncRange processes the inclusive range [from, to]. Every write is
// idempotent or gated by chain time, so a failed range can be retried as a
// whole.
func (s *Syncer) SyncRange(ctx context.Context, from, to int64, opts event.SyncOptions) (res Result, err error) {
	if to < from {
		return Result{}, fmt.Errorf("invalid range [%d, %d]", from, to)
	}
	start := time.Now()
	ctx, span := tracing.Start(ctx, "syncer.sync_range",
		attribute.Int64("from", from),
		attribute.Int64("to", to),
		attribute.Bool("realtime", opts.Realtime),
	)
	defer func() { tracing.End(span, err) }()

	logs, err := s.provider.GetLogs(ctx, s.query(from, to, opts))
	if err != nil {
		return Result{}, retry.Transient(fmt.Errorf("get logs [%d, %d]: %w", from, to, err))
	}

	numbers := blockNumbers(from, to, logs, opts.Realtime)
	blocks, err := s.fetchBlocks(ctx, numbers)
	if err != nil {
		return Result{}, err
	}
	if err := checkLogHashes(logs, blocks); err != nil {
		return Result{}, retry.Transient(err)
	}

	res.Blocks = indexed(numbers, blocks)
	if err := s.blocks.Save(ctx, res.Blocks); err != nil {
		return Result{}, fmt.Errorf("save blocks [%d, %d]: %w", from, to, err)
	}

	decoded := s.demux.Decode(logs, blocks, demux.Filter{SubKinds: opts.SubKinds, Address: opts.Address})
	res.Decoded = len(decoded)

	transfers := s.ledger.Extract(decoded)
	res.Transfers, err = s.ledger.Apply(ctx, transfers)
	if err != nil {
		return res, err
	}
	// Order rechecks read current balances, so replaying every transfer of
	// the range is safe when a failed range is retried.
	if !opts.SkipOrders && s.orders != nil {
		if err := s.orders.ProcessEvents(ctx, decoded, transfers); err != nil {
			return res, fmt.Errorf("order effects [%d, %d]: %w", from, to, err)
		}
	}

	metrics.SyncBlocksProcessed.WithLabelValues(s.cfg.Chain, s.cfg.Network).Add(float64(to - from + 1))
	metrics.SyncRangeLatency.WithLabelValues(s.cfg.Chain, s.cfg.Network).Observe(time.Since(start).Seconds())
	s.logger.Debug("range synced",
		"from", from,
		"to", to,
		"logs", len(logs),
		"decoded", res.Decoded,
		"transfers_applied", res.Transfers.Applied,
		"elapsed", time.Since(start),
	)
	return res, nil
}

func (s *Syncer) query(from, to int64, opts event.SyncOptions) chain.LogQuery {
	q := chain.LogQuery{
		FromBlock: from,
		ToBlock:   to,
		Topics:    [][]common.Hash{s.demux.Registry().Topic0s(opts.SubKinds...)},
	}
	if opts.Address != "" {
		q.Addresses = []common.Address{common.HexToAddress(opts.Address)}
	}
	return q
}

// blockNumbers lists the blocks to record: every block of a realtime range,
// otherwise only blocks that carry logs.
func blockNumbers(from, to int64, logs []types.Log, all bool) []int64 {
	if all {
		out := make([]int64, 0, to-from+1)
		for n := from; n <= to; n++ {
			out = append(out, n)
		}
		return out
	}
	seen := make(map[int64]bool)
	var out []int64
	for _, lg := range logs {
		n := int64(lg.BlockNumber)
		if n < from || n > to || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func (s *Syncer) fetchBlocks(ctx context.Context, numbers []int64) (map[int64]*chain.Block, error) {
	fetched := make([]*chain.Block, len(numbers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BlockFetchConcurrency)
	for i, n := range numbers {
		i, n := i, n
		g.Go(func() error {
			b, err := s.provider.GetBlock(gctx, n)
			if err != nil {
				return retry.Transient(fmt.Errorf("get block %d: %w", n, err))
			}
			fetched[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[int64]*chain.Block, len(fetched))
	for _, b := range fetched {
		out[b.Number] = b
	}
	return out, nil
}

// checkLogHashes fails when the node served logs and headers from different
// forks, which happens while a reorg is in flight.
func checkLogHashes(logs []types.Log, blocks map[int64]*chain.Block) error {
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		b, ok := blocks[int64(lg.BlockNumber)]
		if !ok {
			continue
		}
		if h := strings.ToLower(lg.BlockHash.Hex()); h != strings.ToLower(b.Hash) {
			return fmt.Errorf("block %d: log hash %s differs from header hash %s", b.Number, h, b.Hash)
		}
	}
	return nil
}

func indexed(numbers []int64, blocks map[int64]*chain.Block) []model.IndexedBlock {
	out := make([]model.IndexedBlock, 0, len(numbers))
	for _, n := range numbers {
		b := blocks[n]
		out = append(out, model.IndexedBlock{
			BlockNumber: b.Number,
			BlockHash:   strings.ToLower(b.Hash),
			ParentHash:  strings.ToLower(b.ParentHash),
			Timestamp:   b.Timestamp,
		})
	}
	return out
}
