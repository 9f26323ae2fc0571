package normalizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/tracing"
)

// RepriceAffected recomputes every order of maker for a kind whose orders
// share maker-level state. Each recomputed order passes through the
// staleness gate and the shared steps like any other candidate.
func (n *Normalizer) RepriceAffected(ctx context.Context, kind, maker string, trigger Trigger) ([]Result, error) {
	strategy, err := n.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	repricer, ok := strategy.(AffectedSetRepricer)
	if !ok {
		return nil, fmt.Errorf("kind %s has no affected set", kind)
	}

	start := time.Now()
	ctx, span := tracing.Start(ctx, "normalizer.reprice_affected",
		attribute.String("kind", kind),
		attribute.String("maker", maker),
	)
	maker = model.NormalizeAddress(maker)

	siblings, err := n.orders.ListByMaker(ctx, kind, maker)
	if err != nil {
		err = fmt.Errorf("list %s orders of %s: %w", kind, maker, err)
		tracing.End(span, err)
		return nil, err
	}
	candidates, err := repricer.Affected(ctx, maker, siblings, trigger)
	if err != nil {
		err = fmt.Errorf("affected %s orders of %s: %w", kind, maker, err)
		tracing.End(span, err)
		return nil, err
	}
	t := trigger
	for _, c := range candidates {
		if c.Item.Trigger == nil {
			c.Item.Trigger = &t
		}
	}

	outs, procErr := n.processCandidates(ctx, strategy, candidates)
	persistErr := n.persist(ctx, kind, outs)

	results := make([]Result, 0, len(outs))
	for _, o := range outs {
		results = append(results, o.result)
		metrics.NormalizerResults.WithLabelValues(n.cfg.Chain, n.cfg.Network, kind, string(o.result.Status)).Inc()
	}
	metrics.NormalizerLatency.WithLabelValues(n.cfg.Chain, n.cfg.Network, kind).Observe(time.Since(start).Seconds())

	err = errors.Join(procErr, persistErr)
	if err != nil {
		metrics.NormalizerErrors.WithLabelValues(n.cfg.Chain, n.cfg.Network, kind).Inc()
		n.logger.Error("reprice affected orders failed", "kind", kind, "maker", maker, "tx_hash", trigger.TxHash, "error", err)
		err = fmt.Errorf("reprice %s orders of %s: %w", kind, maker, err)
	}
	tracing.End(span, err)
	return results, err
}

// RollbackBlock undoes the order effects of an orphaned block. Orders first
// seen in the block are deleted and orders last touched by it have their
// validity lower bound rewound. Pool makers are then repriced from current
// chain state, and surviving single-token sells are rechecked against the
// ledger.
func (n *Normalizer) RollbackBlock(ctx context.Context, block int64, blockHash string) ([]Result, error) {
	ctx, span := tracing.Start(ctx, "normalizer.rollback_block", attribute.Int64("block", block))

	affected, err := n.orders.RollbackBlock(ctx, block, blockHash)
	if err != nil {
		err = fmt.Errorf("rollback orders of block %d: %w", block, err)
		tracing.End(span, err)
		return nil, err
	}
	if len(affected) > 0 {
		n.logger.Info("orders rolled back", "block", block, "block_hash", blockHash, "count", len(affected))
	}

	type makerKey struct{ kind, maker string }
	pools := make(map[makerKey]bool)
	var singles []*model.Order
	for _, o := range affected {
		strategy, err := n.registry.Get(o.Kind)
		if err == nil {
			if _, ok := strategy.(AffectedSetRepricer); ok {
				pools[makerKey{o.Kind, o.Maker}] = true
				continue
			}
		}
		if o.Side == model.SideSell && o.BlockHash == "" {
			singles = append(singles, o)
		}
	}

	keys := make([]makerKey, 0, len(pools))
	for k := range pools {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].maker < keys[j].maker
	})

	var (
		results []Result
		errs    []error
	)
	for _, k := range keys {
		res, err := n.RepriceAffected(ctx, k.kind, k.maker, Trigger{Rollback: true})
		results = append(results, res...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.recheckBalances(ctx, singles); err != nil {
		errs = append(errs, err)
	}

	err = errors.Join(errs...)
	tracing.End(span, err)
	return results, err
}

// recheckBalances sets the fillability of single-token sell orders from the
// maker's ledger balance.
func (n *Normalizer) recheckBalances(ctx context.Context, orders []*model.Order) error {
	var fillable, noBalance []string
	for _, o := range orders {
		contract, tokenID, ok := singleToken(o.TokenSetID)
		if !ok {
			continue
		}
		s := o.FillabilityStatus
		if s != model.FillabilityFillable && s != model.FillabilityNoBalance {
			continue
		}
		bal, err := n.transfers.GetBalance(ctx, model.BalanceKey{Contract: contract, TokenID: tokenID, Owner: o.Maker})
		if err != nil {
			return fmt.Errorf("get balance of %s: %w", o.Maker, err)
		}
		if holds(bal, o.QuantityRemaining) {
			fillable = append(fillable, o.ID)
		} else {
			noBalance = append(noBalance, o.ID)
		}
	}
	if len(fillable) > 0 {
		if err := n.orders.SetFillability(ctx, fillable, model.FillabilityFillable, 0, ""); err != nil {
			return fmt.Errorf("set fillable: %w", err)
		}
	}
	if len(noBalance) > 0 {
		if err := n.orders.SetFillability(ctx, noBalance, model.FillabilityNoBalance, 0, ""); err != nil {
			return fmt.Errorf("set no-balance: %w", err)
		}
	}
	return nil
}

// singleToken splits a single-token set id into contract and token id.
func singleToken(setID string) (string, string, bool) {
	parts := strings.SplitN(setID, ":", 3)
	if len(parts) != 3 || parts[0] != "token" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// holds reports whether bal covers quantity, which defaults to one.
func holds(bal *model.NFTBalance, quantity string) bool {
	if bal == nil {
		return false
	}
	have, err := decimal.NewFromString(bal.Amount)
	if err != nil {
		return false
	}
	need := decimal.NewFromInt(1)
	if q, err := decimal.NewFromString(quantity); err == nil && q.IsPositive() {
		need = q
	}
	return have.GreaterThanOrEqual(need)
}
