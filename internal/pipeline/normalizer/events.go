package normalizer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

// ProcessEvents applies the order side effects of one synced range: approval
// changes, balance changes from the range's transfers, and
// the protocol events of registered strategies. Each effect is isolated; the
// returned error joins the failures.
func (n *Normalizer) ProcessEvents(ctx context.Context, decoded []event.Decoded, transfers []model.TransferEvent) error {
	var errs []error
	for _, d := range decoded {
		if d.SubKind != event.SubKindApprovalForAll {
			continue
		}
		if err := n.applyApproval(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.applyTransfers(ctx, transfers); err != nil {
		errs = append(errs, err)
	}
	for _, d := range decoded {
		kind, handler, ok := n.registry.HandlerFor(d.SubKind)
		if !ok {
			continue
		}
		if err := n.applyProtocolEvent(ctx, kind, handler, d); err != nil {
			n.logger.Error("order event failed",
				"kind", kind,
				"sub_kind", d.SubKind,
				"tx_hash", d.Params.TxHash,
				"log_index", d.Params.LogIndex,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Normalizer) applyApproval(ctx context.Context, d event.Decoded) error {
	owner, err := d.Address("owner")
	if err != nil {
		return err
	}
	operator, err := d.Address("operator")
	if err != nil {
		return err
	}
	approved, err := d.Bool("approved")
	if err != nil {
		return err
	}
	status := model.ApprovalNoApproval
	if approved {
		status = model.ApprovalApproved
	}
	contract := model.NormalizeAddress(d.Params.Address)
	ids, err := n.orders.SetApprovalByOperator(ctx, owner, contract, operator, status, d.Params.Block, d.Params.BlockHash)
	if err != nil {
		return fmt.Errorf("set approval of %s on %s: %w", owner, contract, err)
	}
	if len(ids) > 0 {
		n.logger.Debug("order approvals changed", "owner", owner, "contract", contract, "status", status, "orders", len(ids))
	}
	return nil
}

type holding struct {
	maker, contract, tokenID string
}

type position struct {
	block int64
	hash  string
}

// applyTransfers rechecks the sell orders of both sides of every
// transfer against the resulting ledger balance.
func (n *Normalizer) applyTransfers(ctx context.Context, transfers []model.TransferEvent) error {
	latest := make(map[holding]position)
	touch := func(maker string, t model.TransferEvent) {
		if maker == "" || maker == model.AddressZero {
			return
		}
		k := holding{maker, t.Contract, t.TokenID}
		if p, ok := latest[k]; !ok || t.Block >= p.block {
			latest[k] = position{t.Block, t.BlockHash}
		}
	}
	for _, t := range transfers {
		touch(t.From, t)
		touch(t.To, t)
	}

	keys := make([]holding, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.contract != b.contract {
			return a.contract < b.contract
		}
		if a.tokenID != b.tokenID {
			return a.tokenID < b.tokenID
		}
		return a.maker < b.maker
	})

	var errs []error
	for _, k := range keys {
		if err := n.recheckHolding(ctx, k, latest[k]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Normalizer) recheckHolding(ctx context.Context, k holding, at position) error {
	orders, err := n.orders.ListSellOrdersByToken(ctx, k.maker, k.contract, k.tokenID)
	if err != nil {
		return fmt.Errorf("list sell orders of %s on %s:%s: %w", k.maker, k.contract, k.tokenID, err)
	}
	if len(orders) == 0 {
		return nil
	}
	bal, err := n.transfers.GetBalance(ctx, model.BalanceKey{Contract: k.contract, TokenID: k.tokenID, Owner: k.maker})
	if err != nil {
		return fmt.Errorf("get balance of %s: %w", k.maker, err)
	}

	var fillable, noBalance []string
	for _, o := range orders {
		s := o.FillabilityStatus
		if s != model.FillabilityFillable && s != model.FillabilityNoBalance {
			continue
		}
		want := model.FillabilityNoBalance
		if holds(bal, o.QuantityRemaining) {
			want = model.FillabilityFillable
		}
		if want == s {
			continue
		}
		if want == model.FillabilityFillable {
			fillable = append(fillable, o.ID)
		} else {
			noBalance = append(noBalance, o.ID)
		}
	}
	if len(fillable) > 0 {
		if err := n.orders.SetFillability(ctx, fillable, model.FillabilityFillable, at.block, at.hash); err != nil {
			return fmt.Errorf("set fillable: %w", err)
		}
	}
	if len(noBalance) > 0 {
		if err := n.orders.SetFillability(ctx, noBalance, model.FillabilityNoBalance, at.block, at.hash); err != nil {
			return fmt.Errorf("set no-balance: %w", err)
		}
	}
	return nil
}

func (n *Normalizer) applyProtocolEvent(ctx context.Context, kind string, handler EventHandler, d event.Decoded) error {
	effects, err := handler.HandleEvent(ctx, d)
	if err != nil {
		return fmt.Errorf("handle %s: %w", d.SubKind, err)
	}

	var errs []error
	for _, c := range effects.Cancels {
		if err := n.applyCancel(ctx, kind, c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(effects.Items) > 0 {
		if _, err := n.Save(ctx, kind, effects.Items); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range effects.Reprice {
		if _, err := n.RepriceAffected(ctx, kind, r.Maker, r.Trigger); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Normalizer) applyCancel(ctx context.Context, kind string, c Cancel) error {
	if c.OrderID != "" {
		if _, err := n.orders.CancelByID(ctx, kind, c.OrderID, c.Block, c.BlockHash); err != nil {
			return fmt.Errorf("cancel %s: %w", c.OrderID, err)
		}
		return nil
	}
	ids, err := n.orders.CancelByMakerNonceBelow(ctx, kind, c.Maker, c.NonceBelow, c.Block, c.BlockHash)
	if err != nil {
		return fmt.Errorf("cancel orders of %s below nonce %s: %w", c.Maker, c.NonceBelow, err)
	}
	if len(ids) > 0 {
		n.logger.Info("orders cancelled by nonce", "kind", kind, "maker", c.Maker, "count", len(ids))
	}
	return nil
}
