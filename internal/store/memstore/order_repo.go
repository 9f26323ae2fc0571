package memstore

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var _ store.OrderRepository = (*OrderRepo)(nil)

type OrderRepo struct{ s *Store }

func cloneOrder(o *model.Order) *model.Order {
	c := *o
	c.FeeBreakdown = append([]model.FeeBreakdown(nil), o.FeeBreakdown...)
	c.MissingRoyalties = append([]model.MissingRoyalty(nil), o.MissingRoyalties...)
	if o.RawData != nil {
		c.RawData = append(json.RawMessage(nil), o.RawData...)
	}
	if o.BlockNumber != nil {
		v := *o.BlockNumber
		c.BlockNumber = &v
	}
	if o.LogIndex != nil {
		v := *o.LogIndex
		c.LogIndex = &v
	}
	if o.SourceID != nil {
		v := *o.SourceID
		c.SourceID = &v
	}
	if c.QuantityRemaining == "" {
		c.QuantityRemaining = "1"
	}
	return &c
}

func (r *OrderRepo) Get(_ context.Context, id string) (*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.orders[id]
	if !ok {
		return nil, nil
	}
	return cloneOrder(&row.order), nil
}

func (r *OrderRepo) InsertIgnore(_ context.Context, orders []*model.Order) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var inserted []string
	for _, o := range orders {
		if _, ok := r.s.orders[o.ID]; ok {
			continue
		}
		c := cloneOrder(o)
		c.OriginBlockHash = o.BlockHash
		r.s.orders[o.ID] = &orderRow{order: *c, updatedAt: r.s.nowFn()}
		inserted = append(inserted, o.ID)
	}
	return inserted, nil
}

func (r *OrderRepo) UpdateIfNewer(_ context.Context, o *model.Order, gate store.UpdateGate) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.orders[o.ID]
	if !ok {
		return false, nil
	}
	if gate.ForceRecheckBefore > 0 {
		if row.updatedAt.Unix() >= gate.ForceRecheckBefore {
			return false, nil
		}
	} else if row.order.ValidFrom >= gate.TxTimestamp {
		return false, nil
	}

	cur := &row.order
	n := cloneOrder(o)
	cur.FillabilityStatus = n.FillabilityStatus
	cur.ApprovalStatus = n.ApprovalStatus
	cur.Price, cur.Value = n.Price, n.Value
	cur.CurrencyPrice, cur.CurrencyValue = n.CurrencyPrice, n.CurrencyValue
	cur.NeedsConversion = n.NeedsConversion
	cur.QuantityRemaining = n.QuantityRemaining
	cur.ValidFrom = max(cur.ValidFrom, n.ValidFrom)
	cur.ValidTo = n.ValidTo
	if n.SourceID != nil {
		cur.SourceID = n.SourceID
	}
	cur.FeeBps = n.FeeBps
	cur.FeeBreakdown = n.FeeBreakdown
	cur.MissingRoyalties = n.MissingRoyalties
	cur.NormalizedValue = n.NormalizedValue
	cur.CurrencyNormalizedValue = n.CurrencyNormalizedValue
	if n.RawData != nil {
		cur.RawData = n.RawData
	}
	if n.BlockNumber != nil {
		cur.BlockNumber = n.BlockNumber
	}
	if n.LogIndex != nil {
		cur.LogIndex = n.LogIndex
	}
	if n.BlockHash != "" {
		cur.BlockHash = n.BlockHash
	}
	row.updatedAt = r.s.nowFn()
	return true, nil
}

func (r *OrderRepo) list(match func(*model.Order) bool) []*model.Order {
	var out []*model.Order
	for _, row := range r.s.orders {
		if match(&row.order) {
			out = append(out, cloneOrder(&row.order))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *OrderRepo) ListByMaker(_ context.Context, kind, maker string) ([]*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(o *model.Order) bool { return o.Kind == kind && o.Maker == maker }), nil
}

func (r *OrderRepo) ListSellOrdersByToken(_ context.Context, maker, contract, tokenID string) ([]*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	setID := model.SingleTokenSetID(contract, tokenID)
	return r.list(func(o *model.Order) bool {
		return o.Side == model.SideSell && o.Maker == maker && o.TokenSetID == setID
	}), nil
}

func (r *OrderRepo) SetFillability(_ context.Context, ids []string, status model.FillabilityStatus, block int64, blockHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		row, ok := r.s.orders[id]
		if !ok || row.order.FillabilityStatus == status {
			continue
		}
		if s := row.order.FillabilityStatus; s != model.FillabilityFillable && s != model.FillabilityNoBalance {
			continue
		}
		r.touch(row, block, blockHash)
		row.order.FillabilityStatus = status
	}
	return nil
}

func (r *OrderRepo) touch(row *orderRow, block int64, blockHash string) {
	b := block
	row.order.BlockNumber = &b
	row.order.BlockHash = blockHash
	row.updatedAt = r.s.nowFn()
}

func (r *OrderRepo) SetApprovalByOperator(_ context.Context, maker, contract, operator string, status model.ApprovalStatus, block int64, blockHash string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []string
	for _, row := range r.s.orders {
		o := &row.order
		if o.Maker == maker && o.Contract == contract && o.Conduit == operator && o.Side == model.SideSell && o.ApprovalStatus != status {
			o.ApprovalStatus = status
			r.touch(row, block, blockHash)
			ids = append(ids, o.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *OrderRepo) CancelByID(_ context.Context, kind, id string, block int64, blockHash string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.orders[id]
	if !ok || row.order.Kind != kind || row.order.FillabilityStatus == model.FillabilityCancelled {
		return false, nil
	}
	row.order.FillabilityStatus = model.FillabilityCancelled
	r.touch(row, block, blockHash)
	return true, nil
}

func (r *OrderRepo) CancelByMakerNonceBelow(_ context.Context, kind, maker, nonce string, block int64, blockHash string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	limit, err := decimal.NewFromString(nonce)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, row := range r.s.orders {
		o := &row.order
		if o.Kind != kind || o.Maker != maker || o.FillabilityStatus == model.FillabilityCancelled || o.Nonce == "" {
			continue
		}
		n, err := decimal.NewFromString(o.Nonce)
		if err != nil || !n.LessThan(limit) {
			continue
		}
		o.FillabilityStatus = model.FillabilityCancelled
		r.touch(row, block, blockHash)
		ids = append(ids, o.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *OrderRepo) best(contract string, side model.Side, better func(a, b decimal.Decimal) bool) string {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var (
		best  decimal.Decimal
		found bool
	)
	for _, row := range r.s.orders {
		o := &row.order
		if o.Contract != contract || o.Side != side || o.FillabilityStatus != model.FillabilityFillable || o.ApprovalStatus != model.ApprovalApproved {
			continue
		}
		v, err := decimal.NewFromString(o.Value)
		if err != nil {
			continue
		}
		if !found || better(v, best) {
			best, found = v, true
		}
	}
	if !found {
		return ""
	}
	return best.String()
}

func (r *OrderRepo) TopBidValue(_ context.Context, contract string) (string, error) {
	return r.best(contract, model.SideBuy, decimal.Decimal.GreaterThan), nil
}

func (r *OrderRepo) FloorAskValue(_ context.Context, contract string) (string, error) {
	return r.best(contract, model.SideSell, decimal.Decimal.LessThan), nil
}

func (r *OrderRepo) RollbackBlock(_ context.Context, _ int64, blockHash string) ([]*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var affected []*model.Order
	for id, row := range r.s.orders {
		if row.order.OriginBlockHash == blockHash {
			affected = append(affected, cloneOrder(&row.order))
			delete(r.s.orders, id)
		}
	}
	for _, row := range r.s.orders {
		o := &row.order
		if o.BlockHash != blockHash {
			continue
		}
		o.ValidFrom = 0
		if o.FillabilityStatus == model.FillabilityCancelled {
			o.FillabilityStatus = model.FillabilityFillable
		}
		o.BlockHash = ""
		row.updatedAt = r.s.nowFn()
		affected = append(affected, cloneOrder(o))
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].ID < affected[j].ID })
	return affected, nil
}

// All returns every order sorted by id.
func (r *OrderRepo) All() []*model.Order {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(*model.Order) bool { return true })
}
