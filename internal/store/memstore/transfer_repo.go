package memstore

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var (
	_ store.TransferRepository   = (*TransferRepo)(nil)
	_ store.CollectionRepository = (*TransferRepo)(nil)
)

type TransferRepo struct{ s *Store }

func (r *TransferRepo) InsertAndApply(_ context.Context, events []model.TransferEvent) (store.ApplyResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var res store.ApplyResult
	for _, e := range events {
		cur, ok := r.s.transfers[e.Key()]
		if ok && !cur.IsDeleted {
			continue
		}
		row := e
		row.IsDeleted = false
		r.s.transfers[e.Key()] = &row
		res.Applied = append(res.Applied, e)
	}
	if len(res.Applied) == 0 {
		return res, nil
	}
	deltas, err := model.TransferDeltas(res.Applied, false)
	if err != nil {
		return store.ApplyResult{}, err
	}
	r.apply(deltas)
	for _, e := range res.Applied {
		c, ok := r.s.collections[e.Contract]
		if !ok || e.Block < c.FirstSeenBlock {
			kind := e.TokenKind
			if ok {
				kind = c.Kind
			} else if kind == "" {
				kind = model.TokenKindERC721
			}
			r.s.collections[e.Contract] = model.Collection{Contract: e.Contract, Kind: kind, FirstSeenBlock: e.Block}
		}
	}
	return res, nil
}

func (r *TransferRepo) apply(deltas map[model.BalanceKey]*model.BalanceDelta) {
	for k, d := range deltas {
		row, ok := r.s.balances[k]
		if !ok {
			row = &balanceRow{}
			r.s.balances[k] = row
		}
		row.amount = row.amount.Add(d.Amount)
		if d.AcquiredAt != nil && (row.acquiredAt == nil || *d.AcquiredAt > *row.acquiredAt) {
			v := *d.AcquiredAt
			row.acquiredAt = &v
		}
	}
}

func (r *TransferRepo) TombstoneBlock(_ context.Context, block int64, blockHash string) ([]model.TransferEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var removed []model.TransferEvent
	for _, t := range r.s.transfers {
		if t.Block == block && t.BlockHash == blockHash && !t.IsDeleted {
			t.IsDeleted = true
			removed = append(removed, *t)
		}
	}
	sortTransfers(removed)
	if len(removed) == 0 {
		return nil, nil
	}
	deltas, err := model.TransferDeltas(removed, true)
	if err != nil {
		return nil, err
	}
	r.apply(deltas)
	return removed, nil
}

func (r *TransferRepo) GetBalance(_ context.Context, key model.BalanceKey) (*model.NFTBalance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.balances[key]
	if !ok {
		return nil, nil
	}
	return toBalance(key, row), nil
}

func (r *TransferRepo) ListOwnedTokens(_ context.Context, contract, owner string) ([]model.NFTBalance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.NFTBalance
	for k, row := range r.s.balances {
		if k.Contract == contract && k.Owner == owner && row.amount.IsPositive() {
			out = append(out, *toBalance(k, row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := decimal.NewFromString(out[i].TokenID)
		b, _ := decimal.NewFromString(out[j].TokenID)
		return a.LessThan(b)
	})
	return out, nil
}

func (r *TransferRepo) GetByContract(_ context.Context, contract string) (*model.Collection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.collections[contract]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// Transfers returns every stored transfer, tombstoned ones included, in chain
// order.
func (r *TransferRepo) Transfers() []model.TransferEvent {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.TransferEvent, 0, len(r.s.transfers))
	for _, t := range r.s.transfers {
		out = append(out, *t)
	}
	sortTransfers(out)
	return out
}

// Balances returns every balance row keyed by owner for one token.
func (r *TransferRepo) Balances(contract, tokenID string) map[string]string {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string]string)
	for k, row := range r.s.balances {
		if k.Contract == contract && k.TokenID == tokenID {
			out[k.Owner] = row.amount.String()
		}
	}
	return out
}

func toBalance(k model.BalanceKey, row *balanceRow) *model.NFTBalance {
	b := &model.NFTBalance{Contract: k.Contract, TokenID: k.TokenID, Owner: k.Owner, Amount: row.amount.String()}
	if row.acquiredAt != nil {
		v := *row.acquiredAt
		b.AcquiredAt = &v
	}
	return b
}

func sortTransfers(ts []model.TransferEvent) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if a.Block != b.Block {
			return a.Block < b.Block
		}
		if a.LogIndex != b.LogIndex {
			return a.LogIndex < b.LogIndex
		}
		return a.BatchIndex < b.BatchIndex
	})
}
