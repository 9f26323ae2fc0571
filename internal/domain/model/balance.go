package model

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// NFTBalance is keyed by (Contract, TokenID, Owner). Amount is the signed sum
// of all non-deleted transfer deltas touching the key.
type NFTBalance struct {
	Contract   string `db:"contract"`
	TokenID    string `db:"token_id"`
	Owner      string `db:"owner"`
	Amount     string `db:"amount"`
	AcquiredAt *int64 `db:"acquired_at"`
}

// BalanceKey identifies an NFTBalance row.
type BalanceKey struct {
	Contract string
	TokenID  string
	Owner    string
}

// Collection is a contract the ledger has seen at least one transfer for.
type Collection struct {
	Contract       string    `db:"contract"`
	Kind           TokenKind `db:"kind"`
	FirstSeenBlock int64     `db:"first_seen_block"`
}

// BalanceDelta is the net change a set of transfers makes to one balance.
type BalanceDelta struct {
	Amount     decimal.Decimal
	AcquiredAt *int64
}

// TransferDeltas folds events into per-key balance deltas. Zero-address
// sides are skipped. When negate is set the deltas reverse the events and
// carry no acquisition time.
func TransferDeltas(events []TransferEvent, negate bool) (map[BalanceKey]*BalanceDelta, error) {
	out := make(map[BalanceKey]*BalanceDelta)
	add := func(key BalanceKey, amt decimal.Decimal, ts *int64) {
		d, ok := out[key]
		if !ok {
			d = &BalanceDelta{}
			out[key] = d
		}
		d.Amount = d.Amount.Add(amt)
		if ts != nil && (d.AcquiredAt == nil || *ts > *d.AcquiredAt) {
			v := *ts
			d.AcquiredAt = &v
		}
	}
	for _, e := range events {
		amt, err := decimal.NewFromString(e.Amount)
		if err != nil {
			return nil, fmt.Errorf("transfer %s:%d:%d amount %q: %w", e.TxHash, e.LogIndex, e.BatchIndex, e.Amount, err)
		}
		if negate {
			amt = amt.Neg()
		}
		if e.From != AddressZero {
			add(BalanceKey{Contract: e.Contract, TokenID: e.TokenID, Owner: e.From}, amt.Neg(), nil)
		}
		if e.To != AddressZero {
			var ts *int64
			if !negate {
				ts = &e.Timestamp
			}
			add(BalanceKey{Contract: e.Contract, TokenID: e.TokenID, Owner: e.To}, amt, ts)
		}
	}
	return out, nil
}

// SortedBalanceKeys orders keys so concurrent writers lock rows in the same
// order.
func SortedBalanceKeys[V any](m map[BalanceKey]V) []BalanceKey {
	keys := make([]BalanceKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Contract != b.Contract {
			return a.Contract < b.Contract
		}
		if a.TokenID != b.TokenID {
			return a.TokenID < b.TokenID
		}
		return a.Owner < b.Owner
	})
	return keys
}
