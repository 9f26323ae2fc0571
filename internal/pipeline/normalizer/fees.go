package normalizer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

// MaxFeeBps is the total fee above which an order is rejected.
const MaxFeeBps = 10000

var bpsUnit = decimal.NewFromInt(10000)

// TotalFeeBps sums the breakdown.
func TotalFeeBps(fees []model.FeeBreakdown) int {
	total := 0
	for _, f := range fees {
		total += f.Bps
	}
	return total
}

// FeeBps expresses a per-unit fee amount as basis points of price. A zero
// price yields zero.
func FeeBps(amount, price decimal.Decimal) int {
	if price.IsZero() {
		return 0
	}
	return int(amount.Mul(bpsUnit).Div(price).Floor().IntPart())
}

// ComputeMissingRoyalties returns the royalty shortfall of an order against
// the collection's default royalties. The shortfall bps is the default total
// minus the built-in royalty total, charged on price and split across the
// default recipients pro rata to their bps. Amounts are floored.
func ComputeMissingRoyalties(price string, builtIn []model.FeeBreakdown, defaults []model.Royalty) ([]model.MissingRoyalty, decimal.Decimal, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("price %q: %w", price, err)
	}

	builtInBps := 0
	for _, f := range builtIn {
		if f.Kind == model.FeeKindRoyalty {
			builtInBps += f.Bps
		}
	}
	defaultBps := 0
	var recipients []model.Royalty
	for _, r := range defaults {
		defaultBps += r.Bps
		if r.Bps > 0 && r.Recipient != "" && r.Recipient != model.AddressZero {
			recipients = append(recipients, r)
		}
	}
	if builtInBps >= defaultBps || len(recipients) == 0 {
		return nil, decimal.Zero, nil
	}

	diff := defaultBps - builtInBps
	amount := p.Mul(decimal.NewFromInt(int64(diff))).Div(bpsUnit).Floor()

	totalBps := 0
	for _, r := range recipients {
		totalBps += r.Bps
	}
	total := decimal.NewFromInt(int64(totalBps))
	out := make([]model.MissingRoyalty, 0, len(recipients))
	for _, r := range recipients {
		share := decimal.NewFromInt(int64(r.Bps))
		out = append(out, model.MissingRoyalty{
			Bps:       diff * r.Bps / totalBps,
			Amount:    amount.Mul(share).Div(total).Floor().String(),
			Recipient: r.Recipient,
		})
	}
	return out, amount, nil
}
