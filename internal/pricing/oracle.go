// Package pricing converts currency amounts into native and USD terms from
// stored USD prices.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mgamer/indexer-v3-sub004/internal/cache"
	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

const nativeDecimals = 18

var ErrUnknownCurrency = errors.New("unknown currency")

// Prices are amounts in the smallest native unit and in USD. An empty field
// means no conversion was possible.
type Prices struct {
	Native string
	USD    string
}

type priceKey struct {
	currency string
	minute   int64
}

type Oracle struct {
	repo       store.PriceRepository
	settings   *config.NetworkSettings
	currencies *cache.LRU[string, model.Currency]
	usd        *cache.LRU[priceKey, string]
	logger     *slog.Logger
}

func NewOracle(repo store.PriceRepository, settings *config.NetworkSettings, logger *slog.Logger) *Oracle {
	return &Oracle{
		repo:       repo,
		settings:   settings,
		currencies: cache.NewLRU[string, model.Currency]("currencies", 1024, time.Hour),
		usd:        cache.NewLRU[priceKey, string]("usd_prices", 4096, 10*time.Minute),
		logger:     logger.With("component", "pricing"),
	}
}

// Currency returns the settlement token metadata.
func (o *Oracle) Currency(ctx context.Context, address string) (model.Currency, error) {
	address = model.NormalizeAddress(address)
	return o.currencies.GetOrLoad(ctx, address, func(ctx context.Context) (model.Currency, error) {
		if o.settings.IsNativeLike(address) {
			return model.Currency{Address: address, Symbol: "ETH", Decimals: nativeDecimals}, nil
		}
		c, err := o.repo.GetCurrency(ctx, address)
		if err != nil {
			return model.Currency{}, fmt.Errorf("get currency %s: %w", address, err)
		}
		if c == nil {
			return model.Currency{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, address)
		}
		return *c, nil
	})
}

func (o *Oracle) usdPrice(ctx context.Context, currency string, at time.Time) (decimal.Decimal, bool, error) {
	key := priceKey{currency: currency, minute: at.Unix() / 60}
	raw, err := o.usd.GetOrLoad(ctx, key, func(ctx context.Context) (string, error) {
		return o.repo.GetUSDPrice(ctx, currency, at)
	})
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get usd price of %s: %w", currency, err)
	}
	if raw == "" {
		return decimal.Zero, false, nil
	}
	p, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("usd price of %s %q: %w", currency, raw, err)
	}
	return p, p.IsPositive(), nil
}

// GetNativeAndUSDPrice converts amount, given in the smallest unit of
// currency, at time at. Native-like currencies convert one to one. Results
// are truncated to whole native units and to cents.
func (o *Oracle) GetNativeAndUSDPrice(ctx context.Context, currency, amount string, at time.Time) (*Prices, error) {
	currency = model.NormalizeAddress(currency)
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", amount, err)
	}

	cur, err := o.Currency(ctx, currency)
	if err != nil {
		return nil, err
	}
	out := &Prices{}
	if o.settings.IsNativeLike(currency) {
		out.Native = amt.Truncate(0).String()
	}

	currencyUSD, ok, err := o.usdPrice(ctx, o.priceCurrency(currency), at)
	if err != nil {
		return nil, err
	}
	if !ok {
		if out.Native == "" {
			o.logger.Debug("no usd price", "currency", currency, "at", at.Unix())
		}
		return out, nil
	}
	units := amt.Shift(-int32(cur.Decimals))
	out.USD = units.Mul(currencyUSD).Truncate(2).String()

	if out.Native == "" {
		nativeUSD, ok, err := o.usdPrice(ctx, o.settings.NativeCurrency, at)
		if err != nil {
			return nil, err
		}
		if ok {
			scaled := amt.Mul(currencyUSD).Shift(int32(nativeDecimals - cur.Decimals))
			out.Native = scaled.Div(nativeUSD).Truncate(0).String()
		}
	}
	return out, nil
}

// Wrapped native shares the native USD price series.
func (o *Oracle) priceCurrency(currency string) string {
	if o.settings.IsNativeLike(currency) {
		return o.settings.NativeCurrency
	}
	return currency
}
