package pricing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store/memstore"
)

const usdc = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

func newOracle(t *testing.T) (*Oracle, *memstore.CatalogRepo, *config.NetworkSettings) {
	t.Helper()
	settings := config.DefaultNetworkSettings()
	catalog := memstore.New().Catalog()
	catalog.SetCurrency(model.Currency{Address: usdc, Symbol: "USDC", Decimals: 6})
	return NewOracle(catalog, settings, slog.New(slog.NewTextHandler(io.Discard, nil))), catalog, settings
}

func TestGetNativeAndUSDPrice(t *testing.T) {
	t.Parallel()
	o, catalog, settings := newOracle(t)
	at := time.Unix(1_700_000_000, 0)
	catalog.SetUSDPrice(settings.NativeCurrency, at.Add(-time.Hour), "2000")
	catalog.SetUSDPrice(usdc, at.Add(-time.Hour), "1")

	ctx := context.Background()

	// 3000 USDC => 1.5 ETH
	p, err := o.GetNativeAndUSDPrice(ctx, usdc, "3000000000", at)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", p.Native)
	assert.Equal(t, "3000", p.USD)

	// Wrapped native converts one to one and uses the native USD series.
	p, err = o.GetNativeAndUSDPrice(ctx, settings.WrappedNativeCurrency, "500000000000000000", at)
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", p.Native)
	assert.Equal(t, "1000", p.USD)
}

func TestGetNativeAndUSDPrice_NoPrice(t *testing.T) {
	t.Parallel()
	o, catalog, settings := newOracle(t)
	at := time.Unix(1_700_000_000, 0)
	// Prices recorded after the lookup time are not used.
	catalog.SetUSDPrice(usdc, at.Add(time.Hour), "1")
	catalog.SetUSDPrice(settings.NativeCurrency, at.Add(-time.Hour), "2000")

	p, err := o.GetNativeAndUSDPrice(context.Background(), usdc, "1000000", at)
	require.NoError(t, err)
	assert.Empty(t, p.Native)
	assert.Empty(t, p.USD)

	p, err = o.GetNativeAndUSDPrice(context.Background(), settings.NativeCurrency, "7", at)
	require.NoError(t, err)
	assert.Equal(t, "7", p.Native)
}

func TestGetNativeAndUSDPrice_UnknownCurrency(t *testing.T) {
	t.Parallel()
	o, _, _ := newOracle(t)

	_, err := o.GetNativeAndUSDPrice(context.Background(), "0x00000000000000000000000000000000000000ff", "1", time.Now())
	require.ErrorIs(t, err, ErrUnknownCurrency)

	_, err = o.GetNativeAndUSDPrice(context.Background(), usdc, "not-a-number", time.Now())
	require.Error(t, err)
}
