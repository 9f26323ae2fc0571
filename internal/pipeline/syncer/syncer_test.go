package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/chain/chaintest"
	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/demux"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/ledger"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/retry"
	"github.com/mgamer/indexer-v3-sub004/internal/store/memstore"
)

const (
	nft   = "0x00000000000000000000000000000000000c0111"
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
)

type recordingOrders struct {
	mu        sync.Mutex
	calls     int
	transfers []model.TransferEvent
	err       error
}

func (r *recordingOrders) ProcessEvents(_ context.Context, _ []event.Decoded, transfers []model.TransferEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.transfers = append(r.transfers, transfers...)
	return r.err
}

type fixture struct {
	chain  *chaintest.Chain
	store  *memstore.Store
	orders *recordingOrders
	syncer *Syncer
}

func newFixture(t *testing.T, provider func(*chaintest.Chain) chain.Provider) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	settings := config.DefaultNetworkSettings()
	reg, err := demux.NewRegistry(settings)
	require.NoError(t, err)

	f := &fixture{
		chain:  chaintest.New(1_700_000_000),
		store:  memstore.New(),
		orders: &recordingOrders{},
	}
	var p chain.Provider = f.chain
	if provider != nil {
		p = provider(f.chain)
	}
	f.syncer = New(
		p,
		demux.New(reg, "ethereum", "mainnet", logger),
		ledger.New(f.store.Transfers(), settings, "ethereum", "mainnet", logger),
		f.orders,
		f.store.Blocks(),
		Config{Chain: "ethereum", Network: "mainnet"},
		logger,
	)
	return f
}

// mineHistory produces a mint in block 1, a transfer in block 2 and an empty
// block 3.
func (f *fixture) mineHistory() {
	f.chain.MineBlock(chaintest.Tx{From: alice, Logs: []types.Log{chaintest.ERC721Transfer(nft, model.AddressZero, alice, 1)}})
	f.chain.MineBlock(chaintest.Tx{From: alice, Logs: []types.Log{chaintest.ERC721Transfer(nft, alice, bob, 1)}})
	f.chain.Mine(1)
}

func TestSyncRange_Backfill(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.mineHistory()
	ctx := context.Background()

	res, err := f.syncer.SyncRange(ctx, 1, 3, event.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Decoded)
	assert.Equal(t, 2, res.Transfers.Applied)
	assert.Equal(t, model.TransferKindMint, f.store.Transfers().Transfers()[0].Kind)

	balances := f.store.Transfers().Balances(nft, "1")
	assert.Equal(t, "1", balances[bob])
	assert.Equal(t, "0", balances[alice])

	blocks, err := f.store.Blocks().GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 2, "backfill records only blocks carrying logs")
	assert.Equal(t, int64(2), blocks[0].BlockNumber)
	assert.Equal(t, f.chain.Hash(2), blocks[0].BlockHash)
	assert.Equal(t, f.chain.Hash(1), blocks[0].ParentHash)

	assert.Equal(t, 1, f.orders.calls)
	assert.Len(t, f.orders.transfers, 2)
}

func TestSyncRange_Realtime(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.mineHistory()
	ctx := context.Background()

	res, err := f.syncer.SyncRange(ctx, 1, 3, event.SyncOptions{Realtime: true})
	require.NoError(t, err)
	require.Len(t, res.Blocks, 3)

	assert.Equal(t, f.chain.Hash(3), res.Blocks[2].BlockHash)

	blocks, err := f.store.Blocks().GetRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, blocks, 3, "realtime records empty blocks too")
}

func TestSyncRange_ReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.mineHistory()
	ctx := context.Background()

	_, err := f.syncer.SyncRange(ctx, 1, 3, event.SyncOptions{})
	require.NoError(t, err)
	res, err := f.syncer.SyncRange(ctx, 1, 3, event.SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Transfers.Applied)
	assert.Len(t, f.store.Transfers().Transfers(), 2)
	assert.Equal(t, "1", f.store.Transfers().Balances(nft, "1")[bob])
	assert.Equal(t, 2, f.orders.calls)
}

func TestSyncRange_Options(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	other := "0x00000000000000000000000000000000000c0222"
	f.chain.MineBlock(
		chaintest.Tx{From: alice, Logs: []types.Log{chaintest.ERC721Transfer(nft, model.AddressZero, alice, 1)}},
		chaintest.Tx{From: bob, Logs: []types.Log{chaintest.ERC721Transfer(other, model.AddressZero, bob, 9)}},
	)
	ctx := context.Background()

	res, err := f.syncer.SyncRange(ctx, 1, 1, event.SyncOptions{Address: other, SkipOrders: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Decoded)
	assert.Equal(t, "1", f.store.Transfers().Balances(other, "9")[bob])
	assert.Empty(t, f.store.Transfers().Balances(nft, "1"))
	assert.Zero(t, f.orders.calls)

	res, err = f.syncer.SyncRange(ctx, 1, 1, event.SyncOptions{SubKinds: []event.SubKind{event.SubKindERC1155TransferSingle}})
	require.NoError(t, err)
	assert.Zero(t, res.Decoded)
}

func TestSyncRange_ProviderErrorsAreTransient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.mineHistory()
	ctx := context.Background()

	f.chain.Fail("GetLogs", 1)
	_, err := f.syncer.SyncRange(ctx, 1, 3, event.SyncOptions{})
	require.Error(t, err)
	assert.True(t, retry.Classify(err).IsTransient())

	f.chain.Fail("GetBlock", 1)
	_, err = f.syncer.SyncRange(ctx, 1, 3, event.SyncOptions{})
	require.Error(t, err)
	assert.True(t, retry.Classify(err).IsTransient())
	assert.Empty(t, f.store.Transfers().Transfers())

	_, err = f.syncer.SyncRange(ctx, 1, 3, event.SyncOptions{})
	require.NoError(t, err)
	assert.Len(t, f.store.Transfers().Transfers(), 2)
}

// forkedLogs serves logs carrying a hash other than the header's.
type forkedLogs struct {
	*chaintest.Chain
}

func (p forkedLogs) GetLogs(ctx context.Context, q chain.LogQuery) ([]types.Log, error) {
	logs, err := p.Chain.GetLogs(ctx, q)
	for i := range logs {
		logs[i].BlockHash = common.HexToHash("0xdead")
	}
	return logs, err
}

func TestSyncRange_LogHashMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *chaintest.Chain) chain.Provider { return forkedLogs{c} })
	f.mineHistory()

	_, err := f.syncer.SyncRange(context.Background(), 1, 3, event.SyncOptions{})
	require.Error(t, err)
	assert.True(t, retry.Classify(err).IsTransient())
	assert.Empty(t, f.store.Transfers().Transfers())
}

func TestSyncRange_OrderErrorFailsRange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.mineHistory()
	f.orders.err = errors.New("order store unavailable")

	_, err := f.syncer.SyncRange(context.Background(), 1, 3, event.SyncOptions{})
	require.Error(t, err)
	assert.Len(t, f.store.Transfers().Transfers(), 2, "ledger writes stay applied")

	f.orders.err = nil
	_, err = f.syncer.SyncRange(context.Background(), 1, 3, event.SyncOptions{})
	require.NoError(t, err)
	assert.Len(t, f.orders.transfers, 4, "retry replays every transfer of the range")
}

func TestSyncRange_InvalidRange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.syncer.SyncRange(context.Background(), 5, 4, event.SyncOptions{})
	assert.Error(t, err)
}
