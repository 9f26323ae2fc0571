package finalizer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mgamer/indexer-v3-sub004/internal/chain/chaintest"
	chainmocks "github.com/mgamer/indexer-v3-sub004/internal/chain/mocks"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
	"github.com/mgamer/indexer-v3-sub004/internal/store/memstore"
	storemocks "github.com/mgamer/indexer-v3-sub004/internal/store/mocks"
)

func seedBlocks(t *testing.T, s *memstore.Store, c *chaintest.Chain) {
	t.Helper()
	var rows []model.IndexedBlock
	for n := int64(1); n <= c.Head(); n++ {
		rows = append(rows, model.IndexedBlock{BlockNumber: n, BlockHash: c.Hash(n), ParentHash: c.Hash(n - 1)})
	}
	require.NoError(t, s.Blocks().Save(context.Background(), rows))
}

func newFinalizer(c *chaintest.Chain, s *memstore.Store, lock store.Lock, retention int64) *Finalizer {
	return New(c, s.Blocks(), lock, Config{Chain: "ethereum", Network: "mainnet", Retention: retention},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPrune_KeepsRetentionWindow(t *testing.T) {
	t.Parallel()
	c := chaintest.New(1_700_000_000)
	c.Mine(30)
	s := memstore.New()
	seedBlocks(t, s, c)
	f := newFinalizer(c, s, memstore.NewLock(), 10)
	ctx := context.Background()

	pruned, err := f.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(19), pruned)

	rows, err := s.Blocks().GetRecent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, rows, 11)
	assert.Equal(t, int64(20), rows[len(rows)-1].BlockNumber)

	pruned, err = f.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned, "second pass has nothing left to prune")
}

func TestPrune_ShortChainAndDisabled(t *testing.T) {
	t.Parallel()
	c := chaintest.New(1_700_000_000)
	c.Mine(5)
	s := memstore.New()
	seedBlocks(t, s, c)
	ctx := context.Background()

	pruned, err := newFinalizer(c, s, memstore.NewLock(), 10).Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	pruned, err = newFinalizer(c, s, memstore.NewLock(), 0).Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)
	assert.Zero(t, c.Calls("GetBlockNumber"), "disabled finalizer never reads the head")
}

func TestPrune_LockHeldElsewhere(t *testing.T) {
	t.Parallel()
	c := chaintest.New(1_700_000_000)
	c.Mine(30)
	s := memstore.New()
	seedBlocks(t, s, c)
	lock := memstore.NewLock()
	f := newFinalizer(c, s, lock, 10)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, f.LockName(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.Prune(ctx)
	assert.ErrorIs(t, err, store.ErrLockNotAcquired)
	rows, err := s.Blocks().GetRecent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, rows, 30)
}

func TestPrune_HeadError(t *testing.T) {
	t.Parallel()
	c := chaintest.New(1_700_000_000)
	c.Mine(30)
	s := memstore.New()
	lock := memstore.NewLock()
	f := newFinalizer(c, s, lock, 10)
	ctx := context.Background()

	c.Fail("GetBlockNumber", 1)
	_, err := f.Prune(ctx)
	require.Error(t, err)

	ok, err := lock.Acquire(ctx, f.LockName(), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "lock is released after a failed prune")
}

func TestPrune_LockBackendError(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	provider := chainmocks.NewMockProvider(ctrl)
	lock := storemocks.NewMockLock(ctrl)
	f := New(provider, memstore.New().Blocks(), lock, Config{Chain: "ethereum", Network: "mainnet", Retention: 10},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	errDown := errors.New("redis: connection refused")
	lock.EXPECT().Acquire(gomock.Any(), "finalizer:ethereum:mainnet", defaultLockTTL).Return(false, errDown)

	_, err := f.Prune(context.Background())
	assert.ErrorIs(t, err, errDown)
	assert.NotErrorIs(t, err, store.ErrLockNotAcquired)
}

func TestPrune_ReleasesLockAfterHeadRead(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	provider := chainmocks.NewMockProvider(ctrl)
	lock := storemocks.NewMockLock(ctrl)
	s := memstore.New()
	f := New(provider, s.Blocks(), lock, Config{Chain: "ethereum", Network: "mainnet", Retention: 10, LockTTL: 5 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	gomock.InOrder(
		lock.EXPECT().Acquire(gomock.Any(), f.LockName(), 5*time.Second).Return(true, nil),
		provider.EXPECT().GetBlockNumber(gomock.Any()).Return(int64(10), nil),
		lock.EXPECT().Release(gomock.Any(), f.LockName()).Return(errors.New("lock expired")),
	)

	pruned, err := f.Prune(context.Background())
	require.NoError(t, err, "a failed release is only logged")
	assert.Zero(t, pruned, "head at the retention depth leaves nothing to prune")
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	c := chaintest.New(1_700_000_000)
	f := newFinalizer(c, memstore.New(), memstore.NewLock(), 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Run(ctx), context.Canceled)
}
