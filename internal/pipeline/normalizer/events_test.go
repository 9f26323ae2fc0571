package normalizer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

func transfer(block int64, hash, from, to string) model.TransferEvent {
	return model.TransferEvent{
		Contract:  nft,
		TokenID:   "1",
		From:      from,
		To:        to,
		Amount:    "1",
		TokenKind: model.TokenKindERC721,
		Block:     block,
		BlockHash: hash,
		TxHash:    hash + "-tx",
		Timestamp: baseStamp + block,
		Kind:      model.TransferKindNull,
	}
}

func (f *fixture) apply(t *testing.T, events ...model.TransferEvent) []model.TransferEvent {
	t.Helper()
	res, err := f.store.Transfers().InsertAndApply(context.Background(), events)
	require.NoError(t, err)
	return res.Applied
}

func TestProcessEvents_TransfersRecheckSellOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.apply(t, transfer(4, "0xb4", model.AddressZero, alice))
	_, err := f.n.Save(ctx, testKind, []Item{item(t, sell("0x01", oneEther), nil)})
	require.NoError(t, err)

	applied := f.apply(t, transfer(10, "0xb10", alice, bob))
	require.NoError(t, f.n.ProcessEvents(ctx, nil, applied))

	o := f.order(t, "0x01")
	assert.Equal(t, model.FillabilityNoBalance, o.FillabilityStatus)
	assert.Equal(t, "0xb10", o.BlockHash)

	applied = f.apply(t, transfer(11, "0xb11", bob, alice))
	require.NoError(t, f.n.ProcessEvents(ctx, nil, applied))
	assert.Equal(t, model.FillabilityFillable, f.order(t, "0x01").FillabilityStatus)
}

func TestProcessEvents_ApprovalForAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	o := sell("0x01", oneEther)
	o.Conduit = conduit
	_, err := f.n.Save(ctx, testKind, []Item{item(t, o, nil)})
	require.NoError(t, err)

	approval := func(approved bool, block int64) event.Decoded {
		return event.Decoded{
			Kind:    event.KindERC721,
			SubKind: event.SubKindApprovalForAll,
			Params:  event.BaseParams{Address: nft, Block: block, BlockHash: "0xb"},
			Args: map[string]any{
				"owner":    common.HexToAddress(alice),
				"operator": common.HexToAddress(conduit),
				"approved": approved,
			},
		}
	}

	require.NoError(t, f.n.ProcessEvents(ctx, []event.Decoded{approval(false, 12)}, nil))
	stored := f.order(t, "0x01")
	assert.Equal(t, model.ApprovalNoApproval, stored.ApprovalStatus)
	assert.False(t, stored.Actionable())

	require.NoError(t, f.n.ProcessEvents(ctx, []event.Decoded{approval(true, 13)}, nil))
	assert.Equal(t, model.ApprovalApproved, f.order(t, "0x01").ApprovalStatus)
}

func TestProcessEvents_ProtocolCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &cancelStrategy{testStrategy: testStrategy{kind: testKind}})
	ctx := context.Background()

	f.apply(t, transfer(4, "0xb4", model.AddressZero, alice))
	id := common.HexToHash("0x01")
	_, err := f.n.Save(ctx, testKind, []Item{item(t, sell(id.Hex(), oneEther), nil)})
	require.NoError(t, err)

	cancel := event.Decoded{
		Kind:    event.KindSeaport,
		SubKind: event.SubKindSeaportOrderCancelled,
		Params:  event.BaseParams{Block: 20, BlockHash: "0xb20"},
		Args:    map[string]any{"orderHash": [32]byte(id)},
	}
	require.NoError(t, f.n.ProcessEvents(ctx, []event.Decoded{cancel}, nil))

	o := f.order(t, id.Hex())
	assert.Equal(t, model.FillabilityCancelled, o.FillabilityStatus)

	// The cancel is undone when its block is orphaned.
	_, err = f.n.RollbackBlock(ctx, 20, "0xb20")
	require.NoError(t, err)
	assert.Equal(t, model.FillabilityFillable, f.order(t, id.Hex()).FillabilityStatus)
}

func TestRollbackBlock_RechecksLedgerBalance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.apply(t, transfer(4, "0xb4", model.AddressZero, alice))
	_, err := f.n.Save(ctx, testKind, []Item{item(t, sell("0x01", oneEther), nil)})
	require.NoError(t, err)

	applied := f.apply(t, transfer(10, "0xb10", alice, bob))
	require.NoError(t, f.n.ProcessEvents(ctx, nil, applied))
	require.Equal(t, model.FillabilityNoBalance, f.order(t, "0x01").FillabilityStatus)

	_, err = f.store.Transfers().TombstoneBlock(ctx, 10, "0xb10")
	require.NoError(t, err)
	_, err = f.n.RollbackBlock(ctx, 10, "0xb10")
	require.NoError(t, err)

	o := f.order(t, "0x01")
	require.NotNil(t, o)
	assert.Equal(t, model.FillabilityFillable, o.FillabilityStatus)
}
