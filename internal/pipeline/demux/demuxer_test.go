package demux

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
)

var (
	nft   = common.HexToAddress("0x00000000000000000000000000000000000c0111")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newDemuxer(t *testing.T) *Demuxer {
	t.Helper()
	reg, err := NewRegistry(config.DefaultNetworkSettings())
	require.NoError(t, err)
	return New(reg, "ethereum", "mainnet", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func uintTopic(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n))
}

func erc721Transfer(block uint64, index uint, from, to common.Address, tokenID int64) types.Log {
	return types.Log{
		Address:     nft,
		Topics:      []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")), addrTopic(from), addrTopic(to), uintTopic(tokenID)},
		BlockNumber: block,
		BlockHash:   common.HexToHash("0xb1"),
		TxHash:      common.HexToHash("0xaa"),
		Index:       index,
	}
}

func TestRegistry_MatchDistinguishesTopicCount(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(config.DefaultNetworkSettings())
	require.NoError(t, err)

	topic := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	def, ok := reg.Match(nft, []common.Hash{topic, {}, {}, {}})
	require.True(t, ok)
	assert.Equal(t, event.SubKindERC721Transfer, def.SubKind)

	_, ok = reg.Match(nft, []common.Hash{topic, {}, {}})
	assert.False(t, ok, "erc20 transfers have three topics")
}

func TestRegistry_AddressScope(t *testing.T) {
	t.Parallel()
	settings := config.DefaultNetworkSettings()
	reg, err := NewRegistry(settings)
	require.NoError(t, err)

	topic := crypto.Keccak256Hash([]byte("CounterIncremented(uint256,address)"))
	_, ok := reg.Match(nft, []common.Hash{topic, {}})
	assert.False(t, ok)

	def, ok := reg.Match(common.HexToAddress(settings.Seaport.Exchange), []common.Hash{topic, {}})
	require.True(t, ok)
	assert.Equal(t, event.SubKindSeaportCounterIncremented, def.SubKind)

	assert.Len(t, reg.Topic0s(event.SubKindERC721Transfer, event.SubKindERC721ConsecutiveTransfer), 2)
}

func TestDecode_ERC721AndBatch(t *testing.T) {
	t.Parallel()
	d := newDemuxer(t)

	batchDef := d.Registry().Definitions(event.SubKindERC1155TransferBatch)[0]
	data, err := batchDef.Event.Inputs.NonIndexed().Pack(
		[]*big.Int{big.NewInt(7), big.NewInt(8)},
		[]*big.Int{big.NewInt(2), big.NewInt(3)},
	)
	require.NoError(t, err)
	batchLog := types.Log{
		Address:     nft,
		Topics:      []common.Hash{batchDef.Topic, addrTopic(alice), addrTopic(alice), addrTopic(bob)},
		Data:        data,
		BlockNumber: 10,
		BlockHash:   common.HexToHash("0xb1"),
		TxHash:      common.HexToHash("0xbb"),
		Index:       5,
	}
	unknown := types.Log{Address: nft, Topics: []common.Hash{common.HexToHash("0xdead")}, BlockNumber: 10, Index: 1}
	removed := erc721Transfer(10, 9, alice, bob, 1)
	removed.Removed = true

	blocks := map[int64]*chain.Block{10: {
		Number: 10, Timestamp: 1234,
		Transactions: []chain.Transaction{{Hash: "0x00000000000000000000000000000000000000000000000000000000000000aa", From: "0xsender"}},
	}}
	out := d.Decode([]types.Log{batchLog, unknown, removed, erc721Transfer(10, 2, alice, bob, 42)}, blocks, Filter{})
	require.Len(t, out, 2)

	first := out[0]
	assert.Equal(t, event.SubKindERC721Transfer, first.SubKind)
	assert.Equal(t, 2, first.Params.LogIndex)
	assert.Equal(t, int64(1234), first.Params.Timestamp)
	assert.Equal(t, "0xsender", first.Params.TxFrom)
	tokenID, err := first.Uint("tokenId")
	require.NoError(t, err)
	assert.Equal(t, int64(42), tokenID.Int64())
	to, err := first.Address("to")
	require.NoError(t, err)
	assert.Equal(t, "0x0000000000000000000000000000000000000b0b", to)

	ids, err := out[1].Uints("tokenIds")
	require.NoError(t, err)
	assert.Equal(t, []*big.Int{big.NewInt(7), big.NewInt(8)}, ids)

	batches := GroupByTx(out)
	require.Len(t, batches, 2)
	assert.Equal(t, event.BatchID(first.Params), batches[0].ID)
}

func TestDecode_BadDataIsSkipped(t *testing.T) {
	t.Parallel()
	d := newDemuxer(t)

	def := d.Registry().Definitions(event.SubKindERC1155TransferSingle)[0]
	bad := types.Log{
		Address: nft,
		Topics:  []common.Hash{def.Topic, addrTopic(alice), addrTopic(alice), addrTopic(bob)},
		Data:    []byte{0x01},
		Index:   0,
	}
	out := d.Decode([]types.Log{bad, erc721Transfer(1, 1, alice, bob, 1)}, nil, Filter{})
	require.Len(t, out, 1)
	assert.Equal(t, event.SubKindERC721Transfer, out[0].SubKind)
}

func TestDecode_Filter(t *testing.T) {
	t.Parallel()
	d := newDemuxer(t)
	logs := []types.Log{erc721Transfer(1, 1, alice, bob, 1)}

	assert.Empty(t, d.Decode(logs, nil, Filter{SubKinds: []event.SubKind{event.SubKindApprovalForAll}}))
	assert.Empty(t, d.Decode(logs, nil, Filter{Address: "0x0000000000000000000000000000000000000001"}))
	assert.Len(t, d.Decode(logs, nil, Filter{Address: "0x00000000000000000000000000000000000C0111"}), 1)
}
