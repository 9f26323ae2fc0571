package demux

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
)

// Definition binds one (topic0, topic count, optional emitter) to an event.
type Definition struct {
	Kind      event.Kind
	SubKind   event.SubKind
	Topic     common.Hash
	NumTopics int
	// Address restricts the definition to one emitter. Zero matches any.
	Address common.Address
	Event   abi.Event
}

type spec struct {
	kind      event.Kind
	subKind   event.SubKind
	abiJSON   string
	numTopics int
	address   string
}

// Registry is the static event table, indexed by topic0.
type Registry struct {
	byTopic map[common.Hash][]Definition
	all     []Definition
}

// NewRegistry builds the table. Exchange and factory events are scoped to
// the addresses in settings.
func NewRegistry(settings *config.NetworkSettings) (*Registry, error) {
	specs := []spec{
		{event.KindERC721, event.SubKindERC721Transfer, erc721TransferABI, 4, ""},
		{event.KindERC721, event.SubKindERC721ConsecutiveTransfer, erc721ConsecutiveTransferABI, 4, ""},
		{event.KindERC1155, event.SubKindERC1155TransferSingle, erc1155TransferSingleABI, 4, ""},
		{event.KindERC1155, event.SubKindERC1155TransferBatch, erc1155TransferBatchABI, 4, ""},
		{event.KindERC721, event.SubKindApprovalForAll, approvalForAllABI, 3, ""},
		{event.KindSeaport, event.SubKindSeaportOrderCancelled, seaportOrderCancelledABI, 3, settings.Seaport.Exchange},
		{event.KindSeaport, event.SubKindSeaportCounterIncremented, seaportCounterIncrementedABI, 2, settings.Seaport.Exchange},
		{event.KindSudoswapV2, event.SubKindSudoswapNewERC721Pair, sudoswapNewERC721PairABI, 2, settings.Sudoswap.Factory},
		{event.KindSudoswapV2, event.SubKindSudoswapNFTDeposit, sudoswapNFTDepositABI, 2, settings.Sudoswap.Factory},
		{event.KindSudoswapV2, event.SubKindSudoswapSwapNFTInPair, sudoswapSwapNFTInPairABI, 1, ""},
		{event.KindSudoswapV2, event.SubKindSudoswapSwapNFTOutPair, sudoswapSwapNFTOutPairABI, 1, ""},
		{event.KindSudoswapV2, event.SubKindSudoswapSpotPriceUpdate, sudoswapSpotPriceUpdateABI, 1, ""},
		{event.KindSudoswapV2, event.SubKindSudoswapDeltaUpdate, sudoswapDeltaUpdateABI, 1, ""},
		{event.KindSudoswapV2, event.SubKindSudoswapFeeUpdate, sudoswapFeeUpdateABI, 1, ""},
		{event.KindSudoswapV2, event.SubKindSudoswapTokenDeposit, sudoswapTokenDepositABI, 1, ""},
		{event.KindSudoswapV2, event.SubKindSudoswapTokenWithdrawal, sudoswapTokenWithdrawalABI, 1, ""},
		{event.KindSudoswapV2, event.SubKindSudoswapNFTWithdrawal, sudoswapNFTWithdrawalABI, 1, ""},
	}

	r := &Registry{byTopic: make(map[common.Hash][]Definition)}
	for _, s := range specs {
		parsed, err := abi.JSON(strings.NewReader(s.abiJSON))
		if err != nil {
			return nil, fmt.Errorf("parse abi of %s: %w", s.subKind, err)
		}
		if len(parsed.Events) != 1 {
			return nil, fmt.Errorf("abi of %s must hold exactly one event", s.subKind)
		}
		var ev abi.Event
		for _, e := range parsed.Events {
			ev = e
		}
		def := Definition{
			Kind:      s.kind,
			SubKind:   s.subKind,
			Topic:     ev.ID,
			NumTopics: s.numTopics,
			Event:     ev,
		}
		if s.address != "" {
			if !common.IsHexAddress(s.address) {
				return nil, fmt.Errorf("%s scope %q is not an address", s.subKind, s.address)
			}
			def.Address = common.HexToAddress(s.address)
		}
		r.byTopic[def.Topic] = append(r.byTopic[def.Topic], def)
		r.all = append(r.all, def)
	}
	return r, nil
}

// Match finds the definition for a log's topic0, topic count and emitter.
func (r *Registry) Match(address common.Address, topics []common.Hash) (Definition, bool) {
	if len(topics) == 0 {
		return Definition{}, false
	}
	for _, def := range r.byTopic[topics[0]] {
		if def.NumTopics != len(topics) {
			continue
		}
		if def.Address != (common.Address{}) && def.Address != address {
			continue
		}
		return def, true
	}
	return Definition{}, false
}

// Definitions returns the table, optionally restricted to subKinds.
func (r *Registry) Definitions(subKinds ...event.SubKind) []Definition {
	if len(subKinds) == 0 {
		return append([]Definition(nil), r.all...)
	}
	want := make(map[event.SubKind]bool, len(subKinds))
	for _, sk := range subKinds {
		want[sk] = true
	}
	var out []Definition
	for _, def := range r.all {
		if want[def.SubKind] {
			out = append(out, def)
		}
	}
	return out
}

// Topic0s returns the distinct topic0 values for an eth_getLogs filter.
func (r *Registry) Topic0s(subKinds ...event.SubKind) []common.Hash {
	seen := make(map[common.Hash]bool)
	var out []common.Hash
	for _, def := range r.Definitions(subKinds...) {
		if !seen[def.Topic] {
			seen[def.Topic] = true
			out = append(out, def.Topic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}
