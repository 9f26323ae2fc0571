package demux

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
)

// Filter narrows decoding to some sub-kinds and, optionally, to one
// emitting contract.
type Filter struct {
	SubKinds []event.SubKind
	Address  string
}

// Demuxer turns raw logs into decoded events. Logs without a matching
// definition are dropped; logs that fail to decode are logged and skipped.
type Demuxer struct {
	registry *Registry
	chain    string
	network  string
	logger   *slog.Logger
}

func New(registry *Registry, chainName, network string, logger *slog.Logger) *Demuxer {
	return &Demuxer{
		registry: registry,
		chain:    chainName,
		network:  network,
		logger:   logger.With("component", "demux"),
	}
}

func (d *Demuxer) Registry() *Registry {
	return d.registry
}

// Decode returns the decoded events ordered by block then log index. blocks
// supplies timestamps and transaction senders.
func (d *Demuxer) Decode(logs []types.Log, blocks map[int64]*chain.Block, filter Filter) []event.Decoded {
	sorted := append([]types.Log(nil), logs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].Index < sorted[j].Index
	})

	var want map[event.SubKind]bool
	if len(filter.SubKinds) > 0 {
		want = make(map[event.SubKind]bool, len(filter.SubKinds))
		for _, sk := range filter.SubKinds {
			want[sk] = true
		}
	}
	address := model.NormalizeAddress(filter.Address)

	senders := make(map[int64]map[string]string, len(blocks))
	var out []event.Decoded
	for _, lg := range sorted {
		if lg.Removed {
			continue
		}
		def, ok := d.registry.Match(lg.Address, lg.Topics)
		if !ok {
			continue
		}
		if want != nil && !want[def.SubKind] {
			continue
		}
		emitter := strings.ToLower(lg.Address.Hex())
		if address != "" && emitter != address {
			continue
		}

		args, err := decodeArgs(def.Event, lg)
		if err != nil {
			metrics.DemuxDecodeErrors.WithLabelValues(d.chain, d.network, string(def.SubKind)).Inc()
			d.logger.Warn("log decode failed",
				"sub_kind", def.SubKind,
				"tx_hash", lg.TxHash.Hex(),
				"block", lg.BlockNumber,
				"log_index", lg.Index,
				"error", err,
			)
			continue
		}

		number := int64(lg.BlockNumber)
		params := event.BaseParams{
			Address:   emitter,
			Block:     number,
			BlockHash: strings.ToLower(lg.BlockHash.Hex()),
			TxHash:    strings.ToLower(lg.TxHash.Hex()),
			TxIndex:   int(lg.TxIndex),
			LogIndex:  int(lg.Index),
		}
		if b, ok := blocks[number]; ok && b != nil {
			params.Timestamp = b.Timestamp
			s, ok := senders[number]
			if !ok {
				s = b.Senders()
				senders[number] = s
			}
			params.TxFrom = s[params.TxHash]
		}

		metrics.DemuxEventsDecoded.WithLabelValues(d.chain, d.network, string(def.SubKind)).Inc()
		out = append(out, event.Decoded{Kind: def.Kind, SubKind: def.SubKind, Params: params, Args: args})
	}
	return out
}

func decodeArgs(ev abi.Event, lg types.Log) (args map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic decoding %s: %v", ev.Name, r)
		}
	}()

	args = make(map[string]any)
	if len(lg.Data) > 0 || len(ev.Inputs.NonIndexed()) > 0 {
		if err := ev.Inputs.NonIndexed().UnpackIntoMap(args, lg.Data); err != nil {
			return nil, fmt.Errorf("unpack data of %s: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics of %s: %w", ev.Name, err)
	}
	return args, nil
}

// GroupByTx splits events into per-transaction batches, preserving event
// order inside each batch and first-seen order across batches.
func GroupByTx(events []event.Decoded) []event.Batch {
	var (
		out   []event.Batch
		index = make(map[string]int)
	)
	for _, e := range events {
		key := e.Params.BlockHash + ":" + e.Params.TxHash
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, event.Batch{ID: event.BatchID(e.Params), TxHash: e.Params.TxHash})
		}
		out[i].Events = append(out[i].Events, e)
	}
	return out
}
