// Package ledger maintains NFT ownership from decoded transfer events.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"

	"github.com/mgamer/indexer-v3-sub004/internal/alert"
	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

const (
	// BulkAirdropRecipients is the number of unique recipients of one
	// contract in one transaction above which the transaction is flagged.
	BulkAirdropRecipients = 100

	// maxConsecutiveSpan bounds the expansion of one ConsecutiveTransfer log.
	maxConsecutiveSpan = 50_000
)

// ApplyStats summarizes one Apply call.
type ApplyStats struct {
	Received    int
	Applied     int
	SpamFlagged int
	ByKind      map[model.TransferKind]int
}

type Ledger struct {
	repo     store.TransferRepository
	settings *config.NetworkSettings
	chain    string
	network  string
	alerter  alert.Alerter
	logger   *slog.Logger
}

func New(repo store.TransferRepository, settings *config.NetworkSettings, chainName, network string, logger *slog.Logger) *Ledger {
	return &Ledger{
		repo:     repo,
		settings: settings,
		chain:    chainName,
		network:  network,
		alerter:  &alert.NoopAlerter{},
		logger:   logger.With("component", "ledger"),
	}
}

// SetAlerter routes bulk airdrop detections to a.
func (l *Ledger) SetAlerter(a alert.Alerter) {
	l.alerter = a
}

// Classify labels a transfer. Rules apply in order: mint sender, burn
// recipient, then airdrop when a third party pushed the token to a
// recipient that is not a router.
func (l *Ledger) Classify(ev model.TransferEvent, txSender string) model.TransferKind {
	switch {
	case l.settings.IsMint(ev.From):
		return model.TransferKindMint
	case l.settings.IsBurn(ev.To):
		return model.TransferKindBurn
	}
	sender := model.NormalizeAddress(txSender)
	if sender == "" || sender == ev.From || sender == ev.To {
		return model.TransferKindNull
	}
	if l.settings.IsRouter(ev.To) || l.settings.IsRouter(sender) {
		return model.TransferKindNull
	}
	return model.TransferKindAirdrop
}

// Extract builds classified transfer rows from the transfer events among
// decoded. Other sub-kinds are ignored. Malformed events are logged and
// skipped.
func (l *Ledger) Extract(decoded []event.Decoded) []model.TransferEvent {
	var out []model.TransferEvent
	for _, d := range decoded {
		rows, err := l.extractOne(d)
		if err != nil {
			l.logger.Warn("skip malformed transfer",
				"sub_kind", d.SubKind,
				"tx_hash", d.Params.TxHash,
				"block", d.Params.Block,
				"log_index", d.Params.LogIndex,
				"error", err,
			)
			continue
		}
		for i := range rows {
			rows[i].Kind = l.Classify(rows[i], d.Params.TxFrom)
		}
		out = append(out, rows...)
	}
	return out
}

func (l *Ledger) extractOne(d event.Decoded) ([]model.TransferEvent, error) {
	base := model.TransferEvent{
		Contract:  d.Params.Address,
		Block:     d.Params.Block,
		BlockHash: d.Params.BlockHash,
		TxHash:    d.Params.TxHash,
		TxIndex:   d.Params.TxIndex,
		LogIndex:  d.Params.LogIndex,
		Timestamp: d.Params.Timestamp,
	}

	switch d.SubKind {
	case event.SubKindERC721Transfer:
		from, to, err := fromTo(d, "from", "to")
		if err != nil {
			return nil, err
		}
		id, err := d.Uint("tokenId")
		if err != nil {
			return nil, err
		}
		base.From, base.To, base.TokenID, base.Amount = from, to, id.String(), "1"
		base.TokenKind = model.TokenKindERC721
		return []model.TransferEvent{base}, nil

	case event.SubKindERC721ConsecutiveTransfer:
		from, to, err := fromTo(d, "fromAddress", "toAddress")
		if err != nil {
			return nil, err
		}
		start, err := d.Uint("fromTokenId")
		if err != nil {
			return nil, err
		}
		end, err := d.Uint("toTokenId")
		if err != nil {
			return nil, err
		}
		if end.Cmp(start) < 0 {
			return nil, fmt.Errorf("token range %s..%s is reversed", start, end)
		}
		span := new(big.Int).Sub(end, start)
		if !span.IsInt64() || span.Int64() >= maxConsecutiveSpan {
			return nil, fmt.Errorf("token range %s..%s exceeds %d tokens", start, end, maxConsecutiveSpan)
		}
		n := int(span.Int64()) + 1
		out := make([]model.TransferEvent, 0, n)
		id := new(big.Int).Set(start)
		for i := 0; i < n; i++ {
			row := base
			row.From, row.To, row.TokenID, row.Amount = from, to, id.String(), "1"
			row.TokenKind = model.TokenKindERC721
			row.BatchIndex = i
			out = append(out, row)
			id.Add(id, big.NewInt(1))
		}
		return out, nil

	case event.SubKindERC1155TransferSingle:
		from, to, err := fromTo(d, "from", "to")
		if err != nil {
			return nil, err
		}
		id, err := d.Uint("tokenId")
		if err != nil {
			return nil, err
		}
		amount, err := d.Uint("amount")
		if err != nil {
			return nil, err
		}
		base.From, base.To, base.TokenID, base.Amount = from, to, id.String(), amount.String()
		base.TokenKind = model.TokenKindERC1155
		return []model.TransferEvent{base}, nil

	case event.SubKindERC1155TransferBatch:
		from, to, err := fromTo(d, "from", "to")
		if err != nil {
			return nil, err
		}
		ids, err := d.Uints("tokenIds")
		if err != nil {
			return nil, err
		}
		amounts, err := d.Uints("amounts")
		if err != nil {
			return nil, err
		}
		if len(ids) != len(amounts) {
			return nil, fmt.Errorf("%d token ids but %d amounts", len(ids), len(amounts))
		}
		out := make([]model.TransferEvent, 0, len(ids))
		for i := range ids {
			row := base
			row.From, row.To, row.TokenID, row.Amount = from, to, ids[i].String(), amounts[i].String()
			row.TokenKind = model.TokenKindERC1155
			row.BatchIndex = i
			out = append(out, row)
		}
		return out, nil
	}
	return nil, nil
}

func fromTo(d event.Decoded, fromArg, toArg string) (string, string, error) {
	from, err := d.Address(fromArg)
	if err != nil {
		return "", "", err
	}
	to, err := d.Address(toArg)
	if err != nil {
		return "", "", err
	}
	return from, to, nil
}

type txContract struct {
	txHash   string
	contract string
}

// flagBulkAirdrops marks every transfer of a transaction in which one
// contract reached more than BulkAirdropRecipients unique recipients.
func (l *Ledger) flagBulkAirdrops(ctx context.Context, transfers []model.TransferEvent) int {
	recipients := make(map[txContract]map[string]struct{})
	for _, t := range transfers {
		k := txContract{t.TxHash, t.Contract}
		set, ok := recipients[k]
		if !ok {
			set = make(map[string]struct{})
			recipients[k] = set
		}
		set[t.To] = struct{}{}
	}

	spamTxs := make(map[string]bool)
	keys := make([]txContract, 0, len(recipients))
	for k := range recipients {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].txHash != keys[j].txHash {
			return keys[i].txHash < keys[j].txHash
		}
		return keys[i].contract < keys[j].contract
	})
	for _, k := range keys {
		if n := len(recipients[k]); n > BulkAirdropRecipients {
			if !spamTxs[k.txHash] {
				metrics.LedgerAirdropBulkDetected.WithLabelValues(l.chain, l.network).Inc()
			}
			spamTxs[k.txHash] = true
			l.logger.Info("airdrop-bulk-detection",
				"tx_hash", k.txHash,
				"contract", k.contract,
				"unique_recipients", n,
			)
			l.sendSpamAlert(ctx, k, n)
		}
	}

	flagged := 0
	for i := range transfers {
		if spamTxs[transfers[i].TxHash] {
			transfers[i].IsSpamCandidate = true
			flagged++
		}
	}
	return flagged
}

func (l *Ledger) sendSpamAlert(ctx context.Context, k txContract, recipients int) {
	err := l.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeAirdropSpam,
		Chain:   l.chain,
		Network: l.network,
		Title:   "Bulk airdrop detected",
		Message: fmt.Sprintf("Transaction %s sent %s tokens to %d unique recipients", k.txHash, k.contract, recipients),
		Fields: map[string]string{
			"tx_hash":           k.txHash,
			"contract":          k.contract,
			"unique_recipients": strconv.Itoa(recipients),
		},
	})
	if err != nil {
		l.logger.Warn("send airdrop spam alert failed", "tx_hash", k.txHash, "error", err)
	}
}

// Apply records transfers and their balance deltas in one atomic repository
// call. Transfers already present are skipped, so re-applying a block is a
// no-op.
func (l *Ledger) Apply(ctx context.Context, transfers []model.TransferEvent) (ApplyStats, error) {
	stats := ApplyStats{Received: len(transfers), ByKind: make(map[model.TransferKind]int)}
	if len(transfers) == 0 {
		return stats, nil
	}

	rows := append([]model.TransferEvent(nil), transfers...)
	for i := range rows {
		if rows[i].Kind == "" {
			rows[i].Kind = model.TransferKindNull
		}
	}
	stats.SpamFlagged = l.flagBulkAirdrops(ctx, rows)

	res, err := l.repo.InsertAndApply(ctx, rows)
	if err != nil {
		first := rows[0]
		l.logger.Error("apply transfers failed",
			"count", len(rows),
			"first_tx_hash", first.TxHash,
			"first_block", first.Block,
			"first_log_index", first.LogIndex,
			"error", err,
		)
		return stats, fmt.Errorf("apply %d transfers: %w", len(rows), err)
	}

	stats.Applied = len(res.Applied)
	for _, t := range res.Applied {
		stats.ByKind[t.Kind]++
	}
	for kind, n := range stats.ByKind {
		metrics.LedgerTransfersApplied.WithLabelValues(l.chain, l.network, string(kind)).Add(float64(n))
	}
	if skipped := stats.Received - stats.Applied; skipped > 0 {
		l.logger.Debug("transfers already recorded", "skipped", skipped)
	}
	return stats, nil
}

// Rollback tombstones the transfers of an orphaned block and reverses their
// balance deltas. Rolling back an unknown or already rolled back block is a
// no-op.
func (l *Ledger) Rollback(ctx context.Context, block int64, blockHash string) ([]model.TransferEvent, error) {
	removed, err := l.repo.TombstoneBlock(ctx, block, blockHash)
	if err != nil {
		return nil, fmt.Errorf("rollback transfers of block %d (%s): %w", block, blockHash, err)
	}
	if len(removed) > 0 {
		metrics.LedgerTransfersRolledBack.WithLabelValues(l.chain, l.network).Add(float64(len(removed)))
		l.logger.Info("transfers rolled back",
			"block", block,
			"block_hash", blockHash,
			"count", len(removed),
		)
	}
	return removed, nil
}
