package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var (
	_ store.TransferRepository   = (*TransferRepo)(nil)
	_ store.CollectionRepository = (*TransferRepo)(nil)
)

// TransferRepo owns nft_transfer_events, nft_balances and collections. All
// three are written in one transaction per call.
type TransferRepo struct {
	db *DB
}

func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

const transferCols = 14

const transferReturning = `tx_hash, log_index, batch_index, address, token_id::text, "from", "to", amount::text,
	block, block_hash, tx_index, timestamp, kind, is_spam_candidate, is_deleted`

func (r *TransferRepo) InsertAndApply(ctx context.Context, events []model.TransferEvent) (store.ApplyResult, error) {
	if len(events) == 0 {
		return store.ApplyResult{}, nil
	}
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	byKey := make(map[model.TransferKey]model.TransferEvent, len(events))
	for _, e := range events {
		byKey[e.Key()] = e
	}

	var result store.ApplyResult
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		size := chunkSize(transferCols)
		for start := 0; start < len(events); start += size {
			end := min(start+size, len(events))
			keys, err := insertTransfers(ctx, tx, events[start:end])
			if err != nil {
				return err
			}
			for _, k := range keys {
				result.Applied = append(result.Applied, byKey[k])
			}
		}
		if len(result.Applied) == 0 {
			return nil
		}
		deltas, err := model.TransferDeltas(result.Applied, false)
		if err != nil {
			return err
		}
		if err := applyDeltas(ctx, tx, deltas); err != nil {
			return err
		}
		return upsertCollections(ctx, tx, result.Applied)
	})
	if err != nil {
		return store.ApplyResult{}, err
	}
	return result, nil
}

// insertTransfers inserts new rows and revives tombstoned ones with the same
// natural key. Live duplicates are skipped. Returns the keys written.
func insertTransfers(ctx context.Context, tx *sql.Tx, events []model.TransferEvent) ([]model.TransferKey, error) {
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO nft_transfer_events
			(tx_hash, log_index, batch_index, address, token_id, "from", "to", amount,
			 block, block_hash, tx_index, timestamp, kind, is_spam_candidate)
		VALUES `)
	args := make([]interface{}, 0, len(events)*transferCols)
	seen := make(map[model.TransferKey]struct{}, len(events))
	n := 0
	for _, e := range events {
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}
		if n > 0 {
			sb.WriteString(", ")
		}
		placeholders(&sb, n*transferCols, transferCols)
		args = append(args,
			e.TxHash, e.LogIndex, e.BatchIndex, e.Contract, e.TokenID, e.From, e.To, e.Amount,
			e.Block, e.BlockHash, e.TxIndex, e.Timestamp, string(e.Kind), e.IsSpamCandidate,
		)
		n++
	}
	sb.WriteString(`
		ON CONFLICT (tx_hash, log_index, batch_index) DO UPDATE SET
			is_deleted = false,
			block = EXCLUDED.block,
			block_hash = EXCLUDED.block_hash,
			tx_index = EXCLUDED.tx_index,
			timestamp = EXCLUDED.timestamp,
			kind = EXCLUDED.kind,
			is_spam_candidate = EXCLUDED.is_spam_candidate,
			updated_at = now()
		WHERE nft_transfer_events.is_deleted
		RETURNING tx_hash, log_index, batch_index`)

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("insert %d transfer events: %w", n, err)
	}
	defer rows.Close()

	var keys []model.TransferKey
	for rows.Next() {
		var k model.TransferKey
		if err := rows.Scan(&k.TxHash, &k.LogIndex, &k.BatchIndex); err != nil {
			return nil, fmt.Errorf("scan transfer key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func applyDeltas(ctx context.Context, tx *sql.Tx, deltas map[model.BalanceKey]*model.BalanceDelta) error {
	const cols = 5
	keys := model.SortedBalanceKeys(deltas)
	size := chunkSize(cols)
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))

		var sb strings.Builder
		sb.WriteString(`INSERT INTO nft_balances (contract, token_id, owner, amount, acquired_at) VALUES `)
		args := make([]interface{}, 0, (end-start)*cols)
		for i, k := range keys[start:end] {
			if i > 0 {
				sb.WriteString(", ")
			}
			placeholders(&sb, i*cols, cols)
			d := deltas[k]
			var acquired sql.NullInt64
			if d.AcquiredAt != nil {
				acquired = sql.NullInt64{Int64: *d.AcquiredAt, Valid: true}
			}
			args = append(args, k.Contract, k.TokenID, k.Owner, d.Amount.String(), acquired)
		}
		sb.WriteString(`
			ON CONFLICT (contract, token_id, owner) DO UPDATE SET
				amount = nft_balances.amount + EXCLUDED.amount,
				acquired_at = GREATEST(nft_balances.acquired_at, EXCLUDED.acquired_at)`)

		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("apply %d balance deltas: %w", end-start, err)
		}
	}
	return nil
}

func upsertCollections(ctx context.Context, tx *sql.Tx, events []model.TransferEvent) error {
	first := make(map[string]model.TransferEvent)
	for _, e := range events {
		if cur, ok := first[e.Contract]; !ok || e.Block < cur.Block {
			first[e.Contract] = e
		}
	}
	for contract, e := range first {
		kind := e.TokenKind
		if kind == "" {
			kind = model.TokenKindERC721
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO collections (contract, kind, first_seen_block)
			VALUES ($1, $2, $3)
			ON CONFLICT (contract) DO UPDATE SET
				first_seen_block = LEAST(collections.first_seen_block, EXCLUDED.first_seen_block)
		`, contract, string(kind), e.Block); err != nil {
			return fmt.Errorf("upsert collection %s: %w", contract, err)
		}
	}
	return nil
}

func (r *TransferRepo) TombstoneBlock(ctx context.Context, block int64, blockHash string) ([]model.TransferEvent, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	var removed []model.TransferEvent
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE nft_transfer_events
			SET is_deleted = true, updated_at = now()
			WHERE block = $1 AND block_hash = $2 AND NOT is_deleted
			RETURNING `+transferReturning, block, blockHash)
		if err != nil {
			return fmt.Errorf("tombstone block %d: %w", block, err)
		}
		removed, err = scanTransfers(rows)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		deltas, err := model.TransferDeltas(removed, true)
		if err != nil {
			return err
		}
		return applyDeltas(ctx, tx, deltas)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func scanTransfers(rows *sql.Rows) ([]model.TransferEvent, error) {
	defer rows.Close()
	var out []model.TransferEvent
	for rows.Next() {
		var (
			e    model.TransferEvent
			kind string
		)
		if err := rows.Scan(&e.TxHash, &e.LogIndex, &e.BatchIndex, &e.Contract, &e.TokenID, &e.From, &e.To, &e.Amount,
			&e.Block, &e.BlockHash, &e.TxIndex, &e.Timestamp, &kind, &e.IsSpamCandidate, &e.IsDeleted); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		e.Kind = model.TransferKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *TransferRepo) GetBalance(ctx context.Context, key model.BalanceKey) (*model.NFTBalance, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	b := model.NFTBalance{Contract: key.Contract, TokenID: key.TokenID, Owner: key.Owner}
	var acquired sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT amount::text, acquired_at
		FROM nft_balances
		WHERE contract = $1 AND token_id = $2 AND owner = $3
	`, key.Contract, key.TokenID, key.Owner).Scan(&b.Amount, &acquired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s:%s:%s: %w", key.Contract, key.TokenID, key.Owner, err)
	}
	if acquired.Valid {
		b.AcquiredAt = &acquired.Int64
	}
	return &b, nil
}

func (r *TransferRepo) ListOwnedTokens(ctx context.Context, contract, owner string) ([]model.NFTBalance, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT token_id::text, amount::text, acquired_at
		FROM nft_balances
		WHERE owner = $1 AND contract = $2 AND amount > 0
		ORDER BY token_id
	`, owner, contract)
	if err != nil {
		return nil, fmt.Errorf("list owned tokens %s/%s: %w", contract, owner, err)
	}
	defer rows.Close()

	var out []model.NFTBalance
	for rows.Next() {
		b := model.NFTBalance{Contract: contract, Owner: owner}
		var acquired sql.NullInt64
		if err := rows.Scan(&b.TokenID, &b.Amount, &acquired); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		if acquired.Valid {
			v := acquired.Int64
			b.AcquiredAt = &v
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *TransferRepo) GetByContract(ctx context.Context, contract string) (*model.Collection, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		c    model.Collection
		kind string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT contract, kind, first_seen_block FROM collections WHERE contract = $1
	`, contract).Scan(&c.Contract, &kind, &c.FirstSeenBlock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", contract, err)
	}
	c.Kind = model.TokenKind(kind)
	return &c, nil
}
