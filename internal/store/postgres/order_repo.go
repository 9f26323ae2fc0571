package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var _ store.OrderRepository = (*OrderRepo)(nil)

type OrderRepo struct {
	db *DB
}

func NewOrderRepo(db *DB) *OrderRepo {
	return &OrderRepo{db: db}
}

// orderSelect reads valid_between back as unix seconds; an unbounded upper
// end maps to model.ValidToInfinity.
const orderSelect = `id, kind, side, fillability_status, approval_status, token_set_id, token_set_schema_hash,
	maker, taker, contract, price::text, value::text, currency, currency_price::text, currency_value::text,
	needs_conversion, quantity_remaining::text,
	extract(epoch FROM lower(valid_between))::bigint,
	COALESCE(extract(epoch FROM upper(valid_between))::bigint, 0),
	nonce::text, source_id_int, conduit, fee_bps, fee_breakdown, missing_royalties,
	normalized_value::text, currency_normalized_value::text, is_partial, raw_data,
	block_number, log_index, block_hash, origin_block_hash`

// validBetween builds the range from two unix-second placeholders.
func validBetween(from, to string) string {
	return fmt.Sprintf("tstzrange(to_timestamp(%s::bigint), CASE WHEN %s::bigint = 0 THEN NULL ELSE to_timestamp(%s::bigint) END, '[]')", from, to, to)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (*model.Order, error) {
	var (
		o                                               model.Order
		side, fill, approval                            string
		currencyPrice, currencyValue, nonce, conduit    sql.NullString
		normalized, currencyNormalized, blockHash, orig sql.NullString
		sourceID, logIndex                              sql.NullInt32
		blockNumber                                     sql.NullInt64
		feeBreakdown, missing, raw                      []byte
	)
	if err := s.Scan(&o.ID, &o.Kind, &side, &fill, &approval, &o.TokenSetID, &o.TokenSetSchemaHash,
		&o.Maker, &o.Taker, &o.Contract, &o.Price, &o.Value, &o.Currency, &currencyPrice, &currencyValue,
		&o.NeedsConversion, &o.QuantityRemaining, &o.ValidFrom, &o.ValidTo,
		&nonce, &sourceID, &conduit, &o.FeeBps, &feeBreakdown, &missing,
		&normalized, &currencyNormalized, &o.IsPartial, &raw,
		&blockNumber, &logIndex, &blockHash, &orig); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.FillabilityStatus = model.FillabilityStatus(fill)
	o.ApprovalStatus = model.ApprovalStatus(approval)
	o.CurrencyPrice = currencyPrice.String
	o.CurrencyValue = currencyValue.String
	o.Nonce = nonce.String
	o.Conduit = conduit.String
	o.NormalizedValue = normalized.String
	o.CurrencyNormalizedValue = currencyNormalized.String
	o.BlockHash = blockHash.String
	o.OriginBlockHash = orig.String
	if sourceID.Valid {
		v := int(sourceID.Int32)
		o.SourceID = &v
	}
	if logIndex.Valid {
		v := int(logIndex.Int32)
		o.LogIndex = &v
	}
	if blockNumber.Valid {
		v := blockNumber.Int64
		o.BlockNumber = &v
	}
	if len(feeBreakdown) > 0 {
		if err := json.Unmarshal(feeBreakdown, &o.FeeBreakdown); err != nil {
			return nil, fmt.Errorf("decode fee_breakdown of %s: %w", o.ID, err)
		}
	}
	if len(missing) > 0 {
		if err := json.Unmarshal(missing, &o.MissingRoyalties); err != nil {
			return nil, fmt.Errorf("decode missing_royalties of %s: %w", o.ID, err)
		}
	}
	if len(raw) > 0 {
		o.RawData = json.RawMessage(raw)
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*model.Order, error) {
	defer rows.Close()
	var out []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *OrderRepo) Get(ctx context.Context, id string) (*model.Order, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	o, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderSelect+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

const orderInsertCols = 31

func orderArgs(o *model.Order) ([]interface{}, error) {
	feeBreakdown, err := json.Marshal(nonNilFees(o.FeeBreakdown))
	if err != nil {
		return nil, err
	}
	missing, err := json.Marshal(nonNilMissing(o.MissingRoyalties))
	if err != nil {
		return nil, err
	}
	var raw interface{}
	if len(o.RawData) > 0 {
		raw = string(o.RawData)
	}
	qty := o.QuantityRemaining
	if qty == "" {
		qty = "1"
	}
	return []interface{}{
		o.ID, o.Kind, string(o.Side), string(o.FillabilityStatus), string(o.ApprovalStatus),
		o.TokenSetID, o.TokenSetSchemaHash, o.Maker, o.Taker, o.Contract,
		o.Price, o.Value, o.Currency, nullString(o.CurrencyPrice), nullString(o.CurrencyValue),
		o.NeedsConversion, qty, o.ValidFrom, o.ValidTo, nullString(o.Nonce),
		o.SourceID, nullString(o.Conduit), o.FeeBps, string(feeBreakdown), string(missing),
		nullString(o.NormalizedValue), nullString(o.CurrencyNormalizedValue), o.IsPartial, raw,
		o.BlockNumber, o.LogIndex,
	}, nil
}

func nonNilFees(f []model.FeeBreakdown) []model.FeeBreakdown {
	if f == nil {
		return []model.FeeBreakdown{}
	}
	return f
}

func nonNilMissing(m []model.MissingRoyalty) []model.MissingRoyalty {
	if m == nil {
		return []model.MissingRoyalty{}
	}
	return m
}

// InsertIgnore writes each order with its block hash as both the current and
// the origin hash, so a rollback of the creating block removes it.
func (r *OrderRepo) InsertIgnore(ctx context.Context, orders []*model.Order) ([]string, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	const cols = orderInsertCols + 1
	var inserted []string
	size := chunkSize(cols)
	for start := 0; start < len(orders); start += size {
		end := min(start+size, len(orders))

		var sb strings.Builder
		sb.WriteString(`
			INSERT INTO orders (id, kind, side, fillability_status, approval_status,
				token_set_id, token_set_schema_hash, maker, taker, contract,
				price, value, currency, currency_price, currency_value,
				needs_conversion, quantity_remaining, valid_between, nonce,
				source_id_int, conduit, fee_bps, fee_breakdown, missing_royalties,
				normalized_value, currency_normalized_value, is_partial, raw_data,
				block_number, log_index, block_hash, origin_block_hash)
			VALUES `)
		args := make([]interface{}, 0, (end-start)*cols)
		for i, o := range orders[start:end] {
			if i > 0 {
				sb.WriteString(", ")
			}
			a, err := orderArgs(o)
			if err != nil {
				return inserted, fmt.Errorf("encode order %s: %w", o.ID, err)
			}
			args = append(args, a...)
			args = append(args, nullString(o.BlockHash))

			base := i * cols
			p := func(n int) string { return fmt.Sprintf("$%d", base+n) }
			sb.WriteByte('(')
			for c := 1; c <= 17; c++ {
				sb.WriteString(p(c) + ", ")
			}
			sb.WriteString(validBetween(p(18), p(19)) + ", ")
			for c := 20; c <= 31; c++ {
				sb.WriteString(p(c) + ", ")
			}
			sb.WriteString(p(32) + ", " + p(32) + ")")
		}
		sb.WriteString(` ON CONFLICT (id) DO NOTHING RETURNING id`)

		rows, err := r.db.QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return inserted, fmt.Errorf("insert %d orders: %w", end-start, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return inserted, fmt.Errorf("scan inserted id: %w", err)
			}
			inserted = append(inserted, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return inserted, fmt.Errorf("insert orders: %w", err)
		}
	}
	return inserted, nil
}

// UpdateIfNewer rewrites the mutable columns when the gate passes. The
// lower validity bound is kept at the maximum of the stored and new value.
func (r *OrderRepo) UpdateIfNewer(ctx context.Context, o *model.Order, gate store.UpdateGate) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	feeBreakdown, err := json.Marshal(nonNilFees(o.FeeBreakdown))
	if err != nil {
		return false, fmt.Errorf("encode fee breakdown: %w", err)
	}
	missing, err := json.Marshal(nonNilMissing(o.MissingRoyalties))
	if err != nil {
		return false, fmt.Errorf("encode missing royalties: %w", err)
	}
	var raw interface{}
	if len(o.RawData) > 0 {
		raw = string(o.RawData)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET
			fillability_status = $2,
			approval_status = $3,
			price = $4,
			value = $5,
			currency_price = $6,
			currency_value = $7,
			needs_conversion = $8,
			quantity_remaining = $9,
			valid_between = tstzrange(
				GREATEST(lower(valid_between), to_timestamp($10::bigint)),
				CASE WHEN $11::bigint = 0 THEN NULL ELSE to_timestamp($11::bigint) END, '[]'),
			source_id_int = COALESCE($12, source_id_int),
			fee_bps = $13,
			fee_breakdown = $14,
			missing_royalties = $15,
			normalized_value = $16,
			currency_normalized_value = $17,
			raw_data = COALESCE($18, raw_data),
			block_number = COALESCE($19, block_number),
			log_index = COALESCE($20, log_index),
			block_hash = COALESCE($21, block_hash),
			updated_at = now()
		WHERE id = $1
		  AND CASE WHEN $22::bigint > 0
		           THEN updated_at < to_timestamp($22::bigint)
		           ELSE lower(valid_between) < to_timestamp($23::bigint)
		      END
	`, o.ID, string(o.FillabilityStatus), string(o.ApprovalStatus), o.Price, o.Value,
		nullString(o.CurrencyPrice), nullString(o.CurrencyValue), o.NeedsConversion, o.QuantityRemaining,
		o.ValidFrom, o.ValidTo, o.SourceID, o.FeeBps, string(feeBreakdown), string(missing),
		nullString(o.NormalizedValue), nullString(o.CurrencyNormalizedValue), raw,
		o.BlockNumber, o.LogIndex, nullString(o.BlockHash),
		gate.ForceRecheckBefore, gate.TxTimestamp)
	if err != nil {
		return false, fmt.Errorf("update order %s: %w", o.ID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *OrderRepo) ListByMaker(ctx context.Context, kind, maker string) ([]*model.Order, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+orderSelect+` FROM orders WHERE maker = $1 AND kind = $2 ORDER BY id`, maker, kind)
	if err != nil {
		return nil, fmt.Errorf("list orders of %s: %w", maker, err)
	}
	return scanOrders(rows)
}

func (r *OrderRepo) ListSellOrdersByToken(ctx context.Context, maker, contract, tokenID string) ([]*model.Order, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderSelect+`
		FROM orders
		WHERE token_set_id = $1 AND side = 'sell' AND maker = $2
	`, model.SingleTokenSetID(contract, tokenID), maker)
	if err != nil {
		return nil, fmt.Errorf("list sell orders %s:%s: %w", contract, tokenID, err)
	}
	return scanOrders(rows)
}

// SetFillability only moves orders between fillable and no-balance; cancelled,
// filled and expired are final.
func (r *OrderRepo) SetFillability(ctx context.Context, ids []string, status model.FillabilityStatus, block int64, blockHash string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET fillability_status = $2, block_number = $3, block_hash = $4, updated_at = now()
		WHERE id = ANY($1)
		  AND fillability_status IN ('fillable', 'no-balance')
		  AND fillability_status <> $2
	`, pq.Array(ids), string(status), block, nullString(blockHash))
	if err != nil {
		return fmt.Errorf("set fillability of %d orders: %w", len(ids), err)
	}
	return nil
}

func (r *OrderRepo) SetApprovalByOperator(ctx context.Context, maker, contract, operator string, status model.ApprovalStatus, block int64, blockHash string) ([]string, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE orders
		SET approval_status = $4, block_number = $5, block_hash = $6, updated_at = now()
		WHERE maker = $1 AND contract = $2 AND conduit = $3 AND side = 'sell'
		  AND approval_status <> $4
		RETURNING id
	`, maker, contract, operator, string(status), block, nullString(blockHash))
	if err != nil {
		return nil, fmt.Errorf("set approval %s/%s/%s: %w", maker, contract, operator, err)
	}
	return scanIDs(rows)
}

func (r *OrderRepo) CancelByID(ctx context.Context, kind, id string, block int64, blockHash string) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET fillability_status = 'cancelled', block_number = $3, block_hash = $4, updated_at = now()
		WHERE id = $1 AND kind = $2 AND fillability_status <> 'cancelled'
	`, id, kind, block, nullString(blockHash))
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *OrderRepo) CancelByMakerNonceBelow(ctx context.Context, kind, maker, nonce string, block int64, blockHash string) ([]string, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE orders
		SET fillability_status = 'cancelled', block_number = $4, block_hash = $5, updated_at = now()
		WHERE kind = $1 AND maker = $2 AND nonce < $3::numeric
		  AND fillability_status <> 'cancelled'
		RETURNING id
	`, kind, maker, nonce, block, nullString(blockHash))
	if err != nil {
		return nil, fmt.Errorf("bulk cancel %s below %s: %w", maker, nonce, err)
	}
	return scanIDs(rows)
}

func (r *OrderRepo) TopBidValue(ctx context.Context, contract string) (string, error) {
	return r.bestValue(ctx, `MAX`, `buy`, contract)
}

func (r *OrderRepo) FloorAskValue(ctx context.Context, contract string) (string, error) {
	return r.bestValue(ctx, `MIN`, `sell`, contract)
}

func (r *OrderRepo) bestValue(ctx context.Context, agg, side, contract string) (string, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var v string
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(`+agg+`(value)::text, '')
		FROM orders
		WHERE contract = $1 AND side = $2
		  AND fillability_status = 'fillable' AND approval_status = 'approved'
	`, contract, side).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("best %s value of %s: %w", side, contract, err)
	}
	return v, nil
}

// RollbackBlock removes orders created in the orphaned block and reopens the
// staleness gate of orders whose last write came from it, so the canonical
// block's events can be applied again. Cancellations from the orphaned block
// are undone.
func (r *OrderRepo) RollbackBlock(ctx context.Context, block int64, blockHash string) ([]*model.Order, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	var affected []*model.Order
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			DELETE FROM orders
			WHERE origin_block_hash = $1
			RETURNING `+orderSelect, blockHash)
		if err != nil {
			return fmt.Errorf("delete orders of block %d: %w", block, err)
		}
		deleted, err := scanOrders(rows)
		if err != nil {
			return err
		}

		rows, err = tx.QueryContext(ctx, `
			UPDATE orders SET
				valid_between = tstzrange(to_timestamp(0), upper(valid_between), '[]'),
				fillability_status = CASE WHEN fillability_status = 'cancelled' THEN 'fillable' ELSE fillability_status END,
				block_hash = NULL,
				updated_at = now()
			WHERE block_hash = $1
			RETURNING `+orderSelect, blockHash)
		if err != nil {
			return fmt.Errorf("rewind orders of block %d: %w", block, err)
		}
		rewound, err := scanOrders(rows)
		if err != nil {
			return err
		}
		affected = append(deleted, rewound...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
