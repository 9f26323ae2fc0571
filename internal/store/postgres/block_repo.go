package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var _ store.BlockRepository = (*BlockRepo)(nil)

type BlockRepo struct {
	db *DB
}

func NewBlockRepo(db *DB) *BlockRepo {
	return &BlockRepo{db: db}
}

const blockCols = 4

func (r *BlockRepo) Save(ctx context.Context, blocks []model.IndexedBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString(`INSERT INTO blocks (number, hash, parent_hash, timestamp) VALUES `)
	args := make([]interface{}, 0, len(blocks)*blockCols)
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString(", ")
		}
		placeholders(&sb, i*blockCols, blockCols)
		args = append(args, b.BlockNumber, b.BlockHash, b.ParentHash, b.Timestamp)
	}
	sb.WriteString(` ON CONFLICT (number, hash) DO NOTHING`)

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("save %d blocks: %w", len(blocks), err)
	}
	return nil
}

func (r *BlockRepo) GetRecent(ctx context.Context, limit int) ([]model.IndexedBlock, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT number, hash, parent_hash, timestamp
		FROM blocks
		ORDER BY number DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent blocks: %w", err)
	}
	defer rows.Close()

	var out []model.IndexedBlock
	for rows.Next() {
		var b model.IndexedBlock
		if err := rows.Scan(&b.BlockNumber, &b.BlockHash, &b.ParentHash, &b.Timestamp); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BlockRepo) Delete(ctx context.Context, number int64, hash string) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM blocks WHERE number = $1 AND hash = $2`, number, hash); err != nil {
		return fmt.Errorf("delete block %d: %w", number, err)
	}
	return nil
}

func (r *BlockRepo) PruneBefore(ctx context.Context, number int64) (int64, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM blocks WHERE number < $1`, number)
	if err != nil {
		return 0, fmt.Errorf("prune blocks before %d: %w", number, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
