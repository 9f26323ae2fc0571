package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var _ store.CursorRepository = (*CursorRepo)(nil)

type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, stream string) (*model.BlockCursor, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var c model.BlockCursor
	err := r.db.QueryRowContext(ctx, `
		SELECT stream, block_number, block_hash, updated_at
		FROM block_cursors
		WHERE stream = $1
	`, stream).Scan(&c.Stream, &c.BlockNumber, &c.BlockHash, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor %s: %w", stream, err)
	}
	return &c, nil
}

func (r *CursorRepo) Advance(ctx context.Context, cursor *model.BlockCursor) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO block_cursors (stream, block_number, block_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_hash = EXCLUDED.block_hash,
			updated_at = now()
		WHERE block_cursors.block_number <= EXCLUDED.block_number
	`, cursor.Stream, cursor.BlockNumber, cursor.BlockHash)
	if err != nil {
		return fmt.Errorf("advance cursor %s to %d: %w", cursor.Stream, cursor.BlockNumber, err)
	}
	return nil
}

func (r *CursorRepo) Rewind(ctx context.Context, stream string, blockNumber int64) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE block_cursors
		SET block_number = $2, block_hash = '', updated_at = now()
		WHERE stream = $1 AND block_number > $2
	`, stream, blockNumber)
	if err != nil {
		return fmt.Errorf("rewind cursor %s to %d: %w", stream, blockNumber, err)
	}
	return nil
}
