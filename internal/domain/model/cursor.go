package model

import "time"

// Sync stream names for BlockCursor rows.
const (
	StreamRealtime = "realtime"
)

// BlockCursor is the last safely-processed block of a sync stream. It only
// advances after a successful batch application.
type BlockCursor struct {
	Stream      string    `db:"stream"`
	BlockNumber int64     `db:"block_number"`
	BlockHash   string    `db:"block_hash"`
	UpdatedAt   time.Time `db:"updated_at"`
}
