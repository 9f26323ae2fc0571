package event

import "time"

// ReorgEvent signals that a stored block no longer matches the canonical chain.
type ReorgEvent struct {
	BlockNumber  int64
	ExpectedHash string // hash stored in DB
	ActualHash   string // hash observed on-chain, empty when the block is missing
	DetectedAt   time.Time
}
