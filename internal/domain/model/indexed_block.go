package model

// IndexedBlock is a (number, hash) pair observed during sync. The reorg
// detector compares these against the canonical chain.
type IndexedBlock struct {
	BlockNumber int64  `db:"number"`
	BlockHash   string `db:"hash"`
	ParentHash  string `db:"parent_hash"`
	Timestamp   int64  `db:"timestamp"`
}
