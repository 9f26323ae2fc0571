package model

type TransferKind string

const (
	TransferKindMint    TransferKind = "mint"
	TransferKindBurn    TransferKind = "burn"
	TransferKindAirdrop TransferKind = "airdrop"
	TransferKindNull    TransferKind = "null"
)

type TokenKind string

const (
	TokenKindERC721  TokenKind = "erc721"
	TokenKindERC1155 TokenKind = "erc1155"
)

// TransferEvent is an append-only record of a single NFT movement. Rows are
// never physically deleted; a reorg sets IsDeleted.
type TransferEvent struct {
	Contract        string       `db:"address"`
	TokenID         string       `db:"token_id"`
	From            string       `db:"from"`
	To              string       `db:"to"`
	Amount          string       `db:"amount"`
	TokenKind       TokenKind    `db:"-"`
	Block           int64        `db:"block"`
	BlockHash       string       `db:"block_hash"`
	TxHash          string       `db:"tx_hash"`
	TxIndex         int          `db:"tx_index"`
	LogIndex        int          `db:"log_index"`
	BatchIndex      int          `db:"batch_index"`
	Timestamp       int64        `db:"timestamp"`
	Kind            TransferKind `db:"kind"`
	IsSpamCandidate bool         `db:"is_spam_candidate"`
	IsDeleted       bool         `db:"is_deleted"`
}

// TransferKey is the natural key of a TransferEvent.
type TransferKey struct {
	TxHash     string
	LogIndex   int
	BatchIndex int
}

func (e TransferEvent) Key() TransferKey {
	return TransferKey{TxHash: e.TxHash, LogIndex: e.LogIndex, BatchIndex: e.BatchIndex}
}
