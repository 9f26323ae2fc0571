package chain

//go:generate mockgen -source=provider.go -destination=mocks/mock_provider.go -package=mocks

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockLatest selects the chain head for state reads.
const BlockLatest int64 = -1

var ErrBlockNotFound = errors.New("block not found")

// Block is the subset of a block header the pipeline needs, plus the
// top-level sender of each transaction.
type Block struct {
	Number       int64
	Hash         string
	ParentHash   string
	Timestamp    int64
	Transactions []Transaction
}

type Transaction struct {
	Hash  string
	From  string
	To    string
	Index int
}

// Senders maps lowercase tx hash to lowercase sender.
func (b *Block) Senders() map[string]string {
	out := make(map[string]string, len(b.Transactions))
	for _, tx := range b.Transactions {
		out[tx.Hash] = tx.From
	}
	return out
}

// LogQuery is an inclusive block range filtered by emitter and topics.
// Topics follow eth_getLogs position semantics.
type LogQuery struct {
	FromBlock int64
	ToBlock   int64
	Addresses []common.Address
	Topics    [][]common.Hash
}

// Provider reads blocks and logs from a chain node.
type Provider interface {
	GetBlockNumber(ctx context.Context) (int64, error)
	// GetBlock returns ErrBlockNotFound when the node has no such block.
	GetBlock(ctx context.Context, number int64) (*Block, error)
	GetLogs(ctx context.Context, q LogQuery) ([]types.Log, error)
}

// StateReader executes read-only contract calls at a block.
type StateReader interface {
	CallContract(ctx context.Context, to common.Address, data []byte, block int64) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, block int64) (*big.Int, error)
}
