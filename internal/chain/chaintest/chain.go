// Package chaintest provides an in-memory chain that can mine blocks with
// logs and replace its tip with a competing fork.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
)

var _ chain.Provider = (*Chain)(nil)

// BlockTime is the spacing between consecutive block timestamps.
const BlockTime = 12

var (
	TopicTransfer       = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	TopicTransferSingle = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))
)

// Tx is a transaction to include in a mined block.
type Tx struct {
	From string
	// Hash overrides the derived transaction hash.
	Hash string
	Logs []types.Log
}

type Chain struct {
	mu      sync.Mutex
	genesis int64
	fork    int
	blocks  []*chain.Block
	logs    map[int64][]types.Log
	failing map[string]int
	calls   map[string]int
}

// New returns a chain holding only block 0.
func New(genesisTime int64) *Chain {
	c := &Chain{
		genesis: genesisTime,
		logs:    make(map[int64][]types.Log),
		failing: make(map[string]int),
		calls:   make(map[string]int),
	}
	c.blocks = append(c.blocks, c.header(0, ""))
	return c
}

func (c *Chain) hash(number int64) string {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("block:%d:%d", c.fork, number))).Hex()
}

func (c *Chain) header(number int64, parent string) *chain.Block {
	return &chain.Block{
		Number:     number,
		Hash:       strings.ToLower(c.hash(number)),
		ParentHash: parent,
		Timestamp:  c.genesis + number*BlockTime,
	}
}

// Mine appends n empty blocks and returns the new head.
func (c *Chain) Mine(n int) int64 {
	var head int64
	for i := 0; i < n; i++ {
		head = c.MineBlock()
	}
	return head
}

// MineBlock appends one block holding txs and returns its number. Log
// positions and hashes are filled in.
func (c *Chain) MineBlock(txs ...Tx) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.blocks[len(c.blocks)-1]
	b := c.header(parent.Number+1, parent.Hash)
	var logs []types.Log
	for i, tx := range txs {
		txHash := tx.Hash
		if txHash == "" {
			txHash = crypto.Keccak256Hash([]byte(fmt.Sprintf("tx:%d:%d:%d", c.fork, b.Number, i))).Hex()
		}
		txHash = strings.ToLower(txHash)
		b.Transactions = append(b.Transactions, chain.Transaction{Hash: txHash, From: strings.ToLower(tx.From), Index: i})
		for _, lg := range tx.Logs {
			lg.BlockNumber = uint64(b.Number)
			lg.BlockHash = common.HexToHash(b.Hash)
			lg.TxHash = common.HexToHash(txHash)
			lg.TxIndex = uint(i)
			lg.Index = uint(len(logs))
			logs = append(logs, lg)
		}
	}
	c.blocks = append(c.blocks, b)
	c.logs[b.Number] = logs
	return b.Number
}

// Reorg drops every block from number onward. Blocks mined afterwards carry
// new hashes.
func (c *Chain) Reorg(number int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number <= 0 || number >= int64(len(c.blocks)) {
		return
	}
	for n := number; n < int64(len(c.blocks)); n++ {
		delete(c.logs, n)
	}
	c.blocks = c.blocks[:number]
	c.fork++
}

func (c *Chain) Head() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.blocks) - 1)
}

// Hash returns the canonical hash of block number, or "" past the head.
func (c *Chain) Hash(number int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number < 0 || number >= int64(len(c.blocks)) {
		return ""
	}
	return c.blocks[number].Hash
}

// Fail makes the next n calls to method return an error.
func (c *Chain) Fail(method string, n int) {
	c.mu.Lock()
	c.failing[method] = n
	c.mu.Unlock()
}

// Calls reports how many times method was called.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Chain) enter(method string) error {
	c.calls[method]++
	if c.failing[method] > 0 {
		c.failing[method]--
		return fmt.Errorf("%s: connection reset by peer", method)
	}
	return nil
}

func (c *Chain) GetBlockNumber(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetBlockNumber"); err != nil {
		return 0, err
	}
	return int64(len(c.blocks) - 1), nil
}

func (c *Chain) GetBlock(_ context.Context, number int64) (*chain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetBlock"); err != nil {
		return nil, err
	}
	if number < 0 || number >= int64(len(c.blocks)) {
		return nil, chain.ErrBlockNotFound
	}
	b := *c.blocks[number]
	b.Transactions = append([]chain.Transaction(nil), b.Transactions...)
	return &b, nil
}

func (c *Chain) GetLogs(_ context.Context, q chain.LogQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetLogs"); err != nil {
		return nil, err
	}
	var out []types.Log
	for n := q.FromBlock; n <= q.ToBlock; n++ {
		for _, lg := range c.logs[n] {
			if matches(q, lg) {
				out = append(out, lg)
			}
		}
	}
	return out, nil
}

func matches(q chain.LogQuery, lg types.Log) bool {
	if len(q.Addresses) > 0 && !containsAddress(q.Addresses, lg.Address) {
		return false
	}
	for i, want := range q.Topics {
		if len(want) == 0 {
			continue
		}
		if i >= len(lg.Topics) || !containsHash(want, lg.Topics[i]) {
			return false
		}
	}
	return true
}

func containsAddress(set []common.Address, a common.Address) bool {
	for _, s := range set {
		if s == a {
			return true
		}
	}
	return false
}

func containsHash(set []common.Hash, h common.Hash) bool {
	for _, s := range set {
		if s == h {
			return true
		}
	}
	return false
}

func addressTopic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}

// ERC721Transfer builds a Transfer(from, to, tokenId) log emitted by contract.
func ERC721Transfer(contract, from, to string, tokenID int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(contract),
		Topics: []common.Hash{
			TopicTransfer,
			addressTopic(from),
			addressTopic(to),
			common.BigToHash(big.NewInt(tokenID)),
		},
	}
}

// ERC1155TransferSingle builds a TransferSingle log emitted by contract.
func ERC1155TransferSingle(contract, operator, from, to string, tokenID, amount int64) types.Log {
	data := append(common.BigToHash(big.NewInt(tokenID)).Bytes(), common.BigToHash(big.NewInt(amount)).Bytes()...)
	return types.Log{
		Address: common.HexToAddress(contract),
		Topics: []common.Hash{
			TopicTransferSingle,
			addressTopic(operator),
			addressTopic(from),
			addressTopic(to),
		},
		Data: data,
	}
}
