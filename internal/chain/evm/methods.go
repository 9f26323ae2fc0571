package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
)

var (
	_ chain.Provider    = (*Client)(nil)
	_ chain.StateReader = (*Client)(nil)
)

func (c *Client) GetBlockNumber(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}

	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal block number: %w", err)
	}
	return ParseHexInt64(hexNum)
}

// GetBlock fetches a block with its transactions so each log can be
// attributed to the top-level sender.
func (c *Client) GetBlock(ctx context.Context, number int64) (*chain.Block, error) {
	result, err := c.call(ctx, "eth_getBlockByNumber", []interface{}{blockTag(number), true})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%d): %w", number, err)
	}
	return decodeBlock(number, result)
}

// GetBlocks fetches several blocks in one batch, in input order.
func (c *Client) GetBlocks(ctx context.Context, numbers []int64) ([]*chain.Block, error) {
	requests := make([]Request, len(numbers))
	for i, n := range numbers {
		requests[i] = c.newRequest("eth_getBlockByNumber", []interface{}{blockTag(n), true})
	}
	responses, err := c.callBatch(ctx, "eth_getBlockByNumber", requests)
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber batch: %w", err)
	}

	blocks := make([]*chain.Block, len(numbers))
	for i, resp := range responses {
		if resp.Error != nil {
			return nil, fmt.Errorf("eth_getBlockByNumber(%d): %w", numbers[i], resp.Error)
		}
		if blocks[i], err = decodeBlock(numbers[i], resp.Result); err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

func decodeBlock(number int64, raw json.RawMessage) (*chain.Block, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("block %d: %w", number, chain.ErrBlockNotFound)
	}
	var b rpcBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("unmarshal block %d: %w", number, err)
	}

	num, err := ParseHexInt64(b.Number)
	if err != nil {
		return nil, fmt.Errorf("block %d number: %w", number, err)
	}
	ts, err := ParseHexInt64(b.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("block %d timestamp: %w", number, err)
	}

	out := &chain.Block{
		Number:       num,
		Hash:         strings.ToLower(b.Hash),
		ParentHash:   strings.ToLower(b.ParentHash),
		Timestamp:    ts,
		Transactions: make([]chain.Transaction, 0, len(b.Transactions)),
	}
	for _, tx := range b.Transactions {
		idx, _ := ParseHexInt64(tx.TransactionIndex)
		out.Transactions = append(out.Transactions, chain.Transaction{
			Hash:  strings.ToLower(tx.Hash),
			From:  strings.ToLower(tx.From),
			To:    strings.ToLower(tx.To),
			Index: int(idx),
		})
	}
	return out, nil
}

func (c *Client) GetLogs(ctx context.Context, q chain.LogQuery) ([]types.Log, error) {
	filter := logFilter{
		FromBlock: formatHexInt64(q.FromBlock),
		ToBlock:   formatHexInt64(q.ToBlock),
	}
	for _, addr := range q.Addresses {
		filter.Address = append(filter.Address, strings.ToLower(addr.Hex()))
	}
	for _, position := range q.Topics {
		if len(position) == 0 {
			filter.Topics = append(filter.Topics, nil)
			continue
		}
		hashes := make([]string, len(position))
		for i, h := range position {
			hashes[i] = h.Hex()
		}
		filter.Topics = append(filter.Topics, hashes)
	}

	result, err := c.call(ctx, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs(%d-%d): %w", q.FromBlock, q.ToBlock, err)
	}

	var logs []types.Log
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fmt.Errorf("unmarshal logs: %w", err)
	}
	return logs, nil
}

func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte, block int64) ([]byte, error) {
	msg := callMsg{To: strings.ToLower(to.Hex()), Data: hexutil.Encode(data)}
	result, err := c.call(ctx, "eth_call", []interface{}{msg, blockTag(block)})
	if err != nil {
		return nil, fmt.Errorf("eth_call(%s): %w", to.Hex(), err)
	}
	var out hexutil.Bytes
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("unmarshal eth_call result: %w", err)
	}
	return out, nil
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, block int64) (*big.Int, error) {
	result, err := c.call(ctx, "eth_getBalance", []interface{}{strings.ToLower(account.Hex()), blockTag(block)})
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance(%s): %w", account.Hex(), err)
	}
	var out hexutil.Big
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("unmarshal balance: %w", err)
	}
	return out.ToInt(), nil
}

func ParseHexInt64(value string) (int64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(raw, 16, 63)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", value, err)
	}
	return int64(parsed), nil
}

func formatHexInt64(value int64) string {
	return fmt.Sprintf("0x%x", value)
}

func blockTag(block int64) string {
	if block < 0 {
		return "latest"
	}
	return formatHexInt64(block)
}
