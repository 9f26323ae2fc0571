// Package sudoswap quotes Sudoswap v2 bonding-curve pools as orders: one buy
// order per pool and one sell order per token the pool holds.
package sudoswap

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mgamer/indexer-v3-sub004/internal/cache"
	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

const pairABIJSON = `[
	{"type":"function","name":"nft","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"poolType","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"pairVariant","stateMutability":"pure","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"nftId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getBuyNFTQuote","stateMutability":"view","inputs":[{"name":"assetId","type":"uint256"},{"name":"numNFTs","type":"uint256"}],"outputs":[
		{"name":"error","type":"uint8"},{"name":"newSpotPrice","type":"uint256"},{"name":"newDelta","type":"uint256"},
		{"name":"inputAmount","type":"uint256"},{"name":"protocolFee","type":"uint256"},{"name":"royaltyAmount","type":"uint256"}]},
	{"type":"function","name":"getSellNFTQuote","stateMutability":"view","inputs":[{"name":"assetId","type":"uint256"},{"name":"numNFTs","type":"uint256"}],"outputs":[
		{"name":"error","type":"uint8"},{"name":"newSpotPrice","type":"uint256"},{"name":"newDelta","type":"uint256"},
		{"name":"outputAmount","type":"uint256"},{"name":"protocolFee","type":"uint256"},{"name":"royaltyAmount","type":"uint256"}]}
]`

const factoryABIJSON = `[
	{"type":"function","name":"isValidPair","stateMutability":"view","inputs":[{"name":"pairAddress","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	PairABI    = mustABI(pairABIJSON)
	FactoryABI = mustABI(factoryABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// Pool types.
const (
	PoolToken uint8 = 0
	PoolNFT   uint8 = 1
	PoolTrade uint8 = 2
)

// Pair variants.
const (
	VariantERC721ETH    uint8 = 0
	VariantERC721ERC20  uint8 = 1
	VariantERC1155ETH   uint8 = 2
	VariantERC1155ERC20 uint8 = 3
)

// Pool is the on-chain state of a pair that order pricing depends on.
type Pool struct {
	Address  string
	NFT      string
	Owner    string
	PoolType uint8
	Variant  uint8
	// NFTID is the traded id of an ERC-1155 pair.
	NFTID   string
	Balance *big.Int
}

func (p *Pool) ETH() bool {
	return p.Variant == VariantERC721ETH || p.Variant == VariantERC1155ETH
}

func (p *Pool) TokenKind() model.TokenKind {
	if p.Variant == VariantERC1155ETH || p.Variant == VariantERC1155ERC20 {
		return model.TokenKindERC1155
	}
	return model.TokenKindERC721
}

func (p *Pool) Buys() bool  { return p.PoolType == PoolToken || p.PoolType == PoolTrade }
func (p *Pool) Sells() bool { return p.PoolType == PoolNFT || p.PoolType == PoolTrade }

// assetID is the id passed to quotes; ERC-721 pairs ignore it.
func (p *Pool) assetID() *big.Int {
	if p.NFTID == "" {
		return new(big.Int)
	}
	id, _ := new(big.Int).SetString(p.NFTID, 10)
	if id == nil {
		return new(big.Int)
	}
	return id
}

// Reader reads pair state at the latest block.
type Reader struct {
	state   chain.StateReader
	factory common.Address
	valid   *cache.LRU[string, bool]
}

func NewReader(state chain.StateReader, factory string) *Reader {
	return &Reader{
		state:   state,
		factory: common.HexToAddress(factory),
		valid:   cache.NewLRU[string, bool]("sudoswap_valid_pairs", 10_000, 24*time.Hour),
	}
}

func (r *Reader) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.state.CallContract(ctx, to, data, chain.BlockLatest)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned nothing", method)
	}
	return values, nil
}

// IsValidPair asks the factory whether addr is one of its pairs. Answers are
// cached; a pair never stops being valid.
func (r *Reader) IsValidPair(ctx context.Context, addr string) (bool, error) {
	addr = model.NormalizeAddress(addr)
	return r.valid.GetOrLoad(ctx, addr, func(ctx context.Context) (bool, error) {
		v, err := r.call(ctx, r.factory, FactoryABI, "isValidPair", common.HexToAddress(addr))
		if err != nil {
			return false, err
		}
		return v[0].(bool), nil
	})
}

func (r *Reader) Pool(ctx context.Context, addr string) (*Pool, error) {
	to := common.HexToAddress(addr)
	p := &Pool{Address: model.NormalizeAddress(addr)}

	v, err := r.call(ctx, to, PairABI, "nft")
	if err != nil {
		return nil, err
	}
	p.NFT = model.NormalizeAddress(v[0].(common.Address).Hex())
	if v, err = r.call(ctx, to, PairABI, "owner"); err != nil {
		return nil, err
	}
	p.Owner = model.NormalizeAddress(v[0].(common.Address).Hex())
	if v, err = r.call(ctx, to, PairABI, "poolType"); err != nil {
		return nil, err
	}
	p.PoolType = v[0].(uint8)
	if v, err = r.call(ctx, to, PairABI, "pairVariant"); err != nil {
		return nil, err
	}
	p.Variant = v[0].(uint8)
	if p.TokenKind() == model.TokenKindERC1155 {
		if v, err = r.call(ctx, to, PairABI, "nftId"); err != nil {
			return nil, err
		}
		p.NFTID = v[0].(*big.Int).String()
	}
	if p.Balance, err = r.state.BalanceAt(ctx, to, chain.BlockLatest); err != nil {
		return nil, fmt.Errorf("balance of %s: %w", p.Address, err)
	}
	return p, nil
}

// Quote is a cumulative price for n NFTs. ok is false when the curve
// reports an error for that many items.
type Quote func(ctx context.Context, n int) (amount *big.Int, ok bool, err error)

// BuyQuote prices buying n NFTs from the pool.
func (r *Reader) BuyQuote(p *Pool) Quote {
	return r.quote(p, "getBuyNFTQuote")
}

// SellQuote prices selling n NFTs into the pool.
func (r *Reader) SellQuote(p *Pool) Quote {
	return r.quote(p, "getSellNFTQuote")
}

func (r *Reader) quote(p *Pool, method string) Quote {
	to := common.HexToAddress(p.Address)
	return func(ctx context.Context, n int) (*big.Int, bool, error) {
		v, err := r.call(ctx, to, PairABI, method, p.assetID(), big.NewInt(int64(n)))
		if err != nil {
			return nil, false, err
		}
		if len(v) < 4 {
			return nil, false, fmt.Errorf("%s returned %d values", method, len(v))
		}
		if v[0].(uint8) != 0 {
			return nil, false, nil
		}
		return v[3].(*big.Int), true, nil
	}
}

// Ladder returns the marginal price of each of the first points items,
// stopping at the first curve error or once the cumulative amount would
// exceed limit. A nil limit is unbounded.
func Ladder(ctx context.Context, quote Quote, points int, limit *big.Int) ([]*big.Int, error) {
	var (
		out  []*big.Int
		prev = new(big.Int)
	)
	for n := 1; n <= points; n++ {
		total, ok, err := quote(ctx, n)
		if err != nil {
			return nil, err
		}
		if !ok || (limit != nil && total.Cmp(limit) > 0) {
			break
		}
		out = append(out, new(big.Int).Sub(total, prev))
		prev = total
	}
	return out, nil
}
