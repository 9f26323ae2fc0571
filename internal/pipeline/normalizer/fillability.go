package normalizer

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

const tokenABI = `[
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// erc20 balanceOf has a different arity than the erc1155 one.
const erc20BalanceABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// TokenABI is the union of the token views the fillability checker calls.
var TokenABI = mustABI(tokenABI)

// ERC20BalanceABI is the single-argument balanceOf.
var ERC20BalanceABI = mustABI(erc20BalanceABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// Fillability is the outcome of an on-chain fillability check.
type Fillability struct {
	Status   model.FillabilityStatus
	Approval model.ApprovalStatus
}

// FillabilityChecker checks balances and approvals with read-only calls at
// the latest block.
type FillabilityChecker struct {
	state chain.StateReader
}

func NewFillabilityChecker(state chain.StateReader) *FillabilityChecker {
	return &FillabilityChecker{state: state}
}

func (p *FillabilityChecker) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := p.state.CallContract(ctx, contract, data, chain.BlockLatest)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
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

// CheckSell reports whether owner holds amount of the token and has approved
// operator for the collection.
func (p *FillabilityChecker) CheckSell(ctx context.Context, kind model.TokenKind, contract, tokenID, owner, operator string, amount *big.Int) (Fillability, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return Fillability{}, fmt.Errorf("token id %q", tokenID)
	}
	c := common.HexToAddress(contract)
	o := common.HexToAddress(owner)

	res := Fillability{Status: model.FillabilityFillable, Approval: model.ApprovalApproved}
	switch kind {
	case model.TokenKindERC1155:
		v, err := p.call(ctx, c, TokenABI, "balanceOf", o, id)
		if err != nil {
			return Fillability{}, err
		}
		if v[0].(*big.Int).Cmp(amount) < 0 {
			res.Status = model.FillabilityNoBalance
		}
	default:
		v, err := p.call(ctx, c, TokenABI, "ownerOf", id)
		if err != nil {
			return Fillability{}, err
		}
		if v[0].(common.Address) != o {
			res.Status = model.FillabilityNoBalance
		}
	}

	v, err := p.call(ctx, c, TokenABI, "isApprovedForAll", o, common.HexToAddress(operator))
	if err != nil {
		return Fillability{}, err
	}
	if !v[0].(bool) {
		res.Approval = model.ApprovalNoApproval
	}
	return res, nil
}

// CheckBuy reports whether owner holds amount of an ERC-20 currency and has
// approved operator to spend it.
func (p *FillabilityChecker) CheckBuy(ctx context.Context, currency, owner, operator string, amount *big.Int) (Fillability, error) {
	c := common.HexToAddress(currency)
	o := common.HexToAddress(owner)

	res := Fillability{Status: model.FillabilityFillable, Approval: model.ApprovalApproved}
	v, err := p.call(ctx, c, ERC20BalanceABI, "balanceOf", o)
	if err != nil {
		return Fillability{}, err
	}
	if v[0].(*big.Int).Cmp(amount) < 0 {
		res.Status = model.FillabilityNoBalance
	}
	v, err = p.call(ctx, c, TokenABI, "allowance", o, common.HexToAddress(operator))
	if err != nil {
		return Fillability{}, err
	}
	if v[0].(*big.Int).Cmp(amount) < 0 {
		res.Approval = model.ApprovalNoApproval
	}
	return res, nil
}
