package seaport

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

var (
	errBundle         = errors.New("only single-item orders are supported")
	errMixedCurrency  = errors.New("payment items use more than one currency")
	errNoPayment      = errors.New("order has no payment")
	errAmountMismatch = errors.New("item amount changes over time")
)

// Info is what an order trades, derived from its items.
type Info struct {
	Side       model.Side
	TokenKind  model.TokenKind
	ItemType   int
	Contract   string
	TokenID    string
	Criteria   bool
	MerkleRoot string
	Amount     *big.Int
	Currency   string
	// Price and EndPrice are totals over the whole amount.
	Price    *big.Int
	EndPrice *big.Int
	// Fees are the payment items that do not go to the offerer, per side.
	Fees []Fee
}

type Fee struct {
	Recipient string
	Amount    *big.Int
}

func isNFT(itemType int) bool {
	return itemType >= ItemERC721 && itemType <= ItemERC1155Criteria
}

func isPayment(itemType int) bool {
	return itemType == ItemNative || itemType == ItemERC20
}

// GetInfo derives the side, asset and payment of an order. Bundles and
// orders whose NFT amount varies over time are rejected.
func (o *OrderComponents) GetInfo() (*Info, error) {
	if len(o.Offer) != 1 || len(o.Consideration) == 0 {
		return nil, errBundle
	}
	offer := o.Offer[0]

	switch {
	case isNFT(offer.ItemType):
		info := nftInfo(offer.ItemType, offer.Token, offer.IdentifierOrCriteria, offer.StartAmount, offer.EndAmount)
		if info == nil {
			return nil, errAmountMismatch
		}
		info.Side = model.SideSell
		info.Price, info.EndPrice = new(big.Int), new(big.Int)
		currency := ""
		for _, c := range o.Consideration {
			if !isPayment(c.ItemType) {
				return nil, errBundle
			}
			if currency != "" && c.Token != currency {
				return nil, errMixedCurrency
			}
			currency = c.Token
			info.Price.Add(info.Price, c.StartAmount.Big())
			info.EndPrice.Add(info.EndPrice, c.EndAmount.Big())
			if c.Recipient != o.Offerer {
				info.Fees = append(info.Fees, Fee{Recipient: c.Recipient, Amount: c.StartAmount.Big()})
			}
		}
		info.Currency = currency
		return info, nil

	case offer.ItemType == ItemERC20:
		first := o.Consideration[0]
		if !isNFT(first.ItemType) {
			return nil, errNoPayment
		}
		info := nftInfo(first.ItemType, first.Token, first.IdentifierOrCriteria, first.StartAmount, first.EndAmount)
		if info == nil {
			return nil, errAmountMismatch
		}
		info.Side = model.SideBuy
		info.Currency = offer.Token
		info.Price = offer.StartAmount.Big()
		info.EndPrice = offer.EndAmount.Big()
		for _, c := range o.Consideration[1:] {
			if !isPayment(c.ItemType) {
				return nil, errBundle
			}
			if c.Token != info.Currency {
				return nil, errMixedCurrency
			}
			info.Fees = append(info.Fees, Fee{Recipient: c.Recipient, Amount: c.StartAmount.Big()})
		}
		return info, nil
	}
	return nil, errNoPayment
}

func nftInfo(itemType int, token string, id, start, end Number) *Info {
	if start.Big().Cmp(end.Big()) != 0 || start.Big().Sign() <= 0 {
		return nil
	}
	info := &Info{
		ItemType: itemType,
		Contract: token,
		Amount:   start.Big(),
	}
	switch itemType {
	case ItemERC721, ItemERC721Criteria:
		info.TokenKind = model.TokenKindERC721
	default:
		info.TokenKind = model.TokenKindERC1155
	}
	if itemType == ItemERC721Criteria || itemType == ItemERC1155Criteria {
		info.Criteria = true
		if id.Big().Sign() != 0 {
			info.MerkleRoot = common.BigToHash(id.Big()).Hex()
		}
	} else {
		info.TokenID = id.String()
	}
	return info
}

// PriceAt interpolates a Dutch or English auction price linearly in time.
func PriceAt(start, end *big.Int, startTime, endTime, now int64) *big.Int {
	if start.Cmp(end) == 0 || endTime <= startTime {
		return new(big.Int).Set(start)
	}
	elapsed := now - startTime
	if elapsed < 0 {
		elapsed = 0
	}
	duration := endTime - startTime
	if elapsed > duration {
		elapsed = duration
	}
	diff := new(big.Int).Sub(end, start)
	diff.Mul(diff, big.NewInt(elapsed))
	diff.Quo(diff, big.NewInt(duration))
	return diff.Add(diff, start)
}
