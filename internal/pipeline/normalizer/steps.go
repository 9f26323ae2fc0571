package normalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/pricing"
)

// bidFloorPercentage is the share of the floor ask a single-token bid must
// reach when the collection has no top bid.
const bidFloorPercentage = 80

// SchemaHash identifies the schema an order's token set was built from. An
// empty schema hashes as "{}".
func SchemaHash(schema []byte) string {
	if len(schema) == 0 {
		schema = []byte("{}")
	}
	return hexutil.Encode(crypto.Keccak256(schema))
}

func (n *Normalizer) resolveTokenSet(ctx context.Context, c *Candidate) (Status, error) {
	spec := c.TokenSet
	contract := model.NormalizeAddress(spec.Contract)
	ts := &model.TokenSet{Kind: spec.Kind, Contract: contract, Schema: spec.Schema}

	switch spec.Kind {
	case model.TokenSetSingleToken:
		if contract == "" || spec.TokenID == "" {
			return StatusInvalidTokenSet, nil
		}
		ts.ID = model.SingleTokenSetID(contract, spec.TokenID)
		ts.TokenIDs = []string{spec.TokenID}
	case model.TokenSetContractWide:
		if contract == "" {
			return StatusInvalidTokenSet, nil
		}
		ts.ID = model.ContractWideSetID(contract)
	case model.TokenSetTokenList:
		if contract == "" || spec.MerkleRoot == "" {
			return StatusInvalidTokenSet, nil
		}
		ts.ID = model.TokenListSetID(contract, spec.MerkleRoot)
		ts.MerkleRoot = spec.MerkleRoot
		ts.TokenIDs = spec.TokenIDs
	case model.TokenSetTokenRange:
		start, err1 := decimal.NewFromString(spec.RangeStart)
		end, err2 := decimal.NewFromString(spec.RangeEnd)
		if contract == "" || err1 != nil || err2 != nil || end.LessThan(start) {
			return StatusInvalidTokenSet, nil
		}
		ts.ID = model.TokenRangeSetID(contract, spec.RangeStart, spec.RangeEnd)
		ts.RangeStart, ts.RangeEnd = spec.RangeStart, spec.RangeEnd
	default:
		return StatusInvalidTokenSet, nil
	}

	if spec.Kind != model.TokenSetSingleToken {
		coll, err := n.collections.GetByContract(ctx, contract)
		if err != nil {
			return "", fmt.Errorf("get collection %s: %w", contract, err)
		}
		if coll == nil {
			return StatusUnknownCollection, nil
		}
	}

	ts.SchemaHash = spec.SchemaHash
	if ts.SchemaHash == "" {
		ts.SchemaHash = SchemaHash(spec.Schema)
	}
	stored, err := n.tokenSets.Save(ctx, ts)
	if err != nil {
		return "", fmt.Errorf("save token set %s: %w", ts.ID, err)
	}
	if stored == nil {
		return StatusInvalidTokenSet, nil
	}
	c.Order.TokenSetID = stored.ID
	c.Order.TokenSetSchemaHash = stored.SchemaHash
	if c.Order.Contract == "" {
		c.Order.Contract = contract
	}
	return StatusSuccess, nil
}

// resolveFees checks the fee ceiling and computes missing royalties. It
// returns the missing royalty amount in the order currency.
func (n *Normalizer) resolveFees(ctx context.Context, c *Candidate) (Status, decimal.Decimal, error) {
	o := c.Order
	o.FeeBps = TotalFeeBps(o.FeeBreakdown)
	if o.FeeBps > MaxFeeBps {
		return StatusFeesTooHigh, decimal.Zero, nil
	}

	defaults, err := n.royalties.GetDefaultRoyalties(ctx, o.TokenSetID)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("get default royalties of %s: %w", o.TokenSetID, err)
	}
	missing, amount, err := ComputeMissingRoyalties(o.Price, o.FeeBreakdown, defaults)
	if err != nil {
		return StatusInvalid, decimal.Zero, nil
	}
	o.MissingRoyalties = missing
	return StatusSuccess, amount, nil
}

// convertCurrency fills the currency and native-denominated price columns.
func (n *Normalizer) convertCurrency(ctx context.Context, c *Candidate, missingRoyalty decimal.Decimal) (Status, error) {
	o := c.Order
	o.Currency = model.NormalizeAddress(o.Currency)

	cur, err := n.oracle.Currency(ctx, o.Currency)
	if errors.Is(err, pricing.ErrUnknownCurrency) {
		return StatusFailedToConvertPrice, nil
	}
	if err != nil {
		return "", err
	}
	if cur.ERC20Incompatible {
		return StatusIncompatibleCurrency, nil
	}

	value, err := decimal.NewFromString(o.Value)
	if err != nil {
		return StatusInvalid, nil
	}
	normalized := value.Add(missingRoyalty)
	if o.Side == model.SideBuy {
		normalized = value.Sub(missingRoyalty)
	}

	o.CurrencyPrice = o.Price
	o.CurrencyValue = o.Value
	o.CurrencyNormalizedValue = normalized.String()
	o.NormalizedValue = o.CurrencyNormalizedValue

	if n.settings.IsNativeLike(o.Currency) {
		o.NeedsConversion = false
		return StatusSuccess, nil
	}
	o.NeedsConversion = true

	at := n.nowFn()
	if c.Item.Trigger != nil && c.Item.Trigger.TxTimestamp > 0 {
		at = time.Unix(c.Item.Trigger.TxTimestamp, 0)
	}
	for _, field := range []*string{&o.Price, &o.Value, &o.NormalizedValue} {
		prices, err := n.oracle.GetNativeAndUSDPrice(ctx, o.Currency, *field, at)
		if err != nil {
			return "", fmt.Errorf("convert %s of %s: %w", *field, o.Currency, err)
		}
		if prices == nil || prices.Native == "" {
			return StatusFailedToConvertPrice, nil
		}
		*field = prices.Native
	}
	return StatusSuccess, nil
}

// checkBidValue rejects a single-token bid that neither beats the top bid of
// the collection nor reaches bidFloorPercentage of the floor ask. Lookup
// failures never reject.
func (n *Normalizer) checkBidValue(ctx context.Context, c *Candidate) Status {
	o := c.Order
	if !c.Item.Metadata.ValidateBidValue || o.Side != model.SideBuy || c.TokenSet.Kind != model.TokenSetSingleToken {
		return StatusSuccess
	}
	value, err := decimal.NewFromString(o.Value)
	if err != nil {
		return StatusSuccess
	}

	top, err := n.orders.TopBidValue(ctx, o.Contract)
	if err != nil {
		n.logger.Warn("bid value validation failed", "order_id", o.ID, "contract", o.Contract, "error", err)
		return StatusSuccess
	}
	if top != "" {
		if t, err := decimal.NewFromString(top); err == nil && value.LessThanOrEqual(t) {
			return StatusBidTooLow
		}
		return StatusSuccess
	}

	floor, err := n.orders.FloorAskValue(ctx, o.Contract)
	if err != nil {
		n.logger.Warn("bid value validation failed", "order_id", o.ID, "contract", o.Contract, "error", err)
		return StatusSuccess
	}
	if floor == "" {
		return StatusSuccess
	}
	f, err := decimal.NewFromString(floor)
	if err != nil || f.IsZero() {
		return StatusSuccess
	}
	if value.Mul(decimal.NewFromInt(100)).LessThan(f.Mul(decimal.NewFromInt(bidFloorPercentage))) {
		return StatusBidTooLow
	}
	return StatusSuccess
}

// resolveSource attributes the order to a marketplace. Self-issued orders
// only take an explicit source, and only when none of their fee recipients
// belongs to a third-party marketplace.
func (n *Normalizer) resolveSource(ctx context.Context, c *Candidate) error {
	meta := c.Item.Metadata
	o := c.Order

	var (
		src *model.Source
		err error
	)
	switch {
	case meta.SelfIssued:
		if meta.Source != "" && !n.paysThirdParty(o.FeeBreakdown) {
			src, err = n.sources.GetOrInsert(ctx, meta.Source)
		}
	case meta.Source != "":
		src, err = n.sources.GetOrInsert(ctx, meta.Source)
	default:
		if c.SaltHash != "" {
			src, err = n.sources.GetByDomainHash(ctx, c.SaltHash)
		}
		if err == nil && src == nil && c.DefaultSource != "" {
			src, err = n.sources.GetOrInsert(ctx, c.DefaultSource)
		}
	}
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}
	if src != nil {
		id := src.ID
		o.SourceID = &id
	}
	return nil
}

func (n *Normalizer) paysThirdParty(fees []model.FeeBreakdown) bool {
	for _, f := range fees {
		if n.settings.IsThirdPartyFeeRecipient(f.Recipient) {
			return true
		}
	}
	return false
}
