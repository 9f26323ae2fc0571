package seaport

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/normalizer"
)

const Kind = "seaport-v1.5"

const (
	// Orders starting further out than this are rejected rather than delayed.
	maxStartDelay = 7 * 24 * time.Hour
	// Delayed orders are retried slightly after their start time.
	delayPadding = 5 * time.Second
)

var _ interface {
	normalizer.Strategy
	normalizer.EventHandler
} = (*Strategy)(nil)

// Strategy normalizes Seaport v1.5 orders.
type Strategy struct {
	settings *config.NetworkSettings
	domain   Domain
	fill     *normalizer.FillabilityChecker
	logger   *slog.Logger
	nowFn    func() time.Time
}

func New(settings *config.NetworkSettings, state chain.StateReader, logger *slog.Logger) *Strategy {
	return &Strategy{
		settings: settings,
		domain:   Domain{ChainID: settings.ChainID, Exchange: settings.Seaport.Exchange},
		fill:     normalizer.NewFillabilityChecker(state),
		logger:   logger.With("component", "seaport"),
		nowFn:    time.Now,
	}
}

// SetClock overrides the clock used for time checks and price interpolation.
func (s *Strategy) SetClock(now func() time.Time) {
	s.nowFn = now
}

func (s *Strategy) Kind() string { return Kind }

func (s *Strategy) Domain() Domain { return s.domain }

type state struct {
	order *OrderComponents
	info  *Info
}

func (s *Strategy) Canonicalize(_ context.Context, item normalizer.Item) ([]*normalizer.Candidate, error) {
	o, err := Decode(item.Data)
	if err != nil {
		return []*normalizer.Candidate{{Status: normalizer.StatusInvalidFormat}}, nil
	}
	hash, err := s.domain.Hash(o)
	if err != nil {
		return []*normalizer.Candidate{{Status: normalizer.StatusInvalidFormat}}, nil
	}
	c := &normalizer.Candidate{
		Order:    &normalizer.Order{ID: hash.Hex()},
		SaltHash: o.SaltHash(),
	}
	info, err := o.GetInfo()
	switch {
	case errors.Is(err, errMixedCurrency):
		c.Status = normalizer.StatusInvalid
		return []*normalizer.Candidate{c}, nil
	case err != nil:
		c.Status = normalizer.StatusInvalidFormat
		return []*normalizer.Candidate{c}, nil
	}
	c.Extra = &state{order: o, info: info}

	now := s.nowFn().Unix()
	start, _ := o.StartTime.Unix()
	end, bounded := o.EndTime.Unix()
	total := PriceAt(info.Price, info.EndPrice, start, end, now)
	validTo := end
	if !bounded {
		validTo = model.ValidToInfinity
	}

	fees := make([]model.FeeBreakdown, 0, len(info.Fees))
	feeTotal := new(big.Int)
	totalDec := decimal.NewFromBigInt(total, 0)
	for _, f := range info.Fees {
		kind := model.FeeKindRoyalty
		if s.settings.IsMarketplaceFeeRecipient(f.Recipient) {
			kind = model.FeeKindMarketplace
		}
		fees = append(fees, model.FeeBreakdown{
			Kind:      kind,
			Recipient: f.Recipient,
			Bps:       normalizer.FeeBps(decimal.NewFromBigInt(f.Amount, 0), totalDec),
		})
		feeTotal.Add(feeTotal, f.Amount)
	}

	price := new(big.Int).Set(total)
	value := new(big.Int).Set(total)
	if info.Side == model.SideBuy {
		value.Sub(value, feeTotal)
	}
	if info.Amount.Cmp(big.NewInt(1)) > 0 {
		price.Quo(price, info.Amount)
		value.Quo(value, info.Amount)
	}

	conduit, _ := s.settings.Seaport.ConduitAddress(o.ConduitKey)
	*c.Order = normalizer.Order{
		ID:                hash.Hex(),
		Side:              info.Side,
		Maker:             o.Offerer,
		Taker:             model.AddressZero,
		Contract:          info.Contract,
		Price:             price.String(),
		Value:             value.String(),
		Currency:          info.Currency,
		QuantityRemaining: info.Amount.String(),
		ValidFrom:         start,
		ValidTo:           validTo,
		Nonce:             o.Counter.String(),
		Conduit:           conduit,
		FeeBreakdown:      fees,
		FillabilityStatus: model.FillabilityFillable,
		ApprovalStatus:    model.ApprovalApproved,
		RawData:           append([]byte(nil), item.Data...),
	}

	c.TokenSet = normalizer.TokenSetSpec{
		Contract:   info.Contract,
		Schema:     item.Metadata.Schema,
		SchemaHash: item.Metadata.SchemaHash,
	}
	switch {
	case !info.Criteria:
		c.TokenSet.Kind = model.TokenSetSingleToken
		c.TokenSet.TokenID = info.TokenID
	case info.MerkleRoot == "":
		c.TokenSet.Kind = model.TokenSetContractWide
	default:
		c.TokenSet.Kind = model.TokenSetTokenList
		c.TokenSet.MerkleRoot = info.MerkleRoot
		c.TokenSet.TokenIDs = item.Metadata.TokenIDs
	}
	return []*normalizer.Candidate{c}, nil
}

func (s *Strategy) Validate(ctx context.Context, c *normalizer.Candidate) (normalizer.Status, error) {
	st, ok := c.Extra.(*state)
	if !ok {
		return normalizer.StatusInvalidFormat, nil
	}
	o, info, order := st.order, st.info, c.Order
	meta := c.Item.Metadata

	if _, ok := s.settings.Seaport.ConduitAddress(o.ConduitKey); !ok {
		return normalizer.StatusUnsupportedConduit, nil
	}
	if info.Price.Sign() <= 0 {
		return normalizer.StatusZeroPrice, nil
	}

	now := s.nowFn()
	if o.StartTime.Big().Cmp(big.NewInt(now.Add(maxStartDelay).Unix())) >= 0 {
		return normalizer.StatusInvalidStartTime, nil
	}
	start, _ := o.StartTime.Unix()
	if startTime := time.Unix(start, 0); startTime.After(now) {
		c.Delay = startTime.Sub(now) + delayPadding
		return normalizer.StatusDelayed, nil
	}
	if o.EndTime.Big().Cmp(big.NewInt(now.Unix())) <= 0 {
		return normalizer.StatusExpired, nil
	}

	if s.settings.IsFilteredOperator(info.Contract, order.Conduit) {
		return normalizer.StatusFiltered, nil
	}
	if info.Side == model.SideBuy && !s.settings.IsSupportedBidCurrency(info.Currency) {
		return normalizer.StatusUnsupportedPaymentToken, nil
	}
	if (o.OrderType == FullOpen || o.OrderType == FullRestricted) && info.Amount.Cmp(big.NewInt(1)) > 0 {
		return normalizer.StatusNotPartiallyFillable, nil
	}
	if info.TokenKind == model.TokenKindERC721 && info.Amount.Cmp(big.NewInt(1)) != 0 {
		return normalizer.StatusNotPartiallyFillable, nil
	}

	poolZone := s.settings.IsPoolZone(o.Zone)
	if o.OrderType > PartialOpen {
		pz := s.settings.Seaport.ProtectedOffersZone
		protected := info.Side == model.SideBuy && pz != "" && o.Zone == pz
		if !s.settings.Seaport.IsAllowedZone(o.Zone) && !protected && !poolZone {
			return normalizer.StatusUnsupportedZone, nil
		}
	}
	if o.ExtraData != "" && o.ExtraData != "0x" && !poolZone {
		return normalizer.StatusUnsupportedExtraData, nil
	}
	if info.Side == model.SideSell && info.Criteria {
		return normalizer.StatusInvalid, nil
	}

	switch {
	case meta.FromOnChain:
	case !o.HasSignature() && s.settings.IsTrustedSource(meta.Source):
		// Filled through the source's own relay.
		order.IsPartial = true
	case !o.HasSignature():
		return normalizer.StatusInvalidSignature, nil
	default:
		if err := s.domain.CheckSignature(o); err != nil {
			s.logger.Debug("signature rejected", "order_id", order.ID, "error", err)
			return normalizer.StatusInvalidSignature, nil
		}
	}

	fill, err := s.checkFillability(ctx, info, order)
	if err != nil {
		s.logger.Warn("fillability check failed", "order_id", order.ID, "maker", order.Maker, "error", err)
		return normalizer.StatusNotFillable, nil
	}
	order.FillabilityStatus = fill.Status
	order.ApprovalStatus = fill.Approval
	return normalizer.StatusSuccess, nil
}

func (s *Strategy) checkFillability(ctx context.Context, info *Info, order *normalizer.Order) (normalizer.Fillability, error) {
	if info.Side == model.SideSell {
		return s.fill.CheckSell(ctx, info.TokenKind, info.Contract, info.TokenID, order.Maker, order.Conduit, info.Amount)
	}
	return s.fill.CheckBuy(ctx, info.Currency, order.Maker, order.Conduit, info.Price)
}

func (s *Strategy) SubKinds() []event.SubKind {
	return []event.SubKind{
		event.SubKindSeaportOrderCancelled,
		event.SubKindSeaportCounterIncremented,
	}
}

// HandleEvent turns exchange cancellations into order cancels.
func (s *Strategy) HandleEvent(_ context.Context, ev event.Decoded) (normalizer.Effects, error) {
	p := ev.Params
	switch ev.SubKind {
	case event.SubKindSeaportOrderCancelled:
		id, err := ev.Bytes32("orderHash")
		if err != nil {
			return normalizer.Effects{}, err
		}
		return normalizer.Effects{Cancels: []normalizer.Cancel{{OrderID: id, Block: p.Block, BlockHash: p.BlockHash}}}, nil
	case event.SubKindSeaportCounterIncremented:
		maker, err := ev.Address("offerer")
		if err != nil {
			return normalizer.Effects{}, err
		}
		counter, err := ev.Uint("newCounter")
		if err != nil {
			return normalizer.Effects{}, err
		}
		return normalizer.Effects{Cancels: []normalizer.Cancel{{
			Maker:      maker,
			NonceBelow: counter.String(),
			Block:      p.Block,
			BlockHash:  p.BlockHash,
		}}}, nil
	}
	return normalizer.Effects{}, nil
}
