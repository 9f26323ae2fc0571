package sudoswap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/normalizer"
)

const Kind = "sudoswap-v2"

const defaultPricePoints = 10

var errNotPair = errors.New("not a sudoswap pair")

var _ interface {
	normalizer.Strategy
	normalizer.AffectedSetRepricer
	normalizer.EventHandler
} = (*Strategy)(nil)

// Inventory lists the tokens a pool holds according to the ledger.
type Inventory interface {
	ListOwnedTokens(ctx context.Context, contract, owner string) ([]model.NFTBalance, error)
}

type Royalties interface {
	GetOnChainRoyalties(ctx context.Context, tokenSetID string) ([]model.Royalty, error)
}

type Config struct {
	// PricePoints bounds the ladder length quoted per side.
	PricePoints int
}

type Strategy struct {
	settings  *config.NetworkSettings
	reader    *Reader
	inventory Inventory
	royalties Royalties
	points    int
	logger    *slog.Logger
	nowFn     func() time.Time
}

func New(settings *config.NetworkSettings, state chain.StateReader, inventory Inventory, royalties Royalties, cfg Config, logger *slog.Logger) *Strategy {
	if cfg.PricePoints <= 0 {
		cfg.PricePoints = defaultPricePoints
	}
	return &Strategy{
		settings:  settings,
		reader:    NewReader(state, settings.Sudoswap.Factory),
		inventory: inventory,
		royalties: royalties,
		points:    cfg.PricePoints,
		logger:    logger.With("component", "sudoswap"),
		nowFn:     time.Now,
	}
}

func (s *Strategy) SetClock(now func() time.Time) {
	s.nowFn = now
}

func (s *Strategy) Kind() string { return Kind }

// Payload is both the item data of a pool submission and the raw data kept
// on each pool order.
type Payload struct {
	Pool    string     `json:"pool"`
	Side    model.Side `json:"side,omitempty"`
	TokenID string     `json:"tokenId,omitempty"`
}

// BuyID is the id of the single buy order of a pool. ERC-1155 pools quote
// one id, which is part of the hash.
func BuyID(pool, tokenID string) string {
	parts := [][]byte{[]byte(Kind), common.HexToAddress(pool).Bytes(), []byte("buy")}
	if tokenID != "" {
		parts = append(parts, tokenIDBytes(tokenID))
	}
	return crypto.Keccak256Hash(parts...).Hex()
}

// SellID is the id of the sell order of one token held by a pool.
func SellID(pool, tokenID string) string {
	return crypto.Keccak256Hash(
		[]byte(Kind), common.HexToAddress(pool).Bytes(), []byte("sell"), tokenIDBytes(tokenID),
	).Hex()
}

func tokenIDBytes(tokenID string) []byte {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		id = new(big.Int)
	}
	return common.BigToHash(id).Bytes()
}

// Canonicalize quotes every order of a submitted pool.
func (s *Strategy) Canonicalize(ctx context.Context, item normalizer.Item) ([]*normalizer.Candidate, error) {
	var p Payload
	if err := json.Unmarshal(item.Data, &p); err != nil || !common.IsHexAddress(p.Pool) {
		return []*normalizer.Candidate{{Status: normalizer.StatusInvalidFormat}}, nil
	}
	var trigger normalizer.Trigger
	if item.Trigger != nil {
		trigger = *item.Trigger
	}
	out, err := s.quotePool(ctx, p.Pool, nil, trigger)
	if errors.Is(err, errNotPair) {
		return []*normalizer.Candidate{{
			Order:  &normalizer.Order{ID: BuyID(p.Pool, "")},
			Status: normalizer.StatusInvalid,
		}}, nil
	}
	return out, err
}

// Affected requotes every order of the pool maker.
func (s *Strategy) Affected(ctx context.Context, maker string, siblings []*model.Order, trigger normalizer.Trigger) ([]*normalizer.Candidate, error) {
	out, err := s.quotePool(ctx, maker, siblings, trigger)
	if errors.Is(err, errNotPair) {
		s.logger.Debug("ignoring event of unknown pair", "pool", maker, "tx_hash", trigger.TxHash)
		return nil, nil
	}
	return out, err
}

func (s *Strategy) quotePool(ctx context.Context, addr string, siblings []*model.Order, trigger normalizer.Trigger) ([]*normalizer.Candidate, error) {
	addr = model.NormalizeAddress(addr)
	valid, err := s.reader.IsValidPair(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("check pair %s: %w", addr, err)
	}
	if !valid {
		return nil, errNotPair
	}
	pool, err := s.reader.Pool(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("read pair %s: %w", addr, err)
	}
	if !pool.ETH() {
		return []*normalizer.Candidate{{
			Order:  &normalizer.Order{ID: BuyID(addr, pool.NFTID)},
			Status: normalizer.StatusUnsupportedPaymentToken,
		}}, nil
	}

	fees, err := s.fees(ctx, pool.NFT)
	if err != nil {
		return nil, err
	}
	validFrom := trigger.TxTimestamp
	if validFrom == 0 && !trigger.Rollback {
		validFrom = s.nowFn().Unix()
	}
	q := quoter{s: s, pool: pool, fees: fees, validFrom: validFrom, trigger: trigger}

	seen := make(map[string]bool)
	var out []*normalizer.Candidate
	if pool.Buys() {
		c, err := q.buy(ctx, siblings)
		if err != nil {
			return nil, err
		}
		if c != nil {
			seen[c.Order.ID] = true
			out = append(out, c)
		}
	}
	if pool.Sells() {
		sells, err := q.sells(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range sells {
			seen[c.Order.ID] = true
		}
		out = append(out, sells...)
	}

	// Orders the pool no longer quotes stay, without balance.
	for _, o := range siblings {
		if seen[o.ID] {
			continue
		}
		var p Payload
		if err := json.Unmarshal(o.RawData, &p); err != nil {
			s.logger.Warn("pool order without payload", "order_id", o.ID, "pool", addr)
			continue
		}
		price, _ := new(big.Int).SetString(o.CurrencyPrice, 10)
		if price == nil {
			continue
		}
		out = append(out, q.candidate(p.Side, p.TokenID, price, "0", model.FillabilityNoBalance))
	}
	return out, nil
}

// fees is the protocol fee plus the collection's on-chain royalties.
func (s *Strategy) fees(ctx context.Context, nft string) ([]model.FeeBreakdown, error) {
	cfg := s.settings.Sudoswap
	fees := []model.FeeBreakdown{{Kind: model.FeeKindMarketplace, Recipient: cfg.FeeRecipient, Bps: cfg.FeeBps}}
	royalties, err := s.royalties.GetOnChainRoyalties(ctx, model.ContractWideSetID(nft))
	if err != nil {
		return nil, fmt.Errorf("on-chain royalties of %s: %w", nft, err)
	}
	for _, r := range royalties {
		if r.Bps <= 0 {
			continue
		}
		fees = append(fees, model.FeeBreakdown{Kind: model.FeeKindRoyalty, Recipient: r.Recipient, Bps: r.Bps})
	}
	return fees, nil
}

type quoter struct {
	s         *Strategy
	pool      *Pool
	fees      []model.FeeBreakdown
	validFrom int64
	trigger   normalizer.Trigger
}

// buy quotes the pool's bid. The price is what the pool pays for the next
// NFT while its balance lasts; an exhausted pool keeps its last price
// without balance.
func (q *quoter) buy(ctx context.Context, siblings []*model.Order) (*normalizer.Candidate, error) {
	ladder, err := Ladder(ctx, q.s.reader.SellQuote(q.pool), q.s.points, q.pool.Balance)
	if err != nil {
		return nil, fmt.Errorf("buy ladder of %s: %w", q.pool.Address, err)
	}
	if len(ladder) > 0 {
		return q.candidate(model.SideBuy, q.pool.NFTID, ladder[0], fmt.Sprint(len(ladder)), model.FillabilityFillable), nil
	}

	id := BuyID(q.pool.Address, q.pool.NFTID)
	for _, o := range siblings {
		if o.ID != id {
			continue
		}
		if price, ok := new(big.Int).SetString(o.CurrencyPrice, 10); ok {
			return q.candidate(model.SideBuy, q.pool.NFTID, price, "0", model.FillabilityNoBalance), nil
		}
	}
	first, ok, err := q.s.reader.SellQuote(q.pool)(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("buy quote of %s: %w", q.pool.Address, err)
	}
	if !ok {
		return nil, nil
	}
	return q.candidate(model.SideBuy, q.pool.NFTID, first, "0", model.FillabilityNoBalance), nil
}

// sells quotes one order per token the pool holds, all at the price of the
// next NFT out of the pool.
func (q *quoter) sells(ctx context.Context) ([]*normalizer.Candidate, error) {
	owned, err := q.s.inventory.ListOwnedTokens(ctx, q.pool.NFT, q.pool.Address)
	if err != nil {
		return nil, fmt.Errorf("inventory of %s: %w", q.pool.Address, err)
	}
	if q.pool.NFTID != "" {
		kept := owned[:0]
		for _, b := range owned {
			if b.TokenID == q.pool.NFTID {
				kept = append(kept, b)
			}
		}
		owned = kept
	}
	if len(owned) == 0 {
		return nil, nil
	}

	points := q.s.points
	if q.pool.NFTID == "" && len(owned) < points {
		points = len(owned)
	}
	ladder, err := Ladder(ctx, q.s.reader.BuyQuote(q.pool), points, nil)
	if err != nil {
		return nil, fmt.Errorf("sell ladder of %s: %w", q.pool.Address, err)
	}
	status := model.FillabilityFillable
	price := new(big.Int)
	if len(ladder) > 0 {
		// One wei over the quote absorbs curve rounding.
		price.Add(ladder[0], big.NewInt(1))
	} else {
		status = model.FillabilityNoBalance
		first, ok, err := q.s.reader.BuyQuote(q.pool)(ctx, 1)
		if err != nil {
			return nil, fmt.Errorf("sell quote of %s: %w", q.pool.Address, err)
		}
		if !ok {
			return nil, nil
		}
		price.Add(first, big.NewInt(1))
	}

	out := make([]*normalizer.Candidate, 0, len(owned))
	for _, b := range owned {
		out = append(out, q.candidate(model.SideSell, b.TokenID, price, b.Amount, status))
	}
	return out, nil
}

func (q *quoter) candidate(side model.Side, tokenID string, price *big.Int, quantity string, status model.FillabilityStatus) *normalizer.Candidate {
	p := q.pool
	payload := Payload{Pool: p.Address, Side: side, TokenID: tokenID}
	raw, _ := json.Marshal(payload)

	id := SellID(p.Address, tokenID)
	spec := normalizer.TokenSetSpec{Kind: model.TokenSetSingleToken, Contract: p.NFT, TokenID: tokenID}
	value := new(big.Int).Set(price)
	if side == model.SideBuy {
		id = BuyID(p.Address, p.NFTID)
		if p.NFTID == "" {
			spec = normalizer.TokenSetSpec{Kind: model.TokenSetContractWide, Contract: p.NFT}
		}
		protocolFee := decimal.NewFromBigInt(price, 0).
			Mul(decimal.NewFromInt(int64(q.s.settings.Sudoswap.FeeBps))).
			Div(decimal.NewFromInt(10_000)).Floor()
		value.Sub(value, protocolFee.BigInt())
	}

	fees := make([]model.FeeBreakdown, len(q.fees))
	copy(fees, q.fees)
	trigger := q.trigger
	return &normalizer.Candidate{
		Order: &normalizer.Order{
			ID:                id,
			Side:              side,
			Maker:             p.Address,
			Taker:             model.AddressZero,
			Contract:          p.NFT,
			Price:             price.String(),
			Value:             value.String(),
			Currency:          model.AddressZero,
			QuantityRemaining: quantity,
			ValidFrom:         q.validFrom,
			ValidTo:           model.ValidToInfinity,
			Conduit:           p.Address,
			FeeBreakdown:      fees,
			FillabilityStatus: status,
			ApprovalStatus:    model.ApprovalApproved,
			RawData:           raw,
		},
		TokenSet:      spec,
		Item:          normalizer.Item{Data: raw, Trigger: &trigger},
		DefaultSource: q.s.settings.Sudoswap.Source,
		AlwaysNotify:  true,
	}
}

// Validate has nothing left to check: pool orders are priced from chain
// state, not a signature.
func (s *Strategy) Validate(_ context.Context, c *normalizer.Candidate) (normalizer.Status, error) {
	price, ok := new(big.Int).SetString(c.Order.Price, 10)
	if !ok || price.Sign() <= 0 {
		return normalizer.StatusZeroPrice, nil
	}
	return normalizer.StatusSuccess, nil
}

func (s *Strategy) SubKinds() []event.SubKind {
	return []event.SubKind{
		event.SubKindSudoswapNewERC721Pair,
		event.SubKindSudoswapNFTDeposit,
		event.SubKindSudoswapSwapNFTInPair,
		event.SubKindSudoswapSwapNFTOutPair,
		event.SubKindSudoswapSpotPriceUpdate,
		event.SubKindSudoswapDeltaUpdate,
		event.SubKindSudoswapFeeUpdate,
		event.SubKindSudoswapTokenDeposit,
		event.SubKindSudoswapTokenWithdrawal,
		event.SubKindSudoswapNFTWithdrawal,
	}
}

// HandleEvent reprices the pool an event touched. Factory events name the
// pool in their arguments; pair events are emitted by the pool itself.
func (s *Strategy) HandleEvent(_ context.Context, ev event.Decoded) (normalizer.Effects, error) {
	p := ev.Params
	pool := p.Address
	switch ev.SubKind {
	case event.SubKindSudoswapNewERC721Pair, event.SubKindSudoswapNFTDeposit:
		addr, err := ev.Address("poolAddress")
		if err != nil {
			return normalizer.Effects{}, err
		}
		pool = addr
	}
	return normalizer.Effects{Reprice: []normalizer.Reprice{{
		Maker: model.NormalizeAddress(pool),
		Trigger: normalizer.Trigger{
			TxHash:      p.TxHash,
			TxTimestamp: p.Timestamp,
			Block:       p.Block,
			BlockHash:   p.BlockHash,
			LogIndex:    p.LogIndex,
		},
	}}}, nil
}
