package seaport

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	gomath "math"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/normalizer"
	"github.com/mgamer/indexer-v3-sub004/internal/pricing"
	"github.com/mgamer/indexer-v3-sub004/internal/store/memstore"
)

const (
	nft      = "0x00000000000000000000000000000000000c0111"
	weth     = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	opensea  = "0x0000a26b00c1f0df003000390027140000faa719"
	oneEther = "1000000000000000000"
	nowUnix  = int64(1_700_000_000)
)

// fakeChain answers the token views the fillability checker calls.
type fakeChain struct {
	owner     common.Address
	approved  bool
	balance   *big.Int
	allowance *big.Int
	err       error
}

func (f *fakeChain) CallContract(_ context.Context, _ common.Address, data []byte, _ int64) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	if m, err := normalizer.ERC20BalanceABI.MethodById(data[:4]); err == nil {
		return m.Outputs.Pack(f.balance)
	}
	m, err := normalizer.TokenABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "ownerOf":
		return m.Outputs.Pack(f.owner)
	case "isApprovedForAll":
		return m.Outputs.Pack(f.approved)
	case "balanceOf":
		return m.Outputs.Pack(f.balance)
	case "allowance":
		return m.Outputs.Pack(f.allowance)
	}
	return nil, errors.New("unexpected call " + m.Name)
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, int64) (*big.Int, error) {
	return new(big.Int), nil
}

type harness struct {
	strategy *Strategy
	chain    *fakeChain
	key      *ecdsa.PrivateKey
	maker    string
	settings *config.NetworkSettings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	maker := crypto.PubkeyToAddress(key.PublicKey)

	settings := config.DefaultNetworkSettings()
	fc := &fakeChain{
		owner:     maker,
		approved:  true,
		balance:   new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		allowance: new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
	}
	s := New(settings, fc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.SetClock(func() time.Time { return time.Unix(nowUnix, 0) })
	return &harness{strategy: s, chain: fc, key: key, maker: strings.ToLower(maker.Hex()), settings: settings}
}

// listing is a fixed-price sale of nft #7 for one ether with a 2.5%
// marketplace fee.
func (h *harness) listing() *OrderComponents {
	return &OrderComponents{
		Offerer: h.maker,
		Zone:    model.AddressZero,
		Offer: []OfferItem{{
			ItemType: ItemERC721, Token: nft, IdentifierOrCriteria: NewNumber(7),
			StartAmount: NewNumber(1), EndAmount: NewNumber(1),
		}},
		Consideration: []ConsiderationItem{
			{ItemType: ItemNative, Token: model.AddressZero, StartAmount: NewNumber(975e15), EndAmount: NewNumber(975e15), Recipient: h.maker},
			{ItemType: ItemNative, Token: model.AddressZero, StartAmount: NewNumber(25e15), EndAmount: NewNumber(25e15), Recipient: opensea},
		},
		OrderType:  FullOpen,
		StartTime:  NewNumber(nowUnix - 100),
		EndTime:    NewNumber(nowUnix + 86400),
		ZoneHash:   common.Hash{}.Hex(),
		Salt:       NewNumber(42),
		ConduitKey: common.Hash{}.Hex(),
		Counter:    NewNumber(0),
	}
}

// offer is a collection-wide WETH bid of one ether with a 2.5% fee.
func (h *harness) offer() *OrderComponents {
	return &OrderComponents{
		Offerer: h.maker,
		Zone:    model.AddressZero,
		Offer: []OfferItem{{
			ItemType: ItemERC20, Token: weth, StartAmount: NewNumber(1e18), EndAmount: NewNumber(1e18),
		}},
		Consideration: []ConsiderationItem{
			{ItemType: ItemERC721Criteria, Token: nft, StartAmount: NewNumber(1), EndAmount: NewNumber(1), Recipient: h.maker},
			{ItemType: ItemERC20, Token: weth, StartAmount: NewNumber(25e15), EndAmount: NewNumber(25e15), Recipient: opensea},
		},
		OrderType:  FullOpen,
		StartTime:  NewNumber(nowUnix - 100),
		EndTime:    NewNumber(nowUnix + 86400),
		ZoneHash:   common.Hash{}.Hex(),
		Salt:       NewNumber(1),
		ConduitKey: common.Hash{}.Hex(),
		Counter:    NewNumber(3),
	}
}

func (h *harness) sign(t *testing.T, o *OrderComponents, key *ecdsa.PrivateKey) {
	t.Helper()
	digest, err := h.strategy.Domain().Digest(o)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	sig[64] += 27
	o.Signature = hexutil.Encode(sig)
}

func (h *harness) item(t *testing.T, o *OrderComponents) normalizer.Item {
	t.Helper()
	raw, err := json.Marshal(o)
	require.NoError(t, err)
	return normalizer.Item{Data: raw}
}

// run canonicalizes and validates a single-candidate item.
func (h *harness) run(t *testing.T, it normalizer.Item) (*normalizer.Candidate, normalizer.Status) {
	t.Helper()
	ctx := context.Background()
	cands, err := h.strategy.Canonicalize(ctx, it)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	c := cands[0]
	c.Item = it
	if c.Status != "" {
		return c, c.Status
	}
	status, err := h.strategy.Validate(ctx, c)
	require.NoError(t, err)
	return c, status
}

func TestCanonicalize_Listing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.listing()
	h.sign(t, o, h.key)

	c, status := h.run(t, h.item(t, o))
	require.Equal(t, normalizer.StatusSuccess, status)

	hash, err := h.strategy.Domain().Hash(o)
	require.NoError(t, err)
	order := c.Order
	assert.Equal(t, hash.Hex(), order.ID)
	assert.Equal(t, model.SideSell, order.Side)
	assert.Equal(t, h.maker, order.Maker)
	assert.Equal(t, oneEther, order.Price)
	assert.Equal(t, oneEther, order.Value)
	assert.Equal(t, model.AddressZero, order.Currency)
	assert.Equal(t, "1", order.QuantityRemaining)
	assert.Equal(t, h.settings.Seaport.Exchange, order.Conduit)
	assert.Equal(t, []model.FeeBreakdown{{Kind: model.FeeKindMarketplace, Recipient: opensea, Bps: 250}}, order.FeeBreakdown)
	assert.Equal(t, model.TokenSetSingleToken, c.TokenSet.Kind)
	assert.Equal(t, "7", c.TokenSet.TokenID)
	assert.Equal(t, model.FillabilityFillable, order.FillabilityStatus)
	assert.Equal(t, model.ApprovalApproved, order.ApprovalStatus)
	assert.Equal(t, "0x00000000", c.SaltHash)
}

func TestCanonicalize_Offer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.offer()
	h.sign(t, o, h.key)

	c, status := h.run(t, h.item(t, o))
	require.Equal(t, normalizer.StatusSuccess, status)
	assert.Equal(t, model.SideBuy, c.Order.Side)
	assert.Equal(t, oneEther, c.Order.Price)
	assert.Equal(t, "975000000000000000", c.Order.Value)
	assert.Equal(t, weth, c.Order.Currency)
	assert.Equal(t, "3", c.Order.Nonce)
	assert.Equal(t, model.TokenSetContractWide, c.TokenSet.Kind)
}

func TestCanonicalize_PerUnitPrice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.listing()
	o.Offer[0].ItemType = ItemERC1155
	o.Offer[0].StartAmount, o.Offer[0].EndAmount = NewNumber(4), NewNumber(4)
	o.OrderType = PartialOpen
	h.sign(t, o, h.key)

	c, status := h.run(t, h.item(t, o))
	require.Equal(t, normalizer.StatusSuccess, status)
	assert.Equal(t, "250000000000000000", c.Order.Price)
	assert.Equal(t, "4", c.Order.QuantityRemaining)
	assert.Equal(t, 250, c.Order.FeeBreakdown[0].Bps)
}

func TestValidate_CompactSignature(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.listing()
	h.sign(t, o, h.key)

	sig := hexutil.MustDecode(o.Signature)
	compact := append([]byte(nil), sig[:64]...)
	if sig[64] == 28 {
		compact[32] |= 0x80
	}
	o.Signature = hexutil.Encode(compact)

	_, status := h.run(t, h.item(t, o))
	assert.Equal(t, normalizer.StatusSuccess, status)
}

func TestValidate_Outcomes(t *testing.T) {
	t.Parallel()
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	random := "0x00000000000000000000000000000000000000f1"

	tests := []struct {
		name   string
		mutate func(t *testing.T, h *harness, o *OrderComponents)
		sign   bool
		want   normalizer.Status
	}{
		{name: "wrong signer", mutate: func(t *testing.T, h *harness, o *OrderComponents) { h.sign(t, o, other) }, want: normalizer.StatusInvalidSignature},
		{name: "no signature", want: normalizer.StatusInvalidSignature},
		{name: "zero signature", mutate: func(_ *testing.T, _ *harness, o *OrderComponents) { o.Signature = "0x" + strings.Repeat("0", 130) }, want: normalizer.StatusInvalidSignature},
		{name: "closed conduit", mutate: func(_ *testing.T, _ *harness, o *OrderComponents) { o.ConduitKey = common.HexToHash("0x99").Hex() }, sign: true, want: normalizer.StatusUnsupportedConduit},
		{
			name: "zero price",
			mutate: func(_ *testing.T, _ *harness, o *OrderComponents) {
				for i := range o.Consideration {
					o.Consideration[i].StartAmount, o.Consideration[i].EndAmount = NewNumber(0), NewNumber(0)
				}
			},
			sign: true,
			want: normalizer.StatusZeroPrice,
		},
		{name: "far future", mutate: func(_ *testing.T, _ *harness, o *OrderComponents) { o.StartTime = NewNumber(nowUnix + 8*86400) }, sign: true, want: normalizer.StatusInvalidStartTime},
		{name: "expired", mutate: func(_ *testing.T, _ *harness, o *OrderComponents) { o.EndTime = NewNumber(nowUnix) }, sign: true, want: normalizer.StatusExpired},
		{
			name: "filtered",
			mutate: func(_ *testing.T, h *harness, _ *OrderComponents) {
				h.settings.FilteredOperators[nft] = []string{h.settings.Seaport.Exchange}
			},
			sign: true,
			want: normalizer.StatusFiltered,
		},
		{
			name: "full order with amount",
			mutate: func(_ *testing.T, _ *harness, o *OrderComponents) {
				o.Offer[0].ItemType = ItemERC1155
				o.Offer[0].StartAmount, o.Offer[0].EndAmount = NewNumber(2), NewNumber(2)
			},
			sign: true,
			want: normalizer.StatusNotPartiallyFillable,
		},
		{
			name: "erc721 with amount",
			mutate: func(_ *testing.T, _ *harness, o *OrderComponents) {
				o.OrderType = PartialOpen
				o.Offer[0].StartAmount, o.Offer[0].EndAmount = NewNumber(2), NewNumber(2)
			},
			sign: true,
			want: normalizer.StatusNotPartiallyFillable,
		},
		{
			name:   "unknown zone",
			mutate: func(_ *testing.T, _ *harness, o *OrderComponents) { o.OrderType = FullRestricted; o.Zone = random },
			sign:   true,
			want:   normalizer.StatusUnsupportedZone,
		},
		{name: "extra data", mutate: func(_ *testing.T, _ *harness, o *OrderComponents) { o.ExtraData = "0x01" }, sign: true, want: normalizer.StatusUnsupportedExtraData},
		{
			name: "mixed currencies",
			mutate: func(_ *testing.T, _ *harness, o *OrderComponents) {
				o.Consideration[1].ItemType, o.Consideration[1].Token = ItemERC20, weth
			},
			sign: true,
			want: normalizer.StatusInvalid,
		},
		{
			name: "bundle",
			mutate: func(_ *testing.T, _ *harness, o *OrderComponents) {
				o.Offer = append(o.Offer, o.Offer[0])
			},
			sign: true,
			want: normalizer.StatusInvalidFormat,
		},
		{name: "fillability call failure", mutate: func(_ *testing.T, h *harness, _ *OrderComponents) { h.chain.err = errors.New("rpc down") }, sign: true, want: normalizer.StatusNotFillable},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.settings.FilteredOperators = map[string][]string{}
			o := h.listing()
			if tt.mutate != nil {
				tt.mutate(t, h, o)
			}
			if tt.sign {
				h.sign(t, o, h.key)
			}
			_, status := h.run(t, h.item(t, o))
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestValidate_Delayed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.listing()
	o.StartTime = NewNumber(nowUnix + 60)
	h.sign(t, o, h.key)

	c, status := h.run(t, h.item(t, o))
	assert.Equal(t, normalizer.StatusDelayed, status)
	assert.Equal(t, 65*time.Second, c.Delay)
}

func TestValidate_NoExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.listing()
	o.EndTime = Number{v: new(big.Int).Set(math.MaxBig256)}
	h.sign(t, o, h.key)

	c, status := h.run(t, h.item(t, o))
	require.Equal(t, normalizer.StatusSuccess, status)
	assert.Equal(t, model.ValidToInfinity, c.Order.ValidTo)
	assert.Equal(t, nowUnix-100, c.Order.ValidFrom)
	assert.Equal(t, oneEther, c.Order.Price)
}

func TestValidate_StartTimeBeyondInt64(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.listing()
	o.StartTime = Number{v: new(big.Int).Lsh(big.NewInt(1), 64)}
	o.EndTime = Number{v: new(big.Int).Set(math.MaxBig256)}
	h.sign(t, o, h.key)

	_, status := h.run(t, h.item(t, o))
	assert.Equal(t, normalizer.StatusInvalidStartTime, status)
}

func TestNumber_Unix(t *testing.T) {
	t.Parallel()
	sec, ok := NewNumber(1_700_000_000).Unix()
	assert.True(t, ok)
	assert.Equal(t, int64(1_700_000_000), sec)

	sec, ok = Number{v: new(big.Int).Set(math.MaxBig256)}.Unix()
	assert.False(t, ok)
	assert.Equal(t, int64(gomath.MaxInt64), sec)

	sec, ok = Number{}.Unix()
	assert.True(t, ok)
	assert.Zero(t, sec)
}

func TestValidate_UnsupportedBidCurrency(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := h.offer()
	usdc := "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	o.Offer[0].Token = usdc
	o.Consideration[1].Token = usdc
	h.sign(t, o, h.key)

	_, status := h.run(t, h.item(t, o))
	assert.Equal(t, normalizer.StatusUnsupportedPaymentToken, status)
}

func TestValidate_TrustedSourceWithoutSignature(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	it := h.item(t, h.listing())
	it.Metadata.Source = "opensea.io"

	c, status := h.run(t, it)
	require.Equal(t, normalizer.StatusSuccess, status)
	assert.True(t, c.Order.IsPartial)

	it.Metadata = normalizer.Metadata{FromOnChain: true}
	c, status = h.run(t, it)
	require.Equal(t, normalizer.StatusSuccess, status)
	assert.False(t, c.Order.IsPartial)
}

func TestValidate_KeepsUnfillableOrders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.chain.owner = common.HexToAddress("0x01")
	h.chain.approved = false
	o := h.listing()
	h.sign(t, o, h.key)

	c, status := h.run(t, h.item(t, o))
	require.Equal(t, normalizer.StatusSuccess, status)
	assert.Equal(t, model.FillabilityNoBalance, c.Order.FillabilityStatus)
	assert.Equal(t, model.ApprovalNoApproval, c.Order.ApprovalStatus)
	assert.False(t, c.Order.Actionable())
}

func TestSave_EndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memstore.New()
	notifier := &memstore.Notifier{}
	reg := normalizer.NewRegistry()
	require.NoError(t, reg.Register(h.strategy))
	n := normalizer.New(reg, normalizer.Deps{
		Orders:      st.Orders(),
		TokenSets:   st.Catalog(),
		Collections: st.Transfers(),
		Royalties:   st.Catalog(),
		Sources:     st.Catalog(),
		Transfers:   st.Transfers(),
		Oracle:      pricing.NewOracle(st.Catalog(), h.settings, logger),
		Notifier:    notifier,
		Settings:    h.settings,
	}, normalizer.Config{Chain: "ethereum", Network: "mainnet"}, logger)
	n.SetClock(func() time.Time { return time.Unix(nowUnix, 0) })

	o := h.listing()
	h.sign(t, o, h.key)
	it := h.item(t, o)

	res, err := n.Save(context.Background(), Kind, []normalizer.Item{it})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, normalizer.StatusSuccess, res[0].Status)
	require.Len(t, notifier.Updates(), 1)

	stored, err := st.Orders().Get(context.Background(), res[0].ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, Kind, stored.Kind)
	assert.Equal(t, model.SingleTokenSetID(nft, "7"), stored.TokenSetID)

	// Cancelling by counter invalidates every order below it.
	ev := event.Decoded{
		Kind:    event.KindSeaport,
		SubKind: event.SubKindSeaportCounterIncremented,
		Params:  event.BaseParams{Block: 30, BlockHash: "0xb30"},
		Args: map[string]any{
			"offerer":    common.HexToAddress(h.maker),
			"newCounter": big.NewInt(1),
		},
	}
	require.NoError(t, n.ProcessEvents(context.Background(), []event.Decoded{ev}, nil))
	stored, err = st.Orders().Get(context.Background(), res[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.FillabilityCancelled, stored.FillabilityStatus)

	// Posting the same order again is a no-op.
	res, err = n.Save(context.Background(), Kind, []normalizer.Item{it})
	require.NoError(t, err)
	assert.Equal(t, normalizer.StatusAlreadyExists, res[0].Status)
}

func TestHandleEvent_OrderCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	hash := common.HexToHash("0xabc")
	eff, err := h.strategy.HandleEvent(context.Background(), event.Decoded{
		SubKind: event.SubKindSeaportOrderCancelled,
		Params:  event.BaseParams{Block: 9, BlockHash: "0xb9"},
		Args:    map[string]any{"orderHash": [32]byte(hash)},
	})
	require.NoError(t, err)
	assert.Equal(t, []normalizer.Cancel{{OrderID: hash.Hex(), Block: 9, BlockHash: "0xb9"}}, eff.Cancels)
}

func TestPriceAt(t *testing.T) {
	t.Parallel()
	start, end := big.NewInt(1000), big.NewInt(500)
	assert.Equal(t, "1000", PriceAt(start, end, 100, 200, 50).String())
	assert.Equal(t, "750", PriceAt(start, end, 100, 200, 150).String())
	assert.Equal(t, "500", PriceAt(start, end, 100, 200, 300).String())
	assert.Equal(t, "1000", PriceAt(start, start, 100, 200, 150).String())
}
