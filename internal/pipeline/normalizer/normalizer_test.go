package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/pricing"
	"github.com/mgamer/indexer-v3-sub004/internal/store/memstore"
	"github.com/mgamer/indexer-v3-sub004/internal/store/mocks"
)

const (
	nft       = "0x00000000000000000000000000000000000c0111"
	alice     = "0x00000000000000000000000000000000000a11ce"
	bob       = "0x0000000000000000000000000000000000000b0b"
	creator   = "0x00000000000000000000000000000000c0ea7012"
	conduit   = "0x1e0049783f008a0085193e00003d00cd54003c71"
	native    = model.AddressZero
	usdc      = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	oneEther  = "1000000000000000000"
	testKind  = "test"
	poolKind  = "test-pool"
	baseStamp = int64(1_700_000_000)
)

// testOrder is the payload of the test strategy.
type testOrder struct {
	ID          string                  `json:"id"`
	Side        model.Side              `json:"side"`
	Maker       string                  `json:"maker"`
	Contract    string                  `json:"contract"`
	TokenID     string                  `json:"tokenId"`
	SetKind     model.TokenSetKind      `json:"setKind"`
	Price       string                  `json:"price"`
	Currency    string                  `json:"currency"`
	Conduit     string                  `json:"conduit"`
	Fees        []model.FeeBreakdown    `json:"fees"`
	Fillability model.FillabilityStatus `json:"fillability"`
	Status      Status                  `json:"status"`
	Delay       time.Duration           `json:"delay"`
}

// testStrategy maps a testOrder one to one onto a candidate.
type testStrategy struct {
	kind string
}

func (s *testStrategy) Kind() string { return s.kind }

func (s *testStrategy) Canonicalize(_ context.Context, item Item) ([]*Candidate, error) {
	var p testOrder
	if err := json.Unmarshal(item.Data, &p); err != nil {
		return []*Candidate{{Status: StatusInvalidFormat}}, nil
	}
	return []*Candidate{s.candidate(p, item.Trigger)}, nil
}

func (s *testStrategy) candidate(p testOrder, t *Trigger) *Candidate {
	fill := p.Fillability
	if fill == "" {
		fill = model.FillabilityFillable
	}
	currency := p.Currency
	if currency == "" {
		currency = native
	}
	setKind := p.SetKind
	if setKind == "" {
		setKind = model.TokenSetSingleToken
	}
	o := &Order{
		ID:                p.ID,
		Side:              p.Side,
		Maker:             p.Maker,
		Contract:          p.Contract,
		Price:             p.Price,
		Value:             p.Price,
		Currency:          currency,
		Conduit:           p.Conduit,
		FeeBreakdown:      p.Fees,
		FillabilityStatus: fill,
		ApprovalStatus:    model.ApprovalApproved,
		QuantityRemaining: "1",
	}
	if t != nil {
		o.ValidFrom = t.TxTimestamp
	}
	return &Candidate{
		Order:    o,
		TokenSet: TokenSetSpec{Kind: setKind, Contract: p.Contract, TokenID: p.TokenID},
		Status:   p.Status,
		Delay:    p.Delay,
	}
}

func (s *testStrategy) Validate(_ context.Context, c *Candidate) (Status, error) {
	if c.Delay > 0 {
		return StatusDelayed, nil
	}
	return StatusSuccess, nil
}

// cancelStrategy cancels by order hash like an exchange would.
type cancelStrategy struct {
	testStrategy
}

func (s *cancelStrategy) SubKinds() []event.SubKind {
	return []event.SubKind{event.SubKindSeaportOrderCancelled}
}

func (s *cancelStrategy) HandleEvent(_ context.Context, ev event.Decoded) (Effects, error) {
	id, err := ev.Bytes32("orderHash")
	if err != nil {
		return Effects{}, err
	}
	return Effects{Cancels: []Cancel{{OrderID: id, Block: ev.Params.Block, BlockHash: ev.Params.BlockHash}}}, nil
}

// poolStrategy quotes one sell order per price in its ladder. Stored orders
// outside the ladder lose their balance.
type poolStrategy struct {
	testStrategy
	prices []string
}

func (s *poolStrategy) Affected(_ context.Context, maker string, siblings []*model.Order, trigger Trigger) ([]*Candidate, error) {
	seen := make(map[string]bool)
	var out []*Candidate
	for i, price := range s.prices {
		p := testOrder{
			ID:       poolOrderID(maker, i),
			Side:     model.SideSell,
			Maker:    maker,
			Contract: nft,
			TokenID:  "1",
			Price:    price,
		}
		seen[p.ID] = true
		c := s.candidate(p, &trigger)
		c.AlwaysNotify = true
		out = append(out, c)
	}
	for _, o := range siblings {
		if seen[o.ID] {
			continue
		}
		p := testOrder{ID: o.ID, Side: o.Side, Maker: maker, Contract: nft, TokenID: "1", Price: o.CurrencyPrice, Fillability: model.FillabilityNoBalance}
		c := s.candidate(p, &trigger)
		c.AlwaysNotify = true
		out = append(out, c)
	}
	return out, nil
}

func poolOrderID(maker string, i int) string {
	return fmt.Sprintf("%s-%d", maker, i)
}

type fixture struct {
	store    *memstore.Store
	queue    *memstore.Queue
	notifier *memstore.Notifier
	settings *config.NetworkSettings
	n        *Normalizer
	now      time.Time
}

func newFixture(t *testing.T, strategies ...Strategy) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memstore.New()
	settings := config.DefaultNetworkSettings()
	reg := NewRegistry()
	if len(strategies) == 0 {
		strategies = []Strategy{&testStrategy{kind: testKind}}
	}
	for _, s := range strategies {
		require.NoError(t, reg.Register(s))
	}
	f := &fixture{
		store:    st,
		queue:    memstore.NewQueue(),
		notifier: &memstore.Notifier{},
		settings: settings,
		now:      time.Unix(baseStamp+10_000, 0),
	}
	f.n = New(reg, Deps{
		Orders:      st.Orders(),
		TokenSets:   st.Catalog(),
		Collections: st.Transfers(),
		Royalties:   st.Catalog(),
		Sources:     st.Catalog(),
		Transfers:   st.Transfers(),
		Oracle:      pricing.NewOracle(st.Catalog(), settings, logger),
		Queue:       f.queue,
		Notifier:    f.notifier,
		Settings:    settings,
	}, Config{Chain: "ethereum", Network: "mainnet", Workers: 4, FanOut: 8}, logger)
	f.n.SetClock(func() time.Time { return f.now })
	st.SetClock(func() time.Time { return f.now })
	return f
}

func item(t *testing.T, p testOrder, trigger *Trigger) Item {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return Item{Data: raw, Trigger: trigger}
}

func at(ts int64) *Trigger {
	return &Trigger{TxHash: "0xtx", TxTimestamp: ts}
}

func sell(id, price string) testOrder {
	return testOrder{ID: id, Side: model.SideSell, Maker: alice, Contract: nft, TokenID: "1", Price: price}
}

func (f *fixture) order(t *testing.T, id string) *model.Order {
	t.Helper()
	o, err := f.store.Orders().Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestSave_MissingRoyalties(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.Catalog().SetRoyalties(nft, "default", []model.Royalty{{Recipient: creator, Bps: 500}})

	res, err := f.n.Save(context.Background(), testKind, []Item{item(t, sell("0x01", oneEther), nil)})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, StatusSuccess, res[0].Status)
	assert.False(t, res[0].Unfillable)

	o := f.order(t, "0x01")
	require.NotNil(t, o)
	assert.Equal(t, []model.MissingRoyalty{{Bps: 500, Amount: "50000000000000000", Recipient: creator}}, o.MissingRoyalties)
	assert.Equal(t, "1050000000000000000", o.NormalizedValue)
	assert.Equal(t, oneEther, o.Value)
	assert.Equal(t, model.SingleTokenSetID(nft, "1"), o.TokenSetID)
	assert.Equal(t, SchemaHash(nil), o.TokenSetSchemaHash)
	assert.False(t, o.NeedsConversion)

	_, ok := f.store.Catalog().TokenSet(o.TokenSetID, o.TokenSetSchemaHash)
	assert.True(t, ok)

	updates := f.notifier.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, event.TriggerNewOrder, updates[0].Trigger)
	assert.Equal(t, "new-order-0x01-", updates[0].Context)
}

func TestSave_PublishFailureKeepsOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	notifier := mocks.NewMockNotifier(gomock.NewController(t))
	f.n.notifier = notifier

	notifier.EXPECT().Publish(gomock.Any(), gomock.Len(1)).
		DoAndReturn(func(_ context.Context, updates []event.OrderUpdate) error {
			assert.Equal(t, "0x01", updates[0].OrderID)
			assert.Equal(t, event.TriggerNewOrder, updates[0].Trigger)
			return errors.New("broker unavailable")
		})

	res, err := f.n.Save(context.Background(), testKind, []Item{item(t, sell("0x01", oneEther), nil)})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, StatusSuccess, res[0].Status)
	assert.NotNil(t, f.order(t, "0x01"), "order stays persisted when publishing fails")
}

func TestSave_ResubmitWithoutTriggerIsAlreadyExists(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	it := item(t, sell("0x01", oneEther), nil)

	res, err := f.n.Save(context.Background(), testKind, []Item{it})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res[0].Status)

	res, err = f.n.Save(context.Background(), testKind, []Item{it})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyExists, res[0].Status)
	assert.Len(t, f.notifier.Updates(), 1)
}

func TestSave_DuplicateInBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	it := item(t, sell("0x01", oneEther), nil)

	res, err := f.n.Save(context.Background(), testKind, []Item{it, it})
	require.NoError(t, err)
	require.Len(t, res, 2)
	statuses := []Status{res[0].Status, res[1].Status}
	assert.ElementsMatch(t, []Status{StatusSuccess, StatusAlreadyExists}, statuses)
	assert.Len(t, f.store.Orders().All(), 1)
}

func TestSave_StalenessGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.n.Save(ctx, testKind, []Item{item(t, sell("0x01", "100"), at(baseStamp+100))})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res[0].Status)

	// An older event arriving late is rejected.
	res, err = f.n.Save(ctx, testKind, []Item{item(t, sell("0x01", "90"), at(baseStamp+90))})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyExists, res[0].Status)
	assert.Equal(t, "100", f.order(t, "0x01").Price)

	// Same timestamp does not pass either.
	res, err = f.n.Save(ctx, testKind, []Item{item(t, sell("0x01", "95"), at(baseStamp+100))})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyExists, res[0].Status)

	res, err = f.n.Save(ctx, testKind, []Item{item(t, sell("0x01", "110"), at(baseStamp+110))})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res[0].Status)

	o := f.order(t, "0x01")
	assert.Equal(t, "110", o.Price)
	assert.Equal(t, baseStamp+110, o.ValidFrom)

	updates := f.notifier.Updates()
	require.Len(t, updates, 2)
	assert.Equal(t, event.TriggerNewOrder, updates[0].Trigger)
	assert.Equal(t, event.TriggerReprice, updates[1].Trigger)
	assert.Equal(t, baseStamp+110, updates[1].TxTimestamp)
}

func TestSave_ForceRecheck(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.n.Save(ctx, testKind, []Item{item(t, sell("0x01", "100"), at(baseStamp+100))})
	require.NoError(t, err)

	// Updated just now: inside the recheck window.
	res, err := f.n.Save(ctx, testKind, []Item{item(t, sell("0x01", "120"), &Trigger{ForceRecheck: true})})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyExists, res[0].Status)

	f.now = f.now.Add(2 * ForceRecheckWindow)
	res, err = f.n.Save(ctx, testKind, []Item{item(t, sell("0x01", "120"), &Trigger{ForceRecheck: true})})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res[0].Status)
	assert.Equal(t, "120", f.order(t, "0x01").Price)
}

func TestSave_Outcomes(t *testing.T) {
	t.Parallel()

	weird := "0x00000000000000000000000000000000000000ff"
	tests := []struct {
		name  string
		order testOrder
		setup func(f *fixture)
		want  Status
	}{
		{
			name:  "strategy status",
			order: func() testOrder { o := sell("0x01", oneEther); o.Status = StatusFiltered; return o }(),
			want:  StatusFiltered,
		},
		{
			name:  "missing id",
			order: sell("", oneEther),
			want:  StatusInvalidFormat,
		},
		{
			name: "fees too high",
			order: func() testOrder {
				o := sell("0x01", oneEther)
				o.Fees = []model.FeeBreakdown{
					{Kind: model.FeeKindMarketplace, Recipient: bob, Bps: 6000},
					{Kind: model.FeeKindRoyalty, Recipient: creator, Bps: 4001},
				}
				return o
			}(),
			want: StatusFeesTooHigh,
		},
		{
			name:  "unknown collection",
			order: func() testOrder { o := sell("0x01", oneEther); o.SetKind = model.TokenSetContractWide; return o }(),
			want:  StatusUnknownCollection,
		},
		{
			name:  "invalid token set",
			order: func() testOrder { o := sell("0x01", oneEther); o.TokenID = ""; return o }(),
			want:  StatusInvalidTokenSet,
		},
		{
			name:  "unknown currency",
			order: func() testOrder { o := sell("0x01", oneEther); o.Currency = weird; return o }(),
			want:  StatusFailedToConvertPrice,
		},
		{
			name:  "incompatible currency",
			order: func() testOrder { o := sell("0x01", oneEther); o.Currency = weird; return o }(),
			setup: func(f *fixture) {
				f.store.Catalog().SetCurrency(model.Currency{Address: weird, Decimals: 18, ERC20Incompatible: true})
			},
			want: StatusIncompatibleCurrency,
		},
		{
			name:  "no usd price",
			order: func() testOrder { o := sell("0x01", "3000000000"); o.Currency = usdc; return o }(),
			setup: func(f *fixture) {
				f.store.Catalog().SetCurrency(model.Currency{Address: usdc, Decimals: 6})
			},
			want: StatusFailedToConvertPrice,
		},
		{
			name:  "empty payload",
			order: testOrder{},
			want:  StatusInvalidFormat,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			res, err := f.n.Save(context.Background(), testKind, []Item{item(t, tt.order, nil)})
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Equal(t, tt.want, res[0].Status)
			assert.Empty(t, f.store.Orders().All())
			assert.Empty(t, f.notifier.Updates())
		})
	}
}

func TestSave_ConvertsCurrency(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cat := f.store.Catalog()
	cat.SetCurrency(model.Currency{Address: usdc, Symbol: "USDC", Decimals: 6})
	cat.SetUSDPrice(native, time.Unix(baseStamp, 0), "2000")
	cat.SetUSDPrice(usdc, time.Unix(baseStamp, 0), "1")

	o := sell("0x01", "3000000000")
	o.Currency = usdc
	res, err := f.n.Save(context.Background(), testKind, []Item{item(t, o, at(baseStamp+100))})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res[0].Status)

	stored := f.order(t, "0x01")
	assert.True(t, stored.NeedsConversion)
	assert.Equal(t, "3000000000", stored.CurrencyPrice)
	assert.Equal(t, "1500000000000000000", stored.Price)
	assert.Equal(t, "1500000000000000000", stored.Value)
	assert.Equal(t, "1500000000000000000", stored.NormalizedValue)
}

func TestSave_BidTooLow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	top := testOrder{ID: "0xtop", Side: model.SideBuy, Maker: bob, Contract: nft, TokenID: "1", Price: "2000"}
	res, err := f.n.Save(ctx, testKind, []Item{item(t, top, nil)})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res[0].Status)

	low := item(t, testOrder{ID: "0xlow", Side: model.SideBuy, Maker: alice, Contract: nft, TokenID: "1", Price: "1500"}, nil)
	low.Metadata.ValidateBidValue = true
	res, err = f.n.Save(ctx, testKind, []Item{low})
	require.NoError(t, err)
	assert.Equal(t, StatusBidTooLow, res[0].Status)

	high := item(t, testOrder{ID: "0xhigh", Side: model.SideBuy, Maker: alice, Contract: nft, TokenID: "1", Price: "2500"}, nil)
	high.Metadata.ValidateBidValue = true
	res, err = f.n.Save(ctx, testKind, []Item{high})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res[0].Status)
}

func TestSave_Source(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	opensea := "0x0000a26b00c1f0df003000390027140000faa719"

	explicit := item(t, sell("0x01", oneEther), nil)
	explicit.Metadata.Source = "example.xyz"

	selfIssued := item(t, func() testOrder {
		o := sell("0x02", oneEther)
		o.Fees = []model.FeeBreakdown{{Kind: model.FeeKindMarketplace, Recipient: opensea, Bps: 250}}
		return o
	}(), nil)
	selfIssued.Metadata = Metadata{Source: "example.xyz", SelfIssued: true}

	_, err := f.n.Save(ctx, testKind, []Item{explicit, selfIssued})
	require.NoError(t, err)

	require.NotNil(t, f.order(t, "0x01").SourceID)
	assert.Nil(t, f.order(t, "0x02").SourceID)
}

func TestSave_DelayedResubmits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	o := sell("0x01", oneEther)
	o.Delay = 30 * time.Second
	res, err := f.n.Save(ctx, testKind, []Item{item(t, o, nil)})
	require.NoError(t, err)
	require.Equal(t, StatusDelayed, res[0].Status)
	assert.Equal(t, 30*time.Second, res[0].Delay)
	assert.Empty(t, f.store.Orders().All())

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, event.JobOrderResubmit, pending[0].Kind)

	var payload ResubmitPayload
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, testKind, payload.Kind)

	// Once the start time has passed the strategy no longer delays.
	var data testOrder
	require.NoError(t, json.Unmarshal(payload.Item.Data, &data))
	data.Delay = 0
	payload.Item = item(t, data, nil)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	res, err = f.n.HandleResubmit(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res[0].Status)
}

func TestSave_UnknownKind(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.n.Save(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestRepriceAffected_PoolFanOut(t *testing.T) {
	t.Parallel()
	pool := &poolStrategy{testStrategy: testStrategy{kind: poolKind}}
	f := newFixture(t, pool)
	ctx := context.Background()
	maker := "0x00000000000000000000000000000000000000aa"

	for i := 0; i < 60; i++ {
		pool.prices = append(pool.prices, "1000")
	}
	res, err := f.n.RepriceAffected(ctx, poolKind, maker, Trigger{TxHash: "0x1", TxTimestamp: baseStamp + 100, Block: 10, BlockHash: "0xb10"})
	require.NoError(t, err)
	require.Len(t, res, 60)
	for _, r := range res {
		assert.Equal(t, StatusSuccess, r.Status)
	}
	assert.Len(t, f.store.Orders().All(), 60)

	// The ladder shrinks: dropped orders are kept but lose their balance.
	pool.prices = []string{"900", "800"}
	res, err = f.n.RepriceAffected(ctx, poolKind, maker, Trigger{TxHash: "0x2", TxTimestamp: baseStamp + 200, Block: 11, BlockHash: "0xb11"})
	require.NoError(t, err)
	require.Len(t, res, 60)

	unfillable := 0
	for _, r := range res {
		assert.Equal(t, StatusSuccess, r.Status)
		if r.Unfillable {
			unfillable++
		}
	}
	assert.Equal(t, 58, unfillable)
	first := f.order(t, poolOrderID(maker, 0))
	assert.Equal(t, "900", first.Price)
	assert.Equal(t, baseStamp+200, first.ValidFrom)
	assert.Equal(t, model.FillabilityNoBalance, f.order(t, poolOrderID(maker, 5)).FillabilityStatus)

	// Replaying the older event changes nothing.
	pool.prices = []string{"1000"}
	res, err = f.n.RepriceAffected(ctx, poolKind, maker, Trigger{TxHash: "0x1", TxTimestamp: baseStamp + 100, Block: 10, BlockHash: "0xb10"})
	require.NoError(t, err)
	for _, r := range res {
		assert.Equal(t, StatusAlreadyExists, r.Status)
	}
	assert.Equal(t, "900", f.order(t, poolOrderID(maker, 0)).Price)
}

func TestRepriceAffected_RequiresAffectedSet(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.n.RepriceAffected(context.Background(), testKind, alice, Trigger{})
	require.Error(t, err)
}

func TestRollbackBlock_DeletesOrdersFirstSeenInBlock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	trigger := &Trigger{TxHash: "0xt", TxTimestamp: baseStamp + 10, Block: 10, BlockHash: "0xb10"}
	_, err := f.n.Save(ctx, testKind, []Item{item(t, sell("0x01", oneEther), trigger)})
	require.NoError(t, err)
	require.NotNil(t, f.order(t, "0x01"))

	_, err = f.n.RollbackBlock(ctx, 10, "0xb10")
	require.NoError(t, err)
	assert.Nil(t, f.order(t, "0x01"))
}

func TestRollbackBlock_RepricesPools(t *testing.T) {
	t.Parallel()
	pool := &poolStrategy{testStrategy: testStrategy{kind: poolKind}, prices: []string{"1000"}}
	f := newFixture(t, pool)
	ctx := context.Background()
	maker := "0x00000000000000000000000000000000000000aa"

	_, err := f.n.RepriceAffected(ctx, poolKind, maker, Trigger{TxTimestamp: baseStamp + 5, Block: 5, BlockHash: "0xb5"})
	require.NoError(t, err)
	pool.prices = []string{"2000"}
	_, err = f.n.RepriceAffected(ctx, poolKind, maker, Trigger{TxTimestamp: baseStamp + 10, Block: 10, BlockHash: "0xb10"})
	require.NoError(t, err)
	require.Equal(t, "2000", f.order(t, poolOrderID(maker, 0)).Price)

	// Block 10 is orphaned; the pool is back at its canonical price.
	pool.prices = []string{"1000"}
	res, err := f.n.RollbackBlock(ctx, 10, "0xb10")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, StatusSuccess, res[0].Status)

	o := f.order(t, poolOrderID(maker, 0))
	assert.Equal(t, "1000", o.Price)
	assert.Zero(t, o.ValidFrom)

	// Any later event passes the rewound gate.
	pool.prices = []string{"1100"}
	_, err = f.n.RepriceAffected(ctx, poolKind, maker, Trigger{TxTimestamp: baseStamp + 11, Block: 11, BlockHash: "0xc11"})
	require.NoError(t, err)
	assert.Equal(t, "1100", f.order(t, poolOrderID(maker, 0)).Price)
}
