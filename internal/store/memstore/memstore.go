// Package memstore is an in-memory implementation of the store interfaces
// with the same conflict and gating rules as the Postgres repositories. It
// backs pipeline tests and local dry runs.
package memstore

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

type orderRow struct {
	order     model.Order
	updatedAt time.Time
}

type pricePoint struct {
	at    time.Time
	value string
}

// Store holds all tables behind one mutex.
type Store struct {
	mu sync.Mutex

	nowFn func() time.Time

	cursors     map[string]model.BlockCursor
	blocks      map[int64]map[string]model.IndexedBlock
	transfers   map[model.TransferKey]*model.TransferEvent
	balances    map[model.BalanceKey]*balanceRow
	collections map[string]model.Collection
	orders      map[string]*orderRow
	tokenSets   map[string]model.TokenSet
	royalties   map[string]map[string][]model.Royalty
	sources     []model.Source
	currencies  map[string]model.Currency
	usdPrices   map[string][]pricePoint
}

type balanceRow struct {
	amount     decimal.Decimal
	acquiredAt *int64
}

func New() *Store {
	return &Store{
		nowFn:       time.Now,
		cursors:     make(map[string]model.BlockCursor),
		blocks:      make(map[int64]map[string]model.IndexedBlock),
		transfers:   make(map[model.TransferKey]*model.TransferEvent),
		balances:    make(map[model.BalanceKey]*balanceRow),
		collections: make(map[string]model.Collection),
		orders:      make(map[string]*orderRow),
		tokenSets:   make(map[string]model.TokenSet),
		royalties:   make(map[string]map[string][]model.Royalty),
		currencies:  make(map[string]model.Currency),
		usdPrices:   make(map[string][]pricePoint),
	}
}

// SetClock overrides the wall clock used for updated_at bookkeeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

func (s *Store) Cursors() *CursorRepo     { return &CursorRepo{s} }
func (s *Store) Blocks() *BlockRepo       { return &BlockRepo{s} }
func (s *Store) Transfers() *TransferRepo { return &TransferRepo{s} }
func (s *Store) Orders() *OrderRepo       { return &OrderRepo{s} }
func (s *Store) Catalog() *CatalogRepo    { return &CatalogRepo{s} }
