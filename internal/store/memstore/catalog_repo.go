package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var (
	_ store.TokenSetRepository = (*CatalogRepo)(nil)
	_ store.RoyaltyRegistry    = (*CatalogRepo)(nil)
	_ store.SourceRepository   = (*CatalogRepo)(nil)
	_ store.PriceRepository    = (*CatalogRepo)(nil)
)

type CatalogRepo struct{ s *Store }

func (r *CatalogRepo) Save(_ context.Context, ts *model.TokenSet) (*model.TokenSet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := ts.ID + "|" + ts.SchemaHash
	if cur, ok := r.s.tokenSets[key]; ok {
		return &cur, nil
	}
	c := *ts
	c.TokenIDs = append([]string(nil), ts.TokenIDs...)
	r.s.tokenSets[key] = c
	return &c, nil
}

// TokenSet looks up a stored set.
func (r *CatalogRepo) TokenSet(id, schemaHash string) (model.TokenSet, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ts, ok := r.s.tokenSets[id+"|"+schemaHash]
	return ts, ok
}

// SetRoyalties registers royalties of kind "default" or "onchain" for a
// contract.
func (r *CatalogRepo) SetRoyalties(contract, kind string, royalties []model.Royalty) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byKind, ok := r.s.royalties[contract]
	if !ok {
		byKind = make(map[string][]model.Royalty)
		r.s.royalties[contract] = byKind
	}
	byKind[kind] = append([]model.Royalty(nil), royalties...)
}

func (r *CatalogRepo) royalties(kind, tokenSetID string) []model.Royalty {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := append([]model.Royalty(nil), r.s.royalties[model.TokenSetContract(tokenSetID)][kind]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out
}

func (r *CatalogRepo) GetDefaultRoyalties(_ context.Context, tokenSetID string) ([]model.Royalty, error) {
	return r.royalties("default", tokenSetID), nil
}

func (r *CatalogRepo) GetOnChainRoyalties(_ context.Context, tokenSetID string) ([]model.Royalty, error) {
	return r.royalties("onchain", tokenSetID), nil
}

func (r *CatalogRepo) GetOrInsert(_ context.Context, domain string) (*model.Source, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	domain = strings.ToLower(strings.TrimSpace(domain))
	for _, src := range r.s.sources {
		if src.Domain == domain {
			c := src
			return &c, nil
		}
	}
	src := model.Source{ID: len(r.s.sources) + 1, Domain: domain, DomainHash: model.DomainHash(domain), Name: domain}
	r.s.sources = append(r.s.sources, src)
	return &src, nil
}

func (r *CatalogRepo) GetByDomainHash(_ context.Context, domainHash string) (*model.Source, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, src := range r.s.sources {
		if src.DomainHash == domainHash {
			c := src
			return &c, nil
		}
	}
	return nil, nil
}

// SetCurrency registers currency metadata.
func (r *CatalogRepo) SetCurrency(c model.Currency) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.currencies[c.Address] = c
}

func (r *CatalogRepo) GetCurrency(_ context.Context, address string) (*model.Currency, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.currencies[address]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// SetUSDPrice records the USD price of currency from at onwards.
func (r *CatalogRepo) SetUSDPrice(currency string, at time.Time, value string) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pts := append(r.s.usdPrices[currency], pricePoint{at: at, value: value})
	sort.Slice(pts, func(i, j int) bool { return pts[i].at.Before(pts[j].at) })
	r.s.usdPrices[currency] = pts
}

func (r *CatalogRepo) GetUSDPrice(_ context.Context, currency string, at time.Time) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pts := r.s.usdPrices[currency]
	for i := len(pts) - 1; i >= 0; i-- {
		if !pts[i].at.After(at) {
			return pts[i].value, nil
		}
	}
	return "", nil
}
