package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var (
	_ store.TokenSetRepository = (*CatalogRepo)(nil)
	_ store.RoyaltyRegistry    = (*CatalogRepo)(nil)
	_ store.SourceRepository   = (*CatalogRepo)(nil)
	_ store.PriceRepository    = (*CatalogRepo)(nil)
)

// CatalogRepo serves the reference tables orders point at: token sets,
// royalties, sources, currencies and USD prices.
type CatalogRepo struct {
	db *DB
}

func NewCatalogRepo(db *DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

func (r *CatalogRepo) Save(ctx context.Context, ts *model.TokenSet) (*model.TokenSet, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var schema interface{}
	if len(ts.Schema) > 0 {
		schema = string(ts.Schema)
	}
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO token_sets (id, schema_hash, kind, contract, merkle_root, range_start, range_end, schema)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id, schema_hash) DO NOTHING
		`, ts.ID, ts.SchemaHash, string(ts.Kind), ts.Contract, nullString(ts.MerkleRoot),
			nullString(ts.RangeStart), nullString(ts.RangeEnd), schema)
		if err != nil {
			return fmt.Errorf("insert token set %s: %w", ts.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 || len(ts.TokenIDs) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO token_sets_tokens (token_set_id, contract, token_id)
			SELECT $1, $2, unnest($3::numeric[])
			ON CONFLICT DO NOTHING
		`, ts.ID, ts.Contract, pq.Array(ts.TokenIDs))
		if err != nil {
			return fmt.Errorf("insert tokens of %s: %w", ts.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var (
		out              model.TokenSet
		kind             string
		root, start, end sql.NullString
	)
	err = r.db.QueryRowContext(ctx, `
		SELECT id, schema_hash, kind, contract, merkle_root, range_start::text, range_end::text
		FROM token_sets WHERE id = $1 AND schema_hash = $2
	`, ts.ID, ts.SchemaHash).Scan(&out.ID, &out.SchemaHash, &kind, &out.Contract, &root, &start, &end)
	if err != nil {
		return nil, fmt.Errorf("read token set %s: %w", ts.ID, err)
	}
	out.Kind = model.TokenSetKind(kind)
	out.MerkleRoot, out.RangeStart, out.RangeEnd = root.String, start.String, end.String
	out.TokenIDs = ts.TokenIDs
	out.Schema = ts.Schema
	return &out, nil
}

func (r *CatalogRepo) GetDefaultRoyalties(ctx context.Context, tokenSetID string) ([]model.Royalty, error) {
	return r.royalties(ctx, "default", tokenSetID)
}

func (r *CatalogRepo) GetOnChainRoyalties(ctx context.Context, tokenSetID string) ([]model.Royalty, error) {
	return r.royalties(ctx, "onchain", tokenSetID)
}

// royalties are registered per collection; any token set resolves to its
// contract's entries.
func (r *CatalogRepo) royalties(ctx context.Context, kind, tokenSetID string) ([]model.Royalty, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	contract := model.TokenSetContract(tokenSetID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT recipient, bps FROM royalties
		WHERE contract = $1 AND kind = $2
		ORDER BY recipient
	`, contract, kind)
	if err != nil {
		return nil, fmt.Errorf("get %s royalties of %s: %w", kind, contract, err)
	}
	defer rows.Close()

	var out []model.Royalty
	for rows.Next() {
		var roy model.Royalty
		if err := rows.Scan(&roy.Recipient, &roy.Bps); err != nil {
			return nil, fmt.Errorf("scan royalty: %w", err)
		}
		out = append(out, roy)
	}
	return out, rows.Err()
}

func (r *CatalogRepo) GetOrInsert(ctx context.Context, domain string) (*model.Source, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	domain = strings.ToLower(strings.TrimSpace(domain))
	var s model.Source
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sources (domain, domain_hash, name)
		VALUES ($1, $2, $1)
		ON CONFLICT (domain) DO UPDATE SET domain = EXCLUDED.domain
		RETURNING id, domain, domain_hash, name
	`, domain, model.DomainHash(domain)).Scan(&s.ID, &s.Domain, &s.DomainHash, &s.Name)
	if err != nil {
		return nil, fmt.Errorf("get or insert source %s: %w", domain, err)
	}
	return &s, nil
}

func (r *CatalogRepo) GetByDomainHash(ctx context.Context, domainHash string) (*model.Source, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var s model.Source
	err := r.db.QueryRowContext(ctx, `
		SELECT id, domain, domain_hash, name FROM sources
		WHERE domain_hash = $1
		ORDER BY id
		LIMIT 1
	`, domainHash).Scan(&s.ID, &s.Domain, &s.DomainHash, &s.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source by hash %s: %w", domainHash, err)
	}
	return &s, nil
}

func (r *CatalogRepo) GetCurrency(ctx context.Context, address string) (*model.Currency, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var c model.Currency
	err := r.db.QueryRowContext(ctx, `
		SELECT address, symbol, decimals, erc20_incompatible FROM currencies WHERE address = $1
	`, address).Scan(&c.Address, &c.Symbol, &c.Decimals, &c.ERC20Incompatible)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get currency %s: %w", address, err)
	}
	return &c, nil
}

func (r *CatalogRepo) GetUSDPrice(ctx context.Context, currency string, at time.Time) (string, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var v string
	err := r.db.QueryRowContext(ctx, `
		SELECT value::text FROM usd_prices
		WHERE currency = $1 AND timestamp <= $2
		ORDER BY timestamp DESC
		LIMIT 1
	`, currency, at).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get usd price of %s: %w", currency, err)
	}
	return v, nil
}
