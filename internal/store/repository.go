package store

import (
	"context"
	"errors"
	"time"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks github.com/mgamer/indexer-v3-sub004/internal/store Lock,JobQueue,Notifier

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrQueueEmpty      = errors.New("queue empty")
)

// CursorRepository persists sync stream cursors.
type CursorRepository interface {
	Get(ctx context.Context, stream string) (*model.BlockCursor, error)
	// Advance moves the cursor forward; a lower block number is ignored.
	Advance(ctx context.Context, cursor *model.BlockCursor) error
	// Rewind is only used by reorg reconciliation.
	Rewind(ctx context.Context, stream string, blockNumber int64) error
}

// BlockRepository records the (number, hash) pairs seen during sync.
type BlockRepository interface {
	Save(ctx context.Context, blocks []model.IndexedBlock) error
	// GetRecent returns the newest blocks, highest number first.
	GetRecent(ctx context.Context, limit int) ([]model.IndexedBlock, error)
	Delete(ctx context.Context, number int64, hash string) error
	PruneBefore(ctx context.Context, number int64) (int64, error)
}

// ApplyResult reports which transfers were newly applied by one call.
type ApplyResult struct {
	Applied []model.TransferEvent
}

// TransferRepository owns transfer events and the balances derived from them.
type TransferRepository interface {
	// InsertAndApply inserts every event not already present (or revives a
	// tombstoned one) and applies exactly the inserted rows' deltas to
	// balances, atomically.
	InsertAndApply(ctx context.Context, events []model.TransferEvent) (ApplyResult, error)
	// TombstoneBlock marks the block's live events deleted and reverses their
	// deltas, atomically. Returns the tombstoned rows.
	TombstoneBlock(ctx context.Context, block int64, blockHash string) ([]model.TransferEvent, error)
	GetBalance(ctx context.Context, key model.BalanceKey) (*model.NFTBalance, error)
	// ListOwnedTokens returns positive balances of owner in contract.
	ListOwnedTokens(ctx context.Context, contract, owner string) ([]model.NFTBalance, error)
}

type CollectionRepository interface {
	GetByContract(ctx context.Context, contract string) (*model.Collection, error)
}

// UpdateGate selects the staleness rule a conditional order update obeys.
type UpdateGate struct {
	// TxTimestamp: apply only if the row's validity lower bound is older.
	TxTimestamp int64
	// ForceRecheckBefore, when non-zero, replaces the timestamp rule with
	// "last updated before this unix time".
	ForceRecheckBefore int64
}

// OrderRepository persists normalized orders.
type OrderRepository interface {
	Get(ctx context.Context, id string) (*model.Order, error)
	// InsertIgnore inserts orders, skipping existing ids. Returns inserted ids.
	InsertIgnore(ctx context.Context, orders []*model.Order) ([]string, error)
	// UpdateIfNewer overwrites the mutable columns of order.ID when the gate
	// passes. The validity lower bound never decreases.
	UpdateIfNewer(ctx context.Context, order *model.Order, gate UpdateGate) (bool, error)
	ListByMaker(ctx context.Context, kind, maker string) ([]*model.Order, error)
	// ListSellOrdersByToken returns sell orders of maker on a single token.
	ListSellOrdersByToken(ctx context.Context, maker, contract, tokenID string) ([]*model.Order, error)
	SetFillability(ctx context.Context, ids []string, status model.FillabilityStatus, block int64, blockHash string) error
	SetApprovalByOperator(ctx context.Context, maker, contract, operator string, status model.ApprovalStatus, block int64, blockHash string) ([]string, error)
	CancelByID(ctx context.Context, kind, id string, block int64, blockHash string) (bool, error)
	CancelByMakerNonceBelow(ctx context.Context, kind, maker, nonce string, block int64, blockHash string) ([]string, error)
	TopBidValue(ctx context.Context, contract string) (string, error)
	FloorAskValue(ctx context.Context, contract string) (string, error)
	// RollbackBlock deletes orders created in the block and rewinds the
	// staleness gate of orders last touched in it. Returns the affected rows.
	RollbackBlock(ctx context.Context, block int64, blockHash string) ([]*model.Order, error)
}

type TokenSetRepository interface {
	// Save creates the set on first reference and returns the stored row.
	Save(ctx context.Context, ts *model.TokenSet) (*model.TokenSet, error)
}

type RoyaltyRegistry interface {
	GetDefaultRoyalties(ctx context.Context, tokenSetID string) ([]model.Royalty, error)
	GetOnChainRoyalties(ctx context.Context, tokenSetID string) ([]model.Royalty, error)
}

type SourceRepository interface {
	GetOrInsert(ctx context.Context, domain string) (*model.Source, error)
	GetByDomainHash(ctx context.Context, domainHash string) (*model.Source, error)
}

// PriceRepository serves stored USD prices and currency metadata.
type PriceRepository interface {
	GetCurrency(ctx context.Context, address string) (*model.Currency, error)
	// GetUSDPrice returns the latest price at or before at, as a decimal
	// string, or "" when none is known.
	GetUSDPrice(ctx context.Context, currency string, at time.Time) (string, error)
}

// Lock is a TTL-bounded distributed mutex.
type Lock interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

type EnqueueOptions struct {
	Delay    time.Duration
	Priority bool
}

// JobQueue is a durable at-least-once queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job *event.Job, opts EnqueueOptions) error
	EnqueueBulk(ctx context.Context, jobs []*event.Job, opts EnqueueOptions) error
	// Dequeue returns ErrQueueEmpty when nothing became ready within wait.
	Dequeue(ctx context.Context, wait time.Duration) (*event.Job, error)
	Ack(ctx context.Context, job *event.Job) error
	Retry(ctx context.Context, job *event.Job, delay time.Duration) error
	DeadLetter(ctx context.Context, job *event.Job, reason string) error
}

// Notifier publishes order updates to downstream consumers.
type Notifier interface {
	Publish(ctx context.Context, updates []event.OrderUpdate) error
}
