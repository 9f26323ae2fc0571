// Package normalizer turns protocol-specific order payloads and pool events
// into canonical order rows.
package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/pricing"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
	"github.com/mgamer/indexer-v3-sub004/internal/tracing"
)

const (
	defaultWorkers = 20
	defaultFanOut  = 50
)

// PriceOracle converts order currencies into native terms.
type PriceOracle interface {
	Currency(ctx context.Context, address string) (model.Currency, error)
	GetNativeAndUSDPrice(ctx context.Context, currency, amount string, at time.Time) (*pricing.Prices, error)
}

// Deps are the collaborators of the shared normalization steps. Queue may be
// nil, in which case delayed orders are only reported.
type Deps struct {
	Orders      store.OrderRepository
	TokenSets   store.TokenSetRepository
	Collections store.CollectionRepository
	Royalties   store.RoyaltyRegistry
	Sources     store.SourceRepository
	Transfers   store.TransferRepository
	Oracle      PriceOracle
	Queue       store.JobQueue
	Notifier    store.Notifier
	Settings    *config.NetworkSettings
}

type Config struct {
	Chain   string
	Network string
	// Workers bounds concurrently normalized items.
	Workers int
	// FanOut bounds concurrently processed candidates of one item.
	FanOut int
}

type Normalizer struct {
	registry    *Registry
	orders      store.OrderRepository
	tokenSets   store.TokenSetRepository
	collections store.CollectionRepository
	royalties   store.RoyaltyRegistry
	sources     store.SourceRepository
	transfers   store.TransferRepository
	oracle      PriceOracle
	queue       store.JobQueue
	notifier    store.Notifier
	settings    *config.NetworkSettings
	cfg         Config
	logger      *slog.Logger
	nowFn       func() time.Time
}

func New(registry *Registry, deps Deps, cfg Config, logger *slog.Logger) *Normalizer {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = defaultFanOut
	}
	return &Normalizer{
		registry:    registry,
		orders:      deps.Orders,
		tokenSets:   deps.TokenSets,
		collections: deps.Collections,
		royalties:   deps.Royalties,
		sources:     deps.Sources,
		transfers:   deps.Transfers,
		oracle:      deps.Oracle,
		queue:       deps.Queue,
		notifier:    deps.Notifier,
		settings:    deps.Settings,
		cfg:         cfg,
		logger:      logger.With("component", "normalizer"),
		nowFn:       time.Now,
	}
}

// SetClock overrides the wall clock used for time-based validation.
func (n *Normalizer) SetClock(now func() time.Time) {
	n.nowFn = now
}

func (n *Normalizer) Registry() *Registry {
	return n.registry
}

// outcome is a candidate result plus the write it still needs.
type outcome struct {
	result  Result
	pending *model.Order
	updated bool
	notify  bool
	trigger *Trigger
}

// Save normalizes items of one kind and persists the successful ones. Item
// failures are logged and isolated; the returned error joins them so a
// caller may retry the batch, which is idempotent.
func (n *Normalizer) Save(ctx context.Context, kind string, items []Item) ([]Result, error) {
	strategy, err := n.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := tracing.Start(ctx, "normalizer.save",
		attribute.String("kind", kind),
		attribute.Int("items", len(items)),
	)

	perItem := make([][]outcome, len(items))
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Workers)
	for i := range items {
		i := i
		g.Go(func() error {
			outs, err := n.saveItem(gctx, strategy, items[i])
			if err != nil {
				metrics.NormalizerErrors.WithLabelValues(n.cfg.Chain, n.cfg.Network, kind).Inc()
				n.logItemError(kind, items[i], err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			perItem[i] = outs
			return nil
		})
	}
	_ = g.Wait()

	var outs []outcome
	for _, o := range perItem {
		outs = append(outs, o...)
	}
	if err := n.persist(ctx, kind, outs); err != nil {
		errs = append(errs, err)
	}

	results := make([]Result, 0, len(outs))
	for _, o := range outs {
		results = append(results, o.result)
		metrics.NormalizerResults.WithLabelValues(n.cfg.Chain, n.cfg.Network, kind, string(o.result.Status)).Inc()
	}
	metrics.NormalizerLatency.WithLabelValues(n.cfg.Chain, n.cfg.Network, kind).Observe(time.Since(start).Seconds())

	err = errors.Join(errs...)
	if err != nil {
		err = fmt.Errorf("normalize %s: %w", kind, err)
	}
	tracing.End(span, err)
	return results, err
}

func (n *Normalizer) logItemError(kind string, item Item, err error) {
	attrs := []any{"kind", kind, "error", err}
	if t := item.Trigger; t != nil {
		attrs = append(attrs, "tx_hash", t.TxHash, "block", t.Block, "log_index", t.LogIndex)
	}
	n.logger.Error("normalize item failed", attrs...)
}

func (n *Normalizer) saveItem(ctx context.Context, strategy Strategy, item Item) (outs []outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("normalize item panicked", "kind", strategy.Kind(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	candidates, err := strategy.Canonicalize(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	for _, c := range candidates {
		c.Item = item
	}
	return n.processCandidates(ctx, strategy, candidates)
}

// processCandidates runs the shared steps over candidates with bounded
// fan-out. A failing candidate does not stop its siblings.
func (n *Normalizer) processCandidates(ctx context.Context, strategy Strategy, candidates []*Candidate) ([]outcome, error) {
	outs := make([]outcome, len(candidates))
	errs := make([]error, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.FanOut)
	for i := range candidates {
		i := i
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("normalize candidate panicked", "kind", strategy.Kind(), "panic", r, "stack", string(debug.Stack()))
					errs[i] = fmt.Errorf("panic: %v", r)
				}
			}()
			outs[i], errs[i] = n.processCandidate(gctx, strategy, candidates[i])
			return nil
		})
	}
	_ = g.Wait()

	kept := outs[:0]
	var failed []error
	for i := range outs {
		if errs[i] != nil {
			id := ""
			if candidates[i].Order != nil {
				id = candidates[i].Order.ID
			}
			failed = append(failed, fmt.Errorf("order %s: %w", id, errs[i]))
			continue
		}
		kept = append(kept, outs[i])
	}
	return kept, errors.Join(failed...)
}

func (n *Normalizer) processCandidate(ctx context.Context, strategy Strategy, c *Candidate) (outcome, error) {
	kind := strategy.Kind()
	out := outcome{trigger: c.Item.Trigger}
	if c.Order != nil {
		out.result.ID = c.Order.ID
		c.Order.Kind = kind
	}
	out.result.Kind = kind
	if t := c.Item.Trigger; t != nil {
		out.result.TxHash = t.TxHash
	}
	done := func(s Status) (outcome, error) {
		out.result.Status = s
		return out, nil
	}

	// 1. canonical id
	if c.Status != "" && c.Status != StatusSuccess {
		return done(c.Status)
	}
	if c.Order == nil || c.Order.ID == "" {
		return done(StatusInvalidFormat)
	}

	// 2. idempotency and staleness gate
	existing, err := n.orders.Get(ctx, c.Order.ID)
	if err != nil {
		return out, fmt.Errorf("get order: %w", err)
	}
	var gate *store.UpdateGate
	if existing != nil {
		g, ok := updateGate(existing, c.Item.Trigger, n.nowFn())
		if !ok {
			if c.Item.Trigger != nil {
				metrics.NormalizerStaleUpdatesRejected.WithLabelValues(n.cfg.Chain, n.cfg.Network, kind).Inc()
			}
			return done(StatusAlreadyExists)
		}
		gate = &g
	}

	// 3-6. protocol checks
	status, err := strategy.Validate(ctx, c)
	if err != nil {
		return out, fmt.Errorf("validate: %w", err)
	}
	if status == StatusDelayed {
		out.result.Delay = c.Delay
		if err := n.resubmit(ctx, kind, c); err != nil {
			return out, err
		}
		return done(StatusDelayed)
	}
	if status != StatusSuccess {
		return done(status)
	}

	// 7. token set
	if status, err = n.resolveTokenSet(ctx, c); err != nil || status != StatusSuccess {
		return out.orErr(status, err)
	}

	// 8. fees and royalties
	status, missing, err := n.resolveFees(ctx, c)
	if err != nil || status != StatusSuccess {
		return out.orErr(status, err)
	}

	// 9. currency
	if status, err = n.convertCurrency(ctx, c, missing); err != nil || status != StatusSuccess {
		return out.orErr(status, err)
	}
	if status = n.checkBidValue(ctx, c); status != StatusSuccess {
		return done(status)
	}

	// 10. source
	if err := n.resolveSource(ctx, c); err != nil {
		return out, err
	}

	// 11. persist
	n.stampTrigger(c)
	out.result.Unfillable = !c.Order.Actionable()
	out.notify = c.AlwaysNotify || !out.result.Unfillable
	if gate == nil {
		out.pending = c.Order
		return done(StatusSuccess)
	}
	ok, err := n.orders.UpdateIfNewer(ctx, c.Order, *gate)
	if err != nil {
		return out, fmt.Errorf("update order: %w", err)
	}
	if !ok {
		metrics.NormalizerStaleUpdatesRejected.WithLabelValues(n.cfg.Chain, n.cfg.Network, kind).Inc()
		return done(StatusAlreadyExists)
	}
	out.updated = true
	out.notify = true
	return done(StatusSuccess)
}

func (o outcome) orErr(s Status, err error) (outcome, error) {
	if err != nil {
		return o, err
	}
	o.result.Status = s
	return o, nil
}

// stampTrigger records the chain position of the event behind the write.
func (n *Normalizer) stampTrigger(c *Candidate) {
	t := c.Item.Trigger
	if t == nil || t.Block <= 0 {
		return
	}
	block, logIndex := t.Block, t.LogIndex
	c.Order.BlockNumber = &block
	c.Order.LogIndex = &logIndex
	c.Order.BlockHash = t.BlockHash
}

// persist bulk-inserts the new orders of a batch and publishes updates for
// every persisted change.
func (n *Normalizer) persist(ctx context.Context, kind string, outs []outcome) error {
	var pending []*model.Order
	for _, o := range outs {
		if o.pending != nil && o.result.Status == StatusSuccess {
			pending = append(pending, o.pending)
		}
	}

	var insertErr error
	inserted := make(map[string]bool, len(pending))
	if len(pending) > 0 {
		ids, err := n.orders.InsertIgnore(ctx, pending)
		if err != nil {
			insertErr = fmt.Errorf("insert %d %s orders: %w", len(pending), kind, err)
			n.logger.Error("insert orders failed", "kind", kind, "count", len(pending), "error", err)
		}
		for _, id := range ids {
			inserted[id] = true
		}
	}

	var updates []event.OrderUpdate
	for i := range outs {
		o := &outs[i]
		if o.pending != nil && o.result.Status == StatusSuccess && !inserted[o.result.ID] {
			if insertErr != nil {
				// Reported through the returned error; the batch is retried.
				o.notify = false
			} else {
				o.result.Status = StatusAlreadyExists
				continue
			}
		}
		if o.result.Status != StatusSuccess || !o.notify {
			continue
		}
		trigger := event.TriggerNewOrder
		if o.updated {
			trigger = event.TriggerReprice
		}
		u := event.OrderUpdate{OrderID: o.result.ID, Trigger: trigger}
		if o.trigger != nil {
			u.TxHash = o.trigger.TxHash
			u.TxTimestamp = o.trigger.TxTimestamp
		}
		u.Context = event.UpdateContext(trigger, u.OrderID, u.TxHash)
		updates = append(updates, u)
	}
	n.publish(ctx, updates)
	return insertErr
}

// publish never fails the batch: rows are already persisted and consumers
// resync periodically.
func (n *Normalizer) publish(ctx context.Context, updates []event.OrderUpdate) {
	if len(updates) == 0 || n.notifier == nil {
		return
	}
	if err := n.notifier.Publish(ctx, updates); err != nil {
		n.logger.Error("publish order updates failed", "count", len(updates), "error", err)
		return
	}
	for _, u := range updates {
		metrics.NotificationsPublished.WithLabelValues(n.cfg.Chain, n.cfg.Network, string(u.Trigger)).Inc()
	}
}

// ResubmitPayload is the body of an order-resubmit job.
type ResubmitPayload struct {
	Kind string `json:"kind"`
	Item Item   `json:"item"`
}

func (n *Normalizer) resubmit(ctx context.Context, kind string, c *Candidate) error {
	if n.queue == nil {
		return nil
	}
	payload, err := json.Marshal(ResubmitPayload{Kind: kind, Item: c.Item})
	if err != nil {
		return fmt.Errorf("marshal resubmit: %w", err)
	}
	job := &event.Job{
		ID:         uuid.NewString(),
		Kind:       event.JobOrderResubmit,
		Payload:    payload,
		State:      event.JobQueued,
		EnqueuedAt: n.nowFn(),
	}
	if err := n.queue.Enqueue(ctx, job, store.EnqueueOptions{Delay: c.Delay}); err != nil {
		return fmt.Errorf("enqueue resubmit of %s: %w", c.Order.ID, err)
	}
	n.logger.Debug("order delayed", "kind", kind, "order_id", c.Order.ID, "delay", c.Delay)
	return nil
}

// HandleResubmit processes an order-resubmit job payload.
func (n *Normalizer) HandleResubmit(ctx context.Context, raw json.RawMessage) ([]Result, error) {
	var p ResubmitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode resubmit payload: %w", err)
	}
	return n.Save(ctx, p.Kind, []Item{p.Item})
}
