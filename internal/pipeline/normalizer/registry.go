package normalizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

var ErrUnknownKind = errors.New("unknown order kind")

// Strategy normalizes the orders of one protocol kind.
type Strategy interface {
	Kind() string
	// Canonicalize decodes item into candidate orders with deterministic ids.
	// Pool items fan out into one candidate per order id.
	Canonicalize(ctx context.Context, item Item) ([]*Candidate, error)
	// Validate runs the protocol checks (structure, zone, signature,
	// fillability) on a candidate that passed the staleness gate. Any status
	// other than StatusSuccess ends normalization with that status.
	Validate(ctx context.Context, c *Candidate) (Status, error)
}

// AffectedSetRepricer is implemented by strategies whose orders share state
// with every other order of the same maker, such as pool orders.
type AffectedSetRepricer interface {
	// Affected recomputes the orders of maker. siblings are the stored orders
	// of maker; the result may add candidates for new ids.
	Affected(ctx context.Context, maker string, siblings []*model.Order, trigger Trigger) ([]*Candidate, error)
}

// EventHandler is implemented by strategies that react to their protocol's
// chain events.
type EventHandler interface {
	SubKinds() []event.SubKind
	HandleEvent(ctx context.Context, ev event.Decoded) (Effects, error)
}

// Effects is the work an event asks the normalizer to do.
type Effects struct {
	Items   []Item
	Reprice []Reprice
	Cancels []Cancel
}

// Cancel invalidates one order by id, or every order of Maker with a nonce
// below NonceBelow.
type Cancel struct {
	OrderID    string
	Maker      string
	NonceBelow string
	Block      int64
	BlockHash  string
}

type Reprice struct {
	Maker   string
	Trigger Trigger
}

type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	handlers   map[event.SubKind]string
}

func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		handlers:   make(map[event.SubKind]string),
	}
}

// Register adds a strategy. Registering a kind twice is an error.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := s.Kind()
	if _, ok := r.strategies[kind]; ok {
		return fmt.Errorf("strategy %q already registered", kind)
	}
	if h, ok := s.(EventHandler); ok {
		for _, sk := range h.SubKinds() {
			if owner, taken := r.handlers[sk]; taken {
				return fmt.Errorf("strategy %q: sub-kind %s already handled by %q", kind, sk, owner)
			}
		}
		for _, sk := range h.SubKinds() {
			r.handlers[sk] = kind
		}
	}
	r.strategies[kind] = s
	return nil
}

func (r *Registry) Get(kind string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return s, nil
}

// HandlerFor returns the strategy consuming events of subKind.
func (r *Registry) HandlerFor(subKind event.SubKind) (string, EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.handlers[subKind]
	if !ok {
		return "", nil, false
	}
	return kind, r.strategies[kind].(EventHandler), true
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for k := range r.strategies {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
