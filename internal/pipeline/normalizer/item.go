package normalizer

import (
	"encoding/json"
	"time"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

// Item is one normalization request. Data is the protocol payload, decoded
// by the strategy registered for the item's kind. Items are JSON so that
// delayed orders can be resubmitted through the job queue.
type Item struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
	Trigger  *Trigger        `json:"trigger,omitempty"`
}

type Metadata struct {
	// Source is an explicitly supplied marketplace domain.
	Source string `json:"source,omitempty"`
	// SelfIssued orders were created through this indexer's own API.
	SelfIssued bool `json:"selfIssued,omitempty"`
	// FromOnChain orders were attested by an on-chain validation event.
	FromOnChain bool            `json:"fromOnChain,omitempty"`
	SchemaHash  string          `json:"schemaHash,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	// TokenIDs lists the members of a token-list set when known.
	TokenIDs         []string `json:"tokenIds,omitempty"`
	ValidateBidValue bool     `json:"validateBidValue,omitempty"`
}

// Trigger is the chain position of the event that produced an item.
type Trigger struct {
	TxHash      string `json:"txHash"`
	TxTimestamp int64  `json:"txTimestamp"`
	Block       int64  `json:"block"`
	BlockHash   string `json:"blockHash"`
	LogIndex    int    `json:"logIndex"`
	// ForceRecheck replaces the timestamp gate with "not updated within the
	// recheck window".
	ForceRecheck bool `json:"forceRecheck,omitempty"`
	// Rollback reprices orders whose lower bound a reorg just rewound. The
	// staleness gate is bypassed and the lower bound stays rewound.
	Rollback bool `json:"rollback,omitempty"`
}

// TokenSetSpec describes the token set a candidate trades against.
type TokenSetSpec struct {
	Kind       model.TokenSetKind
	Contract   string
	TokenID    string
	MerkleRoot string
	TokenIDs   []string
	RangeStart string
	RangeEnd   string
	Schema     json.RawMessage
	SchemaHash string
}

// Candidate is one order a strategy derived from an item. Strategies fill
// Order with the protocol-level fields (id, side, maker, price and value in
// the order currency, built-in fee breakdown, validity, fillability); the
// shared steps resolve the rest.
type Candidate struct {
	Order    *Order
	TokenSet TokenSetSpec
	Item     Item

	// SaltHash is the domain hash embedded in the order salt, if any.
	SaltHash string
	// DefaultSource attributes orders nothing else attributes.
	DefaultSource string

	// Status, when set by the strategy, ends normalization immediately.
	Status Status
	Delay  time.Duration

	// Extra carries strategy state from Canonicalize to Validate.
	Extra any

	// AlwaysNotify publishes new-order updates even for orders that are not
	// currently actionable.
	AlwaysNotify bool
}

// Order aliases the canonical row so strategies only import this package.
type Order = model.Order
