package model

import "encoding/json"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type FillabilityStatus string

const (
	FillabilityFillable  FillabilityStatus = "fillable"
	FillabilityNoBalance FillabilityStatus = "no-balance"
	FillabilityCancelled FillabilityStatus = "cancelled"
	FillabilityFilled    FillabilityStatus = "filled"
	FillabilityExpired   FillabilityStatus = "expired"
)

type ApprovalStatus string

const (
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalNoApproval ApprovalStatus = "no-approval"
)

type FeeKind string

const (
	FeeKindMarketplace FeeKind = "marketplace"
	FeeKindRoyalty     FeeKind = "royalty"
)

type FeeBreakdown struct {
	Kind      FeeKind `json:"kind"`
	Recipient string  `json:"recipient"`
	Bps       int     `json:"bps"`
}

type MissingRoyalty struct {
	Bps       int    `json:"bps"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

type Royalty struct {
	Recipient string `json:"recipient"`
	Bps       int    `json:"bps"`
}

// ValidToInfinity marks an order without an expiration.
const ValidToInfinity int64 = 0

// Order is the canonical order row. ID is a deterministic hash over the
// order's immutable fields. ValidFrom never decreases across updates.
type Order struct {
	ID                      string            `db:"id"`
	Kind                    string            `db:"kind"`
	Side                    Side              `db:"side"`
	FillabilityStatus       FillabilityStatus `db:"fillability_status"`
	ApprovalStatus          ApprovalStatus    `db:"approval_status"`
	TokenSetID              string            `db:"token_set_id"`
	TokenSetSchemaHash      string            `db:"token_set_schema_hash"`
	Maker                   string            `db:"maker"`
	Taker                   string            `db:"taker"`
	Contract                string            `db:"contract"`
	Price                   string            `db:"price"`
	Value                   string            `db:"value"`
	Currency                string            `db:"currency"`
	CurrencyPrice           string            `db:"currency_price"`
	CurrencyValue           string            `db:"currency_value"`
	NeedsConversion         bool              `db:"needs_conversion"`
	QuantityRemaining       string            `db:"quantity_remaining"`
	ValidFrom               int64             `db:"valid_from"`
	ValidTo                 int64             `db:"valid_to"`
	Nonce                   string            `db:"nonce"`
	SourceID                *int              `db:"source_id_int"`
	Conduit                 string            `db:"conduit"`
	FeeBps                  int               `db:"fee_bps"`
	FeeBreakdown            []FeeBreakdown    `db:"fee_breakdown"`
	MissingRoyalties        []MissingRoyalty  `db:"missing_royalties"`
	NormalizedValue         string            `db:"normalized_value"`
	CurrencyNormalizedValue string            `db:"currency_normalized_value"`
	IsPartial               bool              `db:"is_partial"`
	RawData                 json.RawMessage   `db:"raw_data"`
	BlockNumber             *int64            `db:"block_number"`
	LogIndex                *int              `db:"log_index"`
	BlockHash               string            `db:"block_hash"`
	OriginBlockHash         string            `db:"origin_block_hash"`
}

// Actionable reports whether the order can currently be filled by anyone.
func (o *Order) Actionable() bool {
	return o.FillabilityStatus == FillabilityFillable &&
		o.ApprovalStatus == ApprovalApproved &&
		(o.Taker == "" || o.Taker == AddressZero)
}
