package normalizer

import "time"

// Status is the terminal outcome of one normalization. Every candidate order
// ends with exactly one.
type Status string

const (
	StatusAlreadyExists           Status = "already-exists"
	StatusInvalidFormat           Status = "invalid-format"
	StatusUnsupportedConduit      Status = "unsupported-conduit"
	StatusZeroPrice               Status = "zero-price"
	StatusInvalidStartTime        Status = "invalid-start-time"
	StatusDelayed                 Status = "delayed"
	StatusExpired                 Status = "expired"
	StatusFiltered                Status = "filtered"
	StatusUnsupportedPaymentToken Status = "unsupported-payment-token"
	StatusNotPartiallyFillable    Status = "not-partially-fillable"
	StatusUnsupportedZone         Status = "unsupported-zone"
	StatusUnsupportedExtraData    Status = "unsupported-extra-data"
	StatusInvalid                 Status = "invalid"
	StatusInvalidSignature        Status = "invalid-signature"
	StatusNotFillable             Status = "not-fillable"
	StatusUnknownCollection       Status = "unknown-collection"
	StatusInvalidTokenSet         Status = "invalid-token-set"
	StatusFeesTooHigh             Status = "fees-too-high"
	StatusIncompatibleCurrency    Status = "incompatible-currency"
	StatusFailedToConvertPrice    Status = "failed-to-convert-price"
	StatusBidTooLow               Status = "bid-too-low"
	StatusSuccess                 Status = "success"
)

// Result is reported for every candidate order. Unfillable marks a persisted
// order that nobody can currently fill.
type Result struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Status     Status        `json:"status"`
	Unfillable bool          `json:"unfillable,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
	TxHash     string        `json:"txHash,omitempty"`
}
