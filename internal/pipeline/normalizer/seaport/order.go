// Package seaport normalizes signed Seaport v1.5 orders and applies the
// exchange's cancellation events.
package seaport

import (
	"encoding/json"
	"fmt"
	gomath "math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

// Item types.
const (
	ItemNative          = 0
	ItemERC20           = 1
	ItemERC721          = 2
	ItemERC1155         = 3
	ItemERC721Criteria  = 4
	ItemERC1155Criteria = 5
)

// Order types. Partial orders may be filled for less than their amount;
// restricted orders must be validated by their zone.
const (
	FullOpen          = 0
	PartialOpen       = 1
	FullRestricted    = 2
	PartialRestricted = 3
)

// Number is an unsigned integer that may be encoded as a JSON number, a
// decimal string or a hex string.
type Number struct {
	v *big.Int
}

func NewNumber(v int64) Number { return Number{v: big.NewInt(v)} }

func (n Number) Big() *big.Int {
	if n.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(n.v)
}

// Unix returns n as unix seconds. ok is false when n does not fit in int64,
// which Seaport uses for orders that never expire; the result is then
// clamped to math.MaxInt64.
func (n Number) Unix() (sec int64, ok bool) {
	switch {
	case n.v == nil:
		return 0, true
	case n.v.IsInt64():
		return n.v.Int64(), true
	case n.v.Sign() < 0:
		return 0, false
	}
	return gomath.MaxInt64, false
}

func (n Number) String() string { return n.Big().String() }

func (n *Number) UnmarshalJSON(raw []byte) error {
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		n.v = new(big.Int)
		return nil
	}
	v, ok := math.ParseBig256(s)
	if !ok {
		return fmt.Errorf("invalid number %q", s)
	}
	n.v = v
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

type OfferItem struct {
	ItemType             int    `json:"itemType"`
	Token                string `json:"token"`
	IdentifierOrCriteria Number `json:"identifierOrCriteria"`
	StartAmount          Number `json:"startAmount"`
	EndAmount            Number `json:"endAmount"`
}

type ConsiderationItem struct {
	ItemType             int    `json:"itemType"`
	Token                string `json:"token"`
	IdentifierOrCriteria Number `json:"identifierOrCriteria"`
	StartAmount          Number `json:"startAmount"`
	EndAmount            Number `json:"endAmount"`
	Recipient            string `json:"recipient"`
}

// OrderComponents are the signed order parameters plus the signature and
// any zone extra data.
type OrderComponents struct {
	Offerer       string              `json:"offerer"`
	Zone          string              `json:"zone"`
	Offer         []OfferItem         `json:"offer"`
	Consideration []ConsiderationItem `json:"consideration"`
	OrderType     int                 `json:"orderType"`
	StartTime     Number              `json:"startTime"`
	EndTime       Number              `json:"endTime"`
	ZoneHash      string              `json:"zoneHash"`
	Salt          Number              `json:"salt"`
	ConduitKey    string              `json:"conduitKey"`
	Counter       Number              `json:"counter"`
	Signature     string              `json:"signature,omitempty"`
	ExtraData     string              `json:"extraData,omitempty"`
}

// Decode parses and normalizes the casing of an order payload.
func Decode(raw []byte) (*OrderComponents, error) {
	var o OrderComponents
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode seaport order: %w", err)
	}
	if !common.IsHexAddress(o.Offerer) {
		return nil, fmt.Errorf("offerer %q", o.Offerer)
	}
	o.Offerer = lower(o.Offerer)
	o.Zone = lower(o.Zone)
	if o.Zone == "" {
		o.Zone = lower(common.Address{}.Hex())
	}
	o.ZoneHash = bytes32(o.ZoneHash)
	o.ConduitKey = bytes32(o.ConduitKey)
	for i := range o.Offer {
		o.Offer[i].Token = lower(o.Offer[i].Token)
	}
	for i := range o.Consideration {
		o.Consideration[i].Token = lower(o.Consideration[i].Token)
		o.Consideration[i].Recipient = lower(o.Consideration[i].Recipient)
	}
	return &o, nil
}

// HasSignature reports whether a non-zero signature is attached.
func (o *OrderComponents) HasSignature() bool {
	sig := strings.TrimPrefix(o.Signature, "0x")
	return strings.Trim(sig, "0") != ""
}

// SaltHash is the top four bytes of the salt, where marketplaces embed the
// hash of their domain.
func (o *OrderComponents) SaltHash() string {
	salt := common.BigToHash(o.Salt.Big())
	return hexutil.Encode(salt[:4])
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// bytes32 left-pads a hex value to 32 bytes; empty means zero.
func bytes32(s string) string {
	return lower(common.HexToHash(s).Hex())
}
