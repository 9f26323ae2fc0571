package seaport

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	domainName    = "Seaport"
	domainVersion = "1.5"
)

var ErrInvalidSignature = errors.New("invalid signature")

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"OrderComponents": {
		{Name: "offerer", Type: "address"},
		{Name: "zone", Type: "address"},
		{Name: "offer", Type: "OfferItem[]"},
		{Name: "consideration", Type: "ConsiderationItem[]"},
		{Name: "orderType", Type: "uint8"},
		{Name: "startTime", Type: "uint256"},
		{Name: "endTime", Type: "uint256"},
		{Name: "zoneHash", Type: "bytes32"},
		{Name: "salt", Type: "uint256"},
		{Name: "conduitKey", Type: "bytes32"},
		{Name: "counter", Type: "uint256"},
	},
	"OfferItem": {
		{Name: "itemType", Type: "uint8"},
		{Name: "token", Type: "address"},
		{Name: "identifierOrCriteria", Type: "uint256"},
		{Name: "startAmount", Type: "uint256"},
		{Name: "endAmount", Type: "uint256"},
	},
	"ConsiderationItem": {
		{Name: "itemType", Type: "uint8"},
		{Name: "token", Type: "address"},
		{Name: "identifierOrCriteria", Type: "uint256"},
		{Name: "startAmount", Type: "uint256"},
		{Name: "endAmount", Type: "uint256"},
		{Name: "recipient", Type: "address"},
	},
}

// Domain identifies the exchange deployment orders are signed for.
type Domain struct {
	ChainID  int64
	Exchange string
}

func (d Domain) typedData(o *OrderComponents) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "OrderComponents",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(d.ChainID)),
			VerifyingContract: d.Exchange,
		},
		Message: o.message(),
	}
}

func (o *OrderComponents) message() apitypes.TypedDataMessage {
	offer := make([]interface{}, 0, len(o.Offer))
	for _, it := range o.Offer {
		offer = append(offer, map[string]interface{}{
			"itemType":             strconv.Itoa(it.ItemType),
			"token":                address(it.Token),
			"identifierOrCriteria": it.IdentifierOrCriteria.String(),
			"startAmount":          it.StartAmount.String(),
			"endAmount":            it.EndAmount.String(),
		})
	}
	consideration := make([]interface{}, 0, len(o.Consideration))
	for _, it := range o.Consideration {
		consideration = append(consideration, map[string]interface{}{
			"itemType":             strconv.Itoa(it.ItemType),
			"token":                address(it.Token),
			"identifierOrCriteria": it.IdentifierOrCriteria.String(),
			"startAmount":          it.StartAmount.String(),
			"endAmount":            it.EndAmount.String(),
			"recipient":            address(it.Recipient),
		})
	}
	return apitypes.TypedDataMessage{
		"offerer":       address(o.Offerer),
		"zone":          address(o.Zone),
		"offer":         offer,
		"consideration": consideration,
		"orderType":     strconv.Itoa(o.OrderType),
		"startTime":     o.StartTime.String(),
		"endTime":       o.EndTime.String(),
		"zoneHash":      o.ZoneHash,
		"salt":          o.Salt.String(),
		"conduitKey":    o.ConduitKey,
		"counter":       o.Counter.String(),
	}
}

// address renders an address the way the typed data encoder expects.
func address(s string) string {
	return common.HexToAddress(s).Hex()
}

// Hash returns the order hash, the EIP-712 struct hash of the components.
func (d Domain) Hash(o *OrderComponents) (common.Hash, error) {
	td := d.typedData(o)
	h, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash order: %w", err)
	}
	return common.BytesToHash(h), nil
}

// Digest is the value the offerer signs.
func (d Domain) Digest(o *OrderComponents) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(d.typedData(o))
	if err != nil {
		return common.Hash{}, fmt.Errorf("order digest: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// CheckSignature verifies that the offerer signed the order. Compact
// (EIP-2098) 64-byte signatures are accepted.
func (d Domain) CheckSignature(o *OrderComponents) error {
	sig, err := hexutil.Decode(o.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err = normalizeSignature(sig)
	if err != nil {
		return err
	}
	digest, err := d.Digest(o)
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer := crypto.PubkeyToAddress(*pub); !sameAddress(signer.Hex(), o.Offerer) {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, signer.Hex())
	}
	return nil
}

// normalizeSignature returns a 65-byte [R || S || V] signature with V in
// {0, 1}.
func normalizeSignature(sig []byte) ([]byte, error) {
	switch len(sig) {
	case 65:
		out := append([]byte(nil), sig...)
		if out[64] >= 27 {
			out[64] -= 27
		}
		if out[64] > 1 {
			return nil, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
		}
		return out, nil
	case 64:
		out := make([]byte, 65)
		copy(out, sig[:32])
		copy(out[32:64], sig[32:64])
		out[64] = sig[32] >> 7
		out[32] &= 0x7f
		return out, nil
	default:
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
}

func sameAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}
