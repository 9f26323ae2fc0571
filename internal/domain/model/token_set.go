package model

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type TokenSetKind string

const (
	TokenSetSingleToken  TokenSetKind = "single-token"
	TokenSetContractWide TokenSetKind = "contract-wide"
	TokenSetTokenList    TokenSetKind = "token-list"
	TokenSetTokenRange   TokenSetKind = "token-range"
)

// TokenSet is a named, schema-hashed collection of tokens an order is valid
// against. It is created on first reference and never mutated.
type TokenSet struct {
	ID         string       `db:"id"`
	SchemaHash string       `db:"schema_hash"`
	Kind       TokenSetKind `db:"kind"`
	Contract   string       `db:"contract"`
	TokenIDs   []string     `db:"-"`
	MerkleRoot string       `db:"merkle_root"`
	RangeStart string       `db:"range_start"`
	RangeEnd   string       `db:"range_end"`
	Schema     []byte       `db:"schema"`
}

// Source is a marketplace or front-end an order is attributed to.
type Source struct {
	ID         int    `db:"id"`
	Domain     string `db:"domain"`
	DomainHash string `db:"domain_hash"`
	Name       string `db:"name"`
}

// Currency describes a settlement token.
type Currency struct {
	Address           string `db:"address"`
	Symbol            string `db:"symbol"`
	Decimals          int    `db:"decimals"`
	ERC20Incompatible bool   `db:"erc20_incompatible"`
}

func SingleTokenSetID(contract, tokenID string) string {
	return "token:" + contract + ":" + tokenID
}

func ContractWideSetID(contract string) string {
	return "contract:" + contract
}

func TokenListSetID(contract, merkleRoot string) string {
	return "list:" + contract + ":" + merkleRoot
}

func TokenRangeSetID(contract, start, end string) string {
	return "range:" + contract + ":" + start + ":" + end
}

// TokenSetContract extracts the contract from any token set id.
func TokenSetContract(id string) string {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// DomainHash is the first 4 bytes of keccak256(domain), hex encoded. Orders
// embed it in the top bytes of their salt.
func DomainHash(domain string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(domain))[:4])
}
