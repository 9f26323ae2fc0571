package model

import "strings"

type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainPolygon  Chain = "polygon"
	ChainBase     Chain = "base"
	ChainArbitrum Chain = "arbitrum"
)

func (c Chain) String() string {
	return string(c)
}

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkSepolia Network = "sepolia"
	NetworkAmoy    Network = "amoy"
)

func (n Network) String() string {
	return string(n)
}

// AddressZero is the lowercase zero address used as the null sender/recipient.
const AddressZero = "0x0000000000000000000000000000000000000000"

// NormalizeAddress lowercases and trims a hex address so it can be used as a
// map key or compared against stored values.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
