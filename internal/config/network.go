package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkSettings are the per-chain constants the pipeline needs: special
// addresses, currencies, and the protocol contracts it listens to.
type NetworkSettings struct {
	ChainID               int64    `yaml:"chain_id"`
	NativeCurrency        string   `yaml:"native_currency"`
	WrappedNativeCurrency string   `yaml:"wrapped_native_currency"`
	MintAddresses         []string `yaml:"mint_addresses"`
	BurnAddresses         []string `yaml:"burn_addresses"`
	RouterAddresses       []string `yaml:"router_addresses"`

	SupportedBidCurrencies   []string `yaml:"supported_bid_currencies"`
	MarketplaceFeeRecipients []string `yaml:"marketplace_fee_recipients"`
	// ThirdPartyFeeRecipients belong to external marketplaces. Self-issued
	// orders paying one of them are not attributed to the supplied source.
	ThirdPartyFeeRecipients []string            `yaml:"third_party_fee_recipients"`
	TrustedSources          []string            `yaml:"trusted_sources"`
	PoolZones               []string            `yaml:"pool_zones"`
	FilteredOperators       map[string][]string `yaml:"filtered_operators"`

	Seaport  SeaportSettings  `yaml:"seaport"`
	Sudoswap SudoswapSettings `yaml:"sudoswap"`

	mint, burn, router, bidCurrencies, marketplaceFees, thirdPartyFees, trusted, poolZones map[string]bool
}

type SeaportSettings struct {
	Exchange string `yaml:"exchange"`
	// OpenConduits maps conduit keys to conduit addresses.
	OpenConduits        map[string]string `yaml:"open_conduits"`
	AllowedZones        []string          `yaml:"allowed_zones"`
	ProtectedOffersZone string            `yaml:"protected_offers_zone"`

	allowedZones map[string]bool
}

type SudoswapSettings struct {
	Factory      string `yaml:"factory"`
	FeeRecipient string `yaml:"fee_recipient"`
	FeeBps       int    `yaml:"fee_bps"`
	Source       string `yaml:"source"`
}

const zeroAddress = "0x0000000000000000000000000000000000000000"

// DefaultNetworkSettings are the Ethereum mainnet settings.
func DefaultNetworkSettings() *NetworkSettings {
	s := &NetworkSettings{
		ChainID:               1,
		NativeCurrency:        zeroAddress,
		WrappedNativeCurrency: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
		MintAddresses:         []string{zeroAddress},
		BurnAddresses:         []string{zeroAddress, "0x000000000000000000000000000000000000dead"},
		RouterAddresses:       []string{"0x00000000005228b791a99a61f36a130d50600106"},
		SupportedBidCurrencies: []string{
			"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
			"0x0000000000a39bb272e79075ade125fd351887ac",
		},
		MarketplaceFeeRecipients: []string{"0x0000a26b00c1f0df003000390027140000faa719"},
		ThirdPartyFeeRecipients:  []string{"0x0000a26b00c1f0df003000390027140000faa719"},
		TrustedSources:           []string{"opensea.io"},
		Seaport: SeaportSettings{
			Exchange: "0x00000000000000adc04c56bf30ac9d3c0aaf14dc",
			OpenConduits: map[string]string{
				"0x0000007b02230091a7ed01230072f7006a004d60a8d4e71d599b8104250f0000": "0x1e0049783f008a0085193e00003d00cd54003c71",
				"0x0000000000000000000000000000000000000000000000000000000000000000": "0x00000000000000adc04c56bf30ac9d3c0aaf14dc",
			},
			AllowedZones: []string{zeroAddress},
		},
		Sudoswap: SudoswapSettings{
			Factory:      "0xa020d57ab0448ef74115c112d18a9c231cc86000",
			FeeRecipient: "0xa020d57ab0448ef74115c112d18a9c231cc86000",
			FeeBps:       50,
			Source:       "sudoswap.xyz",
		},
	}
	s.index()
	return s
}

// LoadNetworkSettings reads a YAML settings file. An empty path yields the
// defaults.
func LoadNetworkSettings(path string) (*NetworkSettings, error) {
	if path == "" {
		return DefaultNetworkSettings(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network settings %s: %w", path, err)
	}
	s := DefaultNetworkSettings()
	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("parse network settings %s: %w", path, err)
	}
	if s.ChainID <= 0 {
		return nil, fmt.Errorf("network settings %s: chain_id must be > 0", path)
	}
	s.index()
	return s, nil
}

func (s *NetworkSettings) index() {
	s.NativeCurrency = lower(s.NativeCurrency)
	s.WrappedNativeCurrency = lower(s.WrappedNativeCurrency)
	s.mint = toSet(s.MintAddresses)
	s.burn = toSet(s.BurnAddresses)
	s.router = toSet(s.RouterAddresses)
	s.bidCurrencies = toSet(s.SupportedBidCurrencies)
	s.marketplaceFees = toSet(s.MarketplaceFeeRecipients)
	s.thirdPartyFees = toSet(s.ThirdPartyFeeRecipients)
	s.trusted = toSet(s.TrustedSources)
	s.poolZones = toSet(s.PoolZones)
	s.Seaport.Exchange = lower(s.Seaport.Exchange)
	s.Seaport.ProtectedOffersZone = lower(s.Seaport.ProtectedOffersZone)
	s.Seaport.allowedZones = toSet(s.Seaport.AllowedZones)
	conduits := make(map[string]string, len(s.Seaport.OpenConduits))
	for k, v := range s.Seaport.OpenConduits {
		conduits[lower(k)] = lower(v)
	}
	s.Seaport.OpenConduits = conduits
	filtered := make(map[string][]string, len(s.FilteredOperators))
	for contract, ops := range s.FilteredOperators {
		for _, op := range ops {
			filtered[lower(contract)] = append(filtered[lower(contract)], lower(op))
		}
	}
	s.FilteredOperators = filtered
	s.Sudoswap.Factory = lower(s.Sudoswap.Factory)
	s.Sudoswap.FeeRecipient = lower(s.Sudoswap.FeeRecipient)
}

func (s *NetworkSettings) IsMint(addr string) bool   { return s.mint[lower(addr)] }
func (s *NetworkSettings) IsBurn(addr string) bool   { return s.burn[lower(addr)] }
func (s *NetworkSettings) IsRouter(addr string) bool { return s.router[lower(addr)] }

func (s *NetworkSettings) IsSupportedBidCurrency(addr string) bool {
	return s.bidCurrencies[lower(addr)]
}

func (s *NetworkSettings) IsMarketplaceFeeRecipient(addr string) bool {
	return s.marketplaceFees[lower(addr)]
}

func (s *NetworkSettings) IsThirdPartyFeeRecipient(addr string) bool {
	return s.thirdPartyFees[lower(addr)]
}

func (s *NetworkSettings) IsTrustedSource(domain string) bool { return s.trusted[lower(domain)] }
func (s *NetworkSettings) IsPoolZone(addr string) bool        { return s.poolZones[lower(addr)] }

// IsNativeLike reports whether currency needs no conversion to native units.
func (s *NetworkSettings) IsNativeLike(currency string) bool {
	c := lower(currency)
	return c == s.NativeCurrency || c == s.WrappedNativeCurrency
}

// IsFilteredOperator reports whether the collection blocks the operator.
func (s *NetworkSettings) IsFilteredOperator(contract, operator string) bool {
	for _, op := range s.FilteredOperators[lower(contract)] {
		if op == lower(operator) {
			return true
		}
	}
	return false
}

func (s *SeaportSettings) IsAllowedZone(addr string) bool { return s.allowedZones[lower(addr)] }

// ConduitAddress resolves an open conduit key. ok is false for closed keys.
func (s *SeaportSettings) ConduitAddress(key string) (string, bool) {
	addr, ok := s.OpenConduits[lower(key)]
	return addr, ok
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[lower(item)] = true
	}
	return out
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
