package models

import (
	"slices"
)

// Chain is one independently addressable network. Values are immutable: a
// changed definition is a full replacement under the same ID.
type Chain struct {
	ID              string       `json:"id" yaml:"id"`
	ParentID        string       `json:"parentId,omitempty" yaml:"parentId"`
	Name            string       `json:"name" yaml:"name"`
	Icon            string       `json:"icon,omitempty" yaml:"icon"`
	Nodes           []Node       `json:"nodes" yaml:"nodes"`
	Assets          []Asset      `json:"assets" yaml:"assets"`
	Types           *TypesConfig `json:"types,omitempty" yaml:"types"`
	ExternalAPI     *ExternalAPI `json:"externalApi,omitempty" yaml:"externalApi"`
	AddressPrefix   int          `json:"addressPrefix" yaml:"addressPrefix"`
	IsEthereumBased bool         `json:"isEthereumBased" yaml:"isEthereumBased"`
	IsTestNet       bool         `json:"isTestNet" yaml:"isTestNet"`
	HasCrowdloans   bool         `json:"hasCrowdloans" yaml:"hasCrowdloans"`
}

// Node is a candidate endpoint of a chain.
type Node struct {
	URL       string `json:"url" yaml:"url" db:"url"`
	Name      string `json:"name" yaml:"name" db:"name"`
	IsActive  bool   `json:"isActive" yaml:"isActive" db:"is_active"`
	IsDefault bool   `json:"isDefault" yaml:"isDefault" db:"is_default"`
}

// NodeID addresses a node by its chain and url.
type NodeID struct {
	ChainID string `json:"chainId"`
	URL     string `json:"url"`
}

type StakingType string

const (
	StakingRelaychain  StakingType = "RELAYCHAIN"
	StakingUnsupported StakingType = "UNSUPPORTED"
)

// DefaultPrecision is used for assets whose remote definition omits it.
const DefaultPrecision = 10

type Asset struct {
	ID                 string      `json:"id" yaml:"id"`
	ChainID            string      `json:"chainId" yaml:"chainId"`
	Symbol             string      `json:"symbol" yaml:"symbol"`
	Name               string      `json:"name" yaml:"name"`
	IconURL            string      `json:"iconUrl,omitempty" yaml:"iconUrl"`
	Precision          int         `json:"precision" yaml:"precision"`
	PriceID            string      `json:"priceId,omitempty" yaml:"priceId"`
	Staking            StakingType `json:"staking" yaml:"staking"`
	PriceProviders     []string    `json:"priceProviders,omitempty" yaml:"priceProviders"`
	ExistentialDeposit Uint256     `json:"existentialDeposit" yaml:"existentialDeposit"`
}

// TypesConfig points at the chain's own type definitions.
type TypesConfig struct {
	URL             string `json:"url" yaml:"url"`
	OverridesCommon bool   `json:"overridesCommon" yaml:"overridesCommon"`
}

type SectionType string

const (
	SectionSubquery SectionType = "SUBQUERY"
	SectionGithub   SectionType = "GITHUB"
	SectionUnknown  SectionType = "UNKNOWN"
)

type Section struct {
	Type SectionType `json:"type" yaml:"type"`
	URL  string      `json:"url" yaml:"url"`
}

type ExternalAPI struct {
	History    *Section `json:"history,omitempty" yaml:"history"`
	Staking    *Section `json:"staking,omitempty" yaml:"staking"`
	Crowdloans *Section `json:"crowdloans,omitempty" yaml:"crowdloans"`
}

// RuntimeInfo is the locally known schema version pair of a chain.
// SyncedVersion stays nil until the metadata of some version is cached.
type RuntimeInfo struct {
	ChainID       string `db:"chain_id" json:"chainId"`
	SyncedVersion *int   `db:"synced_version" json:"syncedVersion"`
	RemoteVersion int    `db:"remote_version" json:"remoteVersion"`
}

// InSync reports whether the cached metadata matches the remote version.
func (r *RuntimeInfo) InSync() bool {
	return r != nil && r.SyncedVersion != nil && *r.SyncedVersion == r.RemoteVersion
}

// UtilityAsset returns the chain's native asset, which by convention is
// listed first.
func (c Chain) UtilityAsset() (Asset, bool) {
	if len(c.Assets) == 0 {
		return Asset{}, false
	}
	return c.Assets[0], true
}

// AssetByID looks an asset up by id.
func (c Chain) AssetByID(id string) (Asset, bool) {
	for _, a := range c.Assets {
		if a.ID == id {
			return a, true
		}
	}
	return Asset{}, false
}

// HasNodes reports whether the chain can be connected to at all.
func (c Chain) HasNodes() bool {
	return len(c.Nodes) > 0
}

// Equal is full-value equality.
func (c Chain) Equal(o Chain) bool {
	if c.ID != o.ID ||
		c.ParentID != o.ParentID ||
		c.Name != o.Name ||
		c.Icon != o.Icon ||
		c.AddressPrefix != o.AddressPrefix ||
		c.IsEthereumBased != o.IsEthereumBased ||
		c.IsTestNet != o.IsTestNet ||
		c.HasCrowdloans != o.HasCrowdloans {
		return false
	}
	if !slices.Equal(c.Nodes, o.Nodes) {
		return false
	}
	if !slices.EqualFunc(c.Assets, o.Assets, Asset.Equal) {
		return false
	}
	if !equalPtr(c.Types, o.Types) {
		return false
	}
	return c.ExternalAPI.Equal(o.ExternalAPI)
}

func (a Asset) Equal(o Asset) bool {
	return a.ID == o.ID &&
		a.ChainID == o.ChainID &&
		a.Symbol == o.Symbol &&
		a.Name == o.Name &&
		a.IconURL == o.IconURL &&
		a.Precision == o.Precision &&
		a.PriceID == o.PriceID &&
		a.Staking == o.Staking &&
		slices.Equal(a.PriceProviders, o.PriceProviders) &&
		a.ExistentialDeposit.Equal(o.ExistentialDeposit)
}

func (e *ExternalAPI) Equal(o *ExternalAPI) bool {
	if e == nil || o == nil {
		return e == o
	}
	return equalPtr(e.History, o.History) &&
		equalPtr(e.Staking, o.Staking) &&
		equalPtr(e.Crowdloans, o.Crowdloans)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
