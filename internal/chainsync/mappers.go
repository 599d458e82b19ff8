package chainsync

import (
	"slices"

	"chain-registry-go/internal/models"
)

const (
	optionEthereum   = "ethereumBased"
	optionCrowdloans = "crowdloans"
	optionTestnet    = "testnet"
)

type chainRemote struct {
	ChainID       string             `json:"chainId"`
	ParentID      string             `json:"parentId"`
	Name          string             `json:"name"`
	Icon          string             `json:"icon"`
	Nodes         []nodeRemote       `json:"nodes"`
	Assets        []chainAssetRemote `json:"assets"`
	Types         *typesRemote       `json:"types"`
	ExternalAPI   *externalAPIRemote `json:"externalApi"`
	AddressPrefix int                `json:"addressPrefix"`
	Options       []string           `json:"options"`
}

type nodeRemote struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type chainAssetRemote struct {
	AssetID           string   `json:"assetId"`
	Staking           string   `json:"staking"`
	PurchaseProviders []string `json:"purchaseProviders"`
}

type typesRemote struct {
	URL             string `json:"url"`
	OverridesCommon bool   `json:"overridesCommon"`
}

type sectionRemote struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type externalAPIRemote struct {
	History    *sectionRemote `json:"history"`
	Staking    *sectionRemote `json:"staking"`
	Crowdloans *sectionRemote `json:"crowdloans"`
}

type assetRemote struct {
	ID                 string         `json:"id"`
	ChainID            string         `json:"chainId"`
	Icon               string         `json:"icon"`
	Symbol             string         `json:"symbol"`
	Precision          *int           `json:"precision"`
	PriceID            string         `json:"priceId"`
	ExistentialDeposit models.Uint256 `json:"existentialDeposit"`
}

func mapSectionType(t string) models.SectionType {
	switch t {
	case "subquery":
		return models.SectionSubquery
	case "github":
		return models.SectionGithub
	default:
		return models.SectionUnknown
	}
}

func mapSection(s *sectionRemote) *models.Section {
	if s == nil {
		return nil
	}
	return &models.Section{Type: mapSectionType(s.Type), URL: s.URL}
}

func mapStaking(s string) models.StakingType {
	if s == "relaychain" {
		return models.StakingRelaychain
	}
	return models.StakingUnsupported
}

// mapChains joins the remote chain list with the asset list. Assets are
// referenced from chains by id; an id missing from the asset list still
// yields an asset with empty details.
func mapChains(chains []chainRemote, assets []assetRemote) []models.Chain {
	assetsByID := make(map[string]assetRemote, len(assets))
	for _, a := range assets {
		if a.ID != "" {
			assetsByID[a.ID] = a
		}
	}

	out := make([]models.Chain, 0, len(chains))
	for _, c := range chains {
		chain := models.Chain{
			ID:              c.ChainID,
			ParentID:        c.ParentID,
			Name:            c.Name,
			Icon:            c.Icon,
			AddressPrefix:   c.AddressPrefix,
			IsEthereumBased: slices.Contains(c.Options, optionEthereum),
			IsTestNet:       slices.Contains(c.Options, optionTestnet),
			HasCrowdloans:   slices.Contains(c.Options, optionCrowdloans),
		}
		for _, n := range c.Nodes {
			chain.Nodes = append(chain.Nodes, models.Node{URL: n.URL, Name: n.Name, IsDefault: true})
		}
		for _, ca := range c.Assets {
			if ca.AssetID == "" {
				continue
			}
			remote := assetsByID[ca.AssetID]
			asset := models.Asset{
				ID:                 ca.AssetID,
				ChainID:            remote.ChainID,
				Symbol:             remote.Symbol,
				Name:               c.Name,
				IconURL:            remote.Icon,
				Precision:          models.DefaultPrecision,
				PriceID:            remote.PriceID,
				Staking:            mapStaking(ca.Staking),
				PriceProviders:     ca.PurchaseProviders,
				ExistentialDeposit: remote.ExistentialDeposit,
			}
			if remote.Precision != nil {
				asset.Precision = *remote.Precision
			}
			chain.Assets = append(chain.Assets, asset)
		}
		if c.Types != nil && (c.Types.URL != "" || c.Types.OverridesCommon) {
			chain.Types = &models.TypesConfig{URL: c.Types.URL, OverridesCommon: c.Types.OverridesCommon}
		}
		if c.ExternalAPI != nil {
			chain.ExternalAPI = &models.ExternalAPI{
				History:    mapSection(c.ExternalAPI.History),
				Staking:    mapSection(c.ExternalAPI.Staking),
				Crowdloans: mapSection(c.ExternalAPI.Crowdloans),
			}
		}
		out = append(out, chain)
	}
	return out
}

// normalizeStored strips the local-only parts of a stored chain (custom
// nodes, active selection) so it compares equal to its remote definition.
func normalizeStored(chain models.Chain) models.Chain {
	nodes := make([]models.Node, 0, len(chain.Nodes))
	for _, n := range chain.Nodes {
		if !n.IsDefault {
			continue
		}
		n.IsActive = false
		nodes = append(nodes, n)
	}
	chain.Nodes = nodes
	return chain
}
