package models

type NetworkIssueType string

const (
	NetworkIssueNode    NetworkIssueType = "node"
	NetworkIssueNetwork NetworkIssueType = "network"
)

// SyncIssue describes a chain that failed to come up, in the shape the UI
// renders it.
type SyncIssue struct {
	ChainID   string           `json:"chainId"`
	ChainName string           `json:"chainName"`
	Title     string           `json:"title"`
	Icon      string           `json:"icon,omitempty"`
	Type      NetworkIssueType `json:"type"`
	AssetID   string           `json:"assetId,omitempty"`
	PriceID   string           `json:"priceId,omitempty"`
}

// ToSyncIssue blames a node when the chain has alternatives to switch to,
// otherwise the whole network.
func (c Chain) ToSyncIssue() SyncIssue {
	issue := SyncIssue{
		ChainID:   c.ID,
		ChainName: c.Name,
		Title:     c.Name,
		Icon:      c.Icon,
		Type:      NetworkIssueNetwork,
	}
	if len(c.Nodes) > 1 {
		issue.Type = NetworkIssueNode
	}
	if asset, ok := c.UtilityAsset(); ok {
		issue.AssetID = asset.ID
		issue.PriceID = asset.PriceID
	}
	return issue
}
