package registry

import (
	"context"
	"errors"
	"fmt"

	"chain-registry-go/internal/chainruntime"
	"chain-registry-go/internal/connection"
	"chain-registry-go/internal/models"
)

var ErrInvalidNode = errors.New("node url is required")

// GetChain waits for the first published chain list.
func (r *Registry) GetChain(ctx context.Context, chainID string) (models.Chain, error) {
	idx, err := r.index(ctx)
	if err != nil {
		return models.Chain{}, err
	}
	chain, ok := idx.byID[chainID]
	if !ok {
		return models.Chain{}, fmt.Errorf("%s: %w", chainID, ErrChainNotFound)
	}
	return chain, nil
}

func (r *Registry) GetChains(ctx context.Context) ([]models.Chain, error) {
	idx, err := r.index(ctx)
	if err != nil {
		return nil, err
	}
	return idx.list, nil
}

// ObserveChains streams the current chain list and every later one.
func (r *Registry) ObserveChains(ctx context.Context) <-chan []models.Chain {
	out := make(chan []models.Chain)
	in := r.current.Subscribe(ctx)
	go func() {
		defer close(out)
		for idx := range in {
			select {
			case out <- idx.list:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// GetAsset looks the asset up in the latest list without waiting.
func (r *Registry) GetAsset(chainID, assetID string) (models.Asset, bool) {
	idx, ok := r.current.Load()
	if !ok {
		return models.Asset{}, false
	}
	chain, ok := idx.byID[chainID]
	if !ok {
		return models.Asset{}, false
	}
	return chain.AssetByID(assetID)
}

func (r *Registry) ChainWithAsset(ctx context.Context, chainID, assetID string) (models.Chain, models.Asset, error) {
	chain, err := r.GetChain(ctx, chainID)
	if err != nil {
		return models.Chain{}, models.Asset{}, err
	}
	asset, ok := chain.AssetByID(assetID)
	if !ok {
		return models.Chain{}, models.Asset{}, fmt.Errorf("%s/%s: %w", chainID, assetID, ErrAssetNotFound)
	}
	return chain, asset, nil
}

func (r *Registry) GetConnection(chainID string) (*connection.Connection, error) {
	return r.deps.Connections.GetConnection(chainID)
}

func (r *Registry) GetConnectionOrNil(chainID string) *connection.Connection {
	return r.deps.Connections.GetConnectionOrNil(chainID)
}

func (r *Registry) GetRuntimeProvider(chainID string) (*chainruntime.Provider, error) {
	return r.deps.Providers.GetRuntimeProvider(chainID)
}

func (r *Registry) GetRuntimeProviderOrNil(chainID string) *chainruntime.Provider {
	return r.deps.Providers.GetRuntimeProviderOrNil(chainID)
}

// GetRuntime waits until the chain's provider publishes a snapshot.
func (r *Registry) GetRuntime(ctx context.Context, chainID string) (*chainruntime.Snapshot, error) {
	p, err := r.deps.Providers.GetRuntimeProvider(chainID)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx)
}

func (r *Registry) GetRuntimeOrNil(chainID string) *chainruntime.Snapshot {
	p := r.deps.Providers.GetRuntimeProviderOrNil(chainID)
	if p == nil {
		return nil
	}
	return p.GetOrNil()
}

// SwitchNode moves the chain's connection to id immediately and persists
// the choice.
func (r *Registry) SwitchNode(ctx context.Context, id models.NodeID) error {
	conn, err := r.deps.Connections.GetConnection(id.ChainID)
	if err != nil {
		return err
	}
	if err := conn.SwitchURL(ctx, id.URL); err != nil {
		return err
	}
	return r.deps.Store.SelectNode(ctx, id)
}

// AddNode stores a custom, inactive node. The connection picks it up on the
// next cycle.
func (r *Registry) AddNode(ctx context.Context, chainID, name, url string) error {
	if url == "" {
		return ErrInvalidNode
	}
	return r.deps.Store.InsertNode(ctx, chainID, models.Node{URL: url, Name: name})
}

func (r *Registry) DeleteNode(ctx context.Context, id models.NodeID) error {
	return r.deps.Store.DeleteNode(ctx, id)
}

func (r *Registry) GetNode(ctx context.Context, id models.NodeID) (models.Node, error) {
	return r.deps.Store.GetNode(ctx, id)
}

func (r *Registry) UpdateNode(ctx context.Context, id models.NodeID, name, url string) error {
	if url == "" {
		return ErrInvalidNode
	}
	return r.deps.Store.UpdateNode(ctx, id, name, url)
}

func (r *Registry) Nodes(ctx context.Context, chainID string) ([]models.Node, error) {
	return r.deps.Store.Nodes(ctx, chainID)
}

// GetRemoteRuntimeVersion returns the last seen remote runtime version, ok
// is false when none is known.
func (r *Registry) GetRemoteRuntimeVersion(ctx context.Context, chainID string) (int, bool, error) {
	info, err := r.deps.Store.RuntimeInfo(ctx, chainID)
	if err != nil || info == nil {
		return 0, false, err
	}
	return info.RemoteVersion, true, nil
}
