// Package chainsync pulls the published chain list and reconciles the local
// configuration store with it.
package chainsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"chain-registry-go/internal/chaindiff"
	"chain-registry-go/internal/models"
	"chain-registry-go/internal/remote"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyChainList = errors.New("remote chain list is empty")
	ErrDuplicateChain = errors.New("duplicate chain id")
)

// Store is the part of the configuration store the syncer writes to.
type Store interface {
	AllChains(ctx context.Context) ([]models.Chain, error)
	ApplyChains(ctx context.Context, upserts []models.Chain, removed []string) error
}

type Options struct {
	ChainsURL string
	// AssetsURL is optional; without it chain assets carry ids only.
	AssetsURL string
	// SeedFile is a YAML chain list used when the remote list cannot be fetched.
	SeedFile string
}

type Service struct {
	store   Store
	fetcher remote.Fetcher
	opts    Options
}

func NewService(store Store, fetcher remote.Fetcher, opts Options) *Service {
	return &Service{store: store, fetcher: fetcher, opts: opts}
}

// SyncUp fetches the remote chain list and writes the differences to the
// store. Chains absent from the remote list are removed; local-only node
// settings of the remaining chains are kept.
func (s *Service) SyncUp(ctx context.Context) error {
	next, err := s.fetchRemote(ctx)
	if err != nil {
		if s.opts.SeedFile == "" {
			return err
		}
		slog.Warn("chain_list_seed_fallback",
			slog.String("error", err.Error()),
			slog.String("seed_file", s.opts.SeedFile),
		)
		if next, err = LoadSeed(s.opts.SeedFile); err != nil {
			return err
		}
	}
	if err := validate(next); err != nil {
		return err
	}

	stored, err := s.store.AllChains(ctx)
	if err != nil {
		return fmt.Errorf("load stored chains: %w", err)
	}
	previous := make([]models.Chain, 0, len(stored))
	for _, c := range stored {
		previous = append(previous, normalizeStored(c))
	}

	diff := chaindiff.Diff(previous, next)
	if diff.Empty() {
		slog.Debug("chain_list_unchanged", slog.Int("chains", len(next)))
		return nil
	}

	removed := make([]string, 0, len(diff.Removed))
	for _, c := range diff.Removed {
		removed = append(removed, c.ID)
	}
	if err := s.store.ApplyChains(ctx, diff.AddedOrModified, removed); err != nil {
		return fmt.Errorf("apply chain list: %w", err)
	}

	slog.Info("chain_list_synced",
		slog.Int("removed", len(removed)),
		slog.Int("added_or_modified", len(diff.AddedOrModified)),
		slog.Int("total", len(next)),
	)
	return nil
}

func (s *Service) fetchRemote(ctx context.Context) ([]models.Chain, error) {
	if s.opts.ChainsURL == "" {
		return nil, errors.New("chains url not configured")
	}
	raw, err := s.fetcher.Fetch(ctx, "chains", s.opts.ChainsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch chains: %w", err)
	}
	var chains []chainRemote
	if err := json.Unmarshal(raw, &chains); err != nil {
		return nil, fmt.Errorf("decode chains: %w", err)
	}

	var assets []assetRemote
	if s.opts.AssetsURL != "" {
		raw, err := s.fetcher.Fetch(ctx, "assets", s.opts.AssetsURL)
		if err != nil {
			return nil, fmt.Errorf("fetch assets: %w", err)
		}
		if err := json.Unmarshal(raw, &assets); err != nil {
			return nil, fmt.Errorf("decode assets: %w", err)
		}
	}
	return mapChains(chains, assets), nil
}

// LoadSeed reads a YAML chain list. Seed nodes are treated as default nodes.
func LoadSeed(path string) ([]models.Chain, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var chains []models.Chain
	if err := yaml.Unmarshal(raw, &chains); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	for i := range chains {
		for j := range chains[i].Nodes {
			chains[i].Nodes[j].IsDefault = true
			chains[i].Nodes[j].IsActive = false
		}
		for j := range chains[i].Assets {
			if chains[i].Assets[j].Precision == 0 {
				chains[i].Assets[j].Precision = models.DefaultPrecision
			}
			if chains[i].Assets[j].Staking == "" {
				chains[i].Assets[j].Staking = models.StakingUnsupported
			}
		}
	}
	return chains, nil
}

// 空列表会清空整个库，宁可拒绝
func validate(chains []models.Chain) error {
	if len(chains) == 0 {
		return ErrEmptyChainList
	}
	seen := make(map[string]struct{}, len(chains))
	for _, c := range chains {
		if c.ID == "" {
			return errors.New("chain without id")
		}
		if _, ok := seen[c.ID]; ok {
			return fmt.Errorf("%s: %w", c.ID, ErrDuplicateChain)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}
