package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chain-registry-go/internal/keylock"
	"chain-registry-go/internal/models"
	"chain-registry-go/internal/pubsub"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNodeExists  = errors.New("node already exists")
	ErrDefaultNode = errors.New("default nodes cannot be removed")
)

// ChainStore persists chains, nodes, assets and runtime markers. Every
// mutation made through it re-emits on WatchChains.
type ChainStore struct {
	db    *sqlx.DB
	locks *keylock.KeyedMutex

	// 每次写入递增，WatchChains 订阅它
	version *pubsub.Replay[uint64]
	seqMu   sync.Mutex
	seq     uint64

	reloadDelay time.Duration
}

func NewChainStore(databaseURL string) (*ChainStore, error) {
	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewChainStoreFromDB(db), nil
}

// NewChainStoreFromDB wraps an open handle (tests use sqlmock).
func NewChainStoreFromDB(db *sqlx.DB) *ChainStore {
	s := &ChainStore{
		db:          db,
		locks:       keylock.New(),
		version:     pubsub.NewReplay[uint64](),
		reloadDelay: 2 * time.Second,
	}
	s.NotifyChanged()
	return s
}

func (s *ChainStore) DB() *sqlx.DB {
	return s.db
}

func (s *ChainStore) Close() error {
	s.version.Close()
	return s.db.Close()
}

// NotifyChanged makes watchers reload. Called after local writes and by
// the NOTIFY listener.
func (s *ChainStore) NotifyChanged() {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq++
	s.version.Publish(s.seq)
}

// WatchChains emits the full chain list now and after every change. Bursts
// of changes collapse into one reload. The channel closes when ctx is done.
func (s *ChainStore) WatchChains(ctx context.Context) <-chan []models.Chain {
	out := make(chan []models.Chain)
	changes := s.version.Subscribe(ctx)

	go func() {
		defer close(out)
		for range changes {
			chains, err := s.loadWithRetry(ctx)
			if err != nil {
				return
			}
			select {
			case out <- chains:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *ChainStore) loadWithRetry(ctx context.Context) ([]models.Chain, error) {
	for {
		chains, err := s.AllChains(ctx)
		if err == nil {
			return chains, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("chain_reload_failed", slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.reloadDelay):
		}
	}
}

type chainRow struct {
	ID                   string `db:"id"`
	ParentID             string `db:"parent_id"`
	Name                 string `db:"name"`
	Icon                 string `db:"icon"`
	TypesURL             string `db:"types_url"`
	TypesOverridesCommon bool   `db:"types_overrides_common"`
	ExternalAPI          []byte `db:"external_api"`
	AddressPrefix        int    `db:"address_prefix"`
	IsEthereumBased      bool   `db:"is_ethereum_based"`
	IsTestNet            bool   `db:"is_testnet"`
	HasCrowdloans        bool   `db:"has_crowdloans"`
}

type nodeRow struct {
	ChainID string `db:"chain_id"`
	models.Node
	Position int `db:"position"`
}

type assetRow struct {
	ChainID            string         `db:"chain_id"`
	ID                 string         `db:"id"`
	Symbol             string         `db:"symbol"`
	Name               string         `db:"name"`
	IconURL            string         `db:"icon_url"`
	Precision          int            `db:"precision"`
	PriceID            string         `db:"price_id"`
	Staking            string         `db:"staking"`
	PriceProviders     []byte         `db:"price_providers"`
	ExistentialDeposit models.Uint256 `db:"existential_deposit"`
	Position           int            `db:"position"`
}

const (
	selectChains = `SELECT id, parent_id, name, icon, types_url, types_overrides_common, external_api,
		address_prefix, is_ethereum_based, is_testnet, has_crowdloans FROM chains ORDER BY id`
	selectNodes = `SELECT chain_id, url, name, is_active, is_default, position
		FROM chain_nodes ORDER BY chain_id, position, url`
	selectAssets = `SELECT chain_id, id, symbol, name, icon_url, precision, price_id, staking,
		price_providers, existential_deposit, position FROM chain_assets ORDER BY chain_id, position, id`
)

// AllChains loads the joined chain + node + asset view.
func (s *ChainStore) AllChains(ctx context.Context) ([]models.Chain, error) {
	var chains []chainRow
	if err := s.db.SelectContext(ctx, &chains, selectChains); err != nil {
		return nil, fmt.Errorf("select chains: %w", err)
	}
	var nodes []nodeRow
	if err := s.db.SelectContext(ctx, &nodes, selectNodes); err != nil {
		return nil, fmt.Errorf("select nodes: %w", err)
	}
	var assets []assetRow
	if err := s.db.SelectContext(ctx, &assets, selectAssets); err != nil {
		return nil, fmt.Errorf("select assets: %w", err)
	}

	nodesByChain := make(map[string][]models.Node)
	for _, n := range nodes {
		nodesByChain[n.ChainID] = append(nodesByChain[n.ChainID], n.Node)
	}
	assetsByChain := make(map[string][]models.Asset)
	for _, a := range assets {
		asset, err := a.toModel()
		if err != nil {
			return nil, err
		}
		assetsByChain[a.ChainID] = append(assetsByChain[a.ChainID], asset)
	}

	out := make([]models.Chain, 0, len(chains))
	for _, row := range chains {
		chain, err := row.toModel()
		if err != nil {
			return nil, err
		}
		chain.Nodes = nodesByChain[row.ID]
		chain.Assets = assetsByChain[row.ID]
		out = append(out, chain)
	}
	return out, nil
}

func (r chainRow) toModel() (models.Chain, error) {
	chain := models.Chain{
		ID:              r.ID,
		ParentID:        r.ParentID,
		Name:            r.Name,
		Icon:            r.Icon,
		AddressPrefix:   r.AddressPrefix,
		IsEthereumBased: r.IsEthereumBased,
		IsTestNet:       r.IsTestNet,
		HasCrowdloans:   r.HasCrowdloans,
	}
	if r.TypesURL != "" || r.TypesOverridesCommon {
		chain.Types = &models.TypesConfig{URL: r.TypesURL, OverridesCommon: r.TypesOverridesCommon}
	}
	if len(r.ExternalAPI) > 0 {
		var api models.ExternalAPI
		if err := json.Unmarshal(r.ExternalAPI, &api); err != nil {
			return chain, fmt.Errorf("chain %s external_api: %w", r.ID, err)
		}
		chain.ExternalAPI = &api
	}
	return chain, nil
}

func (r assetRow) toModel() (models.Asset, error) {
	asset := models.Asset{
		ID:                 r.ID,
		ChainID:            r.ChainID,
		Symbol:             r.Symbol,
		Name:               r.Name,
		IconURL:            r.IconURL,
		Precision:          r.Precision,
		PriceID:            r.PriceID,
		Staking:            models.StakingType(r.Staking),
		ExistentialDeposit: r.ExistentialDeposit,
	}
	if len(r.PriceProviders) > 0 {
		if err := json.Unmarshal(r.PriceProviders, &asset.PriceProviders); err != nil {
			return asset, fmt.Errorf("asset %s/%s price_providers: %w", r.ChainID, r.ID, err)
		}
	}
	return asset, nil
}

// ApplyChains writes the remote definitions of upserts and deletes removed
// chains in one transaction. Custom nodes and the active node selection of
// existing chains survive.
func (s *ChainStore) ApplyChains(ctx context.Context, upserts []models.Chain, removed []string) error {
	if len(upserts) == 0 && len(removed) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if len(removed) > 0 {
		query, args, err := sqlx.In("DELETE FROM chains WHERE id IN (?)", removed)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("delete chains: %w", err)
		}
	}

	for _, chain := range upserts {
		if err := upsertChain(ctx, tx, chain); err != nil {
			return fmt.Errorf("upsert chain %s: %w", chain.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.NotifyChanged()
	return nil
}

func upsertChain(ctx context.Context, tx *sqlx.Tx, chain models.Chain) error {
	row := chainRow{
		ID:              chain.ID,
		ParentID:        chain.ParentID,
		Name:            chain.Name,
		Icon:            chain.Icon,
		AddressPrefix:   chain.AddressPrefix,
		IsEthereumBased: chain.IsEthereumBased,
		IsTestNet:       chain.IsTestNet,
		HasCrowdloans:   chain.HasCrowdloans,
	}
	if chain.Types != nil {
		row.TypesURL = chain.Types.URL
		row.TypesOverridesCommon = chain.Types.OverridesCommon
	}
	if chain.ExternalAPI != nil {
		raw, err := json.Marshal(chain.ExternalAPI)
		if err != nil {
			return err
		}
		row.ExternalAPI = raw
	}

	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO chains (id, parent_id, name, icon, types_url, types_overrides_common, external_api,
			address_prefix, is_ethereum_based, is_testnet, has_crowdloans)
		VALUES (:id, :parent_id, :name, :icon, :types_url, :types_overrides_common, :external_api,
			:address_prefix, :is_ethereum_based, :is_testnet, :has_crowdloans)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			name = EXCLUDED.name,
			icon = EXCLUDED.icon,
			types_url = EXCLUDED.types_url,
			types_overrides_common = EXCLUDED.types_overrides_common,
			external_api = EXCLUDED.external_api,
			address_prefix = EXCLUDED.address_prefix,
			is_ethereum_based = EXCLUDED.is_ethereum_based,
			is_testnet = EXCLUDED.is_testnet,
			has_crowdloans = EXCLUDED.has_crowdloans,
			updated_at = NOW()
	`, row)
	if err != nil {
		return err
	}

	// 默认节点以远端为准；自定义节点和 is_active 保留
	urls := make([]string, 0, len(chain.Nodes))
	for _, n := range chain.Nodes {
		urls = append(urls, n.URL)
	}
	if len(urls) > 0 {
		query, args, err := sqlx.In(
			"DELETE FROM chain_nodes WHERE chain_id = ? AND is_default AND url NOT IN (?)", chain.ID, urls)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chain_nodes WHERE chain_id = $1 AND is_default", chain.ID); err != nil {
			return err
		}
	}
	for i, n := range chain.Nodes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chain_nodes (chain_id, url, name, is_active, is_default, position)
			VALUES ($1, $2, $3, FALSE, TRUE, $4)
			ON CONFLICT (chain_id, url) DO UPDATE SET
				name = EXCLUDED.name,
				is_default = TRUE,
				position = EXCLUDED.position
		`, chain.ID, n.URL, n.Name, i)
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM chain_assets WHERE chain_id = $1", chain.ID); err != nil {
		return err
	}
	for i, a := range chain.Assets {
		var providers []byte
		if len(a.PriceProviders) > 0 {
			providers, _ = json.Marshal(a.PriceProviders)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chain_assets (chain_id, id, symbol, name, icon_url, precision, price_id, staking,
				price_providers, existential_deposit, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, chain.ID, a.ID, a.Symbol, a.Name, a.IconURL, a.Precision, a.PriceID, string(a.Staking),
			providers, a.ExistentialDeposit, i)
		if err != nil {
			return err
		}
	}
	return nil
}
