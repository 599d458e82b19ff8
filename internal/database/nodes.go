package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chain-registry-go/internal/keylock"
	"chain-registry-go/internal/models"
)

// Nodes lists a chain's nodes in priority order.
func (s *ChainStore) Nodes(ctx context.Context, chainID string) ([]models.Node, error) {
	var nodes []models.Node
	err := s.db.SelectContext(ctx, &nodes, `
		SELECT url, name, is_active, is_default FROM chain_nodes
		WHERE chain_id = $1 ORDER BY position, url`, chainID)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *ChainStore) GetNode(ctx context.Context, id models.NodeID) (models.Node, error) {
	var node models.Node
	err := s.db.GetContext(ctx, &node, `
		SELECT url, name, is_active, is_default FROM chain_nodes
		WHERE chain_id = $1 AND url = $2`, id.ChainID, id.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return node, fmt.Errorf("node %s %s: %w", id.ChainID, id.URL, ErrNotFound)
	}
	return node, err
}

// SelectNode marks id as the chain's only active node. Selecting the node
// that is already active writes nothing.
func (s *ChainStore) SelectNode(ctx context.Context, id models.NodeID) error {
	changed, err := keylock.Upsert(s.locks, "nodes:"+id.ChainID,
		func() (string, bool, error) {
			if _, err := s.GetNode(ctx, id); err != nil {
				return "", false, err
			}
			var active string
			err := s.db.GetContext(ctx, &active,
				"SELECT url FROM chain_nodes WHERE chain_id = $1 AND is_active LIMIT 1", id.ChainID)
			if errors.Is(err, sql.ErrNoRows) {
				return "", false, nil
			}
			return active, err == nil, err
		},
		func(active string) bool { return active == id.URL },
		func() error {
			_, err := s.db.ExecContext(ctx,
				"UPDATE chain_nodes SET is_active = (url = $2) WHERE chain_id = $1", id.ChainID, id.URL)
			return err
		},
	)
	if err != nil {
		return err
	}
	if changed {
		s.NotifyChanged()
	}
	return nil
}

// InsertNode adds a custom node: inactive, not default, lowest priority.
func (s *ChainStore) InsertNode(ctx context.Context, chainID string, node models.Node) error {
	unlock := s.locks.Lock("nodes:" + chainID)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_nodes (chain_id, url, name, is_active, is_default, position)
		SELECT $1, $2, $3, FALSE, FALSE, COALESCE(MAX(position), -1) + 1
		FROM chain_nodes WHERE chain_id = $1
		ON CONFLICT (chain_id, url) DO NOTHING`, chainID, node.URL, node.Name)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", chainID, node.URL, ErrNodeExists)
	}
	s.NotifyChanged()
	return nil
}

// DeleteNode removes a custom node. Default nodes come from the remote
// chain list and cannot be deleted.
func (s *ChainStore) DeleteNode(ctx context.Context, id models.NodeID) error {
	unlock := s.locks.Lock("nodes:" + id.ChainID)
	defer unlock()

	node, err := s.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if node.IsDefault {
		return fmt.Errorf("%s %s: %w", id.ChainID, id.URL, ErrDefaultNode)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM chain_nodes WHERE chain_id = $1 AND url = $2", id.ChainID, id.URL); err != nil {
		return err
	}
	s.NotifyChanged()
	return nil
}

// UpdateNode renames a node and/or changes its url. Unchanged values are
// not rewritten.
func (s *ChainStore) UpdateNode(ctx context.Context, id models.NodeID, name, url string) error {
	changed, err := keylock.Upsert(s.locks, "nodes:"+id.ChainID,
		func() (models.Node, bool, error) {
			node, err := s.GetNode(ctx, id)
			if err != nil {
				return node, false, err
			}
			return node, true, nil
		},
		func(stored models.Node) bool { return stored.Name == name && stored.URL == url },
		func() error {
			_, err := s.db.ExecContext(ctx,
				"UPDATE chain_nodes SET name = $3, url = $4 WHERE chain_id = $1 AND url = $2",
				id.ChainID, id.URL, name, url)
			return err
		},
	)
	if err != nil {
		return err
	}
	if changed {
		s.NotifyChanged()
	}
	return nil
}
