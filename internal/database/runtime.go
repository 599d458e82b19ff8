package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chain-registry-go/internal/keylock"
	"chain-registry-go/internal/models"
)

// RuntimeInfo returns nil when nothing is known about the chain's runtime.
func (s *ChainStore) RuntimeInfo(ctx context.Context, chainID string) (*models.RuntimeInfo, error) {
	var info models.RuntimeInfo
	err := s.db.GetContext(ctx, &info,
		"SELECT chain_id, synced_version, remote_version FROM chain_runtimes WHERE chain_id = $1", chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Types returns the chain's own type definitions, ErrNotFound when they
// were never downloaded.
func (s *ChainStore) Types(ctx context.Context, chainID string) ([]byte, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, "SELECT types FROM chain_runtimes WHERE chain_id = $1", chainID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && raw == nil) {
		return nil, fmt.Errorf("types of %s: %w", chainID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// SaveTypes stores raw unless identical bytes are already stored. It
// reports whether a write happened.
func (s *ChainStore) SaveTypes(ctx context.Context, chainID string, raw []byte) (bool, error) {
	return keylock.Upsert(s.locks, "types:"+chainID,
		func() ([]byte, bool, error) {
			stored, err := s.Types(ctx, chainID)
			if errors.Is(err, ErrNotFound) {
				return nil, false, nil
			}
			return stored, err == nil, err
		},
		func(stored []byte) bool { return bytes.Equal(stored, raw) },
		func() error {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO chain_runtimes (chain_id, types) VALUES ($1, $2)
				ON CONFLICT (chain_id) DO UPDATE SET types = EXCLUDED.types, updated_at = NOW()`,
				chainID, raw)
			return err
		},
	)
}

func (s *ChainStore) UpdateRemoteRuntimeVersion(ctx context.Context, chainID string, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_runtimes (chain_id, remote_version) VALUES ($1, $2)
		ON CONFLICT (chain_id) DO UPDATE SET remote_version = EXCLUDED.remote_version, updated_at = NOW()`,
		chainID, version)
	return err
}

func (s *ChainStore) UpdateSyncedRuntimeVersion(ctx context.Context, chainID string, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_runtimes (chain_id, synced_version, remote_version) VALUES ($1, $2, $2)
		ON CONFLICT (chain_id) DO UPDATE SET synced_version = EXCLUDED.synced_version, updated_at = NOW()`,
		chainID, version)
	return err
}
