package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// ChangeChannel is the NOTIFY channel raised on every chain, node or asset
// mutation.
const ChangeChannel = "chains_changed"

// InitSchema 确保数据库核心表结构已就绪
func InitSchema(ctx context.Context, db *sqlx.DB) error {
	slog.Info("database_schema_init")

	schema := `
	CREATE TABLE IF NOT EXISTS chains (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		icon TEXT NOT NULL DEFAULT '',
		types_url TEXT NOT NULL DEFAULT '',
		types_overrides_common BOOLEAN NOT NULL DEFAULT FALSE,
		external_api JSONB,
		address_prefix INTEGER NOT NULL DEFAULT 0,
		is_ethereum_based BOOLEAN NOT NULL DEFAULT FALSE,
		is_testnet BOOLEAN NOT NULL DEFAULT FALSE,
		has_crowdloans BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS chain_nodes (
		chain_id TEXT NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chain_id, url)
	);

	CREATE TABLE IF NOT EXISTS chain_assets (
		chain_id TEXT NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		icon_url TEXT NOT NULL DEFAULT '',
		precision INTEGER NOT NULL DEFAULT 10,
		price_id TEXT NOT NULL DEFAULT '',
		staking TEXT NOT NULL DEFAULT 'UNSUPPORTED',
		price_providers JSONB,
		existential_deposit NUMERIC NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chain_id, id)
	);

	CREATE TABLE IF NOT EXISTS chain_runtimes (
		chain_id TEXT PRIMARY KEY,
		synced_version INTEGER,
		remote_version INTEGER NOT NULL DEFAULT 0,
		types BYTEA,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE OR REPLACE FUNCTION notify_chains_changed() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('chains_changed', TG_TABLE_NAME);
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql;
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	// 触发器不支持 IF NOT EXISTS，先删后建
	for _, table := range []string{"chains", "chain_nodes", "chain_assets"} {
		stmts := []string{
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s_changed ON %s", table, table),
			fmt.Sprintf(`CREATE TRIGGER %s_changed AFTER INSERT OR UPDATE OR DELETE ON %s
				FOR EACH STATEMENT EXECUTE FUNCTION notify_chains_changed()`, table, table),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("install %s trigger: %w", table, err)
			}
		}
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_chain_nodes_active ON chain_nodes(chain_id) WHERE is_active",
		"CREATE INDEX IF NOT EXISTS idx_chain_assets_chain ON chain_assets(chain_id, position)",
	}
	for _, idx := range indices {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			slog.Warn("failed_to_create_index", "err", err)
		}
	}

	slog.Info("database_schema_ready")
	return nil
}
