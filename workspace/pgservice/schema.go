package pgservice

import (
	"context"
	"fmt"

	"github.com/xiaonanln/netfabric/util/postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workspace_docs (
		workspace   TEXT NOT NULL,
		domain      TEXT NOT NULL,
		id          TEXT NOT NULL,
		class       TEXT NOT NULL DEFAULT '',
		space       TEXT NOT NULL DEFAULT '',
		modified_on BIGINT NOT NULL DEFAULT 0,
		modified_by TEXT NOT NULL DEFAULT '',
		attributes  JSONB NOT NULL DEFAULT '{}'::jsonb,
		PRIMARY KEY (workspace, domain, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workspace_docs_class ON workspace_docs (workspace, class)`,
	`CREATE TABLE IF NOT EXISTS workspace_txes (
		workspace   TEXT NOT NULL,
		seq         BIGSERIAL,
		id          TEXT NOT NULL,
		domain      TEXT NOT NULL,
		modified_on BIGINT NOT NULL,
		body        JSONB NOT NULL,
		PRIMARY KEY (workspace, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workspace_txes_domain ON workspace_txes (workspace, domain, modified_on)`,
}

// Open connects to PostgreSQL and creates the workspace tables.
func Open(ctx context.Context, cfg *postgres.Config) (*postgres.DB, error) {
	db, err := postgres.NewDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the workspace tables if they do not exist yet.
func Migrate(ctx context.Context, db *postgres.DB) error {
	return db.Migrate(ctx, schema...)
}
