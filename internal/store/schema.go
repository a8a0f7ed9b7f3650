package store

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS apps (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		is_private INTEGER NOT NULL DEFAULT 0,
		main_filename TEXT NOT NULL DEFAULT 'main.ts',
		published_version TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS scripts (
		app_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		source TEXT NOT NULL,
		is_runnable INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (app_id, filename),
		FOREIGN KEY (app_id) REFERENCES apps(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS secrets (
		app_id TEXT NOT NULL,
		key TEXT NOT NULL,
		encrypted_value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (app_id, key),
		FOREIGN KEY (app_id) REFERENCES apps(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS connectors (
		app_id TEXT NOT NULL,
		type TEXT NOT NULL,
		requires_user_auth INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (app_id, type),
		FOREIGN KEY (app_id) REFERENCES apps(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS connector_auths (
		app_id TEXT NOT NULL,
		connector_type TEXT NOT NULL,
		user_id TEXT NOT NULL,
		encrypted_token TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (app_id, connector_type, user_id),
		FOREIGN KEY (app_id, connector_type) REFERENCES connectors(app_id, type) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS app_storage (
		app_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (app_id, key),
		FOREIGN KEY (app_id) REFERENCES apps(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL DEFAULT '',
		deployment_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_app ON events(app_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS bundle_blobs (
		hash TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_trees (
		deployment_id TEXT PRIMARY KEY,
		manifest TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}
