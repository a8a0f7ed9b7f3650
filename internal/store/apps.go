package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/zipper-works/zipper/internal/sanitize"
)

// CreateApp inserts a new app together with any scripts, secrets, and
// connectors already attached to it. A missing ID is generated; the slug
// is normalized to a hostname-safe label and must be globally unique
// among live apps.
func (s *Store) CreateApp(ctx context.Context, app *App) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	app.Slug = sanitize.SafeSlug(app.Slug)
	if app.Slug == "" {
		return fmt.Errorf("store: app slug is required")
	}
	if app.MainFilename == "" {
		app.MainFilename = "main.ts"
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO apps (id, slug, owner_id, is_private, main_filename, published_version)
			VALUES (?, ?, ?, ?, ?, ?)
		`, app.ID, app.Slug, app.OwnerID, boolToInt(app.IsPrivate), app.MainFilename, app.PublishedVersion)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return fmt.Errorf("store: app slug %q already exists: %w", app.Slug, err)
			}
			return fmt.Errorf("store: insert app: %w", err)
		}
		for i := range app.Scripts {
			app.Scripts[i].AppID = app.ID
			if err := upsertScriptTx(ctx, tx, app.Scripts[i]); err != nil {
				return err
			}
		}
		for _, sec := range app.Secrets {
			if err := setSecretTx(ctx, tx, app.ID, sec.Key, sec.EncryptedValue); err != nil {
				return err
			}
		}
		for _, c := range app.Connectors {
			if err := addConnectorTx(ctx, tx, app.ID, c.Type, c.RequiresUserAuth); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetApp loads an app by ID together with its scripts, secrets, and
// connectors, as needed by a boot.
func (s *Store) GetApp(ctx context.Context, id string) (*App, error) {
	return s.getApp(ctx, `WHERE id = ?`, id)
}

// GetAppBySlug loads an app by its slug, with scripts, secrets, and
// connectors.
func (s *Store) GetAppBySlug(ctx context.Context, slug string) (*App, error) {
	return s.getApp(ctx, `WHERE slug = ?`, slug)
}

func (s *Store) getApp(ctx context.Context, where string, arg any) (*App, error) {
	app := &App{}
	var isPrivate int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, owner_id, is_private, main_filename, published_version
		FROM apps `+where, arg,
	).Scan(&app.ID, &app.Slug, &app.OwnerID, &isPrivate, &app.MainFilename, &app.PublishedVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NotFoundError{Entity: "app", Key: fmt.Sprint(arg)}
		}
		return nil, fmt.Errorf("store: load app: %w", err)
	}
	app.IsPrivate = isPrivate != 0

	if err := s.loadScripts(ctx, app); err != nil {
		return nil, err
	}
	if err := s.loadSecrets(ctx, app); err != nil {
		return nil, err
	}
	if err := s.loadConnectors(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

func (s *Store) loadScripts(ctx context.Context, app *App) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, source, is_runnable FROM scripts
		WHERE app_id = ? ORDER BY filename
	`, app.ID)
	if err != nil {
		return fmt.Errorf("store: load scripts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sc := Script{AppID: app.ID}
		var runnable int
		if err := rows.Scan(&sc.Filename, &sc.Source, &runnable); err != nil {
			return fmt.Errorf("store: scan script: %w", err)
		}
		sc.IsRunnable = runnable != 0
		app.Scripts = append(app.Scripts, sc)
	}
	return rows.Err()
}

func (s *Store) loadSecrets(ctx context.Context, app *App) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, encrypted_value FROM secrets WHERE app_id = ? ORDER BY key
	`, app.ID)
	if err != nil {
		return fmt.Errorf("store: load secrets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sec := Secret{AppID: app.ID}
		if err := rows.Scan(&sec.Key, &sec.EncryptedValue); err != nil {
			return fmt.Errorf("store: scan secret: %w", err)
		}
		app.Secrets = append(app.Secrets, sec)
	}
	return rows.Err()
}

func (s *Store) loadConnectors(ctx context.Context, app *App) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, requires_user_auth FROM connectors WHERE app_id = ? ORDER BY type
	`, app.ID)
	if err != nil {
		return fmt.Errorf("store: load connectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c := Connector{AppID: app.ID}
		var requires int
		if err := rows.Scan(&c.Type, &requires); err != nil {
			return fmt.Errorf("store: scan connector: %w", err)
		}
		c.RequiresUserAuth = requires != 0
		app.Connectors = append(app.Connectors, c)
	}
	return rows.Err()
}

// UpsertScript creates or replaces one script of an app.
func (s *Store) UpsertScript(ctx context.Context, sc Script) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertScriptTx(ctx, tx, sc)
	})
}

func upsertScriptTx(ctx context.Context, tx *sql.Tx, sc Script) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO scripts (app_id, filename, source, is_runnable, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(app_id, filename) DO UPDATE SET
			source = excluded.source,
			is_runnable = excluded.is_runnable,
			updated_at = CURRENT_TIMESTAMP
	`, sc.AppID, sc.Filename, sc.Source, boolToInt(sc.IsRunnable))
	if err != nil {
		return fmt.Errorf("store: upsert script %q: %w", sc.Filename, err)
	}
	return nil
}

// SetSecret stores an already-encrypted secret value for an app.
func (s *Store) SetSecret(ctx context.Context, appID, key, encryptedValue string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return setSecretTx(ctx, tx, appID, key, encryptedValue)
	})
}

func setSecretTx(ctx context.Context, tx *sql.Tx, appID, key, encryptedValue string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO secrets (app_id, key, encrypted_value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(app_id, key) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			updated_at = CURRENT_TIMESTAMP
	`, appID, key, encryptedValue)
	if err != nil {
		return fmt.Errorf("store: set secret %q: %w", key, err)
	}
	return nil
}

// DeleteSecret removes a secret from an app.
func (s *Store) DeleteSecret(ctx context.Context, appID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE app_id = ? AND key = ?`, appID, key)
	if err != nil {
		return fmt.Errorf("store: delete secret %q: %w", key, err)
	}
	return nil
}

// AddConnector declares a connector on an app.
func (s *Store) AddConnector(ctx context.Context, appID, connType string, requiresUserAuth bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return addConnectorTx(ctx, tx, appID, connType, requiresUserAuth)
	})
}

func addConnectorTx(ctx context.Context, tx *sql.Tx, appID, connType string, requiresUserAuth bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO connectors (app_id, type, requires_user_auth)
		VALUES (?, ?, ?)
		ON CONFLICT(app_id, type) DO UPDATE SET
			requires_user_auth = excluded.requires_user_auth
	`, appID, connType, boolToInt(requiresUserAuth))
	if err != nil {
		return fmt.Errorf("store: add connector %q: %w", connType, err)
	}
	return nil
}

// SetConnectorAuth stores a per-user encrypted connector token.
func (s *Store) SetConnectorAuth(ctx context.Context, auth ConnectorAuth) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_auths (app_id, connector_type, user_id, encrypted_token)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(app_id, connector_type, user_id) DO UPDATE SET
			encrypted_token = excluded.encrypted_token
	`, auth.AppID, auth.ConnectorType, auth.UserID, auth.EncryptedToken)
	if err != nil {
		return fmt.Errorf("store: set connector auth %q: %w", auth.ConnectorType, err)
	}
	return nil
}

// ConnectorAuths returns the auth records a user holds for an app, keyed by
// connector type.
func (s *Store) ConnectorAuths(ctx context.Context, appID, userID string) (map[string]ConnectorAuth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connector_type, encrypted_token FROM connector_auths
		WHERE app_id = ? AND user_id = ?
	`, appID, userID)
	if err != nil {
		return nil, fmt.Errorf("store: load connector auths: %w", err)
	}
	defer rows.Close()

	auths := make(map[string]ConnectorAuth)
	for rows.Next() {
		auth := ConnectorAuth{AppID: appID, UserID: userID}
		if err := rows.Scan(&auth.ConnectorType, &auth.EncryptedToken); err != nil {
			return nil, fmt.Errorf("store: scan connector auth: %w", err)
		}
		auths[auth.ConnectorType] = auth
	}
	return auths, rows.Err()
}

// SetPublishedVersion records the version served when a request carries no
// explicit version prefix.
func (s *Store) SetPublishedVersion(ctx context.Context, appID, version string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE apps SET published_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, version, appID)
	if err != nil {
		return fmt.Errorf("store: set published version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "app", Key: appID}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
