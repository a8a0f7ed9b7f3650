package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StorageGet reads one value from an app's key-value storage.
func (s *Store) StorageGet(ctx context.Context, appID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM app_storage WHERE app_id = ? AND key = ?
	`, appID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", NotFoundError{Entity: "storage key", Key: key}
		}
		return "", fmt.Errorf("store: storage get %q: %w", key, err)
	}
	return value, nil
}

// StorageList returns all of an app's key-value pairs.
func (s *Store) StorageList(ctx context.Context, appID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM app_storage WHERE app_id = ? ORDER BY key
	`, appID)
	if err != nil {
		return nil, fmt.Errorf("store: storage list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan storage row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// StorageSet writes one value into an app's key-value storage.
func (s *Store) StorageSet(ctx context.Context, appID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_storage (app_id, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(app_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, appID, key, value)
	if err != nil {
		return fmt.Errorf("store: storage set %q: %w", key, err)
	}
	return nil
}

// StorageDelete removes one key from an app's key-value storage. Deleting a
// missing key is not an error.
func (s *Store) StorageDelete(ctx context.Context, appID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM app_storage WHERE app_id = ? AND key = ?
	`, appID, key)
	if err != nil {
		return fmt.Errorf("store: storage delete %q: %w", key, err)
	}
	return nil
}
