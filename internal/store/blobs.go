package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TreeEntry describes one path of a persisted bundle tree.
type TreeEntry struct {
	Kind string `json:"kind"`
	Size int64  `json:"size,omitempty"`
	Hash string `json:"hash,omitempty"`
}

// PutBlob stores content under its content hash. Re-inserting an existing
// hash is a no-op (content-addressed storage is immutable).
func (s *Store) PutBlob(ctx context.Context, hash string, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bundle_blobs (hash, content) VALUES (?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash, content)
	if err != nil {
		return fmt.Errorf("store: put blob %s: %w", hash, err)
	}
	return nil
}

// GetBlob returns the content stored under hash.
func (s *Store) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM bundle_blobs WHERE hash = ?
	`, hash).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NotFoundError{Entity: "blob", Key: hash}
		}
		return nil, fmt.Errorf("store: get blob %s: %w", hash, err)
	}
	return content, nil
}

// PutTree stores (or replaces) the manifest JSON for a deployment's bundle
// tree.
func (s *Store) PutTree(ctx context.Context, deploymentID, manifestJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bundle_trees (deployment_id, manifest) VALUES (?, ?)
		ON CONFLICT(deployment_id) DO UPDATE SET
			manifest = excluded.manifest,
			created_at = CURRENT_TIMESTAMP
	`, deploymentID, manifestJSON)
	if err != nil {
		return fmt.Errorf("store: put tree %s: %w", deploymentID, err)
	}
	return nil
}

// GetTree returns the manifest JSON stored for a deployment.
func (s *Store) GetTree(ctx context.Context, deploymentID string) (string, error) {
	var manifest string
	err := s.db.QueryRowContext(ctx, `
		SELECT manifest FROM bundle_trees WHERE deployment_id = ?
	`, deploymentID).Scan(&manifest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", NotFoundError{Entity: "tree", Key: deploymentID}
		}
		return "", fmt.Errorf("store: get tree %s: %w", deploymentID, err)
	}
	return manifest, nil
}
