package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// InsertEvents persists a batch of telemetry events in one transaction.
// Missing IDs are generated.
func (s *Store) InsertEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO events (id, app_id, deployment_id, kind, payload)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("store: prepare event insert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			if ev.ID == "" {
				ev.ID = uuid.NewString()
			}
			if _, err := stmt.ExecContext(ctx, ev.ID, ev.AppID, ev.DeploymentID, ev.Kind, ev.Payload); err != nil {
				return fmt.Errorf("store: insert event: %w", err)
			}
		}
		return nil
	})
}

// RecentEvents returns up to limit of an app's newest telemetry events,
// newest first.
func (s *Store) RecentEvents(ctx context.Context, appID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_id, deployment_id, kind, payload, created_at
		FROM events WHERE app_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: load events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var created string
		if err := rows.Scan(&ev.ID, &ev.AppID, &ev.DeploymentID, &ev.Kind, &ev.Payload, &created); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
