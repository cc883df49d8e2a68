package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSyncCursor returns the last workout id a client acknowledged, 0 if unknown
func (s *Store) GetSyncCursor(ctx context.Context, clientID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced_workout_id FROM sync_clients WHERE client_id = ?`, clientID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sync cursor for %s: %w", clientID, err)
	}
	return id, nil
}

// SetSyncCursor moves a client's cursor. The cursor only moves forward.
func (s *Store) SetSyncCursor(ctx context.Context, clientID string, workoutID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_clients (client_id, last_synced_workout_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (client_id) DO UPDATE SET
		   last_synced_workout_id = MAX(last_synced_workout_id, excluded.last_synced_workout_id),
		   updated_at = excluded.updated_at`,
		clientID, workoutID, s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to store sync cursor for %s: %w", clientID, err)
	}
	return nil
}
