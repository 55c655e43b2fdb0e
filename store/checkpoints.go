package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetCheckpoint returns the checkpoint for a source, or nil on first run.
func (s *Store) GetCheckpoint(ctx context.Context, source string) (*Checkpoint, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT source, last_event_time, COALESCE(last_cursor,'') FROM checkpoints WHERE source = ?`,
		source)

	var c Checkpoint
	var ms int64
	err := row.Scan(&c.Source, &ms, &c.LastCursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get checkpoint %s: %w", source, err)
	}
	c.LastEventTime = msToTime(sql.NullInt64{Int64: ms, Valid: true})
	return &c, nil
}

// SetCheckpoint persists a checkpoint. The stored last_event_time never
// decreases: an older value leaves the row untouched.
func (s *Store) SetCheckpoint(ctx context.Context, c Checkpoint) error {
	if c.Source == "" {
		return fmt.Errorf("store: set checkpoint: empty source")
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO checkpoints (source, last_event_time, last_cursor)
		VALUES (?,?,?)
		ON CONFLICT (source) DO UPDATE SET
			last_event_time = MAX(checkpoints.last_event_time, excluded.last_event_time),
			last_cursor     = COALESCE(excluded.last_cursor, checkpoints.last_cursor)`,
		c.Source, c.LastEventTime.UTC().UnixMilli(), strOrNil(c.LastCursor))
	if err != nil {
		return fmt.Errorf("store: set checkpoint %s: %w", c.Source, err)
	}
	return nil
}
