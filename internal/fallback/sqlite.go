package fallback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KeyPrefix prefixes local keys, matching the key layout of older local copies.
const KeyPrefix = "timer-24h-"

// SQLiteBackend keeps local copies in the local_schedule table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates the local persistent tier.
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

// Load reads the local copy for timerID.
func (b *SQLiteBackend) Load(ctx context.Context, timerID string) (Record, error) {
	var valueStr string
	err := b.db.QueryRowContext(ctx, `
		SELECT value FROM local_schedule WHERE key = ?
	`, KeyPrefix+timerID).Scan(&valueStr)

	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get local schedule: %w", err)
	}

	var r Record
	if err := json.Unmarshal([]byte(valueStr), &r); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal local schedule: %w", err)
	}
	return r, nil
}

// Save upserts the local copy for timerID.
func (b *SQLiteBackend) Save(ctx context.Context, timerID string, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal local schedule: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO local_schedule (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, KeyPrefix+timerID, string(data), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to store local schedule: %w", err)
	}
	return nil
}

// Clear removes every local copy.
func (b *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM local_schedule`); err != nil {
		return fmt.Errorf("failed to clear local schedules: %w", err)
	}
	return nil
}
