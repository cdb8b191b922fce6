package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresSettingsStore implements SettingsStore backed by PostgreSQL.
// One row per installation; Put is an upsert so writes never interleave
// partially.
type PostgresSettingsStore struct {
	db *sql.DB
}

// NewPostgresSettingsStore creates a store using the provided handle.
func NewPostgresSettingsStore(db *sql.DB) *PostgresSettingsStore {
	return &PostgresSettingsStore{db: db}
}

// OpenPostgresSettingsStore opens a connection and creates a store.
func OpenPostgresSettingsStore(dsn string) (*PostgresSettingsStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresSettingsStore(db), nil
}

// Get returns the stored settings for an installation.
func (s *PostgresSettingsStore) Get(ctx context.Context, installID string) (json.RawMessage, error) {
	var settings []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT settings FROM module_settings WHERE install_id = $1
	`, installID).Scan(&settings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("install %s: %w", installID, ErrSettingsNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	return settings, nil
}

// Put upserts the settings for an installation.
func (s *PostgresSettingsStore) Put(ctx context.Context, installID string, settings json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_settings (install_id, settings, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (install_id) DO UPDATE SET settings = $2, updated_at = $3
	`, installID, []byte(settings), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

var _ SettingsStore = (*PostgresSettingsStore)(nil)
