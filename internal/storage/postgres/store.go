// Package postgres implements the storage contract on Postgres. It suits
// organizer desktops that keep tournament archives in a shared database;
// handheld devices normally use the boltdb store instead.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courtside/scoresync/internal/storage"
)

// Config holds Postgres connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewConfigFromEnv reads DB_* environment variables (with defaults).
func NewConfigFromEnv() Config {
	port, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}

	return Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     port,
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "scoresync"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

const schema = `
CREATE TABLE IF NOT EXISTS scoresync_entities (
    kind       TEXT NOT NULL,
    id         TEXT NOT NULL,
    data       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (kind, id)
)`

// Store is a pgx-backed storage implementation.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and ensures the entity table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, kind, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM scoresync_entities WHERE kind = $1 AND id = $2`,
		kind, id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, kind, id string, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scoresync_entities (kind, id, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (kind, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		kind, id, data,
	)
	if err != nil {
		return fmt.Errorf("failed to put entity: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kind, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM scoresync_entities WHERE kind = $1 AND id = $2`,
		kind, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, kind string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, data FROM scoresync_entities WHERE kind = $1`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out[id] = data
	}
	return out, rows.Err()
}

func (s *Store) ExportAll(ctx context.Context) (storage.Export, error) {
	rows, err := s.pool.Query(ctx, `SELECT kind, id, data FROM scoresync_entities`)
	if err != nil {
		return nil, fmt.Errorf("failed to export entities: %w", err)
	}
	defer rows.Close()

	out := make(storage.Export)
	for rows.Next() {
		var kind, id string
		var data []byte
		if err := rows.Scan(&kind, &id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if out[kind] == nil {
			out[kind] = make(map[string][]byte)
		}
		out[kind][id] = data
	}
	return out, rows.Err()
}

func (s *Store) ImportAll(ctx context.Context, data storage.Export) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	for kind, entities := range data {
		for id, raw := range entities {
			if _, err := tx.Exec(ctx,
				`INSERT INTO scoresync_entities (kind, id, data, updated_at)
				 VALUES ($1, $2, $3, now())
				 ON CONFLICT (kind, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
				kind, id, raw,
			); err != nil {
				return fmt.Errorf("failed to import entity %s/%s: %w", kind, id, err)
			}
		}
	}
	return tx.Commit(ctx)
}
