// Package duckdb persists jobs, checkpoints and settings in an embedded
// DuckDB file.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/ports"
	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
)

type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ ports.PersistenceStore   = (*Repository)(nil)
	_ ports.SettingsRepository = (*Repository)(nil)
)

// NewRepository opens (or creates) the database at path and applies the schema.
// An empty path opens an in-memory database.
func NewRepository(logger *slog.Logger, path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// DuckDB serializes writers; one connection keeps transactions simple.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	r := &Repository{db: db, logger: logger}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("duckdb store ready", "path", path)
	return r, nil
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id           VARCHAR PRIMARY KEY,
			status       VARCHAR NOT NULL,
			priority     INTEGER NOT NULL,
			sequence     UBIGINT NOT NULL,
			version      BIGINT NOT NULL,
			retry_count  INTEGER NOT NULL,
			max_retries  INTEGER NOT NULL,
			fatal        BOOLEAN NOT NULL DEFAULT false,
			payload      VARCHAR NOT NULL,
			start_time   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id               VARCHAR PRIMARY KEY,
			job_id           VARCHAR NOT NULL,
			progress         INTEGER NOT NULL,
			completed_models VARCHAR NOT NULL,
			current_model    VARCHAR NOT NULL,
			current_material VARCHAR NOT NULL,
			sequence_index   INTEGER NOT NULL,
			metadata         VARCHAR NOT NULL,
			ts               TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON checkpoints (job_id, ts)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key   VARCHAR PRIMARY KEY,
			value VARCHAR NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
