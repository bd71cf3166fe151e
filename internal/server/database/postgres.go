package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_files",
		SQL: `
			CREATE TABLE IF NOT EXISTS files (
				id                VARCHAR(36)  PRIMARY KEY,
				seq               BIGSERIAL,
				original_filename VARCHAR(255) NOT NULL,
				file_type         VARCHAR(100) NOT NULL,
				size              BIGINT       NOT NULL CHECK (size >= 0),
				uploaded_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				fingerprint       VARCHAR(64)  NOT NULL,
				blob_ref          VARCHAR(255) NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_files_fingerprint ON files(fingerprint);
			CREATE INDEX IF NOT EXISTS idx_files_file_type ON files(file_type);
			CREATE INDEX IF NOT EXISTS idx_files_size ON files(size);
			CREATE INDEX IF NOT EXISTS idx_files_uploaded_at ON files(uploaded_at);
			CREATE INDEX IF NOT EXISTS idx_files_original_filename ON files(original_filename);
		`,
	},
	{
		Version: "000002_create_blobs",
		SQL: `
			CREATE TABLE IF NOT EXISTS blobs (
				fingerprint VARCHAR(64)  PRIMARY KEY,
				blob_ref    VARCHAR(255) NOT NULL,
				created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000003_create_storage_savings",
		SQL: `
			CREATE TABLE IF NOT EXISTS storage_savings (
				fingerprint     VARCHAR(64) PRIMARY KEY,
				saved_bytes     BIGINT      NOT NULL DEFAULT 0 CHECK (saved_bytes >= 0),
				duplicate_count INTEGER     NOT NULL DEFAULT 1 CHECK (duplicate_count >= 1),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	// Create migrations tracking table
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		// Check if already applied
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		// Execute migration in a transaction
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
