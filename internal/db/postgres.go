package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"

	"framegeist/internal/config"

	_ "github.com/lib/pq"
)

var schemaName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DSN builds a lib/pq connection string from the postgres section.
func DSN(cfg config.PostgresConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.DB,
		cfg.SSLMode,
	)
}

// ConnectPostgres opens the session history database, creates the schema if
// needed and runs migrations.
func ConnectPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	if !schemaName.MatchString(cfg.Schema) {
		return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
	}

	db, err := sql.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", cfg.Schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	// Tables are schema-qualified, so the pool does not depend on search_path
	if err := RunMigrations(ctx, db, cfg.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	slog.Info("db: postgres connection established", "database", cfg.DB, "schema", cfg.Schema)
	return db, nil
}

// RunMigrations creates the session history tables in schema.
func RunMigrations(ctx context.Context, db *sql.DB, schema string) error {
	slog.Debug("db: running migrations", "schema", schema)

	for i, migration := range Migrations(schema) {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	slog.Info("db: migrations completed", "schema", schema)
	return nil
}

// Migrations returns the DDL statements for schema, in order.
func Migrations(schema string) []string {
	return []string{
		// Latest state per stream
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.stream_sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			file_size BIGINT NOT NULL DEFAULT 0,
			frames INTEGER NOT NULL DEFAULT 0,
			transitions INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`, schema),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_stream_sessions_status ON %s.stream_sessions(status)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_stream_sessions_created_at ON %s.stream_sessions(created_at DESC)`, schema),

		// Append-only transition log
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.stream_session_events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			previous TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			frames INTEGER NOT NULL DEFAULT 0,
			occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`, schema),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_stream_session_events_session_id ON %s.stream_session_events(session_id, occurred_at)`, schema),
	}
}
