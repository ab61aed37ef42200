// Package db provides database connection pooling via pgx.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	// Writes are rare (one per unmatched delivery); keep the pool small.
	config.MaxConns = 4
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// MigrationStatus prints each migration file in migrationPath with whether it
// has been applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	migrations, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return err
	}

	var tracked bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'porthos_schema_migrations')`).Scan(&tracked)
	if err != nil {
		return fmt.Errorf("%s - failed to check schema: %w", logPrefix, err)
	}
	applied := map[string]bool{}
	if tracked {
		if applied, err = appliedMigrations(ctx, pool); err != nil {
			return err
		}
	}

	for _, m := range migrations {
		state := "pending"
		if applied[m.Name] {
			state = "applied"
		}
		fmt.Printf("  %-8s %s\n", state, m.Name)
	}
	if pending := PendingMigrations(migrations, applied); len(pending) > 0 {
		fmt.Printf("%d of %d migrations pending (run 'porthos migrate up').\n", len(pending), len(migrations))
	} else {
		fmt.Printf("All %d migrations applied.\n", len(migrations))
	}
	return nil
}

// MigrationDown drops the unmatched-delivery schema and forgets applied
// migrations. Stored records are lost.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `DROP TABLE IF EXISTS unmatched_deliveries; DROP TABLE IF EXISTS porthos_schema_migrations`)
	if err != nil {
		return fmt.Errorf("%s - drop failed: %w", logPrefix, err)
	}
	fmt.Println("Migration down: unmatched_deliveries dropped.")
	return nil
}
