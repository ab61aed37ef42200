package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearUnmatched truncates the unmatched_deliveries table. Schema is
// preserved; RESTART IDENTITY resets the id sequence.
func ClearUnmatched(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing unmatched deliveries", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE unmatched_deliveries RESTART IDENTITY`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Unmatched deliveries cleared", clearLogPrefix))
	return nil
}
