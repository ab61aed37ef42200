package db

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

const ensureLogPrefix = "db:ensure"

// maintenanceDatabase is where CREATE DATABASE is issued from.
const maintenanceDatabase = "postgres"

var safeDBName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnsureDatabase creates the database named in databaseURL when it does not
// exist, then checks that it accepts connections. URL and keyword/value
// connection strings are both accepted.
func EnsureDatabase(ctx context.Context, databaseURL string) error {
	target, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	name := strings.TrimSpace(target.Database)
	if name == "" {
		return fmt.Errorf("%s - database name empty in URL", ensureLogPrefix)
	}
	if !safeDBName.MatchString(name) {
		return fmt.Errorf("%s - database name %q contains invalid characters", ensureLogPrefix, name)
	}

	if err := createIfMissing(ctx, adminConfig(target), name); err != nil {
		return err
	}

	conn, err := pgx.ConnectConfig(ctx, target)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to %q: %w", ensureLogPrefix, name, err)
	}
	defer conn.Close(ctx)
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("%s - ping %q: %w", ensureLogPrefix, name, err)
	}
	return nil
}

// adminConfig points a copy of target at the maintenance database.
func adminConfig(target *pgx.ConnConfig) *pgx.ConnConfig {
	admin := target.Copy()
	admin.Database = maintenanceDatabase
	admin.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	return admin
}

func createIfMissing(ctx context.Context, admin *pgx.ConnConfig, name string) error {
	conn, err := pgx.ConnectConfig(ctx, admin)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to %s: %w", ensureLogPrefix, maintenanceDatabase, err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s - failed to check database: %w", ensureLogPrefix, err)
	}
	if exists {
		slog.Debug(fmt.Sprintf("%s - Database %q already exists", ensureLogPrefix, name))
		return nil
	}

	slog.Info(fmt.Sprintf("%s - Creating database %q", ensureLogPrefix, name))
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("%s - CREATE DATABASE failed: %w", ensureLogPrefix, err)
	}
	return nil
}
