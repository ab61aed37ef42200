package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/porthos/internal/config"
	"github.com/morezero/porthos/pkg/commstransport"
	"github.com/morezero/porthos/pkg/db"
	"github.com/morezero/porthos/pkg/events"
	"github.com/morezero/porthos/pkg/streamtransport"
	"github.com/morezero/porthos/pkg/transport"
)

const wiringLogPrefix = "server:wiring"

// HealthCheck reports whether the broker connection is usable.
type HealthCheck func(ctx context.Context) error

// OpenTransport connects to the broker selected by cfg.Transport. The
// returned transport owns its connection.
func OpenTransport(ctx context.Context, cfg *config.Config) (transport.Transport, HealthCheck, error) {
	switch cfg.Transport {
	case config.TransportRedis:
		tr, err := streamtransport.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("%s - failed to connect to redis: %w", wiringLogPrefix, err)
		}
		return tr, tr.Ping, nil
	case config.TransportNATS, "":
		tr, err := commstransport.Dial(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return nil, nil, fmt.Errorf("%s - failed to connect to NATS: %w", wiringLogPrefix, err)
		}
		return tr, commsHealth(tr.Conn()), nil
	default:
		return nil, nil, fmt.Errorf("%s - unknown transport %q", wiringLogPrefix, cfg.Transport)
	}
}

func commsHealth(nc *comms.Conn) HealthCheck {
	return func(context.Context) error {
		if st := nc.Status(); st != comms.CONNECTED {
			return fmt.Errorf("comms connection is %s", st)
		}
		return nil
	}
}

// Diagnostics collects the sinks for unmatched-delivery events.
type Diagnostics struct {
	Publisher events.EventPublisher
	Pool      *pgxpool.Pool
	Repo      *db.Repository
}

// Close releases the database pool, if any.
func (d *Diagnostics) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// OpenDiagnostics builds the unmatched-delivery publisher for tr: a COMMS
// publisher when tr is NATS-backed and a store publisher when DATABASE_URL
// is set. Migrations run first when RUN_MIGRATIONS is true.
func OpenDiagnostics(ctx context.Context, cfg *config.Config, tr transport.Transport) (*Diagnostics, error) {
	d := &Diagnostics{}
	var pubs events.MultiPublisher

	if ct, ok := tr.(*commstransport.Transport); ok {
		opts := &events.CommsPublisherOpts{GlobalSubject: cfg.UnmatchedEventSubject}
		pubs = append(pubs, events.NewCommsPublisher(ct.Conn(), opts))
	}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to database: %w", wiringLogPrefix, err)
		}
		if cfg.RunMigrations {
			if err := migrate(ctx, pool, cfg.MigrationPath); err != nil {
				pool.Close()
				return nil, err
			}
		}
		d.Pool = pool
		d.Repo = db.NewRepository(pool)
		pubs = append(pubs, events.NewStorePublisher(d.Repo))
	}

	if len(pubs) == 0 {
		d.Publisher = &events.NoOpPublisher{}
	} else {
		d.Publisher = pubs
	}
	slog.Debug(fmt.Sprintf("%s - %d unmatched-delivery publishers configured", wiringLogPrefix, len(pubs)))
	return d, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, path string) error {
	migrations, err := db.LoadMigrationFiles(path)
	if err != nil {
		return fmt.Errorf("%s - failed to load migrations: %w", wiringLogPrefix, err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("%s - failed to run migrations: %w", wiringLogPrefix, err)
	}
	return nil
}
