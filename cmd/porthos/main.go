// Package main is the entrypoint for the porthos CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"

	"github.com/morezero/porthos/internal/config"
	"github.com/morezero/porthos/internal/server"
	"github.com/morezero/porthos/pkg/client"
	"github.com/morezero/porthos/pkg/db"
)

const usage = `Usage: porthos [command]
       porthos call <method> [json]     Send a request to SERVICE_NAME and print the response.
       porthos notify <method> [json]   Send a request that expects no response.
       porthos serve                    Answer requests on SERVICE_NAME (ping, echo, sleep).
       porthos migrate up               Run database migrations.
       porthos migrate down             Drop the unmatched-delivery table.
       porthos migrate status           Show migration status.
       porthos unmatched list [limit]   List recorded unmatched deliveries.
       porthos unmatched clear          Delete recorded unmatched deliveries.
       porthos ensure-db [name]         Create database if missing (default name: porthos_test). Uses DATABASE_URL host/user.

Commands:
  call            Send a request and wait up to CALL_TIMEOUT for the response.
  notify          Fire-and-forget request; no reply destination is set.
  serve           (default) Start the responder and the HTTP health endpoint.
  migrate         Manage the unmatched-delivery schema.
  unmatched       Inspect responses that arrived with no call waiting on them.
  ensure-db       Create database on same host as DATABASE_URL.

Environment: TRANSPORT (nats|redis), COMMS_URL, REDIS_URL, SERVICE_NAME, REQUEST_TTL, CALL_TIMEOUT,
REQUIRED_SERVICE_VERSION, DATABASE_URL, MIGRATION_PATH, HTTP_ADDR, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "call", "notify":
		if len(args) < 2 {
			log.Fatalf("porthos %s: require method", cmd)
		}
		payload := ""
		if len(args) > 2 {
			payload = args[2]
		}
		if err := runCall(args[1], payload, cmd == "notify"); err != nil {
			log.Fatalf("porthos %s: %v", cmd, err)
		}
		return
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("porthos migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up", "status", "down":
			if err := runMigrate(sub); err != nil {
				log.Fatalf("porthos migrate %s: %v", sub, err)
			}
		default:
			log.Fatalf("porthos migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "unmatched":
		if len(args) < 2 {
			log.Fatalf("porthos unmatched: require subcommand (list, clear)")
		}
		var err error
		switch args[1] {
		case "list":
			limit := 0
			if len(args) > 2 {
				if limit, err = strconv.Atoi(args[2]); err != nil {
					log.Fatalf("porthos unmatched list: invalid limit %q", args[2])
				}
			}
			err = runUnmatchedList(limit)
		case "clear":
			err = runUnmatchedClear()
		default:
			log.Fatalf("porthos unmatched: unknown subcommand %q (use list, clear)", args[1])
		}
		if err != nil {
			log.Fatalf("porthos unmatched %s: %v", args[1], err)
		}
		return
	case "ensure-db":
		dbName := "porthos_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("porthos ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("porthos: %v", err)
	}
}

func runCall(method, payload string, noReply bool) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.SetupLogging()
	if err := cfg.ValidateForCall(); err != nil {
		return err
	}

	ctx := context.Background()
	tr, _, err := server.OpenTransport(ctx, cfg)
	if err != nil {
		return err
	}
	diag, err := server.OpenDiagnostics(ctx, cfg, tr)
	if err != nil {
		tr.Close()
		return err
	}
	defer diag.Close()

	c, err := client.New(tr, cfg.ServiceName,
		client.WithRequestTTL(cfg.RequestTTL),
		client.WithPublisher(diag.Publisher),
		client.WithOwnedTransport(),
	)
	if err != nil {
		tr.Close()
		return err
	}
	defer c.Close()

	call := c.Call(method)
	if payload != "" {
		call = call.WithJSON(json.RawMessage(payload))
	}

	if noReply {
		return call.NoReply(ctx)
	}

	resp, err := call.SyncTimeout(ctx, cfg.CallTimeout)
	if err != nil {
		return err
	}
	if err := resp.CheckServiceVersion(cfg.RequiredServiceVersion); err != nil {
		return err
	}
	fmt.Printf("%d %s\n", resp.StatusCode(), resp.StatusText())
	if len(resp.Content()) > 0 {
		fmt.Println(string(resp.Content()))
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%s answered %d", cfg.ServiceName, resp.StatusCode())
	}
	return nil
}

func runMigrate(sub string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	switch sub {
	case "status":
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	case "down":
		return db.MigrationDown(ctx, pool)
	}
	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runUnmatchedList(limit int) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	rows, err := db.NewRepository(pool).ListUnmatched(ctx, db.ListUnmatchedParams{Limit: limit})
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("%s  %-24s correlationId=%-8s status=%d bytes=%d  %s\n",
			r.Received.Format("2006-01-02T15:04:05Z07:00"), r.Service, r.CorrelationID, r.StatusCode, r.BodySize, r.Reason)
	}
	fmt.Printf("%d unmatched deliveries.\n", len(rows))
	return nil
}

func runUnmatchedClear() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return db.ClearUnmatched(ctx, pool)
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	target, err := withDatabaseName(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), target); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// withDatabaseName replaces the path of databaseURL; the query is kept.
func withDatabaseName(databaseURL, name string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + name
	return u.String(), nil
}
