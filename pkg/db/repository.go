package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

const defaultListLimit = 50

// Repository provides database access for unmatched-delivery records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertUnmatched stores rec and fills in its ID and Received time.
func (r *Repository) InsertUnmatched(ctx context.Context, rec *UnmatchedDelivery) error {
	slog.Debug(fmt.Sprintf("%s - InsertUnmatched service=%s correlationId=%s", repoLogPrefix, rec.Service, rec.CorrelationID))

	err := r.pool.QueryRow(ctx,
		`INSERT INTO unmatched_deliveries
		   (service, reply_to, correlation_id, content_type, status_code, body_size, reason, headers)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, received`,
		rec.Service, rec.ReplyTo, rec.CorrelationID, rec.ContentType,
		rec.StatusCode, rec.BodySize, rec.Reason, nullableJSON(rec.Headers),
	).Scan(&rec.ID, &rec.Received)
	if err != nil {
		return fmt.Errorf("%s - insert unmatched delivery: %w", repoLogPrefix, err)
	}
	return nil
}

// ListUnmatched returns the most recent unmatched deliveries, newest first.
func (r *Repository) ListUnmatched(ctx context.Context, params ListUnmatchedParams) ([]UnmatchedDelivery, error) {
	limit := params.Limit
	if limit < 1 {
		limit = defaultListLimit
	}

	query := `SELECT id, service, reply_to, correlation_id, content_type, status_code,
	                 body_size, reason, headers, received
	          FROM unmatched_deliveries`
	args := []interface{}{}
	if params.Service != "" {
		query += ` WHERE service = $1`
		args = append(args, params.Service)
	}
	query += fmt.Sprintf(` ORDER BY received DESC, id DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - list unmatched deliveries: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, scanUnmatched)
	if err != nil {
		return nil, fmt.Errorf("%s - scan unmatched deliveries: %w", repoLogPrefix, err)
	}
	return out, nil
}

// CountUnmatched returns the number of stored records for service, or for
// all services when service is empty.
func (r *Repository) CountUnmatched(ctx context.Context, service string) (int, error) {
	var n int
	var err error
	if service == "" {
		err = r.pool.QueryRow(ctx, `SELECT COUNT(*)::int FROM unmatched_deliveries`).Scan(&n)
	} else {
		err = r.pool.QueryRow(ctx, `SELECT COUNT(*)::int FROM unmatched_deliveries WHERE service = $1`, service).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("%s - count unmatched deliveries: %w", repoLogPrefix, err)
	}
	return n, nil
}

func scanUnmatched(row pgx.CollectableRow) (UnmatchedDelivery, error) {
	var u UnmatchedDelivery
	err := row.Scan(&u.ID, &u.Service, &u.ReplyTo, &u.CorrelationID, &u.ContentType,
		&u.StatusCode, &u.BodySize, &u.Reason, &u.Headers, &u.Received)
	return u, err
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
