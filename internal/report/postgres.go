package report

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const DatabasePingTimeout = 10

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	request_id        TEXT PRIMARY KEY,
	requester_id      TEXT NOT NULL,
	language          TEXT NOT NULL,
	outcome           TEXT NOT NULL,
	status            TEXT NOT NULL,
	exit_code         INTEGER NOT NULL,
	truncated         BOOLEAN NOT NULL,
	compile_ms        BIGINT NOT NULL,
	run_ms            BIGINT NOT NULL,
	peak_memory_bytes BIGINT NOT NULL,
	submitted_at      TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_requester_idx ON executions (requester_id, finished_at DESC);
`

const insertReport = `
INSERT INTO executions (
	request_id, requester_id, language, outcome, status, exit_code, truncated,
	compile_ms, run_ms, peak_memory_bytes, submitted_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (request_id) DO NOTHING`

const selectRecent = `
SELECT request_id, requester_id, language, outcome, status, exit_code, truncated,
	compile_ms, run_ms, peak_memory_bytes, submitted_at, finished_at
FROM executions
ORDER BY finished_at DESC
LIMIT $1`

var _ Publisher = (*Postgres)(nil)

// Postgres stores reports in the executions table, creating it on connect.
type Postgres struct {
	Pool *pgxpool.Pool
	log  *zerolog.Logger
}

// queryLogger traces statements at debug level.
type queryLogger struct {
	log *zerolog.Logger
}

type queryStartKey struct{}

func (q *queryLogger) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	return context.WithValue(ctx, queryStartKey{}, time.Now())
}

func (q *queryLogger) TraceQueryEnd(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	ev := q.log.Debug()
	if data.Err != nil {
		ev = q.log.Warn().Err(data.Err)
	}
	if start, ok := ctx.Value(queryStartKey{}).(time.Time); ok {
		ev = ev.Dur("duration", time.Since(start))
	}
	ev.Str("command", data.CommandTag.String()).Msg("query finished")
}

func NewPostgres(ctx context.Context, dsn string, log *zerolog.Logger) (*Postgres, error) {
	pgxPoolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pgxPoolConfig.ConnConfig.RuntimeParams["application_name"] = "haskbot"
	pgxPoolConfig.ConnConfig.Tracer = &queryLogger{log: log}

	pgxPoolConfig.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		return dialer.DialContext(ctx, network, addr)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxPoolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DatabasePingTimeout*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(pingCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create executions table: %w", err)
	}

	log.Info().Msg("database connection established")

	return &Postgres{Pool: pool, log: log}, nil
}

func (db *Postgres) Name() string { return "postgres" }

func (db *Postgres) Publish(ctx context.Context, r Report) error {
	_, err := db.Pool.Exec(ctx, insertReport,
		r.RequestID, r.RequesterID, r.Language, r.Outcome, r.Status, r.ExitCode, r.Truncated,
		r.CompileMs, r.RunMs, r.PeakMemoryBytes, r.SubmittedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// Recent returns up to limit reports, newest first.
func (db *Postgres) Recent(ctx context.Context, limit int) ([]Report, error) {
	rows, err := db.Pool.Query(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}

	reports, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Report, error) {
		var r Report
		err := row.Scan(
			&r.RequestID, &r.RequesterID, &r.Language, &r.Outcome, &r.Status, &r.ExitCode, &r.Truncated,
			&r.CompileMs, &r.RunMs, &r.PeakMemoryBytes, &r.SubmittedAt, &r.FinishedAt,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan reports: %w", err)
	}
	return reports, nil
}

func (db *Postgres) Close() error {
	db.log.Info().Msg("Closing database connection pool")
	db.Pool.Close()
	return nil
}
