// Package timeseries is the adapter for the TimescaleDB telemetry store. It
// owns a bounded pgx pool; reads run inside short read-only transactions and
// writes are idempotent on the (time, machine, tag) natural key.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"mesinsight/internal/errs"
)

// Stream names a telemetry table.
type Stream string

const (
	StreamEvent   Stream = "telemetry_event"
	StreamCount   Stream = "telemetry_count"
	StreamProcess Stream = "telemetry_process"
)

// Streams lists every telemetry table.
var Streams = []Stream{StreamEvent, StreamCount, StreamProcess}

// ParseStream maps a short name ("event", "count", "process") to its table.
func ParseStream(name string) (Stream, bool) {
	switch name {
	case "event", "events", string(StreamEvent):
		return StreamEvent, true
	case "count", "counts", string(StreamCount):
		return StreamCount, true
	case "process", string(StreamProcess):
		return StreamProcess, true
	}
	return "", false
}

// Config bounds the pool.
type Config struct {
	URL              string
	MaxConns         int32
	MinConns         int32
	AcquireTimeout   time.Duration
	StatementTimeout time.Duration
}

// querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client is the time-series store handle. It is safe for concurrent use.
type Client struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
	log            zerolog.Logger
}

// New dials the telemetry database and returns a pooled client.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.Join(errs.ErrMissingCredentials, errors.New("telemetry database URL is required"))
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("timeseries: failed to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}

	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
	}

	if cfg.StatementTimeout > 0 {
		timeout := cfg.StatementTimeout / time.Millisecond
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", timeout)
	}

	poolConfig.ConnConfig.RuntimeParams["application_name"] = "mesinsight"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: timeseries pool: %w", errs.ErrExternalSource, err)
	}

	acquire := cfg.AcquireTimeout
	if acquire <= 0 {
		acquire = 5 * time.Second
	}

	log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Int32("max_conns", poolConfig.MaxConns).
		Dur("acquire_timeout", acquire).
		Msg("connected to telemetry store")

	return &Client{pool: pool, acquireTimeout: acquire, log: log}, nil
}

// Close releases every pooled connection.
func (c *Client) Close() {
	c.pool.Close()
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Snapshot runs fn against one pooled connection inside a read-only
// transaction, so every query fn issues sees the same data. Acquiring the
// connection is bounded; when the pool stays exhausted past the timeout the
// error wraps errs.ErrPoolExhausted.
func (c *Client) Snapshot(ctx context.Context, fn func(Reader) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, c.acquireTimeout)
	conn, err := c.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return acquireError(ctx, err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("%w: begin read tx: %w", errs.ErrExternalSource, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&reader{q: tx}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// acquireError classifies a failed pool acquire. A deadline hit while the
// caller's own context is still live means the pool was saturated.
func acquireError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", errs.ErrPoolExhausted, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: acquire: %w", errs.ErrExternalSource, err)
}
