package legacy

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stallConn answers every query only once its context is done, like a
// legacy server stuck on a lock.
type stallConn struct{}

func (stallConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (stallConn) Close() error                        { return nil }
func (stallConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (stallConn) CheckNamedValue(*driver.NamedValue) error { return nil }

func (stallConn) QueryContext(ctx context.Context, _ string, _ []driver.NamedValue) (driver.Rows, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type stallConnector struct{}

func (stallConnector) Connect(context.Context) (driver.Conn, error) { return stallConn{}, nil }
func (stallConnector) Driver() driver.Driver                        { return stallDriver{} }

type stallDriver struct{}

func (stallDriver) Open(string) (driver.Conn, error) { return stallConn{}, nil }

func TestQueriesHonorTimeout(t *testing.T) {
	conn := sql.OpenDB(stallConnector{})
	t.Cleanup(func() { _ = conn.Close() })
	src := &Source{db: conn, loc: time.UTC, timeout: 50 * time.Millisecond, log: zerolog.Nop()}

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	ctx := context.Background()

	fetches := map[string]func() error{
		"shifts": func() error { _, err := src.Shifts(ctx, from, to); return err },
		"events": func() error { _, err := src.Events(ctx, from, to); return err },
		"counts": func() error { _, err := src.Counts(ctx, from, to); return err },
	}
	for name, fetch := range fetches {
		fetch := fetch // per-iteration copy (go directive is below 1.22)
		done := make(chan error, 1)
		go func() { done <- fetch() }()

		select {
		case err := <-done:
			require.Error(t, err, name)
			assert.ErrorIs(t, err, context.DeadlineExceeded, name)
			assert.Contains(t, err.Error(), "legacy "+name)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s query ignored the configured timeout", name)
		}
	}
}
