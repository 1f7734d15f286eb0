package legacy

import (
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mesinsight/internal/errs"
)

func TestOpenRequiresCredentials(t *testing.T) {
	_, err := Open(Config{Server: "sql01", Database: "GEMBA", User: "reader"}, zerolog.Nop())
	assert.ErrorIs(t, err, errs.ErrMissingCredentials)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestOpenIsLazy(t *testing.T) {
	src, err := Open(Config{Server: "127.0.0.1:1", Database: "GEMBA", User: "reader", Password: "x"}, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, src.Close())
}

func TestDSN(t *testing.T) {
	cfg := Config{Server: "sql01:1433", Database: "GEMBA", User: "reader", Password: "p@ss;word", Timeout: 15 * time.Second}

	u, err := url.Parse(cfg.DSN())
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", u.Scheme)
	assert.Equal(t, "sql01:1433", u.Host)
	assert.Equal(t, "reader", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss;word", pw)

	q := u.Query()
	assert.Equal(t, "GEMBA", q.Get("database"))
	assert.Equal(t, "true", q.Get("TrustServerCertificate"))
	assert.Equal(t, "15", q.Get("connection timeout"))
}

func TestLegacyTimeRoundTrip(t *testing.T) {
	loc := time.FixedZone("CET", 3600)

	// 07:30 on the plant floor is stored naive as 07:30.
	naive := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	utc := FromLegacy(naive, loc)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC), utc)
	assert.Equal(t, time.UTC, utc.Location())

	back := time.Time(ToLegacy(utc, loc))
	assert.Equal(t, naive, back)
}

func TestDateOnly(t *testing.T) {
	loc := time.FixedZone("CET", 3600)

	// 23:30 UTC on the 1st is already the 2nd in the plant.
	d := dateOnly(time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC), loc)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), d)
}
