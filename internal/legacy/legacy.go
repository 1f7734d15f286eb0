// Package legacy reads shift, alarm and rejection rows from the plant's
// legacy SQL Server database.
package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"mesinsight/internal/errs"
	"mesinsight/internal/reconcile"
)

const (
	queryShifts = `
SELECT
	Shift.ShiftDate,
	Shift.AssetID,
	Shift.StartTime,
	Shift.EndTime,
	Shift.ShiftID
FROM dbo.tblDATAssetShift AS Shift
WHERE Shift.ShiftDate BETWEEN @p1 AND @p2`

	queryEvents = `
SELECT
	Ev.StartTime,
	ISNULL(Comm.Comment, ''),
	EvReason.Code,
	EvReason.Description,
	Cat.Description,
	Ev.AssetID
FROM dbo.tblDATRawEventAuto AS Ev
	INNER JOIN dbo.tblCFGSignalEventReason AS SigReason
		ON Ev.Value = SigReason.PLCValue AND Ev.SignalID = SigReason.SignalID
	INNER JOIN dbo.tblCFGEventReason AS EvReason ON SigReason.EventReasonID = EvReason.ID
	INNER JOIN dbo.tblCFGEventCategory AS Cat ON EvReason.EventCategoryID = Cat.ID
	LEFT JOIN dbo.tblDATRawEventAutoComments AS Comm ON Ev.ID = Comm.RMAID
WHERE Ev.StartTime >= @p1 AND Ev.StartTime <= @p2
ORDER BY Ev.AssetID, Ev.StartTime`

	queryCounts = `
SELECT
	Co.RecordTime,
	Co.Value,
	SigType.Description,
	Cat.Description,
	Def.Code,
	Co.AssetID
FROM dbo.tblDATRawCount AS Co
	INNER JOIN dbo.tblCFGSignal AS Sig ON Co.SignalID = Sig.ID
	INNER JOIN dbo.tblCFGCountDefinition AS Def ON Sig.SignalTypeID = Def.SignalTypeID
	LEFT JOIN dbo.tblCFGSignalType AS SigType ON Def.SignalTypeID = SigType.ID
	LEFT JOIN dbo.tblCFGCountCategory AS Cat ON Def.CountCategoryID = Cat.ID
WHERE Co.RecordTime >= @p1 AND Co.RecordTime <= @p2 AND Sig.Active = 1
ORDER BY Co.AssetID, Co.RecordTime`
)

// Config holds the connection settings for the legacy database.
type Config struct {
	Server   string
	Database string
	User     string
	Password string
	Timeout  time.Duration

	// Location is the timezone the legacy database writes its naive datetimes in.
	Location *time.Location
}

// DSN builds a sqlserver:// connection string. Server may carry an instance
// ("host\\instance") or a port ("host:1433").
func (c Config) DSN() string {
	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("TrustServerCertificate", "true")
	q.Set("app name", "mesinsight")
	if c.Timeout > 0 {
		q.Set("dial timeout", strconv.Itoa(int(c.Timeout.Seconds())))
		q.Set("connection timeout", strconv.Itoa(int(c.Timeout.Seconds())))
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Server,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Source implements reconcile.Source over the legacy database.
type Source struct {
	db      *sql.DB
	loc     *time.Location
	timeout time.Duration
	log     zerolog.Logger
}

// Open prepares a connection pool. Nothing is dialed until the first query.
func Open(cfg Config, log zerolog.Logger) (*Source, error) {
	if cfg.Server == "" || cfg.Database == "" || cfg.User == "" || cfg.Password == "" {
		return nil, fmt.Errorf("%w: legacy SQL Server connection settings are incomplete", errs.ErrMissingCredentials)
	}

	conn, err := sql.Open("sqlserver", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrExternalSource, err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Source{db: conn, loc: loc, timeout: cfg.Timeout, log: log}, nil
}

func (s *Source) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Source) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrExternalSource, err)
	}
	return nil
}

func (s *Source) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// query runs q bounded by the configured timeout. The returned cancel must be
// called once the rows are consumed.
func (s *Source) query(ctx context.Context, name, q string, args ...any) (*sql.Rows, context.CancelFunc, error) {
	ctx, cancel := s.withTimeout(ctx)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("legacy %s: %w", name, err)
	}
	return rows, cancel, nil
}

// Shifts returns every shift whose date falls in [from, to], dates taken in
// the legacy timezone.
func (s *Source) Shifts(ctx context.Context, from, to time.Time) ([]reconcile.ShiftRow, error) {
	rows, cancel, err := s.query(ctx, "shifts", queryShifts,
		mssql.DateTime1(dateOnly(from, s.loc)), mssql.DateTime1(dateOnly(to, s.loc)))
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []reconcile.ShiftRow
	for rows.Next() {
		var (
			date, start, end time.Time
			asset, label     string
		)
		if err := rows.Scan(&date, &asset, &start, &end, &label); err != nil {
			return nil, err
		}
		out = append(out, reconcile.ShiftRow{
			MachineCode: asset,
			Label:       label,
			Date:        dateOnly(date, time.UTC),
			Start:       FromLegacy(start, s.loc),
			End:         FromLegacy(end, s.loc),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.log.Debug().Int("rows", len(out)).Msg("fetched legacy shifts")
	return out, nil
}

// Events returns raw state changes starting in [from, to], ordered by asset and time.
func (s *Source) Events(ctx context.Context, from, to time.Time) ([]reconcile.EventRow, error) {
	rows, cancel, err := s.query(ctx, "events", queryEvents, ToLegacy(from, s.loc), ToLegacy(to, s.loc))
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []reconcile.EventRow
	for rows.Next() {
		var (
			start               time.Time
			comment, code, name sql.NullString
			category            sql.NullString
			asset               string
		)
		if err := rows.Scan(&start, &comment, &code, &name, &category, &asset); err != nil {
			return nil, err
		}
		out = append(out, reconcile.EventRow{
			MachineCode: asset,
			Start:       FromLegacy(start, s.loc),
			Code:        code.String,
			Name:        name.String,
			Category:    category.String,
			Comment:     comment.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.log.Debug().Int("rows", len(out)).Msg("fetched legacy events")
	return out, nil
}

// Counts returns active rejection count samples recorded in [from, to].
func (s *Source) Counts(ctx context.Context, from, to time.Time) ([]reconcile.CountRow, error) {
	rows, cancel, err := s.query(ctx, "counts", queryCounts, ToLegacy(from, s.loc), ToLegacy(to, s.loc))
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer rows.Close()

	var out []reconcile.CountRow
	for rows.Next() {
		var (
			at                   time.Time
			qty                  sql.NullFloat64
			name, category, code sql.NullString
			asset                string
		)
		if err := rows.Scan(&at, &qty, &name, &category, &code, &asset); err != nil {
			return nil, err
		}
		out = append(out, reconcile.CountRow{
			MachineCode: asset,
			Time:        FromLegacy(at, s.loc),
			Code:        code.String,
			Name:        name.String,
			Category:    category.String,
			Qty:         qty.Float64,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.log.Debug().Int("rows", len(out)).Msg("fetched legacy counts")
	return out, nil
}

// FromLegacy reinterprets a naive datetime read from the legacy database as
// wall-clock time in loc and returns it in UTC.
func FromLegacy(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc).UTC()
}

// ToLegacy converts t into the naive datetime the legacy database stores for it.
func ToLegacy(t time.Time, loc *time.Location) mssql.DateTime1 {
	l := t.In(loc)
	return mssql.DateTime1(time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC))
}

func dateOnly(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
}
