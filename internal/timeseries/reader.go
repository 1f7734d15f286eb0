package timeseries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mesinsight/internal/errs"
)

// Point is one (time, value) sample.
type Point struct {
	Time  time.Time
	Value int64
}

// Reader is the read surface the aggregation engine depends on.
type Reader interface {
	// EventsInRange returns the event samples of tag in [start, end], ordered by time.
	EventsInRange(ctx context.Context, machine, tag string, start, end time.Time) ([]Point, error)
	// LastEventBefore returns the newest event sample strictly before t, or nil.
	LastEventBefore(ctx context.Context, machine, tag string, t time.Time) (*Point, error)
	// CountTotal aggregates count samples in [start, end]: max-min for
	// cumulative counters, the sum otherwise.
	CountTotal(ctx context.Context, machine, tag string, start, end time.Time, cumulative bool) (float64, error)
}

type reader struct {
	q querier
}

func scanPoint(row pgx.CollectableRow) (Point, error) {
	var p Point
	err := row.Scan(&p.Time, &p.Value)
	return p, err
}

func (r *reader) EventsInRange(ctx context.Context, machine, tag string, start, end time.Time) ([]Point, error) {
	rows, err := r.q.Query(ctx, `
		SELECT time, value FROM telemetry_event
		WHERE machine_name = $1 AND tag_name = $2 AND time >= $3 AND time <= $4
		ORDER BY time`, machine, tag, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: events %s/%s: %w", errs.ErrExternalSource, machine, tag, err)
	}

	points, err := pgx.CollectRows(rows, scanPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: scan events: %w", errs.ErrExternalSource, err)
	}
	return points, nil
}

func (r *reader) LastEventBefore(ctx context.Context, machine, tag string, t time.Time) (*Point, error) {
	var p Point
	err := r.q.QueryRow(ctx, `
		SELECT time, value FROM telemetry_event
		WHERE machine_name = $1 AND tag_name = $2 AND time < $3
		ORDER BY time DESC LIMIT 1`, machine, tag, t).Scan(&p.Time, &p.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: last event %s/%s: %w", errs.ErrExternalSource, machine, tag, err)
	}
	return &p, nil
}

func (r *reader) CountTotal(ctx context.Context, machine, tag string, start, end time.Time, cumulative bool) (float64, error) {
	agg := "SUM(value)"
	if cumulative {
		agg = "MAX(value) - MIN(value)"
	}

	var total float64
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE(`+agg+`, 0)::float8 FROM telemetry_count
		WHERE machine_name = $1 AND tag_name = $2 AND time >= $3 AND time <= $4`,
		machine, tag, start, end).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s/%s: %w", errs.ErrExternalSource, machine, tag, err)
	}
	return total, nil
}
