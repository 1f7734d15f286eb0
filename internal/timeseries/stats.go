package timeseries

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// HourlyStat is one materialized (hour, stream, machine, tag) aggregate.
type HourlyStat struct {
	Bucket  time.Time `json:"bucket"`
	Stream  string    `json:"stream"`
	Machine string    `json:"machine"`
	Tag     string    `json:"tag"`
	Samples int64     `json:"samples"`
	Avg     float64   `json:"avg"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
}

// RefreshHourlyStats aggregates the samples in [bucketStart, bucketStart+1h)
// of every stream into telemetry_hourly_stats, replacing earlier values for the hour.
func (c *Client) RefreshHourlyStats(ctx context.Context, bucketStart time.Time) (int64, error) {
	bucketStart = bucketStart.UTC().Truncate(time.Hour)
	bucketEnd := bucketStart.Add(time.Hour)

	var total int64
	for _, s := range Streams {
		tag, err := c.pool.Exec(ctx, fmt.Sprintf(`
			INSERT INTO telemetry_hourly_stats
			    (bucket, stream, machine_name, tag_name, samples, avg_value, min_value, max_value)
			SELECT $1::timestamptz, $3::text, machine_name, tag_name, COUNT(*), AVG(value)::float8, MIN(value)::float8, MAX(value)::float8
			FROM %s
			WHERE time >= $1 AND time < $2
			GROUP BY machine_name, tag_name
			ON CONFLICT (bucket, stream, machine_name, tag_name) DO UPDATE SET
			    samples = EXCLUDED.samples,
			    avg_value = EXCLUDED.avg_value,
			    min_value = EXCLUDED.min_value,
			    max_value = EXCLUDED.max_value`, s), bucketStart, bucketEnd, string(s))
		if err != nil {
			return total, fmt.Errorf("hourly stats %s: %w", s, err)
		}
		total += tag.RowsAffected()
	}

	return total, nil
}

// HourlyStats returns the aggregates of one machine since the given time, newest first.
func (c *Client) HourlyStats(ctx context.Context, machine string, since time.Time) ([]HourlyStat, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT bucket, stream, machine_name, tag_name, samples, avg_value, min_value, max_value
		FROM telemetry_hourly_stats
		WHERE machine_name = $1 AND bucket >= $2
		ORDER BY bucket DESC, stream, tag_name`, machine, since.UTC())
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (HourlyStat, error) {
		var s HourlyStat
		err := row.Scan(&s.Bucket, &s.Stream, &s.Machine, &s.Tag, &s.Samples, &s.Avg, &s.Min, &s.Max)
		return s, err
	})
}

// PurgeOlderThan deletes samples and hourly stats older than cutoff.
func (c *Client) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()

	var total int64
	for _, s := range Streams {
		tag, err := c.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE time < $1`, s), cutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", s, err)
		}
		total += tag.RowsAffected()
	}

	tag, err := c.pool.Exec(ctx, `DELETE FROM telemetry_hourly_stats WHERE bucket < $1`, cutoff)
	if err != nil {
		return total, fmt.Errorf("purge telemetry_hourly_stats: %w", err)
	}

	return total + tag.RowsAffected(), nil
}
