package db

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// backfillHours is how many completed hours the first run of the hourly
// stats job refreshes.
const backfillHours = 24

// HourlyRefresher materializes per (machine, tag) statistics for one hour.
type HourlyRefresher interface {
	RefreshHourlyStats(ctx context.Context, bucketStart time.Time) (int64, error)
}

// HourlyStatsJob refreshes the last 24 completed hours on its first run, then
// the previous full hour on each later run. Buckets are in UTC.
func HourlyStatsJob(r HourlyRefresher, interval time.Duration, now func() time.Time, log zerolog.Logger) Job {
	if now == nil {
		now = time.Now
	}
	backfilled := false

	return Job{
		Name:     "telemetry_hourly_stats",
		Interval: interval,
		Run: func(ctx context.Context) error {
			current := now().UTC().Truncate(time.Hour)
			hours := 1
			if !backfilled {
				hours = backfillHours
			}

			var errs []error
			for i := hours; i >= 1; i-- {
				bucketStart := current.Add(-time.Duration(i) * time.Hour)
				n, err := r.RefreshHourlyStats(ctx, bucketStart)
				if err != nil {
					log.Warn().Err(err).Time("bucket", bucketStart).Msg("hourly stats refresh failed")
					errs = append(errs, err)
					continue
				}
				log.Debug().Time("bucket", bucketStart).Int64("rows", n).Msg("hourly stats refreshed")
			}
			backfilled = true
			return errors.Join(errs...)
		},
	}
}
