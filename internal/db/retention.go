package db

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Purger deletes telemetry older than a cutoff.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob deletes telemetry older than days. A non-positive day count
// disables the job.
func RetentionJob(p Purger, days int, interval time.Duration, now func() time.Time, log zerolog.Logger) Job {
	if now == nil {
		now = time.Now
	}
	if days <= 0 {
		interval = 0
	}

	return Job{
		Name:     "telemetry_retention",
		Interval: interval,
		Run: func(ctx context.Context) error {
			cutoff := now().UTC().AddDate(0, 0, -days)
			n, err := p.PurgeOlderThan(ctx, cutoff)
			if err != nil {
				return err
			}
			log.Info().Time("cutoff", cutoff).Int64("rows", n).Msg("telemetry retention cleanup")
			return nil
		},
	}
}
