package db

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mesinsight/internal/metrics"
)

// Job is a periodic background task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// StartWorker launches a goroutine that runs job once at startup and then
// every Interval until ctx is cancelled. A non-positive interval disables the
// job. The returned channel is closed when the goroutine exits.
func StartWorker(ctx context.Context, job Job, log zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if job.Interval <= 0 {
		log.Info().Str("job", job.Name).Msg("worker disabled")
		close(done)
		return done
	}

	go func() {
		defer close(done)

		runJob(ctx, job, log, "startup")

		ticker := time.NewTicker(job.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runJob(ctx, job, log, "tick")
			}
		}
	}()
	return done
}

func runJob(ctx context.Context, job Job, log zerolog.Logger, trigger string) {
	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	metrics.ObserveJob(job.Name, elapsed.Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("job", job.Name).Str("trigger", trigger).Msg("background job failed")
		return
	}
	log.Debug().Str("job", job.Name).Str("trigger", trigger).Dur("took", elapsed).Msg("background job done")
}
