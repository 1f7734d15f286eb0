package timeseries

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const maxBatch = 1000

// Sample is one incoming telemetry row. Process samples may carry fractional
// values; event and count values are truncated to integers on insert.
type Sample struct {
	Time    time.Time `json:"time"`
	Machine string    `json:"machine"`
	Tag     string    `json:"tag"`
	Value   float64   `json:"value"`
}

// UpsertEvents inserts event samples, ignoring ones already stored.
func (c *Client) UpsertEvents(ctx context.Context, samples []Sample) (int64, error) {
	return c.Upsert(ctx, StreamEvent, samples)
}

// UpsertCounts inserts count samples, ignoring ones already stored.
func (c *Client) UpsertCounts(ctx context.Context, samples []Sample) (int64, error) {
	return c.Upsert(ctx, StreamCount, samples)
}

// UpsertProcess inserts process samples, ignoring ones already stored.
func (c *Client) UpsertProcess(ctx context.Context, samples []Sample) (int64, error) {
	return c.Upsert(ctx, StreamProcess, samples)
}

// Upsert writes samples to a stream in batches with insert-or-ignore
// semantics and returns how many rows were new.
func (c *Client) Upsert(ctx context.Context, stream Stream, samples []Sample) (int64, error) {
	return upsert(ctx, c.pool, stream, samples, time.Now().UTC())
}

func upsert(ctx context.Context, q querier, stream Stream, samples []Sample, arrived time.Time) (int64, error) {
	sql := fmt.Sprintf(`INSERT INTO %s (time, arrived_time, machine_name, tag_name, value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (time, machine_name, tag_name) DO NOTHING`, stream)

	var inserted int64
	for lo := 0; lo < len(samples); lo += maxBatch {
		hi := min(lo+maxBatch, len(samples))

		batch := &pgx.Batch{}
		for _, s := range samples[lo:hi] {
			batch.Queue(sql, s.Time.UTC(), arrived, s.Machine, s.Tag, sampleValue(stream, s.Value))
		}

		n, err := sendBatchExecAll(ctx, batch, q.SendBatch, string(stream))
		inserted += n
		if err != nil {
			return inserted, err
		}
	}

	return inserted, nil
}

func sampleValue(stream Stream, v float64) any {
	if stream == StreamProcess {
		return v
	}
	return int64(v)
}

// sendBatchExecAll executes every queued command and returns the summed rows affected.
func sendBatchExecAll(ctx context.Context, batch *pgx.Batch, send func(context.Context, *pgx.Batch) pgx.BatchResults, operation string) (affected int64, err error) {
	if batch == nil || batch.Len() == 0 {
		return 0, nil
	}

	br := send(ctx, batch)
	defer func() {
		if closeErr := br.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%s batch close: %w", operation, closeErr)
		}
	}()

	for i := 0; i < batch.Len(); i++ {
		tag, execErr := br.Exec()
		if execErr != nil {
			return affected, fmt.Errorf("%s batch exec (command %d): %w", operation, i, execErr)
		}
		affected += tag.RowsAffected()
	}

	return affected, nil
}
