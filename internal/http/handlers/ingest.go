package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"mesinsight/internal/metrics"
	"mesinsight/internal/timeseries"
)

// TelemetryStore writes and summarizes time-series samples.
type TelemetryStore interface {
	Upsert(ctx context.Context, stream timeseries.Stream, samples []timeseries.Sample) (int64, error)
	HourlyStats(ctx context.Context, machine string, since time.Time) ([]timeseries.HourlyStat, error)
}

type ingestRequest struct {
	Events  []timeseries.Sample `json:"events"`
	Counts  []timeseries.Sample `json:"counts"`
	Process []timeseries.Sample `json:"process"`
}

func (r ingestRequest) stream(s timeseries.Stream) []timeseries.Sample {
	switch s {
	case timeseries.StreamEvent:
		return r.Events
	case timeseries.StreamCount:
		return r.Counts
	default:
		return r.Process
	}
}

type ingestResult struct {
	Received int   `json:"received"`
	Inserted int64 `json:"inserted"`
}

// IngestHandler serves POST /v1/telemetry. Samples without machine or tag
// are dropped; a missing timestamp means now. Re-sent samples are ignored.
func IngestHandler(store TelemetryStore, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var payload ingestRequest
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		now := time.Now().UTC()
		results := make(map[string]ingestResult, len(timeseries.Streams))
		total := 0

		for _, stream := range timeseries.Streams {
			samples := make([]timeseries.Sample, 0, len(payload.stream(stream)))
			for _, s := range payload.stream(stream) {
				if s.Machine == "" || s.Tag == "" {
					continue
				}
				if s.Time.IsZero() {
					s.Time = now
				}
				samples = append(samples, s)
			}
			if len(samples) == 0 {
				continue
			}

			inserted, err := store.Upsert(ctx, stream, samples)
			if err != nil {
				writeError(ctx, log, err)
				return
			}
			metrics.ObserveTelemetry(string(stream), len(samples), inserted)
			results[string(stream)] = ingestResult{Received: len(samples), Inserted: inserted}
			total += len(samples)
		}

		if total == 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "no valid samples provided")
			return
		}

		jsonResponse(ctx, fasthttp.StatusAccepted, map[string]any{
			"status":  "accepted",
			"count":   total,
			"streams": results,
		})
	}
}

// HourlyStatsHandler serves GET /v1/telemetry/hourly?machine=..&hours=..
func HourlyStatsHandler(store TelemetryStore, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		machine := string(ctx.QueryArgs().Peek("machine"))
		if machine == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "machine required")
			return
		}

		stats, err := store.HourlyStats(ctx, machine, parseSince(ctx, time.Now()))
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		if stats == nil {
			stats = []timeseries.HourlyStat{}
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"machine": machine, "stats": stats})
	}
}
