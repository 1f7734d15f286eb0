package timeseries

import (
	"context"
	"fmt"
)

const streamTableDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    time         TIMESTAMPTZ NOT NULL,
    arrived_time TIMESTAMPTZ NOT NULL DEFAULT now(),
    machine_name TEXT        NOT NULL,
    tag_name     TEXT        NOT NULL,
    value        %[2]s       NOT NULL,
    UNIQUE (time, machine_name, tag_name)
);
CREATE INDEX IF NOT EXISTS %[1]s_lookup ON %[1]s (machine_name, tag_name, time DESC);
`

const hourlyStatsDDL = `
CREATE TABLE IF NOT EXISTS telemetry_hourly_stats (
    bucket       TIMESTAMPTZ      NOT NULL,
    stream       TEXT             NOT NULL,
    machine_name TEXT             NOT NULL,
    tag_name     TEXT             NOT NULL,
    samples      BIGINT           NOT NULL,
    avg_value    DOUBLE PRECISION NOT NULL,
    min_value    DOUBLE PRECISION NOT NULL,
    max_value    DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (bucket, stream, machine_name, tag_name)
);
`

func valueType(s Stream) string {
	if s == StreamProcess {
		return "DOUBLE PRECISION"
	}
	return "BIGINT"
}

// EnsureSchema creates the telemetry tables. When the timescaledb extension is
// installed they are converted to hypertables on time.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, s := range Streams {
		if _, err := c.pool.Exec(ctx, fmt.Sprintf(streamTableDDL, s, valueType(s))); err != nil {
			return fmt.Errorf("create %s: %w", s, err)
		}
	}
	if _, err := c.pool.Exec(ctx, hourlyStatsDDL); err != nil {
		return fmt.Errorf("create telemetry_hourly_stats: %w", err)
	}

	var timescale bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&timescale)
	if err != nil {
		return fmt.Errorf("check timescaledb extension: %w", err)
	}
	if !timescale {
		c.log.Warn().Msg("timescaledb extension not installed, using plain tables")
		return nil
	}

	for _, s := range Streams {
		if _, err := c.pool.Exec(ctx, `SELECT create_hypertable($1::regclass, 'time', if_not_exists => TRUE)`, string(s)); err != nil {
			return fmt.Errorf("hypertable %s: %w", s, err)
		}
	}

	return nil
}
