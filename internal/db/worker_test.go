package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartWorkerRunsAtStartupAndOnTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	done := StartWorker(ctx, Job{
		Name:     "test",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("ignored")
		},
	}, zerolog.Nop())

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStartWorkerDisabled(t *testing.T) {
	called := false
	done := StartWorker(context.Background(), Job{Name: "off", Run: func(context.Context) error {
		called = true
		return nil
	}}, zerolog.Nop())

	<-done
	assert.False(t, called)
}

type fakeRefresher struct {
	mu      sync.Mutex
	buckets []time.Time
	failAt  time.Time
}

func (f *fakeRefresher) RefreshHourlyStats(_ context.Context, b time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets = append(f.buckets, b)
	if b.Equal(f.failAt) {
		return 0, errors.New("timeout")
	}
	return 3, nil
}

func TestHourlyStatsJobBackfillsOnce(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 17, 0, 0, time.UTC)
	r := &fakeRefresher{failAt: time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)}
	job := HourlyStatsJob(r, time.Hour, func() time.Time { return now }, zerolog.Nop())

	err := job.Run(context.Background())
	assert.Error(t, err, "a failed bucket is reported")
	require.Len(t, r.buckets, backfillHours)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), r.buckets[0])
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), r.buckets[backfillHours-1])

	now = now.Add(time.Hour)
	require.NoError(t, job.Run(context.Background()))
	require.Len(t, r.buckets, backfillHours+1)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), r.buckets[backfillHours])
}

type fakePurger struct{ cutoff time.Time }

func (f *fakePurger) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 12, nil
}

func TestRetentionJob(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p := &fakePurger{}

	job := RetentionJob(p, 30, 24*time.Hour, func() time.Time { return now }, zerolog.Nop())
	assert.Equal(t, 24*time.Hour, job.Interval)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, now.AddDate(0, 0, -30), p.cutoff)

	assert.Zero(t, RetentionJob(p, 0, time.Hour, nil, zerolog.Nop()).Interval)
}
