package oee

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"mesinsight/internal/downtime"
	"mesinsight/internal/timeseries"
)

type countSample struct {
	t time.Time
	v float64
}

// fakeTelemetry is an in-memory telemetry store keyed by machine/tag.
type fakeTelemetry struct {
	mu        sync.Mutex
	events    map[string][]timeseries.Point
	counts    map[string][]countSample
	snapshots int
}

func newFakeTelemetry() *fakeTelemetry {
	return &fakeTelemetry{events: map[string][]timeseries.Point{}, counts: map[string][]countSample{}}
}

func key(machine, tag string) string { return machine + "/" + tag }

func (f *fakeTelemetry) event(machine, tag string, t time.Time, v int64) {
	k := key(machine, tag)
	f.events[k] = append(f.events[k], timeseries.Point{Time: t, Value: v})
	sort.Slice(f.events[k], func(i, j int) bool { return f.events[k][i].Time.Before(f.events[k][j].Time) })
}

func (f *fakeTelemetry) count(machine, tag string, t time.Time, v float64) {
	k := key(machine, tag)
	f.counts[k] = append(f.counts[k], countSample{t: t, v: v})
}

func (f *fakeTelemetry) Snapshot(_ context.Context, fn func(timeseries.Reader) error) error {
	f.mu.Lock()
	f.snapshots++
	f.mu.Unlock()
	return fn(f)
}

func (f *fakeTelemetry) EventsInRange(_ context.Context, machine, tag string, start, end time.Time) ([]timeseries.Point, error) {
	var out []timeseries.Point
	for _, p := range f.events[key(machine, tag)] {
		if !p.Time.Before(start) && !p.Time.After(end) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeTelemetry) LastEventBefore(_ context.Context, machine, tag string, t time.Time) (*timeseries.Point, error) {
	var last *timeseries.Point
	for _, p := range f.events[key(machine, tag)] {
		if p.Time.Before(t) {
			p := p
			last = &p
		}
	}
	return last, nil
}

func (f *fakeTelemetry) CountTotal(_ context.Context, machine, tag string, start, end time.Time, cumulative bool) (float64, error) {
	var (
		sum, lo, hi float64
		seen        bool
	)
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, s := range f.counts[key(machine, tag)] {
		if s.t.Before(start) || s.t.After(end) {
			continue
		}
		seen = true
		sum += s.v
		lo = math.Min(lo, s.v)
		hi = math.Max(hi, s.v)
	}
	if !seen {
		return 0, nil
	}
	if cumulative {
		return hi - lo, nil
	}
	return sum, nil
}

type fakeDowntime struct {
	intervals []downtime.Interval
}

func (f fakeDowntime) Exceptions(_ context.Context, _ uint, start, end time.Time) (downtime.Result, error) {
	res := downtime.Result{}
	for _, iv := range f.intervals {
		if iv.Start.Before(end) && iv.End.After(start) {
			res.Intervals = append(res.Intervals, iv)
		}
	}
	res.TotalSeconds = downtime.Covered(res.Intervals, start, end).Seconds()
	return res, nil
}
