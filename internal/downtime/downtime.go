// Package downtime computes planned-downtime exceptions for a machine and
// materializes recurring downtime rules into concrete intervals.
package downtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mesinsight/internal/db"
)

// Interval is an absolute [Start, End) range.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the half-open interval.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Overlap returns how much of [start, end) the interval covers.
func (i Interval) Overlap(start, end time.Time) time.Duration {
	lo, hi := i.Start, i.End
	if start.After(lo) {
		lo = start
	}
	if end.Before(hi) {
		hi = end
	}
	if !hi.After(lo) {
		return 0
	}
	return hi.Sub(lo)
}

// Merge returns the sorted union of intervals. Empty intervals are dropped.
func Merge(intervals []Interval) []Interval {
	sorted := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.End.After(iv.Start) {
			sorted = append(sorted, iv)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	merged := make([]Interval, 0, len(sorted))
	for _, iv := range sorted {
		if n := len(merged); n > 0 && !iv.Start.After(merged[n-1].End) {
			if iv.End.After(merged[n-1].End) {
				merged[n-1].End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Covered returns the total time of [start, end) covered by the union of intervals.
func Covered(intervals []Interval, start, end time.Time) time.Duration {
	var total time.Duration
	for _, iv := range Merge(intervals) {
		total += iv.Overlap(start, end)
	}
	return total
}

// Result is the set of planned downtime rows touching a window.
type Result struct {
	Intervals    []Interval
	TotalSeconds float64
}

// Within reports whether t lies inside any planned downtime interval.
func (r Result) Within(t time.Time) bool {
	for _, iv := range r.Intervals {
		if iv.Contains(t) {
			return true
		}
	}
	return false
}

// Source reads materialized planned downtime rows.
type Source interface {
	PlannedDowntimes(ctx context.Context, machineID uint, start, end time.Time) ([]db.PlannedDowntime, error)
}

// Calculator answers downtime-exception queries with a single range read.
type Calculator struct {
	src Source
}

func NewCalculator(src Source) *Calculator {
	return &Calculator{src: src}
}

// Exceptions returns the rows overlapping [start, end) unclamped, plus the
// number of seconds of the window they cover.
func (c *Calculator) Exceptions(ctx context.Context, machineID uint, start, end time.Time) (Result, error) {
	if !end.After(start) {
		return Result{}, nil
	}

	rows, err := c.src.PlannedDowntimes(ctx, machineID, start, end)
	if err != nil {
		return Result{}, fmt.Errorf("planned downtime for machine %d: %w", machineID, err)
	}

	res := Result{Intervals: make([]Interval, 0, len(rows))}
	for _, row := range rows {
		res.Intervals = append(res.Intervals, Interval{Start: row.StartAt, End: row.EndAt})
	}
	res.TotalSeconds = Covered(res.Intervals, start, end).Seconds()

	return res, nil
}
