package oee

import (
	"time"

	"mesinsight/internal/timeseries"
)

// Segment is a span during which a state signal held one value. Known is
// false for the leading span when no event precedes the window.
type Segment struct {
	Start time.Time
	End   time.Time
	Value int64
	Known bool
}

func (s Segment) Duration() time.Duration {
	if !s.End.After(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Replay rebuilds state segments over [start, end] from sparse point events.
// The state inherited from before the window (boundary) opens the first
// segment; each event lasts until the next one, the last until end.
func Replay(boundary *timeseries.Point, events []timeseries.Point, start, end time.Time) []Segment {
	segments := make([]Segment, 0, len(events)+1)

	cur := Segment{Start: start}
	if boundary != nil {
		cur.Value, cur.Known = boundary.Value, true
	}

	for _, ev := range events {
		if ev.Time.Before(start) || ev.Time.After(end) {
			continue
		}
		cur.End = ev.Time
		segments = append(segments, cur)
		cur = Segment{Start: ev.Time, Value: ev.Value, Known: true}
	}

	cur.End = end
	return append(segments, cur)
}

// DurationsByValue sums segment durations per known value, skipping the zero value.
func DurationsByValue(segments []Segment) map[int64]time.Duration {
	out := make(map[int64]time.Duration)
	for _, s := range segments {
		if !s.Known || s.Value == 0 {
			continue
		}
		out[s.Value] += s.Duration()
	}
	return out
}
