// Package shift resolves the active shift window for a point in time.
package shift

import (
	"fmt"
	"math"
	"time"

	"mesinsight/internal/errs"
)

// Definition is a configured shift: it starts at StartHour (0-24, fractional)
// local time and lasts DurationHours, possibly wrapping past midnight.
type Definition struct {
	ID            uint
	Name          string
	StartHour     float64
	DurationHours float64
}

// Window is the absolute [Start, End) range of one occurrence of a shift.
type Window struct {
	Shift Definition
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the half-open window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration is the full length of the shift occurrence.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// wraps reports whether the shift crosses midnight, along with its end hour mod 24.
func (d Definition) wraps() (bool, float64) {
	end := math.Mod(d.StartHour+d.DurationHours, 24)
	return !(d.StartHour < end), end
}

// Matches reports whether the shift is active at the given hour of day.
func (d Definition) Matches(hour float64) bool {
	wrapping, end := d.wraps()
	if !wrapping {
		return d.StartHour <= hour && hour < end
	}
	return hour >= d.StartHour || hour < end
}

// Resolve returns the window of the first shift active at now. The calendar
// anchor is taken in now's location. Definitions must not overlap; when they
// do, the first match in slice order wins.
func Resolve(now time.Time, shifts []Definition) (Window, error) {
	hour := float64(now.Hour()) + float64(now.Minute())/60 + float64(now.Second())/3600

	for _, d := range shifts {
		if !d.Matches(hour) {
			continue
		}

		y, m, day := now.Date()
		anchor := time.Date(y, m, day, 0, 0, 0, 0, now.Location())

		if wrapping, end := d.wraps(); wrapping && hour < end {
			anchor = anchor.AddDate(0, 0, -1)
		}

		start := anchor.Add(hoursToDuration(d.StartHour))
		return Window{
			Shift: d,
			Start: start,
			End:   start.Add(hoursToDuration(d.DurationHours)),
		}, nil
	}

	return Window{}, fmt.Errorf("%w at %s", errs.ErrNoActiveShift, now.Format("15:04:05"))
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(math.Round(h * float64(time.Hour)))
}
