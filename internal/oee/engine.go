// Package oee computes shift-to-date availability, performance, quality and
// OEE for a machine from the telemetry store.
package oee

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mesinsight/internal/db"
	"mesinsight/internal/downtime"
	"mesinsight/internal/errs"
	"mesinsight/internal/shift"
	"mesinsight/internal/timeseries"
)

const (
	StatusOK          = "ok"
	StatusConfigError = "config_error"

	none = "None"
)

// Snapshot is the computed metrics record for one machine. Percentages are
// scaled by 100 and rounded to two decimals.
type Snapshot struct {
	Machine string `json:"machine"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`

	Shift      string    `json:"shift,omitempty"`
	ShiftStart time.Time `json:"shift_start,omitempty"`
	ShiftEnd   time.Time `json:"shift_end,omitempty"`
	WindowEnd  time.Time `json:"window_end,omitempty"`

	Availability   float64 `json:"availability"`
	Performance    float64 `json:"performance"`
	Quality        float64 `json:"quality"`
	OEE            float64 `json:"oee"`
	WasteLosses    float64 `json:"waste_losses"`
	DowntimeLosses float64 `json:"downtime_losses"`

	TotalProduced          float64    `json:"total_produced"`
	RunningSeconds         float64    `json:"running_seconds"`
	PlannedDowntimeSeconds float64    `json:"planned_downtime_seconds"`
	FirstRunningTime       *time.Time `json:"first_running_time,omitempty"`
	Runtime                string     `json:"runtime"`

	TopAlarm     string `json:"top_alarm"`
	TopRejection string `json:"top_rejection"`

	ComputedAt time.Time `json:"computed_at"`
}

// Neutral is the zero snapshot rendered when a machine cannot be computed.
func Neutral(machine string, now time.Time, cause error) *Snapshot {
	s := &Snapshot{
		Machine:      machine,
		Status:       StatusConfigError,
		Runtime:      "00:00:00",
		TopAlarm:     none,
		TopRejection: none,
		ComputedAt:   now,
	}
	if cause != nil {
		s.Message = cause.Error()
	}
	return s
}

// Request carries everything one computation needs. Now is expressed in the
// business timezone; the shift anchor is taken from its location.
type Request struct {
	Machine    *db.Machine
	Runtime    *db.EventEntry
	Production *db.CountEntry
	// StopReason is optional; without it the top alarm is "None".
	StopReason *db.EventEntry

	Events []db.EventEntry
	Counts []db.CountEntry
	Shifts []shift.Definition

	Now time.Time
}

// TelemetrySource hands out consistent read snapshots of the telemetry store.
type TelemetrySource interface {
	Snapshot(ctx context.Context, fn func(timeseries.Reader) error) error
}

// DowntimeSource returns planned downtime overlapping a window.
type DowntimeSource interface {
	Exceptions(ctx context.Context, machineID uint, start, end time.Time) (downtime.Result, error)
}

// Engine replays telemetry over the active shift window.
type Engine struct {
	telemetry TelemetrySource
	downtime  DowntimeSource
	log       zerolog.Logger
}

func NewEngine(telemetry TelemetrySource, dt DowntimeSource, log zerolog.Logger) *Engine {
	return &Engine{telemetry: telemetry, downtime: dt, log: log}
}

// Compute builds the snapshot for req. Configuration problems (no active
// shift, unmapped tags) are returned as errors wrapping errs.ErrConfiguration.
func (e *Engine) Compute(ctx context.Context, req Request) (*Snapshot, error) {
	if req.Machine == nil {
		return nil, fmt.Errorf("%w: no machine", errs.ErrUnknownMachine)
	}

	window, err := shift.Resolve(req.Now, req.Shifts)
	if err != nil {
		return nil, err
	}
	return e.computeWindow(ctx, req, window)
}

// computeWindow replays telemetry over window, clamped to req.Now.
func (e *Engine) computeWindow(ctx context.Context, req Request, window shift.Window) (*Snapshot, error) {
	m := req.Machine
	start := window.Start
	end := window.End
	if req.Now.Before(end) {
		end = req.Now
	}

	runSig, ok := m.EventSignal(req.Runtime)
	if !ok {
		return nil, fmt.Errorf("%w: machine %s has no runtime signal", errs.ErrMissingTagMapping, m.Name)
	}
	prodSig, ok := m.CountSignal(req.Production)
	if !ok {
		return nil, fmt.Errorf("%w: machine %s has no production count signal", errs.ErrMissingTagMapping, m.Name)
	}

	dt, err := e.downtime.Exceptions(ctx, m.ID, start, end)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Machine:                m.Name,
		Status:                 StatusOK,
		Shift:                  window.Shift.Name,
		ShiftStart:             start,
		ShiftEnd:               window.End,
		WindowEnd:              end,
		PlannedDowntimeSeconds: dt.TotalSeconds,
		TopAlarm:               none,
		TopRejection:           none,
		ComputedAt:             req.Now,
	}

	var running time.Duration
	err = e.telemetry.Snapshot(ctx, func(r timeseries.Reader) error {
		boundary, err := r.LastEventBefore(ctx, m.Name, runSig.Tag, start)
		if err != nil {
			return err
		}
		events, err := r.EventsInRange(ctx, m.Name, runSig.Tag, start, end)
		if err != nil {
			return err
		}

		for _, seg := range Replay(boundary, events, start, end) {
			if !seg.Known || seg.Value != runSig.Value {
				continue
			}
			running += seg.Duration() - downtime.Covered(dt.Intervals, seg.Start, seg.End)
		}
		snap.FirstRunningTime = firstRunning(boundary, events, runSig.Value, start, dt)

		snap.TotalProduced, err = r.CountTotal(ctx, m.Name, prodSig.Tag, start, end, prodSig.Cumulative)
		if err != nil {
			return err
		}

		if snap.TopAlarm, err = e.topAlarm(ctx, r, req, runSig.Tag, start, end); err != nil {
			return err
		}
		snap.TopRejection, err = e.topRejection(ctx, r, req, start, end)
		return err
	})
	if err != nil {
		return nil, err
	}

	snap.RunningSeconds = running.Seconds()
	snap.Runtime = formatHMS(running)

	k := ComputeKPIs(end.Sub(start).Seconds(), dt.TotalSeconds, snap.RunningSeconds, snap.TotalProduced, m.IdealCapacityPerMin)
	snap.Availability = percent(k.Availability)
	snap.Performance = percent(k.Performance)
	snap.Quality = percent(k.Quality)
	snap.OEE = percent(k.OEE)
	snap.DowntimeLosses = percent(k.DowntimeLosses)
	snap.WasteLosses = percent(k.WasteLosses)

	e.log.Debug().
		Str("machine", m.Name).
		Str("shift", snap.Shift).
		Float64("oee", snap.OEE).
		Msg("oee computed")

	return snap, nil
}

// KPIs are the unscaled ratios.
type KPIs struct {
	Availability   float64
	Performance    float64
	Quality        float64
	OEE            float64
	DowntimeLosses float64
	WasteLosses    float64
}

// ComputeKPIs derives the ratios. Every ratio is clamped to [0, 1]. Without
// an ideal capacity the ideal rate is one unit per running second.
func ComputeKPIs(windowSeconds, plannedDowntimeSeconds, runningSeconds, produced, idealPerMin float64) KPIs {
	planned := math.Max(windowSeconds-plannedDowntimeSeconds, 0)

	rate := 1.0
	if idealPerMin > 0 {
		rate = idealPerMin / 60
	}
	ideal := runningSeconds * rate

	var k KPIs
	k.Quality = 1

	if planned > 0 {
		raw := runningSeconds / planned
		k.Availability = clamp01(raw)
		k.DowntimeLosses = math.Max(0, 1-raw)
		if ideal > 0 {
			k.WasteLosses = math.Max(0, 1-produced/ideal)
		}
	}
	if runningSeconds > 0 && ideal > 0 {
		k.Performance = clamp01(produced / ideal)
	}
	k.OEE = k.Availability * k.Performance * k.Quality

	return k
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 1)
}

func percent(v float64) float64 {
	return decimal.NewFromFloat(v * 100).Round(2).InexactFloat64()
}

func formatHMS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// firstRunning is the shift start when the machine was already running, else
// the first running event outside planned downtime.
func firstRunning(boundary *timeseries.Point, events []timeseries.Point, runValue int64, start time.Time, dt downtime.Result) *time.Time {
	if boundary != nil && boundary.Value == runValue {
		t := start
		return &t
	}
	for _, ev := range events {
		if ev.Value == runValue && !dt.Within(ev.Time) {
			t := ev.Time
			return &t
		}
	}
	return nil
}

func (e *Engine) topAlarm(ctx context.Context, r timeseries.Reader, req Request, runTag string, start, end time.Time) (string, error) {
	sig, ok := req.Machine.EventSignal(req.StopReason)
	if !ok || sig.Tag == runTag {
		return none, nil
	}

	boundary, err := r.LastEventBefore(ctx, req.Machine.Name, sig.Tag, start)
	if err != nil {
		return "", err
	}
	events, err := r.EventsInRange(ctx, req.Machine.Name, sig.Tag, start, end)
	if err != nil {
		return "", err
	}

	totals := DurationsByValue(Replay(boundary, events, start, end))
	if len(totals) == 0 {
		return none, nil
	}

	values := make([]int64, 0, len(totals))
	for v := range totals {
		values = append(values, v)
	}
	// Highest duration wins; ties go to the lowest code so output is stable.
	sort.Slice(values, func(i, j int) bool {
		if totals[values[i]] != totals[values[j]] {
			return totals[values[i]] > totals[values[j]]
		}
		return values[i] < values[j]
	})

	top := values[0]
	if totals[top] <= 0 {
		return none, nil
	}
	return fmt.Sprintf("%s (%d min)", alarmName(req, sig.Tag, top), int64(totals[top].Minutes())), nil
}

// alarmName finds the event entry mapped to (tag, value) on the machine.
func alarmName(req Request, tag string, value int64) string {
	for i := range req.Events {
		s, ok := req.Machine.EventSignal(&req.Events[i])
		if ok && s.Tag == tag && s.Value == value {
			return req.Events[i].Name
		}
	}
	return fmt.Sprintf("Code %d", value)
}

func (e *Engine) topRejection(ctx context.Context, r timeseries.Reader, req Request, start, end time.Time) (string, error) {
	var (
		bestName string
		bestQty  float64
	)
	for i := range req.Counts {
		c := &req.Counts[i]
		if req.Production != nil && c.ID == req.Production.ID {
			continue
		}
		sig, ok := req.Machine.CountSignal(c)
		if !ok {
			continue
		}
		qty, err := r.CountTotal(ctx, req.Machine.Name, sig.Tag, start, end, sig.Cumulative)
		if err != nil {
			return "", err
		}
		if qty > bestQty {
			bestName, bestQty = c.Name, qty
		}
	}

	if bestQty <= 0 {
		return none, nil
	}
	return fmt.Sprintf("%s (%s)", bestName, decimal.NewFromFloat(bestQty).String()), nil
}
