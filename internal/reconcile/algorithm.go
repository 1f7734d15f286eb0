// Package reconcile imports shift alarm intervals and rejection counts from
// the legacy shift database into per (machine, date, shift) reports.
package reconcile

import (
	"sort"
	"time"
)

// ShiftRow is one shift occurrence reported by the legacy source.
type ShiftRow struct {
	MachineCode string
	Label       string
	Date        time.Time
	Start       time.Time
	End         time.Time
}

// EventRow is a raw state change. CalculatedEnd is filled by FillGaps; nil
// means the machine has not left this state yet.
type EventRow struct {
	MachineCode   string
	Start         time.Time
	Code          string
	Name          string
	Category      string
	Comment       string
	CalculatedEnd *time.Time
}

// CountRow is a raw rejection count sample.
type CountRow struct {
	MachineCode string
	Time        time.Time
	Code        string
	Name        string
	Category    string
	Qty         float64
}

// Alarm is an event interval clamped to one shift.
type Alarm struct {
	Code     string
	Name     string
	Category string
	Comment  string
	Start    time.Time
	End      time.Time
}

// Rejection is a count sample assigned to one shift.
type Rejection struct {
	Code     string
	Name     string
	Category string
	Time     time.Time
	Qty      float64
}

// Key identifies a report.
type Key struct {
	Machine string
	Date    string
	Shift   string
}

// Group is everything imported for one report.
type Group struct {
	Key
	Shift      ShiftRow
	Alarms     []Alarm
	Rejections []Rejection
}

const dateLayout = "2006-01-02"

// KeyOf returns the report key of a shift row.
func KeyOf(sh ShiftRow) Key {
	return Key{Machine: sh.MachineCode, Date: sh.Date.Format(dateLayout), Shift: sh.Label}
}

// SearchBounds returns [min start - 1 day, max end] over the shifts. The
// backward pad catches events that began before the first shift and bleed into it.
func SearchBounds(shifts []ShiftRow) (from, to time.Time, ok bool) {
	if len(shifts) == 0 {
		return time.Time{}, time.Time{}, false
	}
	from, to = shifts[0].Start, shifts[0].End
	for _, sh := range shifts[1:] {
		if sh.Start.Before(from) {
			from = sh.Start
		}
		if sh.End.After(to) {
			to = sh.End
		}
	}
	return from.AddDate(0, 0, -1), to, true
}

// SortEvents orders events by machine, then start time.
func SortEvents(events []EventRow) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].MachineCode != events[j].MachineCode {
			return events[i].MachineCode < events[j].MachineCode
		}
		return events[i].Start.Before(events[j].Start)
	})
}

// FillGaps sets each event's CalculatedEnd to the next event's start when the
// next event belongs to the same machine, else nil. events must be sorted by
// machine and time. Running it again yields the same result.
func FillGaps(events []EventRow) {
	for i := range events {
		events[i].CalculatedEnd = nil
		if i+1 < len(events) && events[i+1].MachineCode == events[i].MachineCode {
			next := events[i+1].Start
			events[i].CalculatedEnd = &next
		}
	}
}

// EffectiveEnd resolves an event's end against one shift: the calculated end
// when known, otherwise the shift end once the shift is over, or now while it runs.
func EffectiveEnd(ev EventRow, sh ShiftRow, now time.Time) time.Time {
	if ev.CalculatedEnd != nil {
		return *ev.CalculatedEnd
	}
	if sh.End.After(now) {
		return now
	}
	return sh.End
}

// Clamp intersects an event with a shift. For a shift still in progress an
// interval running past the shift end is cut at now instead, so it keeps growing.
func Clamp(ev EventRow, sh ShiftRow, now time.Time) (Alarm, bool) {
	end := EffectiveEnd(ev, sh, now)
	if !ev.Start.Before(sh.End) || !end.After(sh.Start) {
		return Alarm{}, false
	}

	start := ev.Start
	if sh.Start.After(start) {
		start = sh.Start
	}

	clamped := end
	if end.After(sh.End) {
		clamped = sh.End
		if sh.End.After(now) && now.Before(end) {
			clamped = now
		}
	}

	if !clamped.After(start) {
		return Alarm{}, false
	}

	return Alarm{
		Code:     ev.Code,
		Name:     ev.Name,
		Category: ev.Category,
		Comment:  ev.Comment,
		Start:    start,
		End:      clamped,
	}, true
}

// Merge builds one group per report key, in shift order. Repeated shift
// rows for the same key fold into the first. events must already
// be gap-filled. Each count goes to the first shift of its machine whose
// bounds contain its timestamp.
func Merge(shifts []ShiftRow, events []EventRow, counts []CountRow, now time.Time) []Group {
	byMachine := make(map[string][]EventRow)
	for _, ev := range events {
		byMachine[ev.MachineCode] = append(byMachine[ev.MachineCode], ev)
	}

	groups := make([]Group, 0, len(shifts))
	index := make(map[Key]int, len(shifts))
	slot := make([]int, len(shifts))

	for i, sh := range shifts {
		k := KeyOf(sh)
		if gi, ok := index[k]; ok {
			// A repeated row carries the same shift; its alarms are already in.
			slot[i] = gi
			continue
		}
		gi := len(groups)
		index[k] = gi
		groups = append(groups, Group{Key: k, Shift: sh})
		slot[i] = gi

		for _, ev := range byMachine[sh.MachineCode] {
			if a, ok := Clamp(ev, sh, now); ok {
				groups[gi].Alarms = append(groups[gi].Alarms, a)
			}
		}
	}

	for _, c := range counts {
		for i, sh := range shifts {
			if sh.MachineCode != c.MachineCode || c.Time.Before(sh.Start) || c.Time.After(sh.End) {
				continue
			}
			gi := slot[i]
			groups[gi].Rejections = append(groups[gi].Rejections, Rejection{
				Code:     c.Code,
				Name:     c.Name,
				Category: c.Category,
				Time:     c.Time,
				Qty:      c.Qty,
			})
			break
		}
	}

	return groups
}
