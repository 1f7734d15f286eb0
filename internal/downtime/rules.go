package downtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"mesinsight/internal/db"
)

const (
	KindDaily   = "daily"
	KindWeekend = "weekend"
	KindOnce    = "once"
)

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid clock hour %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock minute %q", s)
	}
	return h*60 + m, nil
}

// localize returns the UTC instant of the wall-clock time on the given calendar day in loc.
func localize(day time.Time, minutes int, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, minutes/60, minutes%60, 0, 0, loc).UTC()
}

// WeekendDelta is the number of days between the start and end weekday of a
// weekend rule. Equal weekdays mean a full week unless the end clock is after
// the start clock.
func WeekendDelta(startDay, endDay time.Weekday, startMin, endMin int) int {
	delta := ((int(endDay)-int(startDay))%7 + 7) % 7
	if delta == 0 && endMin <= startMin {
		delta = 7
	}
	return delta
}

// Expand materializes the occurrences of rule whose end lies after now, up to
// horizonDays ahead. Wall-clock times are read in loc; results are UTC.
func Expand(rule db.DowntimeRule, now time.Time, horizonDays int, loc *time.Location) ([]Interval, error) {
	if loc == nil {
		loc = time.UTC
	}
	localNow := now.In(loc)
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)

	var out []Interval
	keep := func(iv Interval) {
		if iv.End.After(now) && iv.End.After(iv.Start) {
			out = append(out, iv)
		}
	}

	switch rule.Kind {
	case KindDaily:
		startMin, err := parseClock(rule.StartClock)
		if err != nil {
			return nil, err
		}
		endMin, err := parseClock(rule.EndClock)
		if err != nil {
			return nil, err
		}
		// Start a day early so an overnight window still in progress is kept.
		for i := -1; i <= horizonDays; i++ {
			day := today.AddDate(0, 0, i)
			if rule.Weekdays != 0 && rule.Weekdays&(1<<uint(day.Weekday())) == 0 {
				continue
			}
			start := localize(day, startMin, loc)
			end := localize(day, endMin, loc)
			if endMin <= startMin {
				end = localize(day.AddDate(0, 0, 1), endMin, loc)
			}
			keep(Interval{Start: start, End: end})
		}

	case KindWeekend:
		startMin, err := parseClock(rule.StartClock)
		if err != nil {
			return nil, err
		}
		endMin, err := parseClock(rule.EndClock)
		if err != nil {
			return nil, err
		}
		startDay := time.Weekday(rule.StartWeekday % 7)
		delta := WeekendDelta(startDay, time.Weekday(rule.EndWeekday%7), startMin, endMin)
		for i := -7; i <= horizonDays; i++ {
			day := today.AddDate(0, 0, i)
			if day.Weekday() != startDay {
				continue
			}
			keep(Interval{
				Start: localize(day, startMin, loc),
				End:   localize(day.AddDate(0, 0, delta), endMin, loc),
			})
		}

	case KindOnce:
		if rule.OnceStart == nil || rule.OnceEnd == nil {
			return nil, fmt.Errorf("rule %d: one-time rule without bounds", rule.ID)
		}
		keep(Interval{Start: wallClock(*rule.OnceStart, loc), End: wallClock(*rule.OnceEnd, loc)})

	default:
		return nil, fmt.Errorf("rule %d: unknown kind %q", rule.ID, rule.Kind)
	}

	return out, nil
}

// wallClock reinterprets t's wall-clock fields in loc.
func wallClock(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc).UTC()
}

// RuleSource loads the rules to expand.
type RuleSource interface {
	ActiveDowntimeRules(ctx context.Context) ([]db.DowntimeRule, error)
}

// Rebuilder regenerates rule-driven PlannedDowntime rows.
type Rebuilder struct {
	db          *gorm.DB
	rules       RuleSource
	loc         *time.Location
	horizonDays int
	log         zerolog.Logger
}

func NewRebuilder(gdb *gorm.DB, rules RuleSource, loc *time.Location, horizonDays int, log zerolog.Logger) *Rebuilder {
	if horizonDays <= 0 {
		horizonDays = 14
	}
	return &Rebuilder{db: gdb, rules: rules, loc: loc, horizonDays: horizonDays, log: log}
}

// Rebuild replaces every rule-generated row that has not yet ended with a
// fresh expansion of the active rules. The swap happens in one transaction so
// concurrent readers see either the old or the new set.
func (r *Rebuilder) Rebuild(ctx context.Context, now time.Time) (int, error) {
	rules, err := r.rules.ActiveDowntimeRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load downtime rules: %w", err)
	}

	var rows []db.PlannedDowntime
	for _, rule := range rules {
		intervals, err := Expand(rule, now, r.horizonDays, r.loc)
		if err != nil {
			r.log.Warn().Err(err).Uint("rule_id", rule.ID).Msg("skipping invalid downtime rule")
			continue
		}
		ruleID := rule.ID
		for _, m := range rule.Machines {
			for _, iv := range intervals {
				rows = append(rows, db.PlannedDowntime{
					MachineID: m.ID,
					StartAt:   iv.Start,
					EndAt:     iv.End,
					RuleID:    &ruleID,
					Reason:    rule.Reason,
				})
			}
		}
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("rule_id IS NOT NULL AND end_at > ?", now.UTC()).Delete(&db.PlannedDowntime{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 500).Error
	})
	if err != nil {
		return 0, fmt.Errorf("swap planned downtime: %w", err)
	}

	r.log.Info().Int("rules", len(rules)).Int("rows", len(rows)).Msg("planned downtime rebuilt")
	return len(rows), nil
}
