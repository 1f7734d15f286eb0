package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mesinsight/internal/db"
	"mesinsight/internal/db/dbtest"
	"mesinsight/internal/errs"
)

var labels = map[string]string{"1. Mornings": "Morning"}

func newStore(t *testing.T) (*ReportStore, *gorm.DB) {
	t.Helper()
	gdb := dbtest.Open(t)
	s := NewReportStore(gdb, labels, time.UTC, zerolog.Nop())
	s.now = func() time.Time { return at(20, 0) }
	return s, gdb
}

func alarms(codes ...string) []Alarm {
	out := make([]Alarm, len(codes))
	for i, c := range codes {
		out[i] = Alarm{Code: c, Name: "Alarm " + c, Category: "Mechanical", Start: at(8+i, 0), End: at(8+i, 30)}
	}
	return out
}

func group(machine string, a []Alarm, r []Rejection) Group {
	sh := morning(machine)
	return Group{Key: KeyOf(sh), Shift: sh, Alarms: a, Rejections: r}
}

func countAlarms(t *testing.T, gdb *gorm.DB, reportID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, gdb.Model(&db.ReportAlarm{}).Where("report_id = ?", reportID).Count(&n).Error)
	return n
}

func TestWriteGroupCreatesRecords(t *testing.T) {
	s, gdb := newStore(t)
	ctx := context.Background()

	rej := []Rejection{{Code: "R1", Name: "Short fill", Qty: 4}, {Code: "", Name: "", Qty: 1}}
	out, err := s.WriteGroup(ctx, group("12 - IMA3", alarms("A1", "A2"), rej), false)
	require.NoError(t, err)
	assert.True(t, out.ReportCreated)
	assert.True(t, out.AlarmsWritten)
	assert.True(t, out.RejectionsWritten)

	var m db.Machine
	require.NoError(t, gdb.Where("name = ?", "12 - IMA3").First(&m).Error)
	require.NotNil(t, m.Code)
	assert.Equal(t, "IMA3", *m.Code)
	assert.Equal(t, 12, m.Number)

	var sh db.Shift
	require.NoError(t, gdb.Where("name = ?", "Morning").First(&sh).Error)
	assert.Equal(t, 8.0, sh.StartHour)
	assert.Equal(t, 8.0, sh.DurationHours)

	var r db.PerformanceReport
	require.NoError(t, gdb.Preload("Alarms").Preload("Rejections").First(&r, out.ReportID).Error)
	assert.Equal(t, "PERF/2026-03-02/12 - IMA3", r.Name)
	require.Len(t, r.Alarms, 2)
	assert.Equal(t, 30.0, r.Alarms[0].DurationMin)
	require.Len(t, r.Rejections, 2)

	var jam db.EventEntry
	require.NoError(t, gdb.Where("code = ?", "A1").First(&jam).Error)
	assert.Equal(t, "Mechanical / Alarm A1", jam.CompletePath)

	var unknown db.CountEntry
	require.NoError(t, gdb.Where("name = ?", "Unknown Defect").First(&unknown).Error)
	assert.Equal(t, "Uncategorized / Unknown Defect", unknown.CompletePath)
}

func TestWriteGroupOverwritePolicy(t *testing.T) {
	s, gdb := newStore(t)
	ctx := context.Background()

	out, err := s.WriteGroup(ctx, group("M", alarms("A1", "A2"), nil), false)
	require.NoError(t, err)
	id := out.ReportID
	assert.False(t, out.RejectionsWritten, "empty incoming collection is not written")

	// Fewer rows without force keep what is stored.
	out, err = s.WriteGroup(ctx, group("M", alarms("A1"), nil), false)
	require.NoError(t, err)
	assert.False(t, out.ReportCreated)
	assert.False(t, out.AlarmsWritten)
	assert.Equal(t, int64(2), countAlarms(t, gdb, id))

	// More rows replace.
	out, err = s.WriteGroup(ctx, group("M", alarms("A1", "A2", "A3"), nil), false)
	require.NoError(t, err)
	assert.True(t, out.AlarmsWritten)
	assert.Equal(t, int64(3), countAlarms(t, gdb, id))

	// Force replaces with fewer.
	out, err = s.WriteGroup(ctx, group("M", alarms("A9"), nil), true)
	require.NoError(t, err)
	assert.True(t, out.AlarmsWritten)
	assert.Equal(t, int64(1), countAlarms(t, gdb, id))

	// Empty incoming never deletes, even forced.
	out, err = s.WriteGroup(ctx, group("M", nil, nil), true)
	require.NoError(t, err)
	assert.False(t, out.AlarmsWritten)
	assert.Equal(t, int64(1), countAlarms(t, gdb, id))
}

func TestWriteGroupKeepsKnownDictionaryEntries(t *testing.T) {
	s, gdb := newStore(t)

	code := "A1"
	local := db.EventEntry{Code: &code, Name: "Local name"}
	require.NoError(t, gdb.Create(&local).Error)

	_, err := s.WriteGroup(context.Background(), group("M", alarms("A1"), nil), false)
	require.NoError(t, err)

	var e db.EventEntry
	require.NoError(t, gdb.First(&e, local.ID).Error)
	assert.Equal(t, "Local name", e.Name)

	var a db.ReportAlarm
	require.NoError(t, gdb.First(&a).Error)
	assert.Equal(t, local.ID, a.LossID)
}

func TestWriteGroupMatchesMachineByCode(t *testing.T) {
	s, gdb := newStore(t)

	code := "IMA3"
	existing := db.Machine{Name: "IMA3 blister line", Code: &code}
	require.NoError(t, gdb.Create(&existing).Error)

	out, err := s.WriteGroup(context.Background(), group("7 - IMA3", alarms("A1"), nil), false)
	require.NoError(t, err)

	var r db.PerformanceReport
	require.NoError(t, gdb.First(&r, out.ReportID).Error)
	assert.Equal(t, existing.ID, r.MachineID)

	var n int64
	require.NoError(t, gdb.Model(&db.Machine{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestWriteGroupShiftLabelTableWins(t *testing.T) {
	s, gdb := newStore(t)

	night := db.Shift{Name: "Night", StartHour: 22, DurationHours: 8}
	require.NoError(t, gdb.Create(&night).Error)
	require.NoError(t, gdb.Create(&db.ShiftLabel{Label: "1. Mornings", ShiftID: night.ID}).Error)

	out, err := s.WriteGroup(context.Background(), group("M", alarms("A1"), nil), false)
	require.NoError(t, err)

	var r db.PerformanceReport
	require.NoError(t, gdb.First(&r, out.ReportID).Error)
	assert.Equal(t, night.ID, r.ShiftID)
}

func TestWriteGroupQueuesUnmappedLabel(t *testing.T) {
	s, gdb := newStore(t)
	ctx := context.Background()

	g := group("M", alarms("A1"), nil)
	g.Shift.Label = "4. Weekend"
	g.Key = KeyOf(g.Shift)

	_, err := s.WriteGroup(ctx, g, false)
	assert.ErrorIs(t, err, errs.ErrUnmappedShiftLabel)
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)
	_, err = s.WriteGroup(ctx, g, false)
	assert.ErrorIs(t, err, errs.ErrUnmappedShiftLabel)

	var p db.PendingShiftLabel
	require.NoError(t, gdb.Where("label = ?", "4. Weekend").First(&p).Error)
	assert.Equal(t, 2, p.Occurrences)

	var n int64
	require.NoError(t, gdb.Model(&db.PerformanceReport{}).Count(&n).Error)
	assert.Zero(t, n)
}

type fakeSource struct {
	shifts []ShiftRow
	events []EventRow
	counts []CountRow
	err    error
}

func (f *fakeSource) Shifts(context.Context, time.Time, time.Time) ([]ShiftRow, error) {
	return f.shifts, nil
}

func (f *fakeSource) Events(context.Context, time.Time, time.Time) ([]EventRow, error) {
	return f.events, f.err
}

func (f *fakeSource) Counts(context.Context, time.Time, time.Time) ([]CountRow, error) {
	return f.counts, nil
}

func TestImporterRun(t *testing.T) {
	s, gdb := newStore(t)
	ctx := context.Background()

	weekend := morning("M")
	weekend.Label = "4. Weekend"

	src := &fakeSource{
		shifts: []ShiftRow{morning("M"), weekend},
		events: []EventRow{
			{MachineCode: "M", Start: at(9, 0), Code: "A1", Name: "Jam"},
			{MachineCode: "M", Start: at(9, 45), Code: "RUN", Name: "Running"},
		},
		counts: []CountRow{{MachineCode: "M", Time: at(10, 0), Code: "R1", Qty: 2}},
	}

	im := NewImporter(src, s, zerolog.Nop())
	im.now = func() time.Time { return at(20, 0) }

	res, err := im.Run(ctx, day, day.AddDate(0, 0, 1), false)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID.String())
	assert.Equal(t, 2, res.Groups)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Unmapped)
	assert.Zero(t, res.Failed)

	var a []db.ReportAlarm
	require.NoError(t, gdb.Order("start_at").Find(&a).Error)
	require.Len(t, a, 2)
	assert.Equal(t, 45.0, a[0].DurationMin)
	assert.Equal(t, at(16, 0), a[1].EndAt.UTC())

	// Re-running without new data keeps the report as is.
	res, err = im.Run(ctx, day, day.AddDate(0, 0, 1), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Kept)
	assert.Zero(t, res.Written)
}

func TestImporterSourceError(t *testing.T) {
	s, _ := newStore(t)
	src := &fakeSource{shifts: []ShiftRow{morning("M")}, err: errors.New("login failed")}

	_, err := NewImporter(src, s, zerolog.Nop()).Run(context.Background(), day, day, false)
	assert.ErrorIs(t, err, errs.ErrExternalSource)
}
