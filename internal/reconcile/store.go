package reconcile

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mesinsight/internal/db"
	"mesinsight/internal/errs"
	"mesinsight/internal/hierarchy"
)

const (
	defaultCategory = "Uncategorized"
	maxReasonName   = 100
)

// Outcome describes what a group write did.
type Outcome struct {
	ReportID          uint
	ReportCreated     bool
	AlarmsWritten     bool
	RejectionsWritten bool
}

// ReportStore writes groups into the business-record store, one transaction per group.
type ReportStore struct {
	db     *gorm.DB
	labels map[string]string
	loc    *time.Location
	now    func() time.Time
	log    zerolog.Logger
}

// NewReportStore builds a store. labels maps legacy shift labels to local
// shift names and is consulted after the shift_labels table.
func NewReportStore(gdb *gorm.DB, labels map[string]string, loc *time.Location, log zerolog.Logger) *ReportStore {
	if loc == nil {
		loc = time.UTC
	}
	return &ReportStore{db: gdb, labels: labels, loc: loc, now: time.Now, log: log}
}

// WriteGroup resolves the machine, shift and report of g and applies the
// overwrite policy to its alarms and rejections independently: an empty
// collection is always filled; a populated one is replaced only when force is
// set or more rows arrive than are stored. Incoming empty collections never
// delete anything.
func (s *ReportStore) WriteGroup(ctx context.Context, g Group, force bool) (Outcome, error) {
	shiftName, err := s.shiftName(ctx, g.Key.Shift)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		machine, err := s.resolveMachine(tx, g.Key.Machine)
		if err != nil {
			return err
		}
		sh, err := s.resolveShift(tx, shiftName, g.Shift)
		if err != nil {
			return err
		}
		report, created, err := s.resolveReport(tx, machine, sh, g.Shift.Date)
		if err != nil {
			return err
		}
		out.ReportID, out.ReportCreated = report.ID, created

		if out.AlarmsWritten, err = s.writeAlarms(tx, report.ID, g.Alarms, force); err != nil {
			return err
		}
		out.RejectionsWritten, err = s.writeRejections(tx, report.ID, g.Rejections, force)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	return out, nil
}

func shouldReplace(existing int64, incoming int, force bool) bool {
	if incoming == 0 {
		return false
	}
	return existing == 0 || force || int64(incoming) > existing
}

// shiftName maps a legacy label through the shift_labels table, then the
// configured map. Unknown labels are queued for manual mapping and rejected.
func (s *ReportStore) shiftName(ctx context.Context, label string) (string, error) {
	var mapping db.ShiftLabel
	err := s.db.WithContext(ctx).Preload("Shift").Where(&db.ShiftLabel{Label: label}).Limit(1).Find(&mapping).Error
	if err != nil {
		return "", err
	}
	if mapping.ID != 0 && mapping.Shift.Name != "" {
		return mapping.Shift.Name, nil
	}
	if name, ok := s.labels[label]; ok && name != "" {
		return name, nil
	}

	now := s.now().UTC()
	pending := db.PendingShiftLabel{Label: label, FirstSeenAt: now, LastSeenAt: now, Occurrences: 1}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "label"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_seen_at": now,
			"occurrences":  gorm.Expr("pending_shift_labels.occurrences + 1"),
		}),
	}).Create(&pending).Error
	if err != nil {
		s.log.Warn().Err(err).Str("label", label).Msg("failed to queue shift label")
	}

	return "", fmt.Errorf("%w: %q", errs.ErrUnmappedShiftLabel, label)
}

// ParseMachineName splits a legacy "<num> - <code>" machine name. Names
// without a dash yield the whole name as code and number 0.
func ParseMachineName(raw string) (code string, number int) {
	head, tail, ok := strings.Cut(raw, "-")
	if !ok {
		return strings.TrimSpace(raw), 0
	}
	for _, r := range head {
		if unicode.IsDigit(r) {
			number = number*10 + int(r-'0')
		}
	}
	return strings.TrimSpace(tail), number
}

func (s *ReportStore) resolveMachine(tx *gorm.DB, raw string) (*db.Machine, error) {
	var m db.Machine
	if err := tx.Where(&db.Machine{Name: raw}).Limit(1).Find(&m).Error; err != nil {
		return nil, err
	}
	if m.ID != 0 {
		return &m, nil
	}

	code, number := ParseMachineName(raw)
	if code != "" {
		if err := tx.Where("code = ?", code).Limit(1).Find(&m).Error; err != nil {
			return nil, err
		}
		if m.ID != 0 {
			return &m, nil
		}
	}

	m = db.Machine{Name: raw, Number: number}
	if code != "" {
		m.Code = &code
	}
	if err := tx.Create(&m).Error; err != nil {
		return nil, err
	}
	s.log.Info().Str("machine", raw).Uint("id", m.ID).Msg("created machine from legacy import")
	return &m, nil
}

// resolveShift finds the local shift by name, creating it from the legacy
// row's local start hour and length when missing.
func (s *ReportStore) resolveShift(tx *gorm.DB, name string, row ShiftRow) (*db.Shift, error) {
	var sh db.Shift
	if err := tx.Where(&db.Shift{Name: name}).Limit(1).Find(&sh).Error; err != nil {
		return nil, err
	}
	if sh.ID != 0 {
		return &sh, nil
	}

	start := row.Start.In(s.loc)
	sh = db.Shift{
		Name:          name,
		StartHour:     float64(start.Hour()) + float64(start.Minute())/60,
		DurationHours: math.Round(row.End.Sub(row.Start).Hours()*100) / 100,
	}
	if sh.DurationHours <= 0 {
		return nil, fmt.Errorf("%w: shift %q has no duration", errs.ErrDataIntegrity, name)
	}
	if err := tx.Create(&sh).Error; err != nil {
		return nil, err
	}
	return &sh, nil
}

func reportDate(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func (s *ReportStore) resolveReport(tx *gorm.DB, m *db.Machine, sh *db.Shift, date time.Time) (*db.PerformanceReport, bool, error) {
	date = reportDate(date)

	var r db.PerformanceReport
	err := tx.Where("machine_id = ? AND date = ? AND shift_id = ?", m.ID, date, sh.ID).Limit(1).Find(&r).Error
	if err != nil {
		return nil, false, err
	}
	if r.ID != 0 {
		return &r, false, nil
	}

	r = db.PerformanceReport{
		Name:      fmt.Sprintf("PERF/%s/%s", date.Format(dateLayout), m.Name),
		MachineID: m.ID,
		Date:      date,
		ShiftID:   sh.ID,
		State:     "draft",
	}
	if err := tx.Create(&r).Error; err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

func (s *ReportStore) writeAlarms(tx *gorm.DB, reportID uint, alarms []Alarm, force bool) (bool, error) {
	var existing int64
	if err := tx.Model(&db.ReportAlarm{}).Where("report_id = ?", reportID).Count(&existing).Error; err != nil {
		return false, err
	}
	if !shouldReplace(existing, len(alarms), force) {
		return false, nil
	}

	items := make([]hierarchy.Item, len(alarms))
	for i, a := range alarms {
		items[i] = reasonItem(a.Code, a.Name, a.Category, "Unknown Alarm")
	}
	ids, err := resolveReasons(tx.Statement.Context, hierarchy.Events(tx, s.log), items)
	if err != nil {
		return false, err
	}

	if err := tx.Where("report_id = ?", reportID).Delete(&db.ReportAlarm{}).Error; err != nil {
		return false, err
	}

	rows := make([]db.ReportAlarm, 0, len(alarms))
	for i, a := range alarms {
		if ids[i] == 0 {
			return false, fmt.Errorf("%w: alarm %q", errs.ErrUnmappedCode, a.Code)
		}
		rows = append(rows, db.ReportAlarm{
			ReportID: reportID,
			LossID:   ids[i],
			StartAt:  a.Start.UTC(),
			EndAt:    a.End.UTC(),
			Comment:  a.Comment,
		})
	}
	return true, tx.Create(&rows).Error
}

func (s *ReportStore) writeRejections(tx *gorm.DB, reportID uint, rejections []Rejection, force bool) (bool, error) {
	var existing int64
	if err := tx.Model(&db.ReportRejection{}).Where("report_id = ?", reportID).Count(&existing).Error; err != nil {
		return false, err
	}
	if !shouldReplace(existing, len(rejections), force) {
		return false, nil
	}

	items := make([]hierarchy.Item, len(rejections))
	for i, r := range rejections {
		items[i] = reasonItem(r.Code, r.Name, r.Category, "Unknown Defect")
	}
	ids, err := resolveReasons(tx.Statement.Context, hierarchy.Counts(tx, s.log), items)
	if err != nil {
		return false, err
	}

	if err := tx.Where("report_id = ?", reportID).Delete(&db.ReportRejection{}).Error; err != nil {
		return false, err
	}

	rows := make([]db.ReportRejection, 0, len(rejections))
	for i, r := range rejections {
		row := db.ReportRejection{ReportID: reportID, Qty: r.Qty}
		if ids[i] != 0 {
			id := ids[i]
			row.ReasonID = &id
		}
		rows = append(rows, row)
	}
	return true, tx.Create(&rows).Error
}

func reasonItem(code, name, category, fallback string) hierarchy.Item {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fallback
	}
	if r := []rune(name); len(r) > maxReasonName {
		name = string(r[:maxReasonName])
	}
	category = strings.TrimSpace(category)
	if category == "" {
		category = defaultCategory
	}
	return hierarchy.Item{Name: name, Code: strings.TrimSpace(code), ParentName: category}
}

// resolveReasons maps each item to a dictionary id. Known codes are looked up
// as stored; only unknown ones go through the hierarchy sync, so local edits
// to existing entries are never overwritten by the import.
func resolveReasons[T any, PT interface {
	*T
	db.Node
}](ctx context.Context, store *hierarchy.Store[T, PT], items []hierarchy.Item) ([]uint, error) {
	ids := make([]uint, len(items))

	known := make(map[string]uint)
	var missing []hierarchy.Item
	var missingAt []int

	for i, it := range items {
		if it.Code != "" {
			if id, ok := known[it.Code]; ok {
				ids[i] = id
				continue
			}
			n, err := store.ByCode(ctx, it.Code)
			if err != nil {
				return nil, err
			}
			if n != nil {
				known[it.Code] = n.GetID()
				ids[i] = n.GetID()
				continue
			}
		}
		missing = append(missing, it)
		missingAt = append(missingAt, i)
	}

	if len(missing) == 0 {
		return ids, nil
	}

	res, err := store.SyncBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, i := range missingAt {
		ids[i] = res.IDs[j]
	}
	if res.Failed > 0 {
		return ids, fmt.Errorf("%w: %d reason codes rejected", errs.ErrUnmappedCode, res.Failed)
	}
	return ids, nil
}
