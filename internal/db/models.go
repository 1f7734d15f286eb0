package db

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Shift is a configured work shift. The active window is
// [StartHour, StartHour+DurationHours) mod 24 in business-local time.
type Shift struct {
	ID uint `gorm:"primaryKey"`

	Name          string `gorm:"uniqueIndex;size:64;not null"`
	Code          string `gorm:"size:64"`
	StartHour     float64
	DurationHours float64
}

// ShiftLabel maps a label emitted by the legacy shift database to a local shift.
// Rows take precedence over the configured label map.
type ShiftLabel struct {
	ID uint `gorm:"primaryKey"`

	Label   string `gorm:"uniqueIndex;size:128;not null"`
	ShiftID uint   `gorm:"not null"`
	Shift   Shift
}

// PendingShiftLabel queues an unrecognized legacy shift label for manual mapping.
type PendingShiftLabel struct {
	ID uint `gorm:"primaryKey"`

	Label       string `gorm:"uniqueIndex;size:128;not null"`
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Occurrences int
}

// Machine (workcenter) is looked up by natural key during imports and is never
// deleted by the core.
type Machine struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Name string `gorm:"uniqueIndex;size:128;not null"`

	// Code is the machine's code in the legacy database (e.g. "IMA3").
	Code   *string `gorm:"uniqueIndex;size:64"`
	Number int

	IdealCapacityPerMin float64

	RuntimeEventID    *uint
	StopReasonEventID *uint
	ProductionCountID *uint

	// RefreshFrequency is the minimum number of seconds between OEE recomputations.
	RefreshFrequency int

	// MaintenanceAssetID links the machine to an asset in the ticketing system.
	MaintenanceAssetID *int64 `gorm:"uniqueIndex"`

	Signals []MachineSignal
}

// MachineSignal overrides the default tag/value of a dictionary entry for one machine.
type MachineSignal struct {
	ID uint `gorm:"primaryKey"`

	MachineID uint  `gorm:"index;not null"`
	EventID   *uint `gorm:"index"`
	CountID   *uint `gorm:"index"`

	Tag          string `gorm:"size:255;not null"`
	Value        int64
	IsCumulative bool
}

// EventEntry is a node of the event (machine state / alarm) dictionary.
type EventEntry struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Code         *string `gorm:"uniqueIndex;size:64"`
	Name         string  `gorm:"index;size:255;not null"`
	ParentID     *uint   `gorm:"index"`
	CompletePath string  `gorm:"size:1024"`

	DefaultTag   string `gorm:"size:255"`
	DefaultValue int64

	// Category is the loss category the alarm counts against.
	Category string `gorm:"size:32;default:availability"`

	Extra datatypes.JSONMap `gorm:"type:json"`
}

// CountEntry is a node of the count (production / rejection) dictionary.
type CountEntry struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Code         *string `gorm:"uniqueIndex;size:64"`
	Name         string  `gorm:"index;size:255;not null"`
	ParentID     *uint   `gorm:"index"`
	CompletePath string  `gorm:"size:1024"`

	DefaultTag   string `gorm:"size:255"`
	IsCumulative bool

	Extra datatypes.JSONMap `gorm:"type:json"`
}

// DowntimeRule is a recurring or one-time planned downtime definition. Rules
// are expanded into PlannedDowntime rows by the rebuild job.
type DowntimeRule struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Name   string `gorm:"size:255;not null"`
	Kind   string `gorm:"size:16;not null"` // daily, weekend, once
	Reason string `gorm:"size:32;default:maintenance"`
	Active bool   `gorm:"default:true"`

	// StartClock and EndClock are "HH:MM" wall-clock times in the business timezone.
	StartClock string `gorm:"size:5"`
	EndClock   string `gorm:"size:5"`

	// Weekdays is a time.Weekday bitmask for daily rules; zero means every day.
	Weekdays int

	StartWeekday int
	EndWeekday   int

	// OnceStart and OnceEnd carry the local wall-clock bounds of a one-time rule.
	OnceStart *time.Time
	OnceEnd   *time.Time

	Machines []Machine `gorm:"many2many:downtime_rule_machines"`
}

// PlannedDowntime is a materialized exclusion interval in UTC. Rows without a
// RuleID are ad-hoc and survive rebuilds.
type PlannedDowntime struct {
	ID uint `gorm:"primaryKey"`

	MachineID uint      `gorm:"index:idx_downtime_window,priority:1;not null"`
	StartAt   time.Time `gorm:"index:idx_downtime_window,priority:2;not null"`
	EndAt     time.Time `gorm:"not null"`
	RuleID    *uint     `gorm:"index"`
	Reason    string    `gorm:"size:255"`
}

// PerformanceReport is the per (machine, date, shift) document holding alarm
// intervals and rejection quantities.
type PerformanceReport struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Name      string    `gorm:"size:128"`
	MachineID uint      `gorm:"uniqueIndex:idx_report_key,priority:1;not null"`
	Date      time.Time `gorm:"uniqueIndex:idx_report_key,priority:2;not null"`
	ShiftID   uint      `gorm:"uniqueIndex:idx_report_key,priority:3;not null"`
	State     string    `gorm:"size:16;default:draft"`

	Alarms     []ReportAlarm     `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
	Rejections []ReportRejection `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
}

// ReportAlarm is one clamped alarm interval inside a shift report.
type ReportAlarm struct {
	ID uint `gorm:"primaryKey"`

	ReportID    uint `gorm:"index;not null"`
	LossID      uint `gorm:"not null"`
	StartAt     time.Time
	EndAt       time.Time
	DurationMin float64
	Comment     string `gorm:"size:512"`
}

// BeforeSave derives the duration from the interval bounds.
func (a *ReportAlarm) BeforeSave(*gorm.DB) error {
	a.DurationMin = 0
	if !a.StartAt.IsZero() && a.EndAt.After(a.StartAt) {
		a.DurationMin = a.EndAt.Sub(a.StartAt).Minutes()
	}
	return nil
}

// ReportRejection is a rejection quantity inside a shift report.
type ReportRejection struct {
	ID uint `gorm:"primaryKey"`

	ReportID uint  `gorm:"index;not null"`
	ReasonID *uint `gorm:"index"`
	Qty      float64
}

// Employee is a local person record that tickets can be assigned to.
type Employee struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	Name       string  `gorm:"size:255;not null"`
	Email      string  `gorm:"size:255"`
	ExternalID *string `gorm:"uniqueIndex;size:64"`
}

// MaintenanceTask mirrors a ticket owned by the external maintenance system.
type MaintenanceTask struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	ExternalID  string `gorm:"uniqueIndex;size:64;not null"`
	ContentHash string `gorm:"size:64"`

	Title       string `gorm:"size:512"`
	Description string `gorm:"type:text"`
	Status      string `gorm:"size:16;default:new"`
	Priority    int

	AssigneeID *uint
	MachineID  *uint

	ExternalUpdatedAt *time.Time
	LastSyncedAt      time.Time

	// AssigneeLog is append-only; one line per assignee change.
	AssigneeLog string `gorm:"type:text"`

	Raw datatypes.JSONMap `gorm:"type:json"`

	StatusHistory []TaskStatusHistory `gorm:"foreignKey:TaskID"`
}

// TaskStatusHistory rows are immutable once appended.
type TaskStatusHistory struct {
	ID uint `gorm:"primaryKey"`

	TaskID         uint   `gorm:"index;not null"`
	Status         string `gorm:"size:16;not null"`
	PreviousStatus string `gorm:"size:16"`
	ChangedAt      time.Time
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{
		&APIKey{},
		&Shift{}, &ShiftLabel{}, &PendingShiftLabel{},
		&Machine{}, &MachineSignal{},
		&EventEntry{}, &CountEntry{},
		&DowntimeRule{}, &PlannedDowntime{},
		&PerformanceReport{}, &ReportAlarm{}, &ReportRejection{},
		&Employee{}, &MaintenanceTask{}, &TaskStatusHistory{},
	}
}
