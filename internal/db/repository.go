package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mesinsight/internal/errs"
)

// Repository is the read side of the business-record store used by the
// aggregation engine and the HTTP layer.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for writers that need transactions.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) Shifts(ctx context.Context) ([]Shift, error) {
	var shifts []Shift
	if err := r.db.WithContext(ctx).Order("start_hour").Find(&shifts).Error; err != nil {
		return nil, err
	}
	return shifts, nil
}

func (r *Repository) MachineByID(ctx context.Context, id uint) (*Machine, error) {
	return r.machineWhere(ctx, "id = ?", id)
}

func (r *Repository) MachineByName(ctx context.Context, name string) (*Machine, error) {
	return r.machineWhere(ctx, "name = ?", name)
}

func (r *Repository) MachineByCode(ctx context.Context, code string) (*Machine, error) {
	return r.machineWhere(ctx, "code = ?", code)
}

// MachineByAssetID returns nil without error when no machine is linked to the asset.
func (r *Repository) MachineByAssetID(ctx context.Context, assetID int64) (*Machine, error) {
	m, err := r.machineWhere(ctx, "maintenance_asset_id = ?", assetID)
	if errors.Is(err, errs.ErrUnknownMachine) {
		return nil, nil
	}
	return m, err
}

func (r *Repository) machineWhere(ctx context.Context, query string, arg any) (*Machine, error) {
	var m Machine
	err := r.db.WithContext(ctx).Preload("Signals").Where(query, arg).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnknownMachine, arg)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) Machines(ctx context.Context) ([]Machine, error) {
	var machines []Machine
	if err := r.db.WithContext(ctx).Preload("Signals").Order("name").Find(&machines).Error; err != nil {
		return nil, err
	}
	return machines, nil
}

func (r *Repository) EventEntries(ctx context.Context) ([]EventEntry, error) {
	var entries []EventEntry
	if err := r.db.WithContext(ctx).Order("id").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repository) CountEntries(ctx context.Context) ([]CountEntry, error) {
	var entries []CountEntry
	if err := r.db.WithContext(ctx).Order("id").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// PlannedDowntimes returns rows overlapping [start, end).
func (r *Repository) PlannedDowntimes(ctx context.Context, machineID uint, start, end time.Time) ([]PlannedDowntime, error) {
	var rows []PlannedDowntime
	err := r.db.WithContext(ctx).
		Where("machine_id = ? AND start_at < ? AND end_at > ?", machineID, end.UTC(), start.UTC()).
		Order("start_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ActiveDowntimeRules loads active rules with their machines.
func (r *Repository) ActiveDowntimeRules(ctx context.Context) ([]DowntimeRule, error) {
	var rules []DowntimeRule
	if err := r.db.WithContext(ctx).Preload("Machines").Where("active = ?", true).Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}
