package oee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"mesinsight/internal/db"
	"mesinsight/internal/errs"
	"mesinsight/internal/metrics"
	"mesinsight/internal/shift"
)

// Catalog loads machine configuration from the business-record store.
type Catalog interface {
	MachineByName(ctx context.Context, name string) (*db.Machine, error)
	Shifts(ctx context.Context) ([]db.Shift, error)
	EventEntries(ctx context.Context) ([]db.EventEntry, error)
	CountEntries(ctx context.Context) ([]db.CountEntry, error)
}

// Service serves per-machine snapshots, recomputing at most once per refresh
// interval. Concurrent requests for the same machine share one computation.
type Service struct {
	engine     *Engine
	catalog    Catalog
	cache      SnapshotCache
	loc        *time.Location
	minRefresh time.Duration
	now        func() time.Time
	log        zerolog.Logger

	group singleflight.Group
}

func NewService(engine *Engine, catalog Catalog, cache SnapshotCache, loc *time.Location, minRefresh time.Duration, log zerolog.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		engine:     engine,
		catalog:    catalog,
		cache:      cache,
		loc:        loc,
		minRefresh: minRefresh,
		now:        time.Now,
		log:        log,
	}
}

// Snapshot returns the cached snapshot while it is fresh, otherwise computes
// a new one. Configuration errors yield a neutral snapshot and no error so
// dashboards keep rendering; store failures are returned.
func (s *Service) Snapshot(ctx context.Context, machine string) (*Snapshot, error) {
	if snap, ok, err := s.cache.Get(ctx, machine); err != nil {
		s.log.Warn().Err(err).Str("machine", machine).Msg("snapshot cache read failed")
	} else if ok {
		return snap, nil
	}
	return s.refresh(ctx, machine)
}

// Refresh drops the cached snapshot and recomputes. A failed recomputation
// leaves nothing cached, so stale figures are not served afterwards.
func (s *Service) Refresh(ctx context.Context, machine string) (*Snapshot, error) {
	if err := s.cache.Delete(ctx, machine); err != nil {
		s.log.Warn().Err(err).Str("machine", machine).Msg("snapshot cache invalidation failed")
	}
	return s.refresh(ctx, machine)
}

func (s *Service) refresh(ctx context.Context, machine string) (*Snapshot, error) {
	v, err, _ := s.group.Do(machine, func() (any, error) {
		return s.compute(ctx, machine)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (s *Service) compute(ctx context.Context, machine string) (*Snapshot, error) {
	now := s.now().In(s.loc)

	req, refreshEvery, err := s.request(ctx, machine, now)
	if err == nil {
		var snap *Snapshot
		snap, err = s.engine.Compute(ctx, req)
		if err == nil {
			metrics.ObserveOEE(machine, StatusOK, snap.Availability, snap.Performance, snap.OEE)
			s.store(ctx, machine, snap, refreshEvery)
			return snap, nil
		}
	}

	if errors.Is(err, errs.ErrUnknownMachine) || !errors.Is(err, errs.ErrConfiguration) {
		metrics.ObserveOEE(machine, "error", 0, 0, 0)
		return nil, err
	}

	s.log.Warn().Err(err).Str("machine", machine).Msg("oee not computable, serving neutral snapshot")
	metrics.ObserveOEE(machine, StatusConfigError, 0, 0, 0)

	snap := Neutral(machine, now, err)
	s.store(ctx, machine, snap, refreshEvery)
	return snap, nil
}

func (s *Service) store(ctx context.Context, machine string, snap *Snapshot, ttl time.Duration) {
	if ttl < s.minRefresh {
		ttl = s.minRefresh
	}
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, machine, snap, ttl); err != nil {
		s.log.Warn().Err(err).Str("machine", machine).Msg("snapshot cache write failed")
	}
}

// request assembles the engine input for a machine together with its own refresh interval.
func (s *Service) request(ctx context.Context, name string, now time.Time) (Request, time.Duration, error) {
	m, err := s.catalog.MachineByName(ctx, name)
	if err != nil {
		return Request{}, 0, err
	}
	refreshEvery := time.Duration(m.RefreshFrequency) * time.Second

	shifts, err := s.catalog.Shifts(ctx)
	if err != nil {
		return Request{}, refreshEvery, err
	}
	events, err := s.catalog.EventEntries(ctx)
	if err != nil {
		return Request{}, refreshEvery, err
	}
	counts, err := s.catalog.CountEntries(ctx)
	if err != nil {
		return Request{}, refreshEvery, err
	}

	req := Request{
		Machine: m,
		Events:  events,
		Counts:  counts,
		Shifts:  Definitions(shifts),
		Now:     now,
	}
	req.Runtime = findEvent(events, m.RuntimeEventID)
	req.StopReason = findEvent(events, m.StopReasonEventID)
	req.Production = findCount(counts, m.ProductionCountID)

	if req.Runtime == nil {
		return req, refreshEvery, fmt.Errorf("%w: machine %s has no runtime event", errs.ErrMissingTagMapping, m.Name)
	}
	if req.Production == nil {
		return req, refreshEvery, fmt.Errorf("%w: machine %s has no production count", errs.ErrMissingTagMapping, m.Name)
	}

	return req, refreshEvery, nil
}

// Definitions converts stored shifts for the resolver.
func Definitions(shifts []db.Shift) []shift.Definition {
	out := make([]shift.Definition, 0, len(shifts))
	for _, sh := range shifts {
		out = append(out, shift.Definition{
			ID:            sh.ID,
			Name:          sh.Name,
			StartHour:     sh.StartHour,
			DurationHours: sh.DurationHours,
		})
	}
	return out
}

func findEvent(entries []db.EventEntry, id *uint) *db.EventEntry {
	if id == nil {
		return nil
	}
	for i := range entries {
		if entries[i].ID == *id {
			return &entries[i]
		}
	}
	return nil
}

func findCount(entries []db.CountEntry, id *uint) *db.CountEntry {
	if id == nil {
		return nil
	}
	for i := range entries {
		if entries[i].ID == *id {
			return &entries[i]
		}
	}
	return nil
}
