package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mesinsight/internal/errs"
	"mesinsight/internal/metrics"
)

// Source provides raw rows from the legacy shift database. Times are UTC.
type Source interface {
	Shifts(ctx context.Context, from, to time.Time) ([]ShiftRow, error)
	Events(ctx context.Context, from, to time.Time) ([]EventRow, error)
	Counts(ctx context.Context, from, to time.Time) ([]CountRow, error)
}

// GroupWriter persists one group.
type GroupWriter interface {
	WriteGroup(ctx context.Context, g Group, force bool) (Outcome, error)
}

// RunResult summarizes an import run.
type RunResult struct {
	RunID    uuid.UUID `json:"run_id"`
	Shifts   int       `json:"shifts"`
	Events   int       `json:"events"`
	Counts   int       `json:"counts"`
	Groups   int       `json:"groups"`
	Written  int       `json:"written"`
	Kept     int       `json:"kept"`
	Unmapped int       `json:"unmapped"`
	Failed   int       `json:"failed"`
}

// Importer pulls shift data from a Source and writes it group by group.
type Importer struct {
	src   Source
	store GroupWriter
	now   func() time.Time
	log   zerolog.Logger
}

func NewImporter(src Source, store GroupWriter, log zerolog.Logger) *Importer {
	return &Importer{src: src, store: store, now: time.Now, log: log}
}

// Run imports every shift starting in [from, to]. A failing group is logged
// and counted; only source errors abort the run.
func (im *Importer) Run(ctx context.Context, from, to time.Time, force bool) (RunResult, error) {
	res := RunResult{RunID: uuid.New()}
	log := im.log.With().Str("run_id", res.RunID.String()).Logger()

	shifts, err := im.src.Shifts(ctx, from, to)
	if err != nil {
		return res, fmt.Errorf("%w: fetch shifts: %w", errs.ErrExternalSource, err)
	}
	res.Shifts = len(shifts)

	lo, hi, ok := SearchBounds(shifts)
	if !ok {
		log.Info().Time("from", from).Time("to", to).Msg("no shifts to import")
		return res, nil
	}

	// Counts only need the shift span itself; events need the padded bound.
	countFrom := lo.AddDate(0, 0, 1)

	var events []EventRow
	var counts []CountRow
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if events, err = im.src.Events(gctx, lo, hi); err != nil {
			return fmt.Errorf("%w: fetch events: %w", errs.ErrExternalSource, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if counts, err = im.src.Counts(gctx, countFrom, hi); err != nil {
			return fmt.Errorf("%w: fetch counts: %w", errs.ErrExternalSource, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.Events, res.Counts = len(events), len(counts)

	SortEvents(events)
	FillGaps(events)
	groups := Merge(shifts, events, counts, im.now())
	res.Groups = len(groups)

	for _, grp := range groups {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		glog := log.With().
			Str("machine", grp.Machine).
			Str("date", grp.Date).
			Str("shift", grp.Key.Shift).
			Logger()

		out, err := im.store.WriteGroup(ctx, grp, force)
		switch {
		case errors.Is(err, errs.ErrUnmappedShiftLabel):
			res.Unmapped++
			metrics.ObserveReconcileGroup("unmapped")
			glog.Warn().Err(err).Msg("skipping group with unmapped shift label")
			continue
		case err != nil:
			res.Failed++
			metrics.ObserveReconcileGroup("failed")
			glog.Error().Err(err).Msg("failed to write group")
			continue
		}

		if out.AlarmsWritten || out.RejectionsWritten {
			res.Written++
			metrics.ObserveReconcileGroup("written")
		} else {
			res.Kept++
			metrics.ObserveReconcileGroup("kept")
		}
		glog.Debug().
			Uint("report_id", out.ReportID).
			Int("alarms", len(grp.Alarms)).
			Int("rejections", len(grp.Rejections)).
			Bool("alarms_written", out.AlarmsWritten).
			Bool("rejections_written", out.RejectionsWritten).
			Msg("group reconciled")
	}

	log.Info().
		Int("groups", res.Groups).
		Int("written", res.Written).
		Int("kept", res.Kept).
		Int("unmapped", res.Unmapped).
		Int("failed", res.Failed).
		Msg("legacy import finished")

	return res, nil
}
