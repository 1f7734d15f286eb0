package tickets

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mesinsight/internal/errs"
	"mesinsight/internal/metrics"
)

const maxPages = 1000

// Source pages through work orders and fetches single ones.
type Source interface {
	ListWorkOrders(ctx context.Context, cursor string) (Page, error)
	WorkOrder(ctx context.Context, id int64) (*WorkOrder, error)
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	RunID     uuid.UUID `json:"run_id"`
	Seen      int       `json:"seen"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Silent    int       `json:"silent"`
	Unchanged int       `json:"unchanged"`
	Failed    int       `json:"failed"`
}

func (r *SyncResult) add(action string) {
	switch action {
	case ActionCreated:
		r.Created++
	case ActionUpdated:
		r.Updated++
	case ActionSilent:
		r.Silent++
	case ActionUnchanged:
		r.Unchanged++
	}
}

// Syncer pulls every work order and reconciles each through a KeyedQueue.
type Syncer struct {
	src   Source
	rec   *Reconciler
	queue *KeyedQueue
	log   zerolog.Logger
}

func NewSyncer(src Source, rec *Reconciler, queue *KeyedQueue, log zerolog.Logger) *Syncer {
	return &Syncer{src: src, rec: rec, queue: queue, log: log}
}

// Run reconciles all work orders. A ticket that fails is logged and counted;
// listing errors abort the run after the tickets already dispatched finish.
func (s *Syncer) Run(ctx context.Context) (SyncResult, error) {
	res := SyncResult{RunID: uuid.New()}
	log := s.log.With().Str("run_id", res.RunID.String()).Logger()

	var mu sync.Mutex
	batch := s.queue.Batch(ctx)

	var listErr error
	cursor := ""
	for page := 0; page < maxPages; page++ {
		p, err := s.src.ListWorkOrders(ctx, cursor)
		if err != nil {
			listErr = err
			break
		}

		for _, wo := range p.WorkOrders {
			wo := wo // per-iteration copy (go directive is below 1.22)
			res.Seen++
			ticketID := strconv.FormatInt(wo.ID, 10)

			batch.Go(ticketID, func(ctx context.Context) (any, error) {
				return s.rec.Reconcile(ctx, wo)
			}, func(v any, err error, shared bool) {
				mu.Lock()
				defer mu.Unlock()

				if err != nil {
					res.Failed++
					metrics.ObserveTicket("failed")
					log.Error().Err(err).Str("ticket_id", ticketID).Msg("failed to reconcile ticket")
					return
				}
				out := v.(Outcome)
				res.add(out.Action)
				metrics.ObserveTicket(out.Action)
				if out.Action == ActionUpdated {
					log.Info().Str("ticket_id", ticketID).Interface("delta", out.Delta).Bool("shared", shared).Msg("ticket updated")
				}
			})
		}

		if p.NextCursor == "" || p.NextCursor == cursor {
			break
		}
		cursor = p.NextCursor
	}

	if err := batch.Wait(); err != nil {
		return res, err
	}
	if listErr != nil {
		log.Error().Err(listErr).Int("seen", res.Seen).Msg("listing work orders failed")
		return res, listErr
	}

	log.Info().
		Int("seen", res.Seen).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("silent", res.Silent).
		Int("unchanged", res.Unchanged).
		Int("failed", res.Failed).
		Msg("ticket sync finished")
	return res, nil
}

// SyncOne re-fetches one work order and reconciles it. It goes through the
// queue, so it joins a full run already reconciling the same ticket.
func (s *Syncer) SyncOne(ctx context.Context, id int64) (Outcome, error) {
	ticketID := strconv.FormatInt(id, 10)

	wo, err := s.src.WorkOrder(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if wo == nil {
		return Outcome{}, fmt.Errorf("%w: work order %s", errs.ErrNotFound, ticketID)
	}

	var (
		out    Outcome
		outErr error
	)
	batch := s.queue.Batch(ctx)
	batch.Go(ticketID, func(ctx context.Context) (any, error) {
		return s.rec.Reconcile(ctx, *wo)
	}, func(v any, err error, _ bool) {
		if err != nil {
			outErr = err
			return
		}
		out = v.(Outcome)
	})
	if err := batch.Wait(); err != nil {
		return Outcome{}, err
	}
	if outErr != nil {
		metrics.ObserveTicket("failed")
		return Outcome{}, outErr
	}

	metrics.ObserveTicket(out.Action)
	s.log.Info().Str("ticket_id", ticketID).Str("action", out.Action).Msg("ticket synced")
	return out, nil
}
