package handlers

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"mesinsight/internal/reconcile"
	"mesinsight/internal/tickets"
)

// LegacyImporter runs the legacy shift import.
type LegacyImporter interface {
	Run(ctx context.Context, from, to time.Time, force bool) (reconcile.RunResult, error)
}

// TicketSyncer runs a full maintenance ticket sync or re-fetches one order.
type TicketSyncer interface {
	Run(ctx context.Context) (tickets.SyncResult, error)
	SyncOne(ctx context.Context, id int64) (tickets.Outcome, error)
}

// DowntimeRebuilder regenerates planned downtime from the active rules.
type DowntimeRebuilder interface {
	Rebuild(ctx context.Context, now time.Time) (int, error)
}

type importRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Force bool   `json:"force"`
}

// ImportLegacy serves POST /v1/import/legacy. Dates default to yesterday
// and today in the business timezone.
func ImportLegacy(im LegacyImporter, loc *time.Location, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if im == nil {
			errResponse(ctx, fasthttp.StatusServiceUnavailable, "legacy import is not configured")
			return
		}

		var req importRequest
		if body := ctx.PostBody(); len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
				return
			}
		}

		today := time.Now().In(loc)
		from, to := today.AddDate(0, 0, -1), today
		var err error
		if req.From != "" {
			if from, err = parseDate(req.From, loc); err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "invalid from date")
				return
			}
		}
		if req.To != "" {
			if to, err = parseDate(req.To, loc); err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "invalid to date")
				return
			}
		}
		if to.Before(from) {
			errResponse(ctx, fasthttp.StatusBadRequest, "to must not be before from")
			return
		}

		res, err := im.Run(ctx, from, to, req.Force)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, res)
	}
}

// SyncTickets serves POST /v1/tickets/sync.
func SyncTickets(s TicketSyncer, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s == nil {
			errResponse(ctx, fasthttp.StatusServiceUnavailable, "ticket sync is not configured")
			return
		}
		res, err := s.Run(ctx)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, res)
	}
}

// SyncTicket serves POST /v1/tickets/{id}/sync, re-fetching a single work
// order by its external id.
func SyncTicket(s TicketSyncer, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s == nil {
			errResponse(ctx, fasthttp.StatusServiceUnavailable, "ticket sync is not configured")
			return
		}
		idStr, _ := ctx.UserValue("id").(string)
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid work order id")
			return
		}
		out, err := s.SyncOne(ctx, id)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, out)
	}
}

// RebuildDowntime serves POST /v1/downtime/rebuild.
func RebuildDowntime(r DowntimeRebuilder, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		n, err := r.Rebuild(ctx, time.Now())
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"status": "rebuilt", "intervals": n})
	}
}
