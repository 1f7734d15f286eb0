package handlers

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"mesinsight/internal/oee"
)

// SnapshotService serves OEE snapshots.
type SnapshotService interface {
	Snapshot(ctx context.Context, machine string) (*oee.Snapshot, error)
	Refresh(ctx context.Context, machine string) (*oee.Snapshot, error)
}

// OEESnapshot serves GET /v1/oee/{machine}. ?refresh=true bypasses the
// refresh throttle.
func OEESnapshot(svc SnapshotService, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		machine, _ := ctx.UserValue("machine").(string)
		if machine == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "machine required")
			return
		}

		get := svc.Snapshot
		if boolArg(ctx, "refresh") {
			get = svc.Refresh
		}
		snap, err := get(ctx, machine)
		if err != nil {
			writeError(ctx, log, err)
			return
		}

		ctx.Response.Header.Set("Cache-Control", "no-store")
		jsonResponse(ctx, fasthttp.StatusOK, snap)
	}
}
