package handlers

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"mesinsight/internal/errs"
	httpctx "mesinsight/internal/http/ctx"
)

func jsonResponse(ctx *fasthttp.RequestCtx, code int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		errResponse(ctx, fasthttp.StatusInternalServerError, "failed to encode response")
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	ctx.SetBodyString(msg)
}

// writeError maps the error taxonomy onto HTTP status codes and logs
// anything that is not the caller's fault.
func writeError(ctx *fasthttp.RequestCtx, log zerolog.Logger, err error) {
	code := fasthttp.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrUnknownMachine), errors.Is(err, errs.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		code = fasthttp.StatusNotFound
	case errors.Is(err, errs.ErrConfiguration), errors.Is(err, errs.ErrDataIntegrity):
		code = fasthttp.StatusUnprocessableEntity
	case errs.Retryable(err):
		code = fasthttp.StatusServiceUnavailable
		ctx.Response.Header.Set(fasthttp.HeaderRetryAfter, "5")
	case errors.Is(err, errs.ErrExternalSource):
		code = fasthttp.StatusBadGateway
	}

	if code >= 500 {
		l := httpctx.Logger(ctx, log)
		l.Error().Err(err).Str("path", string(ctx.Path())).Msg("request failed")
	}
	jsonResponse(ctx, code, map[string]any{"error": err.Error()})
}

// parseSince reads "hours" (float, e.g. 0.5) or "days" (int) from the query
// and returns the cutoff. The default is one day.
func parseSince(ctx *fasthttp.RequestCtx, now time.Time) time.Time {
	if h := string(ctx.QueryArgs().Peek("hours")); h != "" {
		if f, err := strconv.ParseFloat(h, 64); err == nil && f > 0 {
			return now.Add(-time.Duration(f * float64(time.Hour)))
		}
	}
	days := 1
	if d := string(ctx.QueryArgs().Peek("days")); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			days = n
		}
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates, the
// latter taken at midnight in loc.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, loc)
}

func boolArg(ctx *fasthttp.RequestCtx, name string) bool {
	b, _ := strconv.ParseBool(string(ctx.QueryArgs().Peek(name)))
	return b
}
