package handlers

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"mesinsight/internal/metrics"
)

// MetricsHandler serves GET /metrics in the text exposition format.
// ?machine= keeps only the series of that machine in machine-labelled families.
func MetricsHandler(g prometheus.Gatherer) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var buf bytes.Buffer
		if err := metrics.Write(&buf, g, string(ctx.QueryArgs().Peek("machine"))); err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("failed to encode metrics")
			return
		}

		ctx.SetContentType(metrics.ContentType)
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}
