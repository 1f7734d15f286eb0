package handlers

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	appmw "mesinsight/internal/http/middleware"
)

// Deps are the collaborators behind the API. Optional ones may be nil; their
// endpoints then answer 503.
type Deps struct {
	DB        *gorm.DB
	Snapshots SnapshotService
	Telemetry TelemetryStore
	Downtime  DowntimeRebuilder
	Importer  LegacyImporter
	Tickets   TicketSyncer
	Gatherer  prometheus.Gatherer
	Location  *time.Location
	Log       zerolog.Logger
}

// NewRouter wires every route and the global middleware chain.
func NewRouter(d Deps) fasthttp.RequestHandler {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Location == nil {
		d.Location = time.UTC
	}

	r := router.New()
	auth := appmw.BearerAuth(d.DB)

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})
	r.GET("/metrics", MetricsHandler(d.Gatherer))

	r.GET("/v1/oee/{machine}", auth(OEESnapshot(d.Snapshots, d.Log)))

	if d.Telemetry != nil {
		r.POST("/v1/telemetry", auth(IngestHandler(d.Telemetry, d.Log)))
		r.GET("/v1/telemetry/hourly", auth(HourlyStatsHandler(d.Telemetry, d.Log)))
	}

	r.POST("/v1/import/legacy", auth(ImportLegacy(d.Importer, d.Location, d.Log)))
	r.POST("/v1/dictionaries/{kind}/sync", auth(SyncDictionary(d.DB, d.Log)))
	r.POST("/v1/dictionaries/{kind}/{id}/parent", auth(SetDictionaryParent(d.DB, d.Log)))
	r.POST("/v1/tickets/sync", auth(SyncTickets(d.Tickets, d.Log)))
	r.POST("/v1/tickets/{id}/sync", auth(SyncTicket(d.Tickets, d.Log)))
	r.POST("/v1/downtime/rebuild", auth(RebuildDowntime(d.Downtime, d.Log)))

	r.POST("/v1/apikeys", auth(CreateAPIKey(d.DB, d.Log)))
	r.POST("/v1/apikeys/{id}/active", auth(SetActiveAPIKey(d.DB, d.Log)))

	// Global middleware chain: request id, then request logger, then router
	return appmw.RequestID(RequestLogger(d.Log)(r.Handler))
}
