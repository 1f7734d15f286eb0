package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"mesinsight/internal/config"
	"mesinsight/internal/db"
	"mesinsight/internal/downtime"
	"mesinsight/internal/http/handlers"
	"mesinsight/internal/legacy"
	"mesinsight/internal/logger"
	"mesinsight/internal/metrics"
	"mesinsight/internal/oee"
	"mesinsight/internal/reconcile"
	"mesinsight/internal/tickets"
	"mesinsight/internal/timeseries"
)

func main() {
	configPath := flag.String("config", os.Getenv("MES_CONFIG_FILE"), "optional YAML configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Load()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config file")
		}
	}
	if err := logger.Init(cfg.Log); err != nil {
		logger.Fatal().Err(err).Msg("invalid log configuration")
	}
	log := logger.Get()
	loc := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	if cfg.BootstrapAPIKey != "" {
		if err := db.EnsureBootstrapAPIKey(gdb, cfg.BootstrapAPIKey); err != nil {
			log.Warn().Err(err).Msg("failed to ensure bootstrap API key")
		}
	}
	repo := db.NewRepository(gdb)

	ts, err := timeseries.New(ctx, timeseries.Config{
		URL:              cfg.Telemetry.URL,
		MaxConns:         cfg.Telemetry.MaxConns,
		MinConns:         cfg.Telemetry.MinConns,
		AcquireTimeout:   cfg.Telemetry.AcquireTimeout,
		StatementTimeout: cfg.Telemetry.StatementTimeout,
	}, logger.WithComponent("timeseries"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect telemetry store")
	}
	defer ts.Close()
	if err := ts.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to prepare telemetry schema")
	}

	metrics.Init()

	var cache oee.SnapshotCache = oee.NewMemoryCache()
	if cfg.RedisURL != "" {
		rc, err := oee.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-process snapshot cache")
		} else {
			defer rc.Close()
			cache = rc
		}
	}

	oeeLog := logger.WithComponent("oee")
	engine := oee.NewEngine(ts, downtime.NewCalculator(repo), oeeLog)
	snapshots := oee.NewService(engine, repo, cache, loc, cfg.OEE.MinRefreshInterval, oeeLog)

	rebuilder := downtime.NewRebuilder(gdb, repo, loc, cfg.Workers.DowntimeHorizon, logger.WithComponent("downtime"))

	deps := handlers.Deps{
		DB:        gdb,
		Snapshots: snapshots,
		Telemetry: ts,
		Downtime:  rebuilder,
		Gatherer:  prometheus.DefaultGatherer,
		Location:  loc,
		Log:       logger.WithComponent("http"),
	}

	jobs := []db.Job{
		{Name: "downtime_rebuild", Interval: cfg.Workers.DowntimeRebuild, Run: func(ctx context.Context) error {
			_, err := rebuilder.Rebuild(ctx, time.Now())
			return err
		}},
		db.HourlyStatsJob(ts, cfg.Workers.HourlyStats, time.Now, log),
		db.RetentionJob(ts, cfg.Telemetry.RetentionDays, cfg.Workers.TelemetryCleanup, time.Now, log),
	}

	if cfg.Legacy.Configured() {
		src, err := legacy.Open(legacy.Config{
			Server:   cfg.Legacy.Server,
			Database: cfg.Legacy.Database,
			User:     cfg.Legacy.User,
			Password: cfg.Legacy.Password,
			Timeout:  cfg.Legacy.Timeout,
			Location: loc,
		}, logger.WithComponent("legacy"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open legacy database")
		}
		defer src.Close()

		importLog := logger.WithComponent("reconcile")
		importer := reconcile.NewImporter(src, reconcile.NewReportStore(gdb, cfg.ShiftLabels, loc, importLog), importLog)
		deps.Importer = importer
		jobs = append(jobs, db.Job{Name: "legacy_import", Interval: cfg.Workers.LegacyImport, Run: func(ctx context.Context) error {
			today := time.Now().In(loc)
			_, err := importer.Run(ctx, today.AddDate(0, 0, -1), today, false)
			return err
		}})
	} else {
		log.Info().Msg("legacy database not configured, import disabled")
	}

	if cfg.MaintainX.Token != "" {
		ticketLog := logger.WithComponent("tickets")
		client, err := tickets.NewClient(tickets.ClientConfig{
			Token:      cfg.MaintainX.Token,
			BaseURL:    cfg.MaintainX.BaseURL,
			PageSize:   cfg.MaintainX.PageSize,
			MaxRetries: cfg.MaintainX.MaxRetries,
		}, ticketLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create ticketing client")
		}
		syncer := tickets.NewSyncer(client, tickets.NewReconciler(gdb, client, ticketLog), tickets.NewKeyedQueue(cfg.MaintainX.Workers), ticketLog)
		deps.Tickets = syncer
		jobs = append(jobs, db.Job{Name: "ticket_sync", Interval: cfg.Workers.TicketSync, Run: func(ctx context.Context) error {
			_, err := syncer.Run(ctx)
			return err
		}})
	} else {
		log.Info().Msg("ticketing token not configured, ticket sync disabled")
	}

	workerLog := logger.WithComponent("worker")
	var stopped []<-chan struct{}
	for _, job := range jobs {
		stopped = append(stopped, db.StartWorker(ctx, job, workerLog))
	}

	server := &fasthttp.Server{
		Handler:      handlers.NewRouter(deps),
		Name:         "mesinsight",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("mesinsight listening")
		errCh <- server.ListenAndServe(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
		stop()
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
	}
	for _, done := range stopped {
		<-done
	}
}
