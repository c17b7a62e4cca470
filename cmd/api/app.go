package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/boqpro/pricematch/internal/api/handlers"
	"github.com/boqpro/pricematch/internal/api/middleware"
	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/cohere"
	"github.com/boqpro/pricematch/internal/config"
	"github.com/boqpro/pricematch/internal/events"
	"github.com/boqpro/pricematch/internal/googleai"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/observability"
	"github.com/boqpro/pricematch/internal/openai"
	"github.com/boqpro/pricematch/internal/providers"
	"github.com/boqpro/pricematch/internal/service"
	"github.com/boqpro/pricematch/internal/strategy"
	"github.com/boqpro/pricematch/internal/workers"
)

const riverQueueDepthInterval = 15 * time.Second

// appStore is everything the server needs from a store backend.
type appStore interface {
	service.Store
	GetPriceItem(ctx context.Context, id uuid.UUID) (*models.PriceItem, error)
	SetItemEmbedding(ctx context.Context, id uuid.UUID, provider string, embedding []float32) error
}

// App holds all server dependencies and coordinates startup and shutdown.
type App struct {
	cfg        *config.Config
	db         *pgxpool.Pool
	server     *http.Server
	river      *river.Client[pgx.Tx]
	dispatcher *service.InProcessDispatcher
	engine     *service.Engine
	hub        *events.Hub
	bridge     *events.RedisBridge

	meterProvider  observability.MeterProviderShutdown
	tracerProvider *sdktrace.TracerProvider
	metrics        observability.EngineMetrics
	logger         *slog.Logger
}

// newProviderSet builds the embedding and rerank providers that have credentials.
func newProviderSet(ctx context.Context, cfg *config.Config, metrics observability.EngineMetrics, logger *slog.Logger) (*providers.Set, error) {
	p := cfg.Providers
	opts := providers.Options{
		Timeout:           cfg.Matching.ProviderTimeout,
		RequestsPerSecond: p.RequestsPerSecond,
		CacheSize:         p.QueryCacheSize,
		Metrics:           metrics,
		Logger:            logger,
	}

	var embedders []*providers.Embedder

	add := func(client providers.EmbeddingClient) error {
		e, err := providers.NewEmbedder(client, opts)
		if err != nil {
			return fmt.Errorf("%s embedder: %w", client.Name(), err)
		}

		embedders = append(embedders, e)
		logger.Info("providers: embedding provider enabled", "provider", client.Name())

		return nil
	}

	if p.OpenAIAPIKey != "" {
		clientOpts := []openai.ClientOption{openai.WithModel(p.OpenAIEmbeddingModel)}
		if p.EmbeddingDimensions > 0 {
			clientOpts = append(clientOpts, openai.WithDimensions(p.EmbeddingDimensions))
		}

		if err := add(openai.NewClient(p.OpenAIAPIKey, clientOpts...)); err != nil {
			return nil, err
		}
	}

	var reranker *providers.Reranker

	if p.CohereAPIKey != "" {
		co := cohere.NewClient(cohere.ClientOptions{
			APIKey:      p.CohereAPIKey,
			BaseURL:     p.CohereBaseURL,
			EmbedModel:  p.CohereEmbedModel,
			RerankModel: p.CohereRerankModel,
		})
		if err := add(co); err != nil {
			return nil, err
		}

		reranker = providers.NewReranker(co, opts)
		logger.Info("providers: rerank provider enabled", "provider", co.Name())
	}

	if p.GeminiAPIKey != "" {
		clientOpts := []googleai.ClientOption{googleai.WithModel(p.GeminiEmbeddingModel)}
		if p.EmbeddingDimensions > 0 {
			clientOpts = append(clientOpts, googleai.WithDimensions(p.EmbeddingDimensions))
		}

		gc, err := googleai.NewClient(ctx, p.GeminiAPIKey, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}

		if err := add(gc); err != nil {
			return nil, err
		}
	}

	if len(embedders) == 0 {
		logger.Warn("providers: no embedding provider configured, only LOCAL, FUZZY and HYBRID are available")
	}

	return providers.NewSet(reranker, embedders...), nil
}

// NewApp builds and wires all components. db is nil on the memory backend. It does not
// start the HTTP server or River; call Run for that.
func NewApp(ctx context.Context, cfg *config.Config, db *pgxpool.Pool, store appStore, logger *slog.Logger) (*App, error) {
	app := &App{cfg: cfg, db: db, logger: logger}

	var metricsHandler http.Handler

	if cfg.MetricsEnabled {
		mp, handler, metrics, err := observability.NewMeterProvider(ctx, observability.MeterProviderConfig{})
		if err != nil {
			return nil, fmt.Errorf("create meter provider: %w", err)
		}

		if sdkProvider, ok := mp.(metric.MeterProvider); ok {
			otel.SetMeterProvider(sdkProvider)
		}

		app.meterProvider = mp
		app.metrics = metrics
		metricsHandler = handler
	} else {
		logger.Warn("metrics not enabled (METRICS_ENABLED=false)")
	}

	tp, err := observability.NewTracerProvider(ctx, cfg.TracesExporter)
	if err != nil {
		return nil, app.abort(fmt.Errorf("create tracer provider: %w", err))
	}

	if tp != nil {
		otel.SetTracerProvider(tp)
		app.tracerProvider = tp
	} else {
		logger.Warn("tracing not enabled (OTEL_TRACES_EXPORTER empty or unset)")
	}

	set, err := newProviderSet(ctx, cfg, app.metrics, logger)
	if err != nil {
		return nil, app.abort(err)
	}

	tuning := cfg.Matching.Tuning

	hybridMembers := make([]models.MatchingMethod, 0, len(tuning.HybridMembers))
	for _, m := range tuning.HybridMembers {
		hybridMembers = append(hybridMembers, models.MatchingMethod(m))
	}

	registry, err := strategy.NewRegistry(set, strategy.RegistryOptions{
		FuzzyFloor:           tuning.FuzzyFloor,
		RerankTopK:           cfg.Matching.RerankTopK,
		MinEmbeddingCoverage: tuning.MinEmbeddingCoverage,
		TieOrder:             tuning.TieOrder,
		HybridMembers:        hybridMembers,
	})
	if err != nil {
		return nil, app.abort(fmt.Errorf("build strategies: %w", err))
	}

	snapshots := catalog.NewSnapshots(store, tuning.LexicalTiers, logger)

	app.hub = events.NewHub(events.Options{
		LogRetention: cfg.Matching.LogRetention,
		FinishedTTL:  cfg.Matching.LogRetentionTTL,
		Metrics:      app.metrics,
		Logger:       logger,
	})

	if cfg.RedisURL != "" {
		bridge, err := events.NewRedisBridge(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, app.abort(fmt.Errorf("connect redis: %w", err))
		}

		app.hub.RegisterSink(bridge)
		app.bridge = bridge
	}

	orchestrator := service.NewOrchestrator(registry, service.OrchestratorOptions{
		MaxRetries:             cfg.Matching.RowMaxRetries,
		InitialInterval:        cfg.Matching.RetryInitialInterval,
		LowConfidenceThreshold: cfg.Matching.LowConfidenceThreshold,
		FallbackMethod:         models.MatchingMethod(cfg.Matching.FallbackMethod),
		Metrics:                app.metrics,
		Logger:                 logger,
	})

	runner := service.NewRunner(store, snapshots, orchestrator, app.hub, service.RunnerOptions{
		RowConcurrency:          cfg.Matching.RowConcurrency,
		PermanentFailureLimit:   cfg.Matching.PermanentFailureLimit,
		ConsecutiveFailureLimit: cfg.Matching.ConsecutiveFailureLimit,
		Metrics:                 app.metrics,
		Logger:                  logger,
	})

	var dispatcher service.Dispatcher

	if cfg.RiverEnabled && db != nil {
		riverClient, err := newRiverClient(cfg, db, store, runner, set, app.metrics)
		if err != nil {
			return nil, app.abort(err)
		}

		app.river = riverClient
		dispatcher = workers.NewRiverInserter(riverClient)
	} else {
		if cfg.RiverEnabled {
			logger.Warn("River requires the postgres backend, running jobs in process", "store_backend", cfg.StoreBackend)
		}

		app.dispatcher = service.NewInProcessDispatcher(runner, cfg.Matching.MaxConcurrentJobs, logger)
		dispatcher = app.dispatcher
	}

	app.engine = service.NewEngine(service.EngineDeps{
		Store:        store,
		Snapshots:    snapshots,
		Strategies:   registry,
		Orchestrator: orchestrator,
		Runner:       runner,
		Dispatcher:   dispatcher,
		Events:       app.hub,
		Logger:       logger,
	})

	var pinger handlers.Pinger
	if db != nil {
		pinger = db
	}

	app.server = newHTTPServer(cfg, app.engine, pinger, metricsHandler, app.metrics)

	return app, nil
}

// newRiverClient registers the matching and catalog embedding workers on their queues.
func newRiverClient(
	cfg *config.Config,
	db *pgxpool.Pool,
	store appStore,
	runner *service.Runner,
	set *providers.Set,
	metrics observability.EngineMetrics,
) (*river.Client[pgx.Tx], error) {
	riverWorkers := river.NewWorkers()
	river.AddWorker(riverWorkers, workers.NewMatchingJobWorker(runner))

	embedders := make([]workers.DocumentEmbedder, 0, len(set.Embedders()))
	for _, e := range set.Embedders() {
		embedders = append(embedders, e)
	}

	river.AddWorker(riverWorkers, workers.NewCatalogEmbeddingWorker(store, metrics, embedders...))

	client, err := river.NewClient(riverpgxv5.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			workers.QueueMatching:   {MaxWorkers: cfg.Matching.MaxConcurrentJobs},
			workers.QueueEmbeddings: {MaxWorkers: cfg.Providers.EmbeddingWorkers},
		},
		Workers:      riverWorkers,
		ErrorHandler: &workers.ErrorHandler{},
	})
	if err != nil {
		return nil, fmt.Errorf("create River client: %w", err)
	}

	return client, nil
}

// abort releases what NewApp has built so far and returns err.
func (a *App) abort(err error) error {
	if a.bridge != nil {
		if closeErr := a.bridge.Close(); closeErr != nil {
			a.logger.Error("close redis bridge", "error", closeErr)
		}
	}

	if a.hub != nil {
		a.hub.Shutdown()
	}

	if a.meterProvider != nil {
		if shutdownErr := a.meterProvider.Shutdown(context.Background()); shutdownErr != nil {
			a.logger.Error("shutdown meter provider", "error", shutdownErr)
		}
	}

	if shutdownErr := observability.ShutdownTracerProvider(context.Background(), a.tracerProvider); shutdownErr != nil {
		a.logger.Error("shutdown tracer provider", "error", shutdownErr)
	}

	return err
}

// newHTTPServer builds the HTTP server and muxes (no auth on /health and /metrics, API key on /v1/).
// Handler chain: RequestID -> otelhttp -> Logging -> Metrics -> MaxBody -> mux.
func newHTTPServer(
	cfg *config.Config,
	engine *service.Engine,
	pinger handlers.Pinger,
	metricsHandler http.Handler,
	metrics observability.EngineMetrics,
) *http.Server {
	health := handlers.NewHealthHandler(pinger)
	jobs := handlers.NewJobsHandler(engine)
	results := handlers.NewResultsHandler(engine)
	catalogHandler := handlers.NewCatalogHandler(engine)

	public := http.NewServeMux()
	public.HandleFunc("GET /health", health.Check)
	public.HandleFunc("GET /health/ready", health.Ready)

	if metricsHandler != nil {
		public.Handle("GET /metrics", metricsHandler)
	}

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/jobs", jobs.Create)
	protected.HandleFunc("POST /v1/jobs/stop-all", jobs.StopAll)
	protected.HandleFunc("GET /v1/jobs/{id}", jobs.Get)
	protected.HandleFunc("POST /v1/jobs/{id}/start", jobs.Start)
	protected.HandleFunc("POST /v1/jobs/{id}/stop", jobs.Stop)
	protected.HandleFunc("GET /v1/jobs/{id}/results", jobs.Results)
	protected.HandleFunc("GET /v1/jobs/{id}/logs", jobs.Logs)
	protected.HandleFunc("GET /v1/jobs/{id}/events", jobs.Events)
	protected.HandleFunc("GET /v1/jobs/{id}/export.xlsx", jobs.Export)

	protected.HandleFunc("PATCH /v1/results/{id}", results.ManualMatch)
	protected.HandleFunc("POST /v1/results/{id}/rematch", results.Rematch)

	protected.HandleFunc("POST /v1/match/test", catalogHandler.TestMatch)
	protected.HandleFunc("GET /v1/catalog/search", catalogHandler.Search)
	protected.HandleFunc("POST /v1/catalog/refresh", catalogHandler.Refresh)
	protected.HandleFunc("GET /v1/methods", catalogHandler.Methods)

	mux := http.NewServeMux()
	mux.Handle("/v1/", middleware.Auth(cfg.APIKey)(protected))
	mux.Handle("/", public)

	var inner http.Handler = mux
	inner = middleware.MaxBody(cfg.MaxRequestBodyBytes, metrics)(inner)
	inner = middleware.Metrics(metrics)(inner)
	inner = middleware.Logging(inner)

	// Skip tracing for health checks and scrapes to reduce noise.
	handler := otelhttp.NewHandler(inner, "pricematch-api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !strings.HasPrefix(r.URL.Path, "/health") && r.URL.Path != "/metrics"
		}),
	)
	handler = middleware.RequestID(handler)

	const (
		readTimeout  = 15 * time.Second
		writeTimeout = 60 * time.Second
		idleTimeout  = 60 * time.Second
	)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Run starts the HTTP server, River and the event relay, then blocks until ctx is cancelled
// or a component fails. Caller should then call Shutdown.
func (a *App) Run(ctx context.Context) error {
	runErr := make(chan error, 1)

	fail := func(err error) {
		select {
		case runErr <- err:
		default:
		}
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.river != nil {
		if err := a.river.Start(bgCtx); err != nil {
			return fmt.Errorf("river: %w", err)
		}

		go runRiverQueueDepthPoller(bgCtx, a.db, a.logger)
	} else {
		recovered, err := a.engine.RecoverInterrupted(ctx)
		if err != nil {
			a.logger.Error("startup: interrupted job recovery failed", "error", err)
		} else if recovered > 0 {
			a.logger.Info("startup: interrupted jobs marked failed", "count", recovered)
		}
	}

	if a.bridge != nil {
		go func() {
			if err := a.bridge.Relay(bgCtx, a.hub); err != nil {
				fail(fmt.Errorf("redis relay: %w", err))
			}
		}()
	}

	go func() {
		a.logger.Info("Starting server", "port", a.cfg.Port)

		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail(fmt.Errorf("server: %w", err))
		}
	}()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

// runRiverQueueDepthPoller logs the matching queue backlog while it is non-empty.
func runRiverQueueDepthPoller(ctx context.Context, db *pgxpool.Pool, logger *slog.Logger) {
	ticker := time.NewTicker(riverQueueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var count int

			err := db.QueryRow(ctx,
				`SELECT COUNT(*) FROM river_job WHERE queue = $1 AND state IN ($2, $3, $4)`,
				workers.QueueMatching,
				rivertype.JobStateAvailable, rivertype.JobStateRetryable, rivertype.JobStateScheduled,
			).Scan(&count)
			if err != nil {
				if ctx.Err() == nil {
					logger.WarnContext(ctx, "river queue depth poll failed", "error", err)
				}

				continue
			}

			if count > 0 {
				logger.InfoContext(ctx, "river: matching jobs waiting", "count", count)
			}
		}
	}
}

// Shutdown stops the server, then job execution, then event fan-out and metrics.
// The first error is returned; later ones are logged.
func (a *App) Shutdown(ctx context.Context) error {
	var first error

	record := func(what string, err error) {
		if err == nil {
			return
		}

		if first == nil {
			first = fmt.Errorf("%s: %w", what, err)

			return
		}

		a.logger.Error(what, "error", err)
	}

	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		record("server shutdown", err)
	}

	if a.river != nil {
		record("river stop", a.river.Stop(ctx))
	}

	if a.dispatcher != nil {
		a.dispatcher.Shutdown()
	}

	if a.bridge != nil {
		record("redis close", a.bridge.Close())
	}

	a.hub.Shutdown()

	if a.meterProvider != nil {
		record("meter provider shutdown", a.meterProvider.Shutdown(ctx))
	}

	record("tracer provider shutdown", observability.ShutdownTracerProvider(ctx, a.tracerProvider))

	return first
}
