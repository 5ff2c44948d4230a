package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"frameworks/api_dashboard/internal/aggregate"
	"frameworks/api_dashboard/internal/handlers"
	"frameworks/api_dashboard/internal/join"
	"frameworks/api_dashboard/internal/metrics"
	"frameworks/api_dashboard/internal/period"
	"frameworks/api_dashboard/internal/realtime"
	"frameworks/api_dashboard/internal/realtime/feed"
	"frameworks/api_dashboard/internal/source"
	"frameworks/api_dashboard/internal/websocket"
	"frameworks/pkg/clients"
	"frameworks/pkg/config"
	"frameworks/pkg/database"
	"frameworks/pkg/kafka"
	"frameworks/pkg/logging"
	"frameworks/pkg/middleware"
	"frameworks/pkg/monitoring"
	pkgredis "frameworks/pkg/redis"
	"frameworks/pkg/server"
	"frameworks/pkg/version"
)

const serviceName = "bosun"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)

	logger.WithField("version", version.Version).Info("Starting Bosun (Dashboard Aggregation API)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.WithError(err).Fatal("Bosun exited with error")
	}
	logger.Info("Bosun stopped")
}

func run(ctx context.Context, logger logging.Logger) error {
	dbURL := config.RequireEnv("DATABASE_URL")
	apiToken := config.GetEnv("DASHBOARD_API_TOKEN", "")
	feedMode := config.GetEnv("CHANGEFEED_MODE", "redis")

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	dbConfig := database.ConfigFromEnv()
	dbConfig.URL = dbURL
	db, err := database.Connect(ctx, dbConfig, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	healthChecker.AddCheck("postgres", monitoring.PingHealthCheck("postgres", db))

	executor := source.NewRouter(source.NewPostgresExecutor(db))

	// Analytics schemas live in ClickHouse when it is configured
	chConfig := database.ClickHouseConfigFromEnv()
	if len(chConfig.Addr) > 0 {
		ch, err := database.ConnectClickHouse(ctx, chConfig, logger)
		if err != nil {
			return err
		}
		defer func() { _ = ch.Close() }()
		healthChecker.AddCheck("clickhouse", monitoring.PingHealthCheck("clickhouse", ch))

		chExec := source.NewClickHouseExecutor(ch)
		for _, schema := range config.GetEnvList("CLICKHOUSE_SCHEMAS", nil) {
			executor.Route(schema, chExec)
		}
	}

	breakerMetrics := clients.NewCircuitBreakerMetrics(metricsCollector)
	breakerConfig := clients.DefaultCircuitBreakerConfig()
	breakerConfig.Name = "source"
	breakerConfig.Logger = logger
	breakerConfig.IsFailure = source.IsBackendFailure
	breakerConfig.OnStateChange = breakerMetrics.OnStateChange

	retryConfig := clients.DefaultRetryConfig()
	retryConfig.MaxRetries = config.GetEnvInt("QUERY_MAX_RETRIES", retryConfig.MaxRetries)
	retryConfig.BaseDelay = config.GetEnvDuration("QUERY_RETRY_BASE_DELAY", retryConfig.BaseDelay)
	retryConfig.CircuitBreaker = clients.NewCircuitBreaker(breakerConfig)
	retryConfig.OnRetry = func(attempt int, err error) {
		logger.WithError(err).WithField("attempt", attempt).Debug("Retrying source query")
	}

	catalog, err := loadCatalog(config.GetEnv("METRIC_CATALOG", ""))
	if err != nil {
		return err
	}

	accessor := source.New(source.Config{
		Executor:      executor,
		DefaultSchema: config.GetEnv("DEFAULT_SCHEMA", "kastle_banking"),
		Tables:        catalog.Tables,
		Logger:        logger,
		OnRead:        serviceMetrics.ObserveRead,
	})
	exposure := source.NewExposureCache(accessor, config.GetEnvDuration("SCHEMA_EXPOSURE_TTL", 5*time.Minute))
	healthChecker.AddCheck("sources", exposureCheck(exposure, catalog.Tables))

	// The accessor makes one attempt per read; the engine retries on its own
	reader := aggregate.NewRetryingReader(accessor, retryConfig)

	periods := period.NewResolver(config.GetEnvLocation("DASHBOARD_TIMEZONE"))
	engine := aggregate.New(aggregate.Config{
		Reader: reader,
		Joiner: join.New(join.Config{
			Reader:  reader,
			Logger:  logger,
			OnFetch: serviceMetrics.ObserveJoin,
		}),
		Periods:   periods,
		Logger:    logger,
		OnCompute: serviceMetrics.ObserveCompute,
	})

	transport, closeTransport, err := newTransport(ctx, feedMode, logger, healthChecker)
	if err != nil {
		return err
	}
	defer closeTransport()

	manager := realtime.NewManager(realtime.Config{
		Transport:      transport,
		ReconnectDelay: config.GetEnvDuration("RECONNECT_DELAY", realtime.DefaultReconnectDelay),
		Logger:         logger,
		OnState:        serviceMetrics.ObserveState,
		OnEvent:        serviceMetrics.ObserveEvent,
	})
	defer func() {
		if err := manager.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close realtime channels")
		}
	}()

	hub := websocket.NewHub(websocket.Config{
		Subscriber:    manager,
		Logger:        logger,
		OnConnections: serviceMetrics.SetConnections,
	})
	go hub.Run(ctx)

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":    dbURL,
		"CHANGEFEED_MODE": feedMode,
	}))

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	api := router.Group("")
	api.Use(middleware.BearerAuthMiddleware(apiToken))
	api.Use(middleware.TimeoutMiddleware(config.GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second)))

	handlers.NewDashboardHandlers(handlers.Config{
		Engine:       engine,
		Catalog:      catalog,
		Periods:      periods,
		Channels:     manager,
		Hub:          hub,
		Logger:       logger,
		FilterFields: config.GetEnvList("DASHBOARD_FILTER_FIELDS", handlers.DefaultFilterFields),
	}).RegisterRoutes(api)

	return server.Start(ctx, server.DefaultConfig(serviceName, "18030"), router, logger)
}

func loadCatalog(path string) (*aggregate.Catalog, error) {
	if path == "" {
		return aggregate.LoadCatalog()
	}
	return aggregate.LoadCatalogFile(path)
}

// newTransport builds the change feed selected by mode. The returned func
// releases whatever the transport holds.
func newTransport(ctx context.Context, mode string, logger logging.Logger, hc *monitoring.HealthChecker) (realtime.Transport, func(), error) {
	switch mode {
	case "redis":
		client, err := pkgredis.NewUniversalClient(ctx, pkgredis.ConfigFromEnv())
		if err != nil {
			return nil, nil, fmt.Errorf("connect change feed redis: %w", err)
		}
		hc.AddCheck("redis", monitoring.PingHealthCheck("redis", monitoring.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})))
		prefix := config.GetEnv("CHANGEFEED_CHANNEL_PREFIX", feed.DefaultChannelPrefix)
		return feed.NewRedisTransport(client, prefix, logger), func() { _ = client.Close() }, nil

	case "kafka":
		kcfg := kafka.ConfigFromEnv()
		producer, err := kafka.NewProducer(kcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect change feed kafka: %w", err)
		}
		hc.AddCheck("kafka", monitoring.PingHealthCheck("kafka", monitoring.PingFunc(producer.Ping)))
		prefix := config.GetEnv("CHANGEFEED_TOPIC_PREFIX", feed.DefaultTopicPrefix)
		return feed.NewKafkaTransport(kcfg, prefix, logger), func() { _ = producer.Close() }, nil

	case "websocket":
		url := config.RequireEnv("CHANGEFEED_URL")
		return feed.NewWebSocketTransport(url, logger), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown CHANGEFEED_MODE %q", mode)
	}
}

// exposureCheck reports degraded while any catalog table is unreachable
func exposureCheck(exposure *source.ExposureCache, tables source.TableMap) monitoring.HealthCheck {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	return func() monitoring.CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var hidden, failed []string
		for _, name := range names {
			ok, err := exposure.Exposed(ctx, name, "")
			switch {
			case err != nil:
				failed = append(failed, name)
			case !ok:
				hidden = append(hidden, name)
			}
		}

		result := monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: "All catalog tables exposed"}
		switch {
		case len(failed) > 0:
			result = monitoring.CheckResult{Status: monitoring.StatusUnhealthy, Message: "Exposure check failed: " + strings.Join(failed, ", ")}
		case len(hidden) > 0:
			result = monitoring.CheckResult{Status: monitoring.StatusDegraded, Message: "Not exposed: " + strings.Join(hidden, ", ")}
		}
		result.Latency = time.Since(start).String()
		return result
	}
}
