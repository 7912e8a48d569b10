package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"graph_collector/internal/config"
	"graph_collector/internal/domain"
	"graph_collector/internal/ratelimit"
	"graph_collector/internal/scheduler"
	"graph_collector/internal/service"
	"graph_collector/internal/sink"
	"graph_collector/internal/source/graphapi"
	"graph_collector/internal/storage/postgres"
	"graph_collector/internal/storage/statefile"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	limiter := ratelimit.New(cfg.API.MaxRequestsPerSecond, logger)

	snk, err := buildSink(cfg, limiter, logger)
	if err != nil {
		logger.Error("failed to build sink", "error", err)
		os.Exit(1)
	}
	defer snk.Close()

	store, closeStore, err := buildStateStore(cfg, logger)
	if err != nil {
		logger.Error("failed to build state store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	runners, err := buildCollectors(cfg, limiter, snk, logger)
	if err != nil {
		logger.Error("failed to build collectors", "error", err)
		os.Exit(1)
	}

	sched := scheduler.NewScheduler(
		runners,
		store,
		time.Duration(cfg.Schedule.Interval),
		time.Duration(cfg.Schedule.RunTimeout),
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting graph collector",
		"collectors", len(runners),
		"tenants", len(cfg.Tenants),
		"sink", cfg.Sink.Type,
		"interval", time.Duration(cfg.Schedule.Interval),
	)

	if err := sched.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}
}

func buildSink(cfg *config.Config, limiter *ratelimit.Limiter, logger *slog.Logger) (service.Sink, error) {
	switch cfg.Sink.Type {
	case "monitor":
		return sink.NewMonitor(sink.MonitorConfig{
			Endpoint:     cfg.Sink.Monitor.Endpoint,
			RuleID:       cfg.Sink.Monitor.RuleID,
			TenantID:     cfg.Sink.Monitor.TenantID,
			ClientID:     cfg.Sink.Monitor.ClientID,
			ClientSecret: cfg.Sink.Monitor.ClientSecret,
			Timeout:      time.Duration(cfg.API.Timeout),
		}, limiter, logger), nil
	case "rabbitmq":
		return sink.NewRabbitMQ(sink.RabbitMQConfig{
			URL:      cfg.Sink.RabbitMQ.URL,
			Exchange: cfg.Sink.RabbitMQ.Exchange,
		}, limiter, logger)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
	}
}

func buildStateStore(cfg *config.Config, logger *slog.Logger) (scheduler.StateStore, func(), error) {
	switch cfg.State.Backend {
	case "file":
		store, err := statefile.NewStore(cfg.State.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "postgres":
		db, err := sqlx.Connect("postgres", cfg.State.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		logger.Info("connected to database")

		store := postgres.NewWatermarkStore(db, postgres.NewTransactionManager(db), logger)
		return store, func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

func buildCollectors(cfg *config.Config, limiter *ratelimit.Limiter, snk service.Sink, logger *slog.Logger) ([]scheduler.Runner, error) {
	var collectors []domain.Collector
	if len(cfg.Collection.Collectors) == 0 {
		collectors = domain.Catalog()
	} else {
		for _, name := range cfg.Collection.Collectors {
			col, ok := domain.CollectorByName(name)
			if !ok {
				return nil, fmt.Errorf("unknown collector %q", name)
			}
			collectors = append(collectors, col)
		}
	}

	opts := service.Options{
		Scopes:        config.ParseSelection(cfg.Collection.SelectedScopes),
		RecordTypes:   config.ParseSelection(cfg.Collection.SelectedRecordTypes),
		DispatchDelay: time.Duration(cfg.Collection.InterDispatchDelay),
		AdvancePolicy: cfg.Collection.AdvancePolicy,
	}

	runners := make([]scheduler.Runner, 0, len(collectors))
	for _, col := range collectors {
		if tag, ok := cfg.Collection.SchemaTags[col.Name]; ok {
			col.SchemaTag = tag
		}

		factory := &sessionFactory{
			collector: col,
			timeout:   time.Duration(cfg.API.Timeout),
			limiter:   limiter,
			snk:       snk,
			logger:    logger,
		}

		pipeline := service.NewPipeline(col, opts, logger)
		runners = append(runners, service.NewOrchestrator(
			col,
			cfg.Tenants,
			factory,
			pipeline,
			limiter,
			cfg.Collection.Lookback(),
			logger,
		))
	}

	return runners, nil
}

// sessionFactory opens one tenant's signed API connection per run. The sink
// is shared across tenants and runs.
type sessionFactory struct {
	collector domain.Collector
	timeout   time.Duration
	limiter   *ratelimit.Limiter
	snk       service.Sink
	logger    *slog.Logger
}

func (f *sessionFactory) Open(_ context.Context, tenant config.TenantConfig) (*service.Session, error) {
	if tenant.TokenID == "" || tenant.TokenKey == "" {
		return nil, fmt.Errorf("tenant %s has no API credentials", tenant.Domain)
	}

	client := graphapi.NewClient(graphapi.Config{
		BaseURL:  "https://" + tenant.Domain,
		TokenID:  tenant.TokenID,
		TokenKey: tenant.TokenKey,
		Timeout:  f.timeout,
	}, f.limiter, f.logger)

	src := graphapi.NewSource(client, f.collector, tenant.Domain, f.logger)

	return &service.Session{Tenant: tenant.Domain, Source: src, Sink: f.snk}, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
