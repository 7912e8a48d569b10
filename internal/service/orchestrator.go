package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"graph_collector/internal/config"
	"graph_collector/internal/domain"
	"graph_collector/internal/ratelimit"
	"graph_collector/internal/watermark"
)

// SessionFactory opens a tenant's source connection for one run.
type SessionFactory interface {
	Open(ctx context.Context, tenant config.TenantConfig) (*Session, error)
}

// Runner collects one tenant against the run's shared watermark store.
type Runner interface {
	Run(ctx context.Context, sess *Session, store *watermark.Store) (*domain.RunStats, domain.Disposition, error)
}

// Orchestrator walks the configured tenants strictly one after another and
// merges their watermark contributions. Tenants are isolated from each
// other's failures unless a tenant's disposition aborts the run.
type Orchestrator struct {
	collector domain.Collector
	tenants   []config.TenantConfig
	factory   SessionFactory
	runner    Runner
	limiter   *ratelimit.Limiter
	lookback  time.Duration
	logger    *slog.Logger
}

func NewOrchestrator(
	collector domain.Collector,
	tenants []config.TenantConfig,
	factory SessionFactory,
	runner Runner,
	limiter *ratelimit.Limiter,
	lookback time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		collector: collector,
		tenants:   tenants,
		factory:   factory,
		runner:    runner,
		limiter:   limiter,
		lookback:  lookback,
		logger:    logger.With("collector", collector.Name),
	}
}

func (o *Orchestrator) Name() string {
	return o.collector.Name
}

// Run executes one collection run over every tenant. It always returns the
// merged watermark state and the per-tenant stats, including the
// contributions of tenants completed before an abort.
func (o *Orchestrator) Run(ctx context.Context, prior domain.Watermark) (domain.Watermark, []domain.RunStats, error) {
	startTime := time.Now()
	logger := o.logger.With("run_id", uuid.NewString())

	store := watermark.NewStore(prior, o.lookback)
	totals := domain.RunStats{Collector: o.collector.Name}
	runs := make([]domain.RunStats, 0, len(o.tenants))

	logger.Info("starting run", "tenants", len(o.tenants))

	var abortErr error

	for _, tenant := range o.tenants {
		if err := ctx.Err(); err != nil {
			abortErr = err
			break
		}

		sess, err := o.factory.Open(ctx, tenant)
		if err != nil {
			logger.Error("opening tenant session failed", "tenant", tenant.Domain, "error", err)
			continue
		}

		stats, disposition, err := o.runner.Run(ctx, sess, store)
		if cerr := sess.Source.Close(); cerr != nil {
			logger.Warn("closing source failed", "tenant", tenant.Domain, "error", cerr)
		}

		if stats != nil {
			runs = append(runs, *stats)
			totals.Fetched += stats.Fetched
			totals.New += stats.New
			totals.Succeeded += stats.Succeeded
			totals.Failed += stats.Failed
		}

		switch disposition {
		case domain.DispositionAbortRun:
			logger.Error("aborting run", "tenant", tenant.Domain, "error", err)
			abortErr = fmt.Errorf("tenant %s: %w", tenant.Domain, err)
		case domain.DispositionSkipTenant:
			logger.Warn("skipping tenant", "tenant", tenant.Domain, "error", err)
		default:
			if err != nil {
				logger.Error("tenant collection failed", "tenant", tenant.Domain, "error", err)
			}
		}

		if abortErr != nil {
			break
		}
	}

	limiterStats := o.limiter.Stats()

	logger.Info("run completed",
		"fetched", totals.Fetched,
		"new", totals.New,
		"succeeded", totals.Succeeded,
		"failed", totals.Failed,
		"api_calls", limiterStats.Acquired,
		"rate_limit_wait", limiterStats.TotalWait,
		"duration", time.Since(startTime),
	)

	return store.Snapshot(), runs, abortErr
}
