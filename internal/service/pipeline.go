package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"graph_collector/internal/config"
	"graph_collector/internal/domain"
	"graph_collector/internal/watermark"
)

// Watermark advance policies. AdvanceOnFetch moves the watermark past every
// fetched record even when its dispatch failed, so records are sent at most
// once. AdvanceOnDelivery only moves past records the sink accepted, so
// failed records are retried on the next run.
const (
	AdvanceOnFetch    = "fetched"
	AdvanceOnDelivery = "delivered"
)

// Options carries the collection tuning shared by every tenant of a run.
type Options struct {
	Scopes        config.Selection
	RecordTypes   config.Selection
	DispatchDelay time.Duration
	AdvancePolicy string
}

// Session is one tenant's open connections for the duration of a run.
type Session struct {
	Tenant string
	Source Source
	Sink   Sink
}

// Pipeline runs the collection steps for a single tenant: connect, walk the
// selected scopes and record types, fetch behind the watermark, dispatch
// new records one at a time and raise the watermark afterwards.
type Pipeline struct {
	collector domain.Collector
	opts      Options
	logger    *slog.Logger
}

func NewPipeline(collector domain.Collector, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		collector: collector,
		opts:      opts,
		logger:    logger.With("collector", collector.Name),
	}
}

// Run collects one tenant. The returned disposition tells the orchestrator
// whether to keep going; stats are valid even when an error is returned.
func (p *Pipeline) Run(ctx context.Context, sess *Session, store *watermark.Store) (*domain.RunStats, domain.Disposition, error) {
	startTime := time.Now()
	logger := p.logger.With("tenant", sess.Tenant)

	stats := &domain.RunStats{Collector: p.collector.Name, Tenant: sess.Tenant}

	if err := sess.Source.Authenticate(ctx); err != nil {
		disposition := domain.DispositionSkipTenant
		if p.collector.OnConnectFailure == domain.ConnectAbortsRun {
			disposition = domain.DispositionAbortRun
		}
		stats.Duration = time.Since(startTime)
		return stats, disposition, fmt.Errorf("authenticate: %w", err)
	}

	scopes, err := sess.Source.ListScopes(ctx)
	if err != nil {
		stats.Duration = time.Since(startTime)
		return stats, domain.DispositionContinue, fmt.Errorf("list scopes: %w", err)
	}

	selected := p.selectScopes(scopes)
	logger.Info("selected scopes", "available", len(scopes), "selected", len(selected))

	for _, scope := range selected {
		recordTypes, err := sess.Source.ListRecordTypes(ctx, scope)
		if err != nil {
			logger.Error("list record types failed", "scope", scope.Name, "error", err)
			continue
		}
		if p.collector.SelectableTypes {
			recordTypes = p.selectRecordTypes(recordTypes)
		}

		for _, recordType := range recordTypes {
			if err := p.collectPair(ctx, sess, store, scope, recordType, stats, logger); err != nil {
				if ctx.Err() != nil {
					stats.Duration = time.Since(startTime)
					return stats, domain.DispositionContinue, ctx.Err()
				}
				logger.Error("collection failed", "scope", scope.Name, "record_type", recordType, "error", err)
			}
		}
	}

	stats.Duration = time.Since(startTime)

	logger.Info("tenant collection completed",
		"fetched", stats.Fetched,
		"new", stats.New,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"duration", stats.Duration,
	)

	return stats, domain.DispositionContinue, nil
}

// collectPair fetches and dispatches one (scope, record type) pair. The
// watermark only moves after the dispatch loop ran to completion, so a
// cancelled run never records progress it did not make.
func (p *Pipeline) collectPair(
	ctx context.Context,
	sess *Session,
	store *watermark.Store,
	scope domain.Scope,
	recordType string,
	stats *domain.RunStats,
	logger *slog.Logger,
) error {
	scopeKey, typeKey := p.collector.Key(scope.ID, recordType)

	since := ""
	if !p.collector.FullSync {
		since = store.Since(sess.Tenant, scopeKey, typeKey)
	}

	records, err := sess.Source.FetchRecords(ctx, scope, recordType, since)
	if err != nil {
		return fmt.Errorf("fetch records: %w", err)
	}
	stats.Fetched += len(records)

	var fetchedMax, deliveredMax string
	pending := records
	if !p.collector.FullSync {
		var fresh []domain.Record
		for _, rec := range records {
			if rec.UpdatedAt > fetchedMax {
				fetchedMax = rec.UpdatedAt
			}
			if store.IsNew(sess.Tenant, scopeKey, typeKey, rec.UpdatedAt) {
				fresh = append(fresh, rec)
			}
		}
		pending = fresh
	}
	stats.New += len(pending)

	logger.Debug("filtered records",
		"scope", scope.Name,
		"record_type", recordType,
		"fetched", len(records),
		"new", len(pending),
	)

	if limit := p.collector.DispatchCap; limit > 0 && len(pending) > limit {
		logger.Debug("capping dispatch batch", "scope", scope.Name, "record_type", recordType, "pending", len(pending), "cap", limit)
		pending = pending[len(pending)-limit:]
	}

	for i, rec := range pending {
		if i > 0 && p.opts.DispatchDelay > 0 {
			if err := sleepContext(ctx, p.opts.DispatchDelay); err != nil {
				return err
			}
		}
		if err := sess.Sink.Deliver(ctx, p.collector.SchemaTag, rec); err != nil {
			stats.Failed++
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("dispatch failed", "record_id", rec.ID, "error", err)
			continue
		}
		stats.Succeeded++
		if rec.UpdatedAt > deliveredMax {
			deliveredMax = rec.UpdatedAt
		}
	}

	if p.collector.FullSync {
		return nil
	}

	advanceTo := fetchedMax
	if p.opts.AdvancePolicy == AdvanceOnDelivery {
		advanceTo = deliveredMax
	}
	store.Advance(sess.Tenant, scopeKey, typeKey, advanceTo)

	return nil
}

// selectScopes drops scopes that are not collected or not selected. Scope
// selection does not apply to tenant-wide collectors.
func (p *Pipeline) selectScopes(scopes []domain.Scope) []domain.Scope {
	var selected []domain.Scope
	for _, scope := range scopes {
		if !scope.Collected {
			continue
		}
		if !p.collector.TenantWide && !p.opts.Scopes.Contains(scope.Name) {
			continue
		}
		selected = append(selected, scope)
	}
	return selected
}

func (p *Pipeline) selectRecordTypes(recordTypes []string) []string {
	var selected []string
	for _, recordType := range recordTypes {
		if p.opts.RecordTypes.Contains(recordType) {
			selected = append(selected, recordType)
		}
	}
	return selected
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
