package scheduler

import (
	"context"
	"log/slog"
	"time"

	"graph_collector/internal/domain"
)

const saveTimeout = 30 * time.Second

// Runner is one collector's full multi-tenant run.
type Runner interface {
	Name() string
	Run(ctx context.Context, prior domain.Watermark) (domain.Watermark, []domain.RunStats, error)
}

// StateStore loads and persists per-collector watermark state.
type StateStore interface {
	Load(ctx context.Context, collector string) (domain.Watermark, error)
	Save(ctx context.Context, collector string, state domain.Watermark, runs []domain.RunStats) error
}

type Scheduler struct {
	runners    []Runner
	store      StateStore
	interval   time.Duration
	runTimeout time.Duration
	logger     *slog.Logger
}

func NewScheduler(runners []Runner, store StateStore, interval, runTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runners:    runners,
		store:      store,
		interval:   interval,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "collectors", len(s.runners))

	s.runCycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	for _, runner := range s.runners {
		if ctx.Err() != nil {
			return
		}
		s.runCollector(ctx, runner)
	}
}

// runCollector loads the collector's watermark, runs it and persists
// whatever state came back. The save is detached from the run context so
// that progress made before a timeout or shutdown is still kept.
func (s *Scheduler) runCollector(ctx context.Context, runner Runner) {
	logger := s.logger.With("collector", runner.Name())

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	prior, err := s.store.Load(runCtx, runner.Name())
	if err != nil {
		logger.Error("loading watermark failed", "error", err)
		return
	}

	state, runs, err := runner.Run(runCtx, prior)
	if err != nil {
		logger.Error("collection run failed", "error", err)
	}
	if state == nil {
		return
	}

	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancelSave()

	if err := s.store.Save(saveCtx, runner.Name(), state, runs); err != nil {
		logger.Error("saving watermark failed", "error", err)
	}
}
