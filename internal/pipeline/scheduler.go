package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// TrustLineSync advances investors whose trust line appeared on the ledger.
type TrustLineSync interface {
	SyncTrustLines(ctx context.Context) (int, error)
}

// Scheduler runs periodic reconciliation and trust-line observation.
type Scheduler struct {
	cron       *cron.Cron
	executor   Executor
	trustLines TrustLineSync
	reconcile  string
	sync       string
	logger     *slog.Logger
}

func NewScheduler(exec Executor, trustLines TrustLineSync, reconcileSpec, syncSpec string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		executor:   exec,
		trustLines: trustLines,
		reconcile:  reconcileSpec,
		sync:       syncSpec,
		logger:     logger,
	}
}

// Run registers the jobs, starts the scheduler and blocks until ctx is
// cancelled, then waits for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.reconcile != "" {
		if _, err := s.cron.AddFunc(s.reconcile, func() { s.runReconcile(ctx) }); err != nil {
			return fmt.Errorf("schedule reconciliation: %w", err)
		}
		s.logger.InfoContext(ctx, "scheduled reconciliation job", "schedule", s.reconcile)
	}
	if s.sync != "" && s.trustLines != nil {
		if _, err := s.cron.AddFunc(s.sync, func() { s.runTrustLineSync(ctx) }); err != nil {
			return fmt.Errorf("schedule trust line sync: %w", err)
		}
		s.logger.InfoContext(ctx, "scheduled trust line sync job", "schedule", s.sync)
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.executor.Reconcile(ctx); err != nil {
		s.logger.ErrorContext(ctx, "scheduled reconciliation failed", "error", err)
	}
}

func (s *Scheduler) runTrustLineSync(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.trustLines.SyncTrustLines(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "trust line sync failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "trust lines observed", "investors", n)
	}
}
