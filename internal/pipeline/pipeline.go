// Package pipeline wires deposit detection to issuance: the watcher hands
// batches to the matcher, matched payments go through a bounded worker pool to
// the executor, and a scheduler runs reconciliation and trust-line sync.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"tokenfund/internal/deposit/watcher"
)

// Pipeline owns the long-running pieces of the service.
type Pipeline struct {
	watcher   *watcher.Watcher
	handoff   *Handoff
	pool      *WorkerPool
	scheduler *Scheduler
	executor  Executor
	logger    *slog.Logger
}

func New(w *watcher.Watcher, handoff *Handoff, pool *WorkerPool, scheduler *Scheduler, exec Executor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		watcher:   w,
		handoff:   handoff,
		pool:      pool,
		scheduler: scheduler,
		executor:  exec,
		logger:    logger,
	}
}

// Run reconciles in-flight work to completion, then runs the workers, the
// scheduler and the watcher until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	report, err := p.executor.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	p.logger.InfoContext(ctx, "startup reconciliation finished",
		"scanned", report.Scanned,
		"issued", report.Issued,
		"pending", report.Pending,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.pool.Run(ctx) })
	if p.scheduler != nil {
		g.Go(func() error { return p.scheduler.Run(ctx) })
	}
	g.Go(func() error { return p.watcher.Run(ctx, p.handoff.Handle) })
	return g.Wait()
}
