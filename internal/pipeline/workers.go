package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"tokenfund/internal/issuance/executor"
	"tokenfund/internal/issuance/metrics"
	"tokenfund/internal/issuance/models"
	dErrors "tokenfund/pkg/domain-errors"
)

// Executor issues tokens for matched payments.
type Executor interface {
	Execute(ctx context.Context, p models.MatchedPayment) (executor.Result, error)
	Reconcile(ctx context.Context) (executor.ReconcileReport, error)
}

// WorkerPool feeds matched payments to a fixed number of issuance workers
// through a bounded queue. A full queue blocks Enqueue, which holds back the
// watcher. Payments still queued at shutdown are recovered by reconciliation
// because their intents remain in flight.
type WorkerPool struct {
	queue    chan models.MatchedPayment
	executor Executor
	workers  int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewWorkerPool(exec Executor, workers, queueSize int, m *metrics.Metrics, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:    make(chan models.MatchedPayment, queueSize),
		executor: exec,
		workers:  workers,
		metrics:  m,
		logger:   logger,
	}
}

// Enqueue blocks until the payment is queued or ctx is done.
func (p *WorkerPool) Enqueue(ctx context.Context, payment models.MatchedPayment) error {
	select {
	case p.queue <- payment:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range p.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case payment := <-p.queue:
					p.metrics.SetQueueDepth(len(p.queue))
					p.process(ctx, payment)
				}
			}
		})
	}
	return g.Wait()
}

func (p *WorkerPool) process(ctx context.Context, payment models.MatchedPayment) {
	res, err := p.executor.Execute(ctx, payment)
	switch {
	case err == nil:
		p.logger.DebugContext(ctx, "payment processed", "tx_hash", payment.TxHash, "outcome", res.Outcome)
	case dErrors.HasCode(err, dErrors.CodeGateNotSatisfied):
		p.logger.InfoContext(ctx, "payment awaiting investor authorization", "tx_hash", payment.TxHash)
	case res.Outcome == models.OutcomeSubmitted:
		p.logger.WarnContext(ctx, "issuance awaiting ledger validation, reconciliation will resolve it",
			"tx_hash", payment.TxHash,
			"error", err,
		)
	case dErrors.HasCode(err, dErrors.CodeConflict):
		p.logger.DebugContext(ctx, "payment handled elsewhere", "tx_hash", payment.TxHash, "error", err)
	default:
		p.logger.ErrorContext(ctx, "payment processing failed",
			"tx_hash", payment.TxHash,
			"intent_id", payment.IntentID,
			"code", dErrors.CodeOf(err),
			"error", err,
		)
	}
}
