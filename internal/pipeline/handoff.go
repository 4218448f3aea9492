package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"tokenfund/internal/deposit/matcher"
	"tokenfund/internal/deposit/watcher"
	"tokenfund/internal/ledger"
)

// TransactionCache records the first observation of each deposit.
type TransactionCache interface {
	Save(ctx context.Context, tx ledger.Transaction) (bool, error)
}

// Matcher correlates a deposit with an intent.
type Matcher interface {
	Match(ctx context.Context, tx ledger.Transaction) (matcher.Result, error)
}

// Handoff receives watcher batches: it caches each transaction, matches it and
// enqueues matched payments for issuance, in ledger order. Any error aborts the
// batch so the watcher keeps its cursor and redelivers.
type Handoff struct {
	cache   TransactionCache
	matcher Matcher
	pool    *WorkerPool
	logger  *slog.Logger
}

func NewHandoff(cache TransactionCache, m Matcher, pool *WorkerPool, logger *slog.Logger) *Handoff {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handoff{cache: cache, matcher: m, pool: pool, logger: logger}
}

// Handle implements watcher.Handoff.
func (h *Handoff) Handle(ctx context.Context, batch watcher.Batch) error {
	for _, tx := range batch.Transactions {
		if _, err := h.cache.Save(ctx, tx); err != nil {
			return fmt.Errorf("cache transaction %s: %w", tx.Hash, err)
		}
		result, err := h.matcher.Match(ctx, tx)
		if err != nil {
			return fmt.Errorf("match transaction %s: %w", tx.Hash, err)
		}
		if !result.Matched() {
			h.logger.DebugContext(ctx, "deposit not matched", "tx_hash", tx.Hash, "reason", result.Reason)
			continue
		}
		if err := h.pool.Enqueue(ctx, *result.Payment); err != nil {
			return fmt.Errorf("enqueue transaction %s: %w", tx.Hash, err)
		}
	}
	return nil
}
