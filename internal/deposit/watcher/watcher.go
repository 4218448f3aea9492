// Package watcher discovers incoming deposits by polling the ledger from a
// persisted cursor.
//
// The cursor is only advanced after a batch has been handed off successfully,
// so a crash or a failed handoff causes redelivery, never loss.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"tokenfund/internal/deposit/metrics"
	"tokenfund/internal/ledger"
	dErrors "tokenfund/pkg/domain-errors"
	"tokenfund/pkg/platform/retry"
)

// CursorStore persists the last fully processed ledger index per account.
type CursorStore interface {
	Get(ctx context.Context, account string) (uint32, bool, error)
	Advance(ctx context.Context, account string, ledgerIndex uint32) error
}

// Batch is the result of one poll. Transactions are in ledger order and
// NewCursor is never lower than Cursor.
type Batch struct {
	Cursor       uint32
	NewCursor    uint32
	Transactions []ledger.Transaction
}

// Handoff consumes a batch. The cursor is persisted only if it returns nil.
type Handoff func(ctx context.Context, batch Batch) error

// Config controls polling.
type Config struct {
	Account      string
	PollInterval time.Duration
	PageLimit    int
	MaxPages     int
	// StartLedger is used when no cursor has been persisted yet.
	StartLedger  uint32
	QueryTimeout time.Duration
	Retry        retry.Policy
	// ShutdownGrace bounds how long an in-progress handoff may run after ctx is cancelled.
	ShutdownGrace time.Duration
}

const (
	defaultPollInterval  = 5 * time.Second
	defaultPageLimit     = 200
	defaultMaxPages      = 10
	defaultQueryTimeout  = 10 * time.Second
	defaultShutdownGrace = 30 * time.Second
)

type Watcher struct {
	gateway ledger.Gateway
	cursors CursorStore
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Watcher)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) {
		w.metrics = m
	}
}

func New(gateway ledger.Gateway, cursors CursorStore, cfg Config, opts ...Option) (*Watcher, error) {
	if gateway == nil {
		return nil, errors.New("ledger gateway is required")
	}
	if cursors == nil {
		return nil, errors.New("cursor store is required")
	}
	if cfg.Account == "" {
		return nil, errors.New("deposit account is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = defaultPageLimit
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	w := &Watcher{
		gateway: gateway,
		cursors: cursors,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Poll fetches incoming payments strictly after cursor. On error the caller's
// cursor remains authoritative.
func (w *Watcher) Poll(ctx context.Context, cursor uint32) (Batch, error) {
	start := time.Now()
	batch, err := w.poll(ctx, cursor)
	w.metrics.ObservePoll(time.Since(start), err)
	return batch, err
}

func (w *Watcher) poll(ctx context.Context, cursor uint32) (Batch, error) {
	batch := Batch{Cursor: cursor, NewCursor: cursor}
	seen := make(map[string]struct{})
	var (
		marker      ledger.Marker
		validated   uint32
		highestSeen uint32
		truncated   bool
	)
	for page := 0; ; page++ {
		if page >= w.cfg.MaxPages {
			// Stopping inside the first ledger after cursor would leave the
			// cursor where it is, so that ledger is read to its end.
			if highestSeen > cursor+1 {
				truncated = true
				break
			}
			if page == w.cfg.MaxPages {
				w.logger.WarnContext(ctx, "ledger holds more than the page budget, reading past it",
					"account", w.cfg.Account,
					"ledger_index", cursor+1,
					"max_pages", w.cfg.MaxPages,
				)
			}
		}
		qctx, cancel := context.WithTimeout(ctx, w.cfg.QueryTimeout)
		result, err := w.gateway.AccountTransactions(qctx, w.cfg.Account, cursor, marker, w.cfg.PageLimit)
		cancel()
		if err != nil {
			return Batch{Cursor: cursor, NewCursor: cursor}, dErrors.Wrap(err, dErrors.CodeTransientLedger, "ledger query failed")
		}
		validated = max(validated, result.ValidatedThrough)
		for _, tx := range result.Transactions {
			highestSeen = max(highestSeen, tx.LedgerIndex)
			if tx.LedgerIndex <= cursor || !tx.IsIncomingPayment(w.cfg.Account) {
				continue
			}
			if _, dup := seen[tx.Hash]; dup {
				continue
			}
			seen[tx.Hash] = struct{}{}
			batch.Transactions = append(batch.Transactions, tx)
		}
		if len(result.Marker) == 0 {
			break
		}
		marker = result.Marker
	}

	sort.SliceStable(batch.Transactions, func(i, j int) bool {
		a, b := batch.Transactions[i], batch.Transactions[j]
		if a.LedgerIndex != b.LedgerIndex {
			return a.LedgerIndex < b.LedgerIndex
		}
		return a.TxIndex < b.TxIndex
	})

	covered := validated
	if truncated && highestSeen > 0 {
		// The last ledger seen may continue on the next page.
		covered = highestSeen - 1
	}
	batch.NewCursor = max(cursor, covered)
	return batch, nil
}

// Cursor returns the persisted cursor, or StartLedger when none exists.
func (w *Watcher) Cursor(ctx context.Context) (uint32, error) {
	idx, ok, err := w.cursors.Get(ctx, w.cfg.Account)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load watcher cursor")
	}
	if !ok {
		return w.cfg.StartLedger, nil
	}
	return idx, nil
}

// Tick runs one poll-and-handoff cycle. Transient query errors are retried
// with backoff; the cursor is advanced only after handoff succeeds.
func (w *Watcher) Tick(ctx context.Context, handoff Handoff) error {
	cursor, err := w.Cursor(ctx)
	if err != nil {
		return err
	}

	var batch Batch
	_, err = retry.DoNotify(ctx, w.cfg.Retry,
		func(err error) bool { return dErrors.HasCode(err, dErrors.CodeTransientLedger) },
		func(ctx context.Context, _ int) error {
			var pollErr error
			batch, pollErr = w.Poll(ctx, cursor)
			return pollErr
		},
		func(err error, wait time.Duration) {
			w.logger.WarnContext(ctx, "ledger poll failed, retrying", "cursor", cursor, "wait", wait, "error", err)
		},
	)
	if err != nil {
		return err
	}

	// Handoff and cursor persistence must not be cut short by shutdown.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ShutdownGrace)
	defer cancel()

	if len(batch.Transactions) > 0 {
		if err := handoff(hctx, batch); err != nil {
			w.logger.ErrorContext(ctx, "batch handoff failed, cursor not advanced",
				"cursor", cursor,
				"transactions", len(batch.Transactions),
				"error", err,
			)
			return err
		}
		w.metrics.AddObserved(len(batch.Transactions))
	}
	if batch.NewCursor == cursor {
		return nil
	}
	if err := w.cursors.Advance(hctx, w.cfg.Account, batch.NewCursor); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist watcher cursor")
	}
	w.metrics.SetCursor(batch.NewCursor)
	w.logger.DebugContext(ctx, "watcher cursor advanced",
		"cursor", batch.NewCursor,
		"transactions", len(batch.Transactions),
	)
	return nil
}

// Run ticks every PollInterval until ctx is cancelled. Tick failures are
// logged and retried on the next tick.
func (w *Watcher) Run(ctx context.Context, handoff Handoff) error {
	w.logger.InfoContext(ctx, "deposit watcher started",
		"account", w.cfg.Account,
		"poll_interval", w.cfg.PollInterval,
	)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.Tick(ctx, handoff); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "watcher tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.InfoContext(context.WithoutCancel(ctx), "deposit watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}
