package ledger

import (
	"context"
	"errors"
	"log/slog"

	"tokenfund/pkg/platform/circuit"
)

// ErrCircuitOpen is returned, wrapped as transient, while the ledger node is
// considered unavailable.
var ErrCircuitOpen = errors.New("ledger circuit open")

// BreakerGateway fails fast on transient errors once the node has failed
// repeatedly. Rejections prove the node is reachable and count as successes.
type BreakerGateway struct {
	next    Gateway
	breaker *circuit.Breaker
	logger  *slog.Logger
}

var _ Gateway = (*BreakerGateway)(nil)

func NewBreakerGateway(next Gateway, breaker *circuit.Breaker, logger *slog.Logger) *BreakerGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerGateway{next: next, breaker: breaker, logger: logger}
}

func (g *BreakerGateway) AccountTransactions(ctx context.Context, account string, minLedger uint32, marker Marker, limit int) (*Page, error) {
	if err := g.admit("account_tx"); err != nil {
		return nil, err
	}
	page, err := g.next.AccountTransactions(ctx, account, minLedger, marker, limit)
	g.record(ctx, err)
	return page, err
}

func (g *BreakerGateway) Prepare(ctx context.Context, p Payment) (*Submission, error) {
	if err := g.admit("prepare"); err != nil {
		return nil, err
	}
	sub, err := g.next.Prepare(ctx, p)
	g.record(ctx, err)
	return sub, err
}

func (g *BreakerGateway) Submit(ctx context.Context, s *Submission) (*Confirmation, error) {
	if err := g.admit("submit"); err != nil {
		return nil, err
	}
	conf, err := g.next.Submit(ctx, s)
	g.record(ctx, err)
	return conf, err
}

// Status is never short-circuited: resolving a sent transaction must not
// wait out a cooldown.
func (g *BreakerGateway) Status(ctx context.Context, hash string, lastLedger uint32) (*SubmissionStatus, error) {
	st, err := g.next.Status(ctx, hash, lastLedger)
	g.record(ctx, err)
	return st, err
}

func (g *BreakerGateway) FindSubmission(ctx context.Context, account, reference string) (*Confirmation, error) {
	if err := g.admit("find_submission"); err != nil {
		return nil, err
	}
	conf, err := g.next.FindSubmission(ctx, account, reference)
	g.record(ctx, err)
	return conf, err
}

func (g *BreakerGateway) TrustLine(ctx context.Context, holder, issuer, currency string) (*TrustLine, error) {
	if err := g.admit("account_lines"); err != nil {
		return nil, err
	}
	line, err := g.next.TrustLine(ctx, holder, issuer, currency)
	g.record(ctx, err)
	return line, err
}

func (g *BreakerGateway) AuthorizeTrustLine(ctx context.Context, issuer, holder, currency string) (*Confirmation, error) {
	if err := g.admit("trust_set"); err != nil {
		return nil, err
	}
	conf, err := g.next.AuthorizeTrustLine(ctx, issuer, holder, currency)
	g.record(ctx, err)
	return conf, err
}

func (g *BreakerGateway) admit(op string) error {
	if g.breaker.Allow() {
		return nil
	}
	return Transient(op, ErrCircuitOpen)
}

func (g *BreakerGateway) record(ctx context.Context, err error) {
	// Cancellation says nothing about node health.
	if ctx.Err() != nil {
		return
	}
	if err != nil && (IsTransient(err) || IsOutcomeUnknown(err)) {
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.WarnContext(ctx, "ledger circuit opened", "breaker", g.breaker.Name(), "error", err)
		}
		return
	}
	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.logger.InfoContext(ctx, "ledger circuit closed", "breaker", g.breaker.Name())
	}
}
