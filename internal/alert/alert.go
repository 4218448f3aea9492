// Package alert publishes operator alerts for payments that need manual attention.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind classifies an alert.
type Kind string

const (
	KindAmountMismatch   Kind = "amount_mismatch"
	KindCurrencyMismatch Kind = "currency_mismatch"
	KindIssuanceFailed   Kind = "issuance_failed"
	KindForwardingFailed Kind = "forwarding_failed"
)

// Alert describes a payment that stopped short of issuance or forwarding.
type Alert struct {
	Kind       Kind      `json:"kind"`
	TxHash     string    `json:"tx_hash"`
	IntentID   string    `json:"intent_id,omitempty"`
	InvestorID string    `json:"investor_id,omitempty"`
	Reason     string    `json:"reason"`
	Expected   string    `json:"expected,omitempty"`
	Received   string    `json:"received,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher delivers alerts. Publishing is best effort; callers log failures
// and never roll back state because of them.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

// LogPublisher writes alerts as structured log records.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, a Alert) error {
	p.logger.WarnContext(ctx, "operator alert",
		"kind", a.Kind,
		"tx_hash", a.TxHash,
		"intent_id", a.IntentID,
		"investor_id", a.InvestorID,
		"reason", a.Reason,
		"expected", a.Expected,
		"received", a.Received,
	)
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, a Alert) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
