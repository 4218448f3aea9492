// Package matcher correlates incoming ledger payments with purchase intents.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"tokenfund/internal/alert"
	"tokenfund/internal/deposit/metrics"
	investormodels "tokenfund/internal/investor/models"
	issuancemodels "tokenfund/internal/issuance/models"
	"tokenfund/internal/ledger"
	"tokenfund/internal/purchase/models"
	id "tokenfund/pkg/domain"
	dErrors "tokenfund/pkg/domain-errors"
	"tokenfund/pkg/requestcontext"
)

// Outcome of matching one transaction.
type Outcome string

const (
	OutcomeMatched   Outcome = "matched"
	OutcomeUnmatched Outcome = "unmatched"
)

// Reasons recorded for unmatched payments and flagged intents.
const (
	ReasonNoPendingIntent  = "NoPendingIntent"
	ReasonAmountMismatch   = "AmountMismatch"
	ReasonCurrencyMismatch = "CurrencyMismatch"
)

// Result is the matcher's verdict. Payment is set only when Outcome is Matched.
type Result struct {
	Outcome Outcome
	Reason  string
	Payment *issuancemodels.MatchedPayment
}

func (r Result) Matched() bool { return r.Outcome == OutcomeMatched }

// Investors resolves the sender of a payment.
type Investors interface {
	FindByAddress(ctx context.Context, address string) (*investormodels.Investor, error)
}

// Intents exposes the purchase-intent operations the matcher needs.
type Intents interface {
	FindByTxHash(ctx context.Context, hash string) (*models.Intent, error)
	OpenIntents(ctx context.Context, investorID id.InvestorID) ([]*models.Intent, error)
	Transition(ctx context.Context, intentID id.IntentID, from, to models.Status, change models.Change) (*models.Intent, error)
}

// Config controls correlation.
type Config struct {
	// Tolerance is the accepted relative deviation from the expected amount.
	Tolerance decimal.Decimal
	// DepositIssuer, when set, is the only accepted issuer for issued-currency deposits.
	DepositIssuer string
}

type Matcher struct {
	investors Investors
	intents   Intents
	alerts    alert.Publisher
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Matcher)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Matcher) {
		m.metrics = mt
	}
}

func New(investors Investors, intents Intents, alerts alert.Publisher, cfg Config, opts ...Option) (*Matcher, error) {
	if investors == nil {
		return nil, errors.New("investor lookup is required")
	}
	if intents == nil {
		return nil, errors.New("intent service is required")
	}
	if alerts == nil {
		return nil, errors.New("alert publisher is required")
	}
	if cfg.Tolerance.IsNegative() {
		return nil, errors.New("tolerance must not be negative")
	}
	m := &Matcher{
		investors: investors,
		intents:   intents,
		alerts:    alerts,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Match correlates tx with a pending intent. Redelivered transactions return
// the outcome recorded the first time without mutating anything.
func (m *Matcher) Match(ctx context.Context, tx ledger.Transaction) (Result, error) {
	result, err := m.match(ctx, tx)
	if dErrors.HasCode(err, dErrors.CodeConflict) {
		// Another writer changed the chosen intent; re-read and decide again.
		result, err = m.match(ctx, tx)
	}
	if err != nil {
		return Result{}, err
	}
	m.metrics.IncrementMatch(string(result.Outcome), result.Reason)
	return result, nil
}

func (m *Matcher) match(ctx context.Context, tx ledger.Transaction) (Result, error) {
	existing, err := m.intents.FindByTxHash(ctx, tx.Hash)
	switch {
	case err == nil:
		return m.redelivered(existing, tx), nil
	case !dErrors.HasCode(err, dErrors.CodeNotFound):
		return Result{}, err
	}

	inv, err := m.investors.FindByAddress(ctx, tx.Sender)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			m.logger.InfoContext(ctx, "payment from unknown sender skipped",
				"tx_hash", tx.Hash,
				"sender", tx.Sender,
			)
			return unmatched(ReasonNoPendingIntent), nil
		}
		return Result{}, err
	}

	open, err := m.intents.OpenIntents(ctx, inv.ID)
	if err != nil {
		return Result{}, err
	}
	intent := selectIntent(open, tx.DestinationTag)
	if intent == nil {
		m.logger.InfoContext(ctx, "payment without pending intent skipped",
			"tx_hash", tx.Hash,
			"investor_id", inv.ID,
		)
		return unmatched(ReasonNoPendingIntent), nil
	}

	if reason := m.currencyMismatch(intent, tx.Delivered); reason != "" {
		return m.flag(ctx, intent, tx, ReasonCurrencyMismatch, alert.KindCurrencyMismatch, reason)
	}

	received := tx.Delivered.Value
	allowed := intent.ExpectedAmount.Mul(m.cfg.Tolerance)
	if received.Sub(intent.ExpectedAmount).Abs().GreaterThan(allowed) {
		detail := fmt.Sprintf("received %s %s, expected %s %s",
			received, tx.Delivered.Currency, intent.ExpectedAmount, intent.ExpectedCurrency)
		return m.flag(ctx, intent, tx, ReasonAmountMismatch, alert.KindAmountMismatch, detail)
	}

	hash := tx.Hash
	if _, err := m.intents.Transition(ctx, intent.ID, models.StatusAwaitingDeposit, models.StatusMatched, models.Change{
		MatchedTxHash:  &hash,
		ReceivedAmount: &received,
	}); err != nil {
		return Result{}, err
	}
	m.logger.InfoContext(ctx, "payment matched",
		"tx_hash", tx.Hash,
		"intent_id", intent.ID,
		"investor_id", inv.ID,
		"amount", received.String(),
	)
	return matched(intent.ID, intent.InvestorID, tx), nil
}

func (m *Matcher) redelivered(intent *models.Intent, tx ledger.Transaction) Result {
	if intent.Status == models.StatusFlagged {
		return unmatched(ReasonAmountMismatch)
	}
	return matched(intent.ID, intent.InvestorID, tx)
}

func (m *Matcher) currencyMismatch(intent *models.Intent, amount ledger.Amount) string {
	if amount.Currency != intent.ExpectedCurrency {
		return fmt.Sprintf("received currency %s, expected %s", amount.Currency, intent.ExpectedCurrency)
	}
	if !amount.IsNative() && m.cfg.DepositIssuer != "" && amount.Issuer != m.cfg.DepositIssuer {
		return fmt.Sprintf("received %s issued by %s, expected issuer %s", amount.Currency, amount.Issuer, m.cfg.DepositIssuer)
	}
	return ""
}

func (m *Matcher) flag(ctx context.Context, intent *models.Intent, tx ledger.Transaction, reason string, kind alert.Kind, detail string) (Result, error) {
	hash := tx.Hash
	received := tx.Delivered.Value
	if _, err := m.intents.Transition(ctx, intent.ID, models.StatusAwaitingDeposit, models.StatusFlagged, models.Change{
		MatchedTxHash:  &hash,
		ReceivedAmount: &received,
		FlagReason:     &reason,
	}); err != nil {
		return Result{}, err
	}
	m.logger.WarnContext(ctx, "payment flagged",
		"tx_hash", tx.Hash,
		"intent_id", intent.ID,
		"reason", reason,
		"detail", detail,
	)
	a := alert.Alert{
		Kind:       kind,
		TxHash:     tx.Hash,
		IntentID:   intent.ID.String(),
		InvestorID: intent.InvestorID.String(),
		Reason:     detail,
		Expected:   intent.ExpectedAmount.String() + " " + intent.ExpectedCurrency,
		Received:   received.String() + " " + tx.Delivered.Currency,
		At:         requestcontext.Now(ctx),
	}
	if err := m.alerts.Publish(ctx, a); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish alert", "tx_hash", tx.Hash, "error", err)
	}
	return unmatched(ReasonAmountMismatch), nil
}

// selectIntent prefers an intent carrying the payment's destination tag and
// otherwise takes the oldest. open is FIFO ordered.
func selectIntent(open []*models.Intent, tag *uint32) *models.Intent {
	if len(open) == 0 {
		return nil
	}
	if tag != nil {
		for _, intent := range open {
			if intent.DestinationTag != nil && *intent.DestinationTag == *tag {
				return intent
			}
		}
	}
	return open[0]
}

func matched(intentID id.IntentID, investorID id.InvestorID, tx ledger.Transaction) Result {
	return Result{
		Outcome: OutcomeMatched,
		Payment: &issuancemodels.MatchedPayment{
			TxHash:      tx.Hash,
			IntentID:    intentID,
			InvestorID:  investorID,
			Sender:      tx.Sender,
			Amount:      tx.Delivered,
			LedgerIndex: tx.LedgerIndex,
		},
	}
}

func unmatched(reason string) Result {
	return Result{Outcome: OutcomeUnmatched, Reason: reason}
}
