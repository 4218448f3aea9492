package models

import (
	"time"

	"github.com/shopspring/decimal"

	"tokenfund/internal/ledger"
	id "tokenfund/pkg/domain"
)

// Status is the terminal outcome of an issuance attempt.
type Status string

const (
	StatusSucceeded         Status = "Succeeded"
	StatusFailedPermanently Status = "FailedPermanently"
)

// ForwardStatus tracks the optional proceeds transfer that follows issuance.
type ForwardStatus string

const (
	ForwardNotRequired ForwardStatus = "not_required"
	ForwardPending     ForwardStatus = "pending"
	ForwardSucceeded   ForwardStatus = "succeeded"
	ForwardFailed      ForwardStatus = "failed"
)

// NeedsForwarding reports whether the forwarding step still has to run.
func (s ForwardStatus) NeedsForwarding() bool {
	return s == ForwardPending || s == ForwardFailed
}

// Record is the idempotency record for one deposit. At most one exists per
// DepositTxHash.
type Record struct {
	DepositTxHash     string          `json:"deposit_tx_hash"`
	IntentID          id.IntentID     `json:"intent_id"`
	InvestorID        id.InvestorID   `json:"investor_id"`
	DepositAmount     decimal.Decimal `json:"deposit_amount"`
	Rate              decimal.Decimal `json:"rate"`
	TokenAmount       decimal.Decimal `json:"token_amount"`
	Status            Status          `json:"status"`
	IssueTxHash       string          `json:"issue_tx_hash,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	Attempts          int             `json:"attempts"`
	ForwardStatus     ForwardStatus   `json:"forward_status"`
	ForwardTxHash     string          `json:"forward_tx_hash,omitempty"`
	// ForwardLastLedger is set while ForwardTxHash may still be included.
	ForwardLastLedger uint32          `json:"forward_last_ledger,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (r *Record) Succeeded() bool { return r.Status == StatusSucceeded }

// MatchedPayment is a deposit correlated to an intent, ready for issuance.
type MatchedPayment struct {
	TxHash      string
	IntentID    id.IntentID
	InvestorID  id.InvestorID
	Sender      string
	Amount      ledger.Amount
	LedgerIndex uint32
}

// Outcome summarises what Execute did with a payment.
type Outcome string

const (
	OutcomeIssued               Outcome = "issued"
	OutcomeDuplicate            Outcome = "duplicate"
	OutcomePendingAuthorization Outcome = "pending_authorization"
	OutcomeFailed               Outcome = "failed"
	// OutcomeSubmitted means a transaction was sent and its validation is
	// still outstanding. Nothing is resent until it expires.
	OutcomeSubmitted Outcome = "submitted"
)

// ConvertTokens returns deposit × rate truncated to precision decimal places.
// Truncation never credits more than was paid for.
func ConvertTokens(deposit, rate decimal.Decimal, precision int32) decimal.Decimal {
	return deposit.Mul(rate).Truncate(precision)
}

// ForwardReference is the memo reference used for the proceeds transfer of a deposit.
func ForwardReference(depositTxHash string) string {
	return "fwd:" + depositTxHash
}
