package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	id "tokenfund/pkg/domain"
	dErrors "tokenfund/pkg/domain-errors"
)

// Status is the position of a purchase intent in the pipeline.
type Status string

const (
	StatusAwaitingDeposit      Status = "AwaitingDeposit"
	StatusMatched              Status = "Matched"
	StatusPendingAuthorization Status = "PendingAuthorization"
	StatusIssuing              Status = "Issuing"
	StatusCompleted            Status = "Completed"
	StatusFlagged              Status = "Flagged"
)

var statusRank = map[Status]int{
	StatusAwaitingDeposit:      0,
	StatusMatched:              1,
	StatusPendingAuthorization: 2,
	StatusIssuing:              3,
	StatusCompleted:            4,
}

func (s Status) IsValid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFlagged
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFlagged
}

// InFlight lists statuses for which a deposit has been matched but no
// terminal outcome recorded.
func InFlight() []Status {
	return []Status{StatusMatched, StatusPendingAuthorization, StatusIssuing}
}

// CanTransition reports whether from → to moves strictly forward. Flagged is
// reachable only before issuance has been attempted.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	if to == StatusFlagged {
		return from == StatusAwaitingDeposit || from == StatusMatched
	}
	return statusRank[to] > statusRank[from]
}

// Intent is a pending purchase awaiting (or following) its deposit.
//
// Invariants:
//   - ExpectedAmount is positive
//   - Status only moves forward; Completed and Flagged are terminal
//   - MatchedTxHash is set once, on the move to Matched or Flagged, and never changes
type Intent struct {
	ID               id.IntentID         `json:"id"`
	InvestorID       id.InvestorID       `json:"investor_id"`
	ExpectedAmount   decimal.Decimal     `json:"expected_amount"`
	ExpectedCurrency string              `json:"expected_currency"`
	DestinationTag   *uint32             `json:"destination_tag,omitempty"`
	Status           Status              `json:"status"`
	MatchedTxHash    string              `json:"matched_tx_hash,omitempty"`
	ReceivedAmount   decimal.NullDecimal `json:"received_amount"`
	TokenAmount      decimal.NullDecimal `json:"token_amount"`
	IssueTxHash      string              `json:"issue_tx_hash,omitempty"`
	IssueLastLedger  uint32              `json:"issue_last_ledger,omitempty"`
	FlagReason       string              `json:"flag_reason,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// NewIntent validates purchase input.
func NewIntent(intentID id.IntentID, investorID id.InvestorID, amount decimal.Decimal, currency string, tag *uint32, now time.Time) (*Intent, error) {
	if investorID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "investor is required")
	}
	if !amount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "expected amount must be positive")
	}
	if currency == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "expected currency is required")
	}
	return &Intent{
		ID:               intentID,
		InvestorID:       investorID,
		ExpectedAmount:   amount,
		ExpectedCurrency: currency,
		DestinationTag:   tag,
		Status:           StatusAwaitingDeposit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Change carries the fields a transition may set alongside the status.
// Nil fields are left untouched.
type Change struct {
	MatchedTxHash  *string
	ReceivedAmount *decimal.Decimal
	TokenAmount    *decimal.Decimal
	IssueTxHash    *string
	FlagReason     *string
}

// Apply moves the intent to status `to` with change, enforcing forward-only
// movement and hash immutability.
func (i *Intent) Apply(to Status, change Change, now time.Time) error {
	if !CanTransition(i.Status, to) {
		return dErrors.New(dErrors.CodeInvalidTransition,
			fmt.Sprintf("cannot move intent from %s to %s", i.Status, to))
	}
	if change.MatchedTxHash != nil {
		if i.MatchedTxHash != "" && i.MatchedTxHash != *change.MatchedTxHash {
			return dErrors.New(dErrors.CodeInvariantViolation, "intent is already matched to another transaction")
		}
		i.MatchedTxHash = *change.MatchedTxHash
	}
	if change.ReceivedAmount != nil {
		i.ReceivedAmount = decimal.NewNullDecimal(*change.ReceivedAmount)
	}
	if change.TokenAmount != nil {
		i.TokenAmount = decimal.NewNullDecimal(*change.TokenAmount)
	}
	if change.IssueTxHash != nil {
		i.IssueTxHash = *change.IssueTxHash
	}
	if change.FlagReason != nil {
		i.FlagReason = *change.FlagReason
	}
	i.Status = to
	i.UpdatedAt = now
	return nil
}

// RecordSubmission remembers the issuing transaction before it is sent. It
// replaces an earlier submission, which the caller must have seen expire.
func (i *Intent) RecordSubmission(hash string, lastLedger uint32, now time.Time) error {
	if i.Status != StatusIssuing {
		return dErrors.New(dErrors.CodeInvalidTransition,
			fmt.Sprintf("cannot record a submission for a %s intent", i.Status))
	}
	if hash == "" || lastLedger == 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "submission hash and last ledger are required")
	}
	i.IssueTxHash = hash
	i.IssueLastLedger = lastLedger
	i.UpdatedAt = now
	return nil
}

// HasSubmission reports whether an issuing transaction may have been sent.
func (i *Intent) HasSubmission() bool {
	return i.Status == StatusIssuing && i.IssueTxHash != "" && i.IssueLastLedger > 0
}
