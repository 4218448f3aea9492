package models

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	id "tokenfund/pkg/domain"
	dErrors "tokenfund/pkg/domain-errors"
)

// State is the investor's onboarding position.
type State string

const (
	StateRegistered          State = "Registered"
	StateKYCPending          State = "KYCPending"
	StateKYCApproved         State = "KYCApproved"
	StateTrustLineRequested  State = "TrustLineRequested"
	StateTrustLineAuthorized State = "TrustLineAuthorized"
	StateActive              State = "Active"
)

var stateOrder = []State{
	StateRegistered,
	StateKYCPending,
	StateKYCApproved,
	StateTrustLineRequested,
	StateTrustLineAuthorized,
	StateActive,
}

func (s State) rank() int {
	for i, st := range stateOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s State) IsValid() bool { return s.rank() >= 0 }

// Next returns the only state s may move to, or false at the end.
func (s State) Next() (State, bool) {
	r := s.rank()
	if r < 0 || r == len(stateOrder)-1 {
		return "", false
	}
	return stateOrder[r+1], true
}

type KYCStatus string

const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
)

type TrustLineStatus string

const (
	TrustLineNone       TrustLineStatus = "none"
	TrustLineRequested  TrustLineStatus = "requested"
	TrustLineAuthorized TrustLineStatus = "authorized"
)

// Investor is the aggregate root for an onboarded fund participant.
//
// Invariants:
//   - State only moves to its immediate successor
//   - KYCStatus and TrustLineStatus are derived from State transitions
//   - LedgerAddress is immutable after registration
//   - Deactivation is a flag; investors are never deleted
//   - Version increases by one on every stored update
type Investor struct {
	ID              id.InvestorID   `json:"id"`
	Email           string          `json:"email"`
	LedgerAddress   string          `json:"ledger_address"`
	State           State           `json:"state"`
	KYCStatus       KYCStatus       `json:"kyc_status"`
	TrustLineStatus TrustLineStatus `json:"trust_line_status"`
	Deactivated     bool            `json:"deactivated"`
	DeactivatedAt   *time.Time      `json:"deactivated_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int64           `json:"version"`
}

// NewInvestor validates registration input.
func NewInvestor(investorID id.InvestorID, email, address string, now time.Time) (*Investor, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	address = strings.TrimSpace(address)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "email is invalid")
	}
	if !IsLedgerAddress(address) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "ledger address is invalid")
	}
	return &Investor{
		ID:              investorID,
		Email:           email,
		LedgerAddress:   address,
		State:           StateRegistered,
		KYCStatus:       KYCNone,
		TrustLineStatus: TrustLineNone,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}, nil
}

const addressAlphabet = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

// IsLedgerAddress performs a shape check on a classic ledger address.
// Checksum verification is left to the ledger.
func IsLedgerAddress(s string) bool {
	if len(s) < 25 || len(s) > 35 || s[0] != 'r' {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune(addressAlphabet, c) {
			return false
		}
	}
	return true
}

// Transition moves the investor to target. Only the immediate successor of
// the current state is accepted; anything else leaves the investor unchanged.
func (i *Investor) Transition(target State, now time.Time) error {
	next, ok := i.State.Next()
	if !target.IsValid() || !ok || next != target {
		return dErrors.New(dErrors.CodeInvalidTransition,
			fmt.Sprintf("cannot move investor from %s to %s", i.State, target))
	}
	i.State = target
	switch target {
	case StateKYCPending:
		i.KYCStatus = KYCPending
	case StateKYCApproved:
		i.KYCStatus = KYCApproved
	case StateTrustLineRequested:
		i.TrustLineStatus = TrustLineRequested
	case StateTrustLineAuthorized:
		i.TrustLineStatus = TrustLineAuthorized
	}
	i.UpdatedAt = now
	return nil
}

// Deactivate flags the investor. Repeated calls are no-ops.
func (i *Investor) Deactivate(now time.Time) {
	if i.Deactivated {
		return
	}
	i.Deactivated = true
	i.DeactivatedAt = &now
	i.UpdatedAt = now
}

// GateSatisfied reports whether tokens may be issued to the investor,
// regardless of the exact onboarding position.
func (i *Investor) GateSatisfied() bool {
	return !i.Deactivated && i.KYCStatus == KYCApproved && i.TrustLineStatus == TrustLineAuthorized
}

// GateReason explains an unsatisfied gate, or returns "".
func (i *Investor) GateReason() string {
	switch {
	case i.Deactivated:
		return "investor is deactivated"
	case i.KYCStatus != KYCApproved:
		return "kyc not approved"
	case i.TrustLineStatus != TrustLineAuthorized:
		return "trust line not authorized"
	default:
		return ""
	}
}
