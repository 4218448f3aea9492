package admin

import (
	"strings"

	"github.com/shopspring/decimal"

	id "tokenfund/pkg/domain"
	dErrors "tokenfund/pkg/domain-errors"
)

// RegisterInvestorRequest onboards an investor by email and ledger address.
type RegisterInvestorRequest struct {
	Email         string `json:"email"`
	LedgerAddress string `json:"ledger_address"`
}

func (r *RegisterInvestorRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.LedgerAddress = strings.TrimSpace(r.LedgerAddress)
}

func (r *RegisterInvestorRequest) Validate() error {
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		return dErrors.New(dErrors.CodeValidation, "a valid email is required")
	}
	if r.LedgerAddress == "" {
		return dErrors.New(dErrors.CodeValidation, "ledger_address is required")
	}
	return nil
}

// CreateIntentRequest opens a purchase intent. Currency defaults to the
// configured deposit currency when empty.
type CreateIntentRequest struct {
	InvestorID string          `json:"investor_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`

	investorID id.InvestorID
}

func (r *CreateIntentRequest) Normalize() {
	r.InvestorID = strings.TrimSpace(r.InvestorID)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
}

func (r *CreateIntentRequest) Validate() error {
	investorID, err := id.ParseInvestorID(r.InvestorID)
	if err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	r.investorID = investorID
	return nil
}
