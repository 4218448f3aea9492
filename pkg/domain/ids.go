// Package domain holds typed identifiers and small value types shared across
// bounded contexts.
package domain

import (
	"github.com/google/uuid"

	dErrors "tokenfund/pkg/domain-errors"
)

type (
	// InvestorID identifies an onboarded investor.
	InvestorID uuid.UUID
	// IntentID identifies a purchase intent.
	IntentID uuid.UUID
)

// NewInvestorID returns a fresh random investor ID.
func NewInvestorID() InvestorID { return InvestorID(uuid.New()) }

// NewIntentID returns a fresh random intent ID.
func NewIntentID() IntentID { return IntentID(uuid.New()) }

func (id InvestorID) String() string { return uuid.UUID(id).String() }
func (id IntentID) String() string   { return uuid.UUID(id).String() }

func (id InvestorID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id IntentID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }

// ParseInvestorID validates s at a trust boundary.
func ParseInvestorID(s string) (InvestorID, error) {
	u, err := parseUUID(s, "investor ID")
	return InvestorID(u), err
}

// ParseIntentID validates s at a trust boundary.
func ParseIntentID(s string) (IntentID, error) {
	u, err := parseUUID(s, "intent ID")
	return IntentID(u), err
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}

func (id InvestorID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id IntentID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }

func (id *InvestorID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id *IntentID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
