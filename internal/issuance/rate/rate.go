// Package rate supplies the deposit-to-token conversion rate.
package rate

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Source returns the number of tokens issued per unit of deposit currency.
type Source interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Static is a fixed rate for every currency.
type Static struct {
	rate decimal.Decimal
}

func NewStatic(rate decimal.Decimal) (*Static, error) {
	if !rate.IsPositive() {
		return nil, errors.New("conversion rate must be positive")
	}
	return &Static{rate: rate}, nil
}

func (s *Static) Rate(context.Context, string) (decimal.Decimal, error) {
	return s.rate, nil
}
