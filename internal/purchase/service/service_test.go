package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	investormodels "tokenfund/internal/investor/models"
	investorstore "tokenfund/internal/investor/store"
	"tokenfund/internal/purchase/models"
	"tokenfund/internal/purchase/store"
	id "tokenfund/pkg/domain"
	dErrors "tokenfund/pkg/domain-errors"
	"tokenfund/pkg/platform/sentinel"
)

// investorLookup adapts the in-memory investor store for tests.
type investorLookup struct{ store *investorstore.InMemoryStore }

func (l investorLookup) Get(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error) {
	inv, err := l.store.FindByID(ctx, investorID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "investor not found")
	}
	return inv, err
}

type ServiceSuite struct {
	suite.Suite
	investors *investorstore.InMemoryStore
	service   *Service
	investor  *investormodels.Investor
	ctx       context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.investors = investorstore.NewInMemory()
	inv, err := investormodels.NewInvestor(id.NewInvestorID(), "buyer@fund.io", "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh", time.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.investors.Create(s.ctx, inv))
	s.investor = inv

	svc, err := New(store.NewInMemory(), investorLookup{s.investors}, "USD",
		WithDestinationTags(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) TestCreateIntent() {
	s.Run("defaults currency and assigns a destination tag", func() {
		intent, err := s.service.CreateIntent(s.ctx, s.investor.ID, decimal.NewFromInt(100), "")
		s.Require().NoError(err)
		s.Equal("USD", intent.ExpectedCurrency)
		s.Equal(models.StatusAwaitingDeposit, intent.Status)
		s.Require().NotNil(intent.DestinationTag)
		s.NotZero(*intent.DestinationTag)
	})

	s.Run("unknown investor", func() {
		_, err := s.service.CreateIntent(s.ctx, id.NewInvestorID(), decimal.NewFromInt(100), "USD")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("non-positive amount", func() {
		_, err := s.service.CreateIntent(s.ctx, s.investor.ID, decimal.NewFromInt(-5), "USD")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestTransition() {
	intent, err := s.service.CreateIntent(s.ctx, s.investor.ID, decimal.NewFromInt(100), "USD")
	s.Require().NoError(err)

	s.Run("backward move is an invalid transition", func() {
		_, err := s.service.Transition(s.ctx, intent.ID, models.StatusMatched, models.StatusAwaitingDeposit, models.Change{})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("lost race is a conflict", func() {
		_, err := s.service.Transition(s.ctx, intent.ID, models.StatusMatched, models.StatusIssuing, models.Change{})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("in-flight listing follows the pipeline", func() {
		_, err := s.service.Transition(s.ctx, intent.ID, models.StatusAwaitingDeposit, models.StatusMatched, models.Change{})
		s.Require().NoError(err)
		inFlight, err := s.service.InFlight(s.ctx)
		s.Require().NoError(err)
		s.Len(inFlight, 1)

		_, err = s.service.Transition(s.ctx, intent.ID, models.StatusMatched, models.StatusIssuing, models.Change{})
		s.Require().NoError(err)
		_, err = s.service.Transition(s.ctx, intent.ID, models.StatusIssuing, models.StatusCompleted, models.Change{})
		s.Require().NoError(err)
		inFlight, err = s.service.InFlight(s.ctx)
		s.Require().NoError(err)
		s.Empty(inFlight)
	})
}
