package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"tokenfund/internal/investor/models"
	"tokenfund/internal/investor/store"
	"tokenfund/internal/ledger"
	ledgermocks "tokenfund/internal/ledger/mocks"
	id "tokenfund/pkg/domain"
	dErrors "tokenfund/pkg/domain-errors"
)

const (
	issuer   = "rIssuerXXXXXXXXXXXXXXXXXXXXXXXXXXX"
	currency = "FND"
	address  = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
)

type ServiceSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	gateway *ledgermocks.MockGateway
	store   *store.InMemoryStore
	service *Service
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.gateway = ledgermocks.NewMockGateway(s.ctrl)
	s.store = store.NewInMemory()
	svc, err := New(s.store, s.gateway, issuer, currency,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
	s.service = svc
	s.ctx = context.Background()
}

func (s *ServiceSuite) register() *models.Investor {
	inv, err := s.service.Register(s.ctx, "investor@fund.io", address)
	s.Require().NoError(err)
	return inv
}

// advanceTo drives a registered investor to target through admin actions.
func (s *ServiceSuite) advanceTo(investorID id.InvestorID, target models.State) {
	steps := []struct {
		state models.State
		run   func(context.Context, id.InvestorID) (*models.Investor, error)
	}{
		{models.StateKYCPending, s.service.SubmitKYC},
		{models.StateKYCApproved, s.service.ApproveKYC},
		{models.StateTrustLineRequested, s.service.RequestTrustLine},
		{models.StateTrustLineAuthorized, s.service.AuthorizeTrustLine},
		{models.StateActive, s.service.Activate},
	}
	for _, step := range steps {
		_, err := step.run(s.ctx, investorID)
		s.Require().NoError(err)
		if step.state == target {
			return
		}
	}
}

func (s *ServiceSuite) expectTrustLine(line *ledger.TrustLine) {
	s.gateway.EXPECT().TrustLine(gomock.Any(), address, issuer, currency).Return(line, nil)
}

// =============================================================================
// Registration
// =============================================================================

func (s *ServiceSuite) TestRegister() {
	s.Run("creates a registered investor", func() {
		inv := s.register()
		s.Equal(models.StateRegistered, inv.State)
	})

	s.Run("duplicate address conflicts", func() {
		_, err := s.service.Register(s.ctx, "other@fund.io", address)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("invalid email is a validation error", func() {
		_, err := s.service.Register(s.ctx, "nope", "rPEPPER7kfTD9w2To4CQk6UCfuHM9c6GDY")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

// =============================================================================
// Transitions
// =============================================================================

func (s *ServiceSuite) TestKYCApproval() {
	inv := s.register()

	s.Run("approval before submission is an invalid transition", func() {
		_, err := s.service.ApproveKYC(s.ctx, inv.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
		stored, _ := s.service.Get(s.ctx, inv.ID)
		s.Equal(models.StateRegistered, stored.State)
	})

	s.Run("approval after submission", func() {
		s.advanceTo(inv.ID, models.StateKYCApproved)
		stored, err := s.service.Get(s.ctx, inv.ID)
		s.Require().NoError(err)
		s.Equal(models.KYCApproved, stored.KYCStatus)
	})

	s.Run("second approval is rejected", func() {
		_, err := s.service.ApproveKYC(s.ctx, inv.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("unknown investor", func() {
		_, err := s.service.ApproveKYC(s.ctx, id.NewInvestorID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestAuthorizeTrustLine() {
	s.Run("rejects a trust line that does not exist on ledger", func() {
		s.SetupTest()
		inv := s.register()
		s.advanceTo(inv.ID, models.StateKYCApproved)

		s.expectTrustLine(&ledger.TrustLine{Holder: address, Issuer: issuer, Currency: currency})
		_, err := s.service.RequestTrustLine(s.ctx, inv.ID)
		s.Require().NoError(err)

		s.expectTrustLine(nil)
		_, err = s.service.AuthorizeTrustLine(s.ctx, inv.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		stored, _ := s.service.Get(s.ctx, inv.ID)
		s.Equal(models.StateTrustLineRequested, stored.State)
		s.Equal(models.TrustLineRequested, stored.TrustLineStatus)
	})

	s.Run("submits issuer authorization then records it", func() {
		s.SetupTest()
		inv := s.register()
		s.advanceTo(inv.ID, models.StateKYCApproved)

		line := &ledger.TrustLine{Holder: address, Issuer: issuer, Currency: currency}
		gomock.InOrder(
			s.gateway.EXPECT().TrustLine(gomock.Any(), address, issuer, currency).Return(line, nil),
			s.gateway.EXPECT().TrustLine(gomock.Any(), address, issuer, currency).Return(line, nil),
			s.gateway.EXPECT().AuthorizeTrustLine(gomock.Any(), issuer, address, currency).
				Return(&ledger.Confirmation{Hash: "AUTH", Result: ledger.ResultSuccess}, nil),
		)
		_, err := s.service.RequestTrustLine(s.ctx, inv.ID)
		s.Require().NoError(err)
		authorized, err := s.service.AuthorizeTrustLine(s.ctx, inv.ID)
		s.Require().NoError(err)
		s.Equal(models.TrustLineAuthorized, authorized.TrustLineStatus)

		_, err = s.service.CheckGate(s.ctx, inv.ID)
		s.NoError(err)
	})

	s.Run("already-authorized line is recorded without resubmission", func() {
		s.SetupTest()
		inv := s.register()
		s.advanceTo(inv.ID, models.StateKYCApproved)

		line := &ledger.TrustLine{Holder: address, Issuer: issuer, Currency: currency, Authorized: true}
		s.gateway.EXPECT().TrustLine(gomock.Any(), address, issuer, currency).Return(line, nil).Times(2)
		_, err := s.service.RequestTrustLine(s.ctx, inv.ID)
		s.Require().NoError(err)
		_, err = s.service.AuthorizeTrustLine(s.ctx, inv.ID)
		s.Require().NoError(err)
	})

	s.Run("transient ledger failure leaves state unchanged", func() {
		s.SetupTest()
		inv := s.register()
		s.advanceTo(inv.ID, models.StateKYCApproved)

		line := &ledger.TrustLine{Holder: address, Issuer: issuer, Currency: currency}
		s.gateway.EXPECT().TrustLine(gomock.Any(), address, issuer, currency).Return(line, nil).Times(2)
		s.gateway.EXPECT().AuthorizeTrustLine(gomock.Any(), issuer, address, currency).
			Return(nil, ledger.Transient("submit", errors.New("timeout")))
		_, err := s.service.RequestTrustLine(s.ctx, inv.ID)
		s.Require().NoError(err)
		_, err = s.service.AuthorizeTrustLine(s.ctx, inv.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeTransientLedger))

		stored, _ := s.service.Get(s.ctx, inv.ID)
		s.Equal(models.StateTrustLineRequested, stored.State)
	})

	s.Run("deactivation during ledger authorization wins", func() {
		s.SetupTest()
		inv := s.register()
		s.advanceTo(inv.ID, models.StateKYCApproved)

		line := &ledger.TrustLine{Holder: address, Issuer: issuer, Currency: currency}
		s.gateway.EXPECT().TrustLine(gomock.Any(), address, issuer, currency).Return(line, nil).Times(2)
		s.gateway.EXPECT().AuthorizeTrustLine(gomock.Any(), issuer, address, currency).
			DoAndReturn(func(ctx context.Context, _, _, _ string) (*ledger.Confirmation, error) {
				_, err := s.service.Deactivate(ctx, inv.ID)
				s.Require().NoError(err)
				return &ledger.Confirmation{Hash: "AUTH", Result: ledger.ResultSuccess}, nil
			})
		_, err := s.service.RequestTrustLine(s.ctx, inv.ID)
		s.Require().NoError(err)

		_, err = s.service.AuthorizeTrustLine(s.ctx, inv.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))

		stored, err := s.service.Get(s.ctx, inv.ID)
		s.Require().NoError(err)
		s.True(stored.Deactivated)
		s.Equal(models.StateTrustLineRequested, stored.State)
		_, err = s.service.CheckGate(s.ctx, inv.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeGateNotSatisfied))
	})

	s.Run("cannot authorize before kyc", func() {
		s.SetupTest()
		inv := s.register()
		_, err := s.service.AuthorizeTrustLine(s.ctx, inv.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})
}

// =============================================================================
// Gate
// =============================================================================

func (s *ServiceSuite) TestCheckGate() {
	inv := s.register()

	_, err := s.service.CheckGate(s.ctx, inv.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeGateNotSatisfied))

	line := &ledger.TrustLine{Holder: address, Issuer: issuer, Currency: currency, Authorized: true}
	s.gateway.EXPECT().TrustLine(gomock.Any(), address, issuer, currency).Return(line, nil).AnyTimes()
	s.advanceTo(inv.ID, models.StateActive)

	_, err = s.service.CheckGate(s.ctx, inv.ID)
	s.NoError(err)

	_, err = s.service.Deactivate(s.ctx, inv.ID)
	s.Require().NoError(err)
	_, err = s.service.CheckGate(s.ctx, inv.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeGateNotSatisfied))
}

func (s *ServiceSuite) TestSyncTrustLines() {
	ready := s.register()
	s.advanceTo(ready.ID, models.StateKYCApproved)

	waiting, err := s.service.Register(s.ctx, "later@fund.io", "rPEPPER7kfTD9w2To4CQk6UCfuHM9c6GDY")
	s.Require().NoError(err)
	s.advanceTo(waiting.ID, models.StateKYCApproved)

	line := &ledger.TrustLine{Holder: address, Issuer: issuer, Currency: currency}
	s.gateway.EXPECT().TrustLine(gomock.Any(), address, issuer, currency).Return(line, nil).Times(2)
	s.gateway.EXPECT().TrustLine(gomock.Any(), "rPEPPER7kfTD9w2To4CQk6UCfuHM9c6GDY", issuer, currency).Return(nil, nil)

	advanced, err := s.service.SyncTrustLines(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, advanced)

	stored, _ := s.service.Get(s.ctx, ready.ID)
	s.Equal(models.StateTrustLineRequested, stored.State)
	stored, _ = s.service.Get(s.ctx, waiting.ID)
	s.Equal(models.StateKYCApproved, stored.State)
}
