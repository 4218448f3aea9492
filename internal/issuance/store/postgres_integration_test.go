//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	investormodels "tokenfund/internal/investor/models"
	investorstore "tokenfund/internal/investor/store"
	"tokenfund/internal/issuance/models"
	"tokenfund/internal/issuance/store"
	purchasemodels "tokenfund/internal/purchase/models"
	purchasestore "tokenfund/internal/purchase/store"
	id "tokenfund/pkg/domain"
	"tokenfund/pkg/platform/sentinel"
	txcontext "tokenfund/pkg/platform/tx"
	"tokenfund/pkg/testutil/containers"
)

const investorAddr = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	runner   *txcontext.PostgresRunner
	intent   *purchasemodels.Intent
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.runner = txcontext.NewPostgresRunner(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.postgres.TruncateAll(ctx))

	now := time.Now().UTC()
	inv, err := investormodels.NewInvestor(id.NewInvestorID(), "buyer@fund.io", investorAddr, now)
	s.Require().NoError(err)
	s.Require().NoError(investorstore.NewPostgres(s.postgres.DB).Create(ctx, inv))

	intent, err := purchasemodels.NewIntent(id.NewIntentID(), inv.ID, decimal.NewFromInt(100), "USD", nil, now)
	s.Require().NoError(err)
	s.Require().NoError(purchasestore.NewPostgres(s.postgres.DB).Create(ctx, intent))
	s.intent = intent
}

func (s *PostgresStoreSuite) record(hash string, status models.Status, forward models.ForwardStatus) *models.Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Record{
		DepositTxHash: hash,
		IntentID:      s.intent.ID,
		InvestorID:    s.intent.InvestorID,
		DepositAmount: decimal.NewFromInt(100),
		Rate:          decimal.RequireFromString("1.5"),
		TokenAmount:   decimal.NewFromInt(150),
		Status:        status,
		Attempts:      1,
		ForwardStatus: forward,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s *PostgresStoreSuite) TestOneRecordPerDeposit() {
	ctx := context.Background()
	rec := s.record("DEP1", models.StatusSucceeded, models.ForwardNotRequired)
	rec.IssueTxHash = "ISSUE1"

	s.Require().NoError(s.store.Create(ctx, rec))
	err := s.store.Create(ctx, s.record("DEP1", models.StatusSucceeded, models.ForwardNotRequired))
	s.ErrorIs(err, sentinel.ErrConflict)

	got, err := s.store.Get(ctx, "DEP1")
	s.Require().NoError(err)
	s.Equal("ISSUE1", got.IssueTxHash)
	s.True(got.TokenAmount.Equal(decimal.NewFromInt(150)))
	s.Equal(s.intent.ID, got.IntentID)
}

func (s *PostgresStoreSuite) TestRollbackDiscardsRecord() {
	ctx := context.Background()
	boom := errors.New("intent transition failed")

	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, s.record("DEP2", models.StatusSucceeded, models.ForwardNotRequired)); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	_, err = s.store.Get(ctx, "DEP2")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestDeleteFailedOnlyRemovesFailures() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.record("OK", models.StatusSucceeded, models.ForwardNotRequired)))
	s.Require().NoError(s.store.Create(ctx, s.record("BAD", models.StatusFailedPermanently, models.ForwardNotRequired)))

	s.ErrorIs(s.store.DeleteFailed(ctx, "OK"), sentinel.ErrNotFound)
	s.Require().NoError(s.store.DeleteFailed(ctx, "BAD"))
	_, err := s.store.Get(ctx, "BAD")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestPendingForwarding() {
	ctx := context.Background()
	pending := s.record("FWD1", models.StatusSucceeded, models.ForwardPending)
	s.Require().NoError(s.store.Create(ctx, pending))
	s.Require().NoError(s.store.Create(ctx, s.record("FWD2", models.StatusSucceeded, models.ForwardNotRequired)))

	list, err := s.store.ListPendingForwarding(ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal("FWD1", list[0].DepositTxHash)

	pending.ForwardStatus = models.ForwardSucceeded
	pending.ForwardTxHash = "FWDTX"
	pending.UpdatedAt = time.Now().UTC()
	s.Require().NoError(s.store.UpdateForwarding(ctx, pending))

	list, err = s.store.ListPendingForwarding(ctx)
	s.Require().NoError(err)
	s.Empty(list)
}
