package matcher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"tokenfund/internal/alert"
	"tokenfund/internal/alert/alerttest"
	"tokenfund/internal/deposit/metrics"
	investormodels "tokenfund/internal/investor/models"
	investorservice "tokenfund/internal/investor/service"
	investorstore "tokenfund/internal/investor/store"
	"tokenfund/internal/ledger"
	"tokenfund/internal/ledger/ledgertest"
	"tokenfund/internal/purchase/models"
	purchaseservice "tokenfund/internal/purchase/service"
	purchasestore "tokenfund/internal/purchase/store"
	id "tokenfund/pkg/domain"
)

const (
	depositAccount = "rDepositAccount1111111111111111111"
	usdIssuer      = "rUSDIssuer11111111111111111111111"
	investorAddr   = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	strangerAddr   = "rPEPPER7kfTD9w2To4CQk6UCfuHM9c6GDY"
)

type MatcherSuite struct {
	suite.Suite
	ctx       context.Context
	investors *investorservice.Service
	intents   *purchaseservice.Service
	alerts    *alerttest.Recorder
	matcher   *Matcher
	investor  *investormodels.Investor
	txSeq     int
}

func TestMatcherSuite(t *testing.T) {
	suite.Run(t, new(MatcherSuite))
}

func (s *MatcherSuite) SetupTest() {
	s.ctx = context.Background()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	investors, err := investorservice.New(investorstore.NewInMemory(), ledgertest.New(1), "rTokenIssuer", "FND",
		investorservice.WithLogger(discard))
	s.Require().NoError(err)
	s.investors = investors

	intents, err := purchaseservice.New(purchasestore.NewInMemory(), investors, "USD",
		purchaseservice.WithDestinationTags(),
		purchaseservice.WithLogger(discard))
	s.Require().NoError(err)
	s.intents = intents

	s.investor, err = investors.Register(s.ctx, "buyer@fund.io", investorAddr)
	s.Require().NoError(err)

	s.alerts = &alerttest.Recorder{}
	s.matcher = s.newMatcher(intents)
}

func (s *MatcherSuite) newMatcher(intents Intents) *Matcher {
	m, err := New(s.investors, intents, s.alerts, Config{
		Tolerance:     decimal.RequireFromString("0.01"),
		DepositIssuer: usdIssuer,
	},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	s.Require().NoError(err)
	return m
}

func (s *MatcherSuite) intent(amount string) *models.Intent {
	intent, err := s.intents.CreateIntent(s.ctx, s.investor.ID, decimal.RequireFromString(amount), "USD")
	s.Require().NoError(err)
	return intent
}

func (s *MatcherSuite) payment(from, amount, currency string, tag *uint32) ledger.Transaction {
	s.txSeq++
	return ledger.Transaction{
		Hash:           "TX" + string(rune('A'+s.txSeq)),
		Type:           ledger.TypePayment,
		Sender:         from,
		Destination:    depositAccount,
		DestinationTag: tag,
		Delivered:      ledger.Amount{Value: decimal.RequireFromString(amount), Currency: currency, Issuer: usdIssuer},
		LedgerIndex:    uint32(100 + s.txSeq),
		Result:         ledger.ResultSuccess,
		Validated:      true,
	}
}

func (s *MatcherSuite) reload(intentID id.IntentID) *models.Intent {
	intent, err := s.intents.Get(s.ctx, intentID)
	s.Require().NoError(err)
	return intent
}

func (s *MatcherSuite) TestExactAmountMatches() {
	intent := s.intent("100")
	tx := s.payment(investorAddr, "100", "USD", nil)

	result, err := s.matcher.Match(s.ctx, tx)
	s.Require().NoError(err)
	s.Require().True(result.Matched())
	s.Equal(tx.Hash, result.Payment.TxHash)
	s.Equal(intent.ID, result.Payment.IntentID)
	s.Equal(s.investor.ID, result.Payment.InvestorID)

	stored := s.reload(intent.ID)
	s.Equal(models.StatusMatched, stored.Status)
	s.Equal(tx.Hash, stored.MatchedTxHash)
	s.True(stored.ReceivedAmount.Decimal.Equal(decimal.NewFromInt(100)))
}

func (s *MatcherSuite) TestWithinToleranceMatches() {
	s.intent("100")
	result, err := s.matcher.Match(s.ctx, s.payment(investorAddr, "99.0", "USD", nil))
	s.Require().NoError(err)
	s.True(result.Matched())
}

func (s *MatcherSuite) TestAmountMismatchFlags() {
	cases := map[string]string{
		"underpayment": "90",
		"overpayment":  "110",
	}
	for name, amount := range cases {
		s.Run(name, func() {
			intent := s.intent("100")
			before := s.alerts.Count(alert.KindAmountMismatch)

			result, err := s.matcher.Match(s.ctx, s.payment(investorAddr, amount, "USD", nil))
			s.Require().NoError(err)
			s.Equal(OutcomeUnmatched, result.Outcome)
			s.Equal(ReasonAmountMismatch, result.Reason)
			s.Nil(result.Payment)

			stored := s.reload(intent.ID)
			s.Equal(models.StatusFlagged, stored.Status)
			s.Equal(ReasonAmountMismatch, stored.FlagReason)
			s.Equal(before+1, s.alerts.Count(alert.KindAmountMismatch))
		})
	}
}

func (s *MatcherSuite) TestCurrencyMismatchFlags() {
	intent := s.intent("100")

	result, err := s.matcher.Match(s.ctx, s.payment(investorAddr, "100", "EUR", nil))
	s.Require().NoError(err)
	s.Equal(ReasonAmountMismatch, result.Reason)

	stored := s.reload(intent.ID)
	s.Equal(models.StatusFlagged, stored.Status)
	s.Equal(ReasonCurrencyMismatch, stored.FlagReason)
	s.Equal(1, s.alerts.Count(alert.KindCurrencyMismatch))
}

func (s *MatcherSuite) TestForeignIssuerFlags() {
	intent := s.intent("100")
	tx := s.payment(investorAddr, "100", "USD", nil)
	tx.Delivered.Issuer = "rSomeOtherIssuer111111111111111111"

	result, err := s.matcher.Match(s.ctx, tx)
	s.Require().NoError(err)
	s.False(result.Matched())
	s.Equal(ReasonCurrencyMismatch, s.reload(intent.ID).FlagReason)
}

func (s *MatcherSuite) TestUnknownSenderIsSkipped() {
	s.intent("100")
	result, err := s.matcher.Match(s.ctx, s.payment(strangerAddr, "100", "USD", nil))
	s.Require().NoError(err)
	s.Equal(ReasonNoPendingIntent, result.Reason)
	s.Empty(s.alerts.Alerts())
}

func (s *MatcherSuite) TestNoOpenIntent() {
	result, err := s.matcher.Match(s.ctx, s.payment(investorAddr, "100", "USD", nil))
	s.Require().NoError(err)
	s.Equal(ReasonNoPendingIntent, result.Reason)
}

func (s *MatcherSuite) TestOldestIntentFirst() {
	first := s.intent("100")
	second := s.intent("100")

	result, err := s.matcher.Match(s.ctx, s.payment(investorAddr, "100", "USD", nil))
	s.Require().NoError(err)
	s.Equal(first.ID, result.Payment.IntentID)
	s.Equal(models.StatusAwaitingDeposit, s.reload(second.ID).Status)
}

func (s *MatcherSuite) TestDestinationTagWins() {
	s.intent("100")
	tagged := s.intent("100")
	s.Require().NotNil(tagged.DestinationTag)

	result, err := s.matcher.Match(s.ctx, s.payment(investorAddr, "100", "USD", tagged.DestinationTag))
	s.Require().NoError(err)
	s.Equal(tagged.ID, result.Payment.IntentID)
}

func (s *MatcherSuite) TestRedeliveryReturnsFirstOutcome() {
	s.Run("matched", func() {
		intent := s.intent("100")
		s.intent("100")
		tx := s.payment(investorAddr, "100", "USD", nil)

		first, err := s.matcher.Match(s.ctx, tx)
		s.Require().NoError(err)
		again, err := s.matcher.Match(s.ctx, tx)
		s.Require().NoError(err)
		s.Equal(first, again)
		s.Equal(intent.ID, again.Payment.IntentID)

		open, err := s.intents.OpenIntents(s.ctx, s.investor.ID)
		s.Require().NoError(err)
		s.Len(open, 1, "redelivery must not consume another intent")
	})

	s.Run("flagged", func() {
		s.intent("100")
		tx := s.payment(investorAddr, "5", "USD", nil)
		before := len(s.alerts.Alerts())

		_, err := s.matcher.Match(s.ctx, tx)
		s.Require().NoError(err)
		again, err := s.matcher.Match(s.ctx, tx)
		s.Require().NoError(err)
		s.Equal(ReasonAmountMismatch, again.Reason)
		s.Equal(before+1, len(s.alerts.Alerts()))
	})
}

// racingIntents lets a competing writer claim the chosen intent right before
// the matcher's first transition.
type racingIntents struct {
	*purchaseservice.Service
	once sync.Once
}

func (r *racingIntents) Transition(ctx context.Context, intentID id.IntentID, from, to models.Status, change models.Change) (*models.Intent, error) {
	r.once.Do(func() {
		other := "COMPETING"
		amount := decimal.NewFromInt(100)
		_, _ = r.Service.Transition(ctx, intentID, models.StatusAwaitingDeposit, models.StatusMatched,
			models.Change{MatchedTxHash: &other, ReceivedAmount: &amount})
	})
	return r.Service.Transition(ctx, intentID, from, to, change)
}

func (s *MatcherSuite) TestLostRaceRetriesWithNextIntent() {
	first := s.intent("100")
	second := s.intent("100")
	m := s.newMatcher(&racingIntents{Service: s.intents})

	result, err := m.Match(s.ctx, s.payment(investorAddr, "100", "USD", nil))
	s.Require().NoError(err)
	s.Require().True(result.Matched())
	s.Equal(second.ID, result.Payment.IntentID)
	s.Equal("COMPETING", s.reload(first.ID).MatchedTxHash)
}
