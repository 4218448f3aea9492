package service

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	investormodels "tokenfund/internal/investor/models"
	"tokenfund/internal/purchase/models"
	id "tokenfund/pkg/domain"
	dErrors "tokenfund/pkg/domain-errors"
	"tokenfund/pkg/platform/sentinel"
	"tokenfund/pkg/requestcontext"
)

// Store persists intents. Transition is a compare-and-set on status.
type Store interface {
	Create(ctx context.Context, intent *models.Intent) error
	FindByID(ctx context.Context, intentID id.IntentID) (*models.Intent, error)
	FindByTxHash(ctx context.Context, hash string) (*models.Intent, error)
	ListAwaitingByInvestor(ctx context.Context, investorID id.InvestorID) ([]*models.Intent, error)
	ListByStatus(ctx context.Context, statuses []models.Status) ([]*models.Intent, error)
	Transition(ctx context.Context, intentID id.IntentID, from, to models.Status, change models.Change) (*models.Intent, error)
	RecordSubmission(ctx context.Context, intentID id.IntentID, hash string, lastLedger uint32) (*models.Intent, error)
}

// InvestorLookup resolves the owner of an intent.
type InvestorLookup interface {
	Get(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error)
}

// Service owns purchase intents and their status machine.
type Service struct {
	store           Store
	investors       InvestorLookup
	defaultCurrency string
	assignTags      bool
	logger          *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDestinationTags assigns each new intent a random destination tag so
// deposits can be correlated without relying on FIFO order.
func WithDestinationTags() Option {
	return func(s *Service) {
		s.assignTags = true
	}
}

func New(store Store, investors InvestorLookup, defaultCurrency string, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("intent store is required")
	}
	if investors == nil {
		return nil, errors.New("investor lookup is required")
	}
	s := &Service{
		store:           store,
		investors:       investors,
		defaultCurrency: defaultCurrency,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateIntent opens a purchase for an existing, active investor.
func (s *Service) CreateIntent(ctx context.Context, investorID id.InvestorID, amount decimal.Decimal, currency string) (*models.Intent, error) {
	inv, err := s.investors.Get(ctx, investorID)
	if err != nil {
		return nil, err
	}
	if inv.Deactivated {
		return nil, dErrors.New(dErrors.CodeValidation, "investor is deactivated")
	}
	currency = strings.TrimSpace(currency)
	if currency == "" {
		currency = s.defaultCurrency
	}

	var tag *uint32
	if s.assignTags {
		t := newDestinationTag()
		tag = &t
	}
	intent, err := models.NewIntent(id.NewIntentID(), investorID, amount, currency, tag, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, dErrors.MessageOf(err))
		}
		return nil, err
	}
	if err := s.store.Create(ctx, intent); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create intent")
	}
	s.logger.InfoContext(ctx, "purchase intent created",
		"intent_id", intent.ID,
		"investor_id", investorID,
		"expected_amount", intent.ExpectedAmount.String(),
		"currency", intent.ExpectedCurrency,
		"actor", requestcontext.Actor(ctx),
	)
	return intent, nil
}

func (s *Service) Get(ctx context.Context, intentID id.IntentID) (*models.Intent, error) {
	intent, err := s.store.FindByID(ctx, intentID)
	if err != nil {
		return nil, translateLoad(err)
	}
	return intent, nil
}

// FindByTxHash returns the intent a deposit was matched (or flagged) against.
func (s *Service) FindByTxHash(ctx context.Context, hash string) (*models.Intent, error) {
	intent, err := s.store.FindByTxHash(ctx, hash)
	if err != nil {
		return nil, translateLoad(err)
	}
	return intent, nil
}

// OpenIntents returns the investor's AwaitingDeposit intents, oldest first.
func (s *Service) OpenIntents(ctx context.Context, investorID id.InvestorID) ([]*models.Intent, error) {
	intents, err := s.store.ListAwaitingByInvestor(ctx, investorID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list open intents")
	}
	return intents, nil
}

// InFlight returns intents with a matched deposit and no terminal outcome.
func (s *Service) InFlight(ctx context.Context) ([]*models.Intent, error) {
	intents, err := s.store.ListByStatus(ctx, models.InFlight())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list in-flight intents")
	}
	return intents, nil
}

// Transition moves an intent from → to. A lost race surfaces as CodeConflict;
// a backward or illegal move as CodeInvalidTransition.
func (s *Service) Transition(ctx context.Context, intentID id.IntentID, from, to models.Status, change models.Change) (*models.Intent, error) {
	if !models.CanTransition(from, to) {
		return nil, dErrors.New(dErrors.CodeInvalidTransition, "cannot move intent from "+string(from)+" to "+string(to))
	}
	intent, err := s.store.Transition(ctx, intentID, from, to, change)
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "intent changed concurrently")
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.New(dErrors.CodeNotFound, "intent not found")
		case dErrors.HasCode(err, dErrors.CodeInvalidTransition), dErrors.HasCode(err, dErrors.CodeInvariantViolation):
			return nil, err
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update intent")
		}
	}
	s.logger.InfoContext(ctx, "purchase intent transitioned",
		"intent_id", intentID,
		"from", from,
		"to", to,
	)
	return intent, nil
}

// RecordSubmission remembers the issuing transaction of an Issuing intent
// before it is sent to the ledger.
func (s *Service) RecordSubmission(ctx context.Context, intentID id.IntentID, hash string, lastLedger uint32) (*models.Intent, error) {
	intent, err := s.store.RecordSubmission(ctx, intentID, hash, lastLedger)
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "intent is no longer issuing")
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.New(dErrors.CodeNotFound, "intent not found")
		case dErrors.HasCode(err, dErrors.CodeInvalidTransition), dErrors.HasCode(err, dErrors.CodeInvariantViolation):
			return nil, err
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record submission")
		}
	}
	s.logger.InfoContext(ctx, "issuing submission recorded",
		"intent_id", intentID,
		"issue_tx_hash", hash,
		"last_ledger_sequence", lastLedger,
	)
	return intent, nil
}

func newDestinationTag() uint32 {
	u := uuid.New()
	tag := binary.BigEndian.Uint32(u[:4])
	if tag == 0 {
		tag = 1
	}
	return tag
}

func translateLoad(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "intent not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load intent")
}
