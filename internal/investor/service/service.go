package service

import (
	"context"
	"errors"
	"log/slog"

	"tokenfund/internal/investor/models"
	"tokenfund/internal/ledger"
	id "tokenfund/pkg/domain"
	dErrors "tokenfund/pkg/domain-errors"
	"tokenfund/pkg/platform/sentinel"
	"tokenfund/pkg/requestcontext"
)

// Store persists investors. Update is a compare-and-set on Version.
type Store interface {
	Create(ctx context.Context, inv *models.Investor) error
	FindByID(ctx context.Context, investorID id.InvestorID) (*models.Investor, error)
	FindByAddress(ctx context.Context, address string) (*models.Investor, error)
	ListByState(ctx context.Context, state models.State) ([]*models.Investor, error)
	Update(ctx context.Context, inv *models.Investor) error
}

// TrustLines is the slice of the ledger the state machine observes and drives.
type TrustLines interface {
	TrustLine(ctx context.Context, holder, issuer, currency string) (*ledger.TrustLine, error)
	AuthorizeTrustLine(ctx context.Context, issuer, holder, currency string) (*ledger.Confirmation, error)
}

// Service is the investor lifecycle state machine. Administrative actions and
// trust-line observation are its only writers.
type Service struct {
	store      Store
	trustLines TrustLines
	issuer     string
	currency   string
	logger     *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New constructs the service. issuer and currency identify the fund token
// whose trust lines gate issuance.
func New(store Store, trustLines TrustLines, issuer, currency string, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("investor store is required")
	}
	if trustLines == nil {
		return nil, errors.New("trust line gateway is required")
	}
	if issuer == "" || currency == "" {
		return nil, errors.New("token issuer and currency are required")
	}
	s := &Service{
		store:      store,
		trustLines: trustLines,
		issuer:     issuer,
		currency:   currency,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates an investor in the Registered state.
func (s *Service) Register(ctx context.Context, email, address string) (*models.Investor, error) {
	inv, err := models.NewInvestor(id.NewInvestorID(), email, address, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, dErrors.MessageOf(err))
		}
		return nil, err
	}
	if err := s.store.Create(ctx, inv); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "email or ledger address already registered")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to register investor")
	}
	s.logAudit(ctx, "investor_registered", inv)
	return inv, nil
}

// Get loads an investor by ID.
func (s *Service) Get(ctx context.Context, investorID id.InvestorID) (*models.Investor, error) {
	inv, err := s.store.FindByID(ctx, investorID)
	if err != nil {
		return nil, translateLoad(err)
	}
	return inv, nil
}

// FindByAddress resolves the investor owning a ledger address.
func (s *Service) FindByAddress(ctx context.Context, address string) (*models.Investor, error) {
	inv, err := s.store.FindByAddress(ctx, address)
	if err != nil {
		return nil, translateLoad(err)
	}
	return inv, nil
}

// SubmitKYC moves Registered → KYCPending.
func (s *Service) SubmitKYC(ctx context.Context, investorID id.InvestorID) (*models.Investor, error) {
	return s.transition(ctx, investorID, models.StateKYCPending, nil)
}

// ApproveKYC moves KYCPending → KYCApproved. Administrative action.
func (s *Service) ApproveKYC(ctx context.Context, investorID id.InvestorID) (*models.Investor, error) {
	return s.transition(ctx, investorID, models.StateKYCApproved, nil)
}

// RequestTrustLine moves KYCApproved → TrustLineRequested once the investor's
// trust line toward the issuer is observed on the ledger.
func (s *Service) RequestTrustLine(ctx context.Context, investorID id.InvestorID) (*models.Investor, error) {
	return s.transition(ctx, investorID, models.StateTrustLineRequested, func(inv *models.Investor) error {
		_, err := s.requireTrustLine(ctx, inv)
		return err
	})
}

// AuthorizeTrustLine moves TrustLineRequested → TrustLineAuthorized. The trust
// line must exist on the ledger; the issuer-side authorization is submitted
// before the new state is recorded. Administrative action.
func (s *Service) AuthorizeTrustLine(ctx context.Context, investorID id.InvestorID) (*models.Investor, error) {
	return s.transition(ctx, investorID, models.StateTrustLineAuthorized, func(inv *models.Investor) error {
		line, err := s.requireTrustLine(ctx, inv)
		if err != nil {
			return err
		}
		if line.Authorized {
			return nil
		}
		conf, err := s.trustLines.AuthorizeTrustLine(ctx, s.issuer, inv.LedgerAddress, s.currency)
		if err != nil {
			return translateLedger(err, "failed to authorize trust line")
		}
		s.logger.InfoContext(ctx, "trust line authorized on ledger",
			"investor_id", inv.ID,
			"tx_hash", conf.Hash,
		)
		return nil
	})
}

// Activate moves TrustLineAuthorized → Active.
func (s *Service) Activate(ctx context.Context, investorID id.InvestorID) (*models.Investor, error) {
	return s.transition(ctx, investorID, models.StateActive, nil)
}

// Deactivate flags the investor; its state is kept. A concurrent write is
// re-read and the flag applied again.
func (s *Service) Deactivate(ctx context.Context, investorID id.InvestorID) (*models.Investor, error) {
	for attempt := 0; ; attempt++ {
		inv, err := s.Get(ctx, investorID)
		if err != nil {
			return nil, err
		}
		if inv.Deactivated {
			return inv, nil
		}
		inv.Deactivate(requestcontext.Now(ctx))
		err = s.store.Update(ctx, inv)
		if errors.Is(err, sentinel.ErrConflict) && attempt < maxDeactivateAttempts {
			continue
		}
		if err != nil {
			return nil, translateUpdate(err)
		}
		s.logAudit(ctx, "investor_deactivated", inv)
		return inv, nil
	}
}

const maxDeactivateAttempts = 5

// CheckGate returns the investor if tokens may be issued to it, or a
// GateNotSatisfied error naming the missing condition.
func (s *Service) CheckGate(ctx context.Context, investorID id.InvestorID) (*models.Investor, error) {
	inv, err := s.Get(ctx, investorID)
	if err != nil {
		return nil, err
	}
	if !inv.GateSatisfied() {
		return inv, dErrors.New(dErrors.CodeGateNotSatisfied, inv.GateReason())
	}
	return inv, nil
}

// SyncTrustLines advances KYC-approved investors whose trust line has
// appeared on the ledger. It returns how many investors advanced.
func (s *Service) SyncTrustLines(ctx context.Context) (int, error) {
	candidates, err := s.store.ListByState(ctx, models.StateKYCApproved)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list investors")
	}
	advanced := 0
	for _, inv := range candidates {
		if err := ctx.Err(); err != nil {
			return advanced, err
		}
		line, err := s.trustLines.TrustLine(ctx, inv.LedgerAddress, s.issuer, s.currency)
		if err != nil {
			s.logger.WarnContext(ctx, "trust line lookup failed",
				"investor_id", inv.ID,
				"error", err,
			)
			continue
		}
		if line == nil {
			continue
		}
		if _, err := s.RequestTrustLine(ctx, inv.ID); err != nil {
			s.logger.WarnContext(ctx, "trust line sync transition failed",
				"investor_id", inv.ID,
				"error", err,
			)
			continue
		}
		advanced++
	}
	return advanced, nil
}

// transition loads the investor, validates the move, runs the optional
// precondition, and persists with a compare-and-set on the loaded version.
func (s *Service) transition(ctx context.Context, investorID id.InvestorID, target models.State, precondition func(*models.Investor) error) (*models.Investor, error) {
	inv, err := s.Get(ctx, investorID)
	if err != nil {
		return nil, err
	}
	expected := inv.State
	if err := inv.Transition(target, requestcontext.Now(ctx)); err != nil {
		s.logger.WarnContext(ctx, "investor transition rejected",
			"investor_id", investorID,
			"from", expected,
			"to", target,
		)
		return nil, err
	}
	if inv.Deactivated {
		return nil, dErrors.New(dErrors.CodeInvalidTransition, "investor is deactivated")
	}
	if precondition != nil {
		if err := precondition(inv); err != nil {
			return nil, err
		}
	}
	if err := s.store.Update(ctx, inv); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, s.conflict(ctx, investorID, target)
		}
		return nil, translateUpdate(err)
	}
	s.logAudit(ctx, "investor_state_changed", inv, "from", expected)
	return inv, nil
}

// conflict re-reads an investor whose update lost a race and explains why.
func (s *Service) conflict(ctx context.Context, investorID id.InvestorID, target models.State) error {
	current, err := s.Get(ctx, investorID)
	if err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "investor changed concurrently",
		"investor_id", investorID,
		"state", current.State,
		"deactivated", current.Deactivated,
		"target", target,
	)
	if current.Deactivated {
		return dErrors.New(dErrors.CodeInvalidTransition, "investor is deactivated")
	}
	return dErrors.New(dErrors.CodeInvalidTransition, "investor state changed concurrently")
}

func (s *Service) requireTrustLine(ctx context.Context, inv *models.Investor) (*ledger.TrustLine, error) {
	line, err := s.trustLines.TrustLine(ctx, inv.LedgerAddress, s.issuer, s.currency)
	if err != nil {
		return nil, translateLedger(err, "failed to look up trust line")
	}
	if line == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "trust line does not exist on ledger")
	}
	return line, nil
}

func (s *Service) logAudit(ctx context.Context, event string, inv *models.Investor, attrs ...any) {
	args := append([]any{
		"event", event,
		"investor_id", inv.ID,
		"state", inv.State,
		"actor", requestcontext.Actor(ctx),
	}, attrs...)
	s.logger.InfoContext(ctx, "investor audit", args...)
}

func translateLoad(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "investor not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load investor")
}

func translateUpdate(err error) error {
	if errors.Is(err, sentinel.ErrConflict) {
		return dErrors.New(dErrors.CodeInvalidTransition, "investor state changed concurrently")
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "investor not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update investor")
}

func translateLedger(err error, msg string) error {
	if ledger.IsTransient(err) {
		return dErrors.Wrap(err, dErrors.CodeTransientLedger, msg)
	}
	if errors.Is(err, ledger.ErrRejected) {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
