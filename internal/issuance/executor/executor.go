// Package executor turns matched deposits into token issuance exactly once.
//
// Every deposit hash is processed under a lease. The issuance record keyed by
// the hash is the idempotency marker; it is committed together with the
// intent's move to Completed, and only after the ledger has validated the
// issuing payment. The hash and expiry ledger of each signed payment are
// stored on the intent before it is sent, and a stored submission is resolved
// on the ledger before anything new is sent: it is committed if validated and
// only replaced once the ledger has passed its LastLedgerSequence.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokenfund/internal/alert"
	investormodels "tokenfund/internal/investor/models"
	"tokenfund/internal/issuance/lease"
	"tokenfund/internal/issuance/metrics"
	"tokenfund/internal/issuance/models"
	ratesource "tokenfund/internal/issuance/rate"
	"tokenfund/internal/ledger"
	purchasemodels "tokenfund/internal/purchase/models"
	id "tokenfund/pkg/domain"
	dErrors "tokenfund/pkg/domain-errors"
	"tokenfund/pkg/platform/retry"
	"tokenfund/pkg/platform/sentinel"
	txcontext "tokenfund/pkg/platform/tx"
	"tokenfund/pkg/requestcontext"
)

// Records is the idempotency store.
type Records interface {
	Create(ctx context.Context, rec *models.Record) error
	Get(ctx context.Context, depositTxHash string) (*models.Record, error)
	UpdateForwarding(ctx context.Context, rec *models.Record) error
	DeleteFailed(ctx context.Context, depositTxHash string) error
	ListPendingForwarding(ctx context.Context) ([]*models.Record, error)
}

// Intents exposes the purchase-intent operations the executor drives.
type Intents interface {
	Get(ctx context.Context, intentID id.IntentID) (*purchasemodels.Intent, error)
	InFlight(ctx context.Context) ([]*purchasemodels.Intent, error)
	Transition(ctx context.Context, intentID id.IntentID, from, to purchasemodels.Status, change purchasemodels.Change) (*purchasemodels.Intent, error)
	RecordSubmission(ctx context.Context, intentID id.IntentID, hash string, lastLedger uint32) (*purchasemodels.Intent, error)
}

// Gate reports whether an investor may receive tokens.
type Gate interface {
	CheckGate(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error)
}

// Transactions reads deposits cached by the watcher.
type Transactions interface {
	Get(ctx context.Context, hash string) (*ledger.Transaction, error)
}

// Config controls issuance and forwarding.
type Config struct {
	IssuerAddress  string
	TokenCurrency  string
	TokenPrecision int32
	// DepositAddress signs forwarding payments.
	DepositAddress string
	// TreasuryAddress enables forwarding of deposit proceeds when set.
	TreasuryAddress string
	TreasuryTag     *uint32
	SubmitRetry     retry.Policy
	SubmitTimeout   time.Duration
	// ResolveTimeout bounds how long a sent payment with no answer is
	// polled before it is left to reconciliation.
	ResolveTimeout  time.Duration
	ResolveInterval time.Duration
	LeaseTTL        time.Duration
}

const (
	defaultLeaseTTL        = 2 * time.Minute
	defaultSubmitTimeout   = 60 * time.Second
	defaultResolveTimeout  = 30 * time.Second
	defaultResolveInterval = 2 * time.Second
)

// Result reports what Execute did.
type Result struct {
	Outcome models.Outcome
	Record  *models.Record
}

type Executor struct {
	records      Records
	intents      Intents
	gate         Gate
	transactions Transactions
	gateway      ledger.Gateway
	lease        lease.Lease
	rates        ratesource.Source
	alerts       alert.Publisher
	tx           txcontext.Runner
	cfg          Config
	instance     string
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	logger       *slog.Logger
}

type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = t
	}
}

// WithInstanceID names this process in lease ownership.
func WithInstanceID(instance string) Option {
	return func(e *Executor) {
		e.instance = instance
	}
}

// Deps groups the executor's collaborators.
type Deps struct {
	Records      Records
	Intents      Intents
	Gate         Gate
	Transactions Transactions
	Gateway      ledger.Gateway
	Lease        lease.Lease
	Rates        ratesource.Source
	Alerts       alert.Publisher
	TxRunner     txcontext.Runner
}

func New(deps Deps, cfg Config, opts ...Option) (*Executor, error) {
	switch {
	case deps.Records == nil:
		return nil, errors.New("issuance record store is required")
	case deps.Intents == nil:
		return nil, errors.New("intent service is required")
	case deps.Gate == nil:
		return nil, errors.New("investor gate is required")
	case deps.Transactions == nil:
		return nil, errors.New("transaction cache is required")
	case deps.Gateway == nil:
		return nil, errors.New("ledger gateway is required")
	case deps.Lease == nil:
		return nil, errors.New("lease is required")
	case deps.Rates == nil:
		return nil, errors.New("rate source is required")
	case deps.Alerts == nil:
		return nil, errors.New("alert publisher is required")
	case deps.TxRunner == nil:
		return nil, errors.New("transaction runner is required")
	case cfg.IssuerAddress == "" || cfg.TokenCurrency == "":
		return nil, errors.New("issuer address and token currency are required")
	case cfg.TreasuryAddress != "" && cfg.DepositAddress == "":
		return nil, errors.New("deposit address is required for forwarding")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	if cfg.ResolveInterval <= 0 {
		cfg.ResolveInterval = defaultResolveInterval
	}
	e := &Executor{
		records:      deps.Records,
		intents:      deps.Intents,
		gate:         deps.Gate,
		transactions: deps.Transactions,
		gateway:      deps.Gateway,
		lease:        deps.Lease,
		rates:        deps.Rates,
		alerts:       deps.Alerts,
		tx:           deps.TxRunner,
		cfg:          cfg,
		instance:     uuid.NewString(),
		tracer:       otel.Tracer("tokenfund/issuance"),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute issues tokens for p unless an issuance record for p.TxHash exists.
func (e *Executor) Execute(ctx context.Context, p models.MatchedPayment) (res Result, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "issuance.execute", trace.WithAttributes(
		attribute.String("tx_hash", p.TxHash),
		attribute.String("intent_id", p.IntentID.String()),
	))
	defer func() {
		e.finish(span, res, err)
		e.metrics.ObserveExecute(time.Since(start))
	}()

	owner, release, err := e.acquire(ctx, p.TxHash)
	if err != nil {
		return Result{}, err
	}
	defer release()
	return e.execute(ctx, p, owner)
}

// RetryFailed clears a FailedPermanently record and executes the deposit again.
func (e *Executor) RetryFailed(ctx context.Context, depositTxHash string) (res Result, err error) {
	ctx, span := e.tracer.Start(ctx, "issuance.retry_failed", trace.WithAttributes(
		attribute.String("tx_hash", depositTxHash),
	))
	defer func() { e.finish(span, res, err) }()

	owner, release, err := e.acquire(ctx, depositTxHash)
	if err != nil {
		return Result{}, err
	}
	defer release()

	rec, err := e.records.Get(ctx, depositTxHash)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Result{}, dErrors.New(dErrors.CodeNotFound, "issuance record not found")
		}
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load issuance record")
	}
	if rec.Succeeded() {
		return Result{}, dErrors.New(dErrors.CodeConflict, "issuance already succeeded")
	}
	intent, err := e.intents.Get(ctx, rec.IntentID)
	if err != nil {
		return Result{}, err
	}
	p, err := e.paymentFor(ctx, intent)
	if err != nil {
		return Result{}, err
	}
	if err := e.records.DeleteFailed(ctx, depositTxHash); err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to clear failed record")
	}
	e.logger.InfoContext(ctx, "retrying failed issuance",
		"tx_hash", depositTxHash,
		"intent_id", rec.IntentID,
		"actor", requestcontext.Actor(ctx),
	)
	return e.execute(ctx, p, owner)
}

// Get returns the issuance record for a deposit.
func (e *Executor) Get(ctx context.Context, depositTxHash string) (*models.Record, error) {
	rec, err := e.records.Get(ctx, depositTxHash)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "issuance record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load issuance record")
	}
	return rec, nil
}

func (e *Executor) execute(ctx context.Context, p models.MatchedPayment, owner string) (Result, error) {
	existing, err := e.records.Get(ctx, p.TxHash)
	switch {
	case err == nil:
		e.logger.InfoContext(ctx, "deposit already processed", "tx_hash", p.TxHash, "status", existing.Status)
		return Result{Outcome: models.OutcomeDuplicate, Record: existing}, nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check issuance record")
	}

	intent, err := e.intents.Get(ctx, p.IntentID)
	if err != nil {
		return Result{}, err
	}
	switch intent.Status {
	case purchasemodels.StatusMatched, purchasemodels.StatusPendingAuthorization, purchasemodels.StatusIssuing:
	default:
		return Result{}, dErrors.New(dErrors.CodeInvalidTransition,
			fmt.Sprintf("intent %s is %s and cannot be issued", intent.ID, intent.Status))
	}

	// A previous attempt may have been sent. It is resolved before the gate so
	// a validated issuance is committed even if the investor changed since.
	if intent.Status == purchasemodels.StatusIssuing {
		conf, err := e.priorIssuance(ctx, intent, p)
		switch {
		case ledger.IsOutcomeUnknown(err):
			return e.pending(ctx, p, err)
		case err != nil:
			return Result{}, dErrors.Wrap(err, dErrors.CodeTransientLedger, "failed to resolve prior submission")
		case conf != nil:
			e.logger.InfoContext(ctx, "found prior issuance on ledger", "tx_hash", p.TxHash, "issue_tx_hash", conf.Hash)
			return e.commit(ctx, p, intent, e.recordFor(ctx, p, intent.TokenAmount.Decimal, rateFor(intent, p), conf, 1), owner)
		}
	}

	inv, err := e.gate.CheckGate(ctx, p.InvestorID)
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeGateNotSatisfied) {
			return Result{}, err
		}
		if intent.Status == purchasemodels.StatusMatched {
			if _, terr := e.intents.Transition(ctx, intent.ID, purchasemodels.StatusMatched, purchasemodels.StatusPendingAuthorization, purchasemodels.Change{}); terr != nil {
				return Result{}, terr
			}
		}
		e.logger.InfoContext(ctx, "issuance deferred until investor is authorized",
			"tx_hash", p.TxHash,
			"investor_id", p.InvestorID,
			"reason", dErrors.MessageOf(err),
		)
		e.metrics.IncrementOutcome(string(models.OutcomePendingAuthorization))
		return Result{Outcome: models.OutcomePendingAuthorization}, err
	}

	var rate, tokens decimal.Decimal
	if intent.Status == purchasemodels.StatusIssuing && intent.TokenAmount.Valid {
		// The amount fixed on the move to Issuing stands.
		tokens = intent.TokenAmount.Decimal
		rate = rateFor(intent, p)
	} else {
		rate, err = e.rates.Rate(ctx, p.Amount.Currency)
		if err != nil {
			return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve conversion rate")
		}
		tokens = models.ConvertTokens(p.Amount.Value, rate, e.cfg.TokenPrecision)
	}
	if !tokens.IsPositive() {
		return Result{}, dErrors.New(dErrors.CodeValidation, "deposit converts to zero tokens")
	}

	if intent.Status != purchasemodels.StatusIssuing {
		intent, err = e.intents.Transition(ctx, intent.ID, intent.Status, purchasemodels.StatusIssuing, purchasemodels.Change{TokenAmount: &tokens})
		if err != nil {
			return Result{}, err
		}
	}

	payment := ledger.Payment{
		From:      e.cfg.IssuerAddress,
		To:        inv.LedgerAddress,
		Amount:    ledger.Amount{Value: tokens, Currency: e.cfg.TokenCurrency, Issuer: e.cfg.IssuerAddress},
		Reference: p.TxHash,
	}
	remember := func(ctx context.Context, sub *ledger.Submission) error {
		_, err := e.intents.RecordSubmission(ctx, intent.ID, sub.Hash, sub.LastLedgerSequence)
		return err
	}
	conf, attempts, err := e.submit(ctx, "issue", payment, p.TxHash, owner, remember)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Result{}, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "issuance abandoned")
		case errors.Is(err, sentinel.ErrLeaseLost):
			return Result{}, dErrors.Wrap(err, dErrors.CodeConflict, "lease lost during submission")
		case ledger.IsOutcomeUnknown(err):
			return e.pending(ctx, p, err)
		case !ledger.IsTransient(err) && !errors.Is(err, ledger.ErrRejected):
			return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "issuance submission interrupted")
		}
		return e.fail(ctx, p, intent, rate, tokens, attempts, err)
	}
	return e.commit(ctx, p, intent, e.recordFor(ctx, p, tokens, rate, conf, attempts), owner)
}

// priorIssuance returns the validated issuance of an Issuing intent, nil when
// nothing was sent or the last submission can no longer land, or an
// ErrOutcomeUnknown error while it still can.
func (e *Executor) priorIssuance(ctx context.Context, intent *purchasemodels.Intent, p models.MatchedPayment) (*ledger.Confirmation, error) {
	if intent.HasSubmission() {
		return e.settle(ctx, &ledger.Submission{
			Hash:               intent.IssueTxHash,
			LastLedgerSequence: intent.IssueLastLedger,
			Reference:          p.TxHash,
		})
	}
	// No stored hash: fall back to the memo reference.
	return e.gateway.FindSubmission(ctx, e.cfg.IssuerAddress, p.TxHash)
}

// settle resolves a stored submission once. A validated failure or an expired
// submission is safe to replace and yields nil, nil.
func (e *Executor) settle(ctx context.Context, sub *ledger.Submission) (*ledger.Confirmation, error) {
	st, err := e.gateway.Status(ctx, sub.Hash, sub.LastLedgerSequence)
	if err != nil {
		return nil, err
	}
	switch {
	case st.Succeeded():
		return st.Confirmation, nil
	case st.State == ledger.SubmissionPending:
		return nil, ledger.OutcomeUnknown("resolve", sub, errors.New("not yet validated"))
	case st.State == ledger.SubmissionValidated:
		e.logger.WarnContext(ctx, "prior submission failed on ledger",
			"hash", sub.Hash,
			"result", st.Confirmation.Result,
		)
	}
	return nil, nil
}

// pending reports an issuance whose payment was sent but not yet validated.
// Nothing is resent until reconciliation sees it validated or expired.
func (e *Executor) pending(ctx context.Context, p models.MatchedPayment, cause error) (Result, error) {
	e.logger.WarnContext(ctx, "issuance awaiting ledger validation",
		"tx_hash", p.TxHash,
		"intent_id", p.IntentID,
		"error", cause,
	)
	e.metrics.IncrementOutcome(string(models.OutcomeSubmitted))
	return Result{Outcome: models.OutcomeSubmitted},
		dErrors.Wrap(cause, dErrors.CodeTransientLedger, "issuance submitted and awaiting validation")
}

// submit sends payment with bounded retries. The lease on leaseKey is
// re-asserted before every attempt. Each attempt signs a fresh submission and
// hands it to remember before sending. Only failures that prove the payment
// was not applied are retried; a sent payment with no answer is polled for
// ResolveTimeout and then reported as ErrOutcomeUnknown.
func (e *Executor) submit(ctx context.Context, kind string, payment ledger.Payment, leaseKey, owner string, remember func(context.Context, *ledger.Submission) error) (*ledger.Confirmation, int, error) {
	var conf *ledger.Confirmation
	attempts, err := retry.DoNotify(ctx, e.cfg.SubmitRetry, ledger.IsTransient,
		func(ctx context.Context, attempt int) error {
			if err := e.lease.Extend(ctx, leaseKey, owner, e.cfg.LeaseTTL); err != nil {
				return err
			}
			sub, err := e.gateway.Prepare(ctx, payment)
			if err != nil {
				return err
			}
			if err := remember(ctx, sub); err != nil {
				return fmt.Errorf("remember submission %s: %w", sub.Hash, err)
			}
			sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
			defer cancel()
			c, err := e.gateway.Submit(sctx, sub)
			e.metrics.IncrementSubmit(kind, err)
			if ledger.IsOutcomeUnknown(err) {
				c, err = e.await(ctx, sub)
			}
			if err != nil {
				return err
			}
			conf = c
			return nil
		},
		func(err error, wait time.Duration) {
			e.logger.WarnContext(ctx, "ledger submission failed, retrying",
				"kind", kind,
				"reference", payment.Reference,
				"wait", wait,
				"error", err,
			)
		},
	)
	return conf, attempts, err
}

// await polls a sent submission until it is validated or expired. Expiry is
// transient: the payment can be signed again.
func (e *Executor) await(ctx context.Context, sub *ledger.Submission) (*ledger.Confirmation, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.ResolveTimeout)
	defer cancel()
	ticker := time.NewTicker(e.cfg.ResolveInterval)
	defer ticker.Stop()
	for {
		st, err := e.gateway.Status(rctx, sub.Hash, sub.LastLedgerSequence)
		if err == nil {
			switch st.State {
			case ledger.SubmissionValidated:
				if !st.Succeeded() {
					return nil, ledger.Rejected("validated", st.Confirmation.Result)
				}
				return st.Confirmation, nil
			case ledger.SubmissionExpired:
				return nil, ledger.Transient("await validation",
					fmt.Errorf("%s expired after ledger %d", sub.Hash, sub.LastLedgerSequence))
			}
		}
		select {
		case <-rctx.Done():
			return nil, ledger.OutcomeUnknown("await validation", sub, rctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Executor) commit(ctx context.Context, p models.MatchedPayment, intent *purchasemodels.Intent, rec *models.Record, owner string) (Result, error) {
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.records.Create(ctx, rec); err != nil {
			return err
		}
		issueHash := rec.IssueTxHash
		tokens := rec.TokenAmount
		_, err := e.intents.Transition(ctx, intent.ID, purchasemodels.StatusIssuing, purchasemodels.StatusCompleted, purchasemodels.Change{
			IssueTxHash: &issueHash,
			TokenAmount: &tokens,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			existing, gerr := e.records.Get(ctx, p.TxHash)
			if gerr == nil {
				return Result{Outcome: models.OutcomeDuplicate, Record: existing}, nil
			}
		}
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to commit issuance")
	}
	e.logger.InfoContext(ctx, "tokens issued",
		"tx_hash", p.TxHash,
		"intent_id", intent.ID,
		"investor_id", p.InvestorID,
		"token_amount", rec.TokenAmount.String(),
		"issue_tx_hash", rec.IssueTxHash,
	)
	e.metrics.IncrementOutcome(string(models.OutcomeIssued))

	if rec.ForwardStatus == models.ForwardPending {
		e.forward(ctx, rec, p.Amount, owner)
	}
	return Result{Outcome: models.OutcomeIssued, Record: rec}, nil
}

func (e *Executor) fail(ctx context.Context, p models.MatchedPayment, intent *purchasemodels.Intent, rate, tokens decimal.Decimal, attempts int, cause error) (Result, error) {
	now := requestcontext.Now(ctx)
	rec := &models.Record{
		DepositTxHash: p.TxHash,
		IntentID:      intent.ID,
		InvestorID:    p.InvestorID,
		DepositAmount: p.Amount.Value,
		Rate:          rate,
		TokenAmount:   tokens,
		Status:        models.StatusFailedPermanently,
		FailureReason: cause.Error(),
		Attempts:      attempts,
		ForwardStatus: models.ForwardNotRequired,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.records.Create(ctx, rec); err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record issuance failure")
	}
	e.logger.ErrorContext(ctx, "issuance failed permanently",
		"tx_hash", p.TxHash,
		"intent_id", intent.ID,
		"attempts", attempts,
		"error", cause,
	)
	e.publish(ctx, alert.Alert{
		Kind:       alert.KindIssuanceFailed,
		TxHash:     p.TxHash,
		IntentID:   intent.ID.String(),
		InvestorID: p.InvestorID.String(),
		Reason:     cause.Error(),
		Expected:   tokens.String() + " " + e.cfg.TokenCurrency,
		At:         now,
	})
	e.metrics.IncrementOutcome(string(models.OutcomeFailed))
	return Result{Outcome: models.OutcomeFailed, Record: rec},
		dErrors.Wrap(cause, dErrors.CodeSubmissionFailed, "token issuance submission failed")
}

// forward moves deposit proceeds to the treasury. Failure is recorded on the
// issuance record and alerted; issuance is never reversed.
func (e *Executor) forward(ctx context.Context, rec *models.Record, amount ledger.Amount, owner string) {
	ctx, span := e.tracer.Start(ctx, "issuance.forward", trace.WithAttributes(attribute.String("tx_hash", rec.DepositTxHash)))
	defer span.End()

	reference := models.ForwardReference(rec.DepositTxHash)
	payment := ledger.Payment{
		From:           e.cfg.DepositAddress,
		To:             e.cfg.TreasuryAddress,
		Amount:         amount,
		DestinationTag: e.cfg.TreasuryTag,
		Reference:      reference,
	}

	var (
		conf *ledger.Confirmation
		err  error
	)
	if rec.ForwardTxHash != "" && rec.ForwardLastLedger > 0 {
		conf, err = e.settle(ctx, &ledger.Submission{
			Hash:               rec.ForwardTxHash,
			LastLedgerSequence: rec.ForwardLastLedger,
			Reference:          reference,
		})
	} else {
		conf, err = e.gateway.FindSubmission(ctx, payment.From, reference)
	}
	if err == nil && conf == nil {
		remember := func(ctx context.Context, sub *ledger.Submission) error {
			rec.ForwardTxHash = sub.Hash
			rec.ForwardLastLedger = sub.LastLedgerSequence
			rec.UpdatedAt = requestcontext.Now(ctx)
			return e.records.UpdateForwarding(ctx, rec)
		}
		conf, _, err = e.submit(ctx, "forward", payment, rec.DepositTxHash, owner, remember)
	}

	rec.UpdatedAt = requestcontext.Now(ctx)
	switch {
	case ledger.IsOutcomeUnknown(err):
		// Status is left as is; reconciliation resolves the stored hash.
		e.logger.WarnContext(ctx, "forwarding awaiting ledger validation",
			"tx_hash", rec.DepositTxHash,
			"forward_tx_hash", rec.ForwardTxHash,
			"error", err,
		)
	case err != nil:
		span.RecordError(err)
		rec.ForwardStatus = models.ForwardFailed
		e.logger.ErrorContext(ctx, "forwarding failed", "tx_hash", rec.DepositTxHash, "error", err)
		e.publish(ctx, alert.Alert{
			Kind:       alert.KindForwardingFailed,
			TxHash:     rec.DepositTxHash,
			IntentID:   rec.IntentID.String(),
			InvestorID: rec.InvestorID.String(),
			Reason:     err.Error(),
			Expected:   amount.Value.String() + " " + amount.Currency,
			At:         rec.UpdatedAt,
		})
	default:
		rec.ForwardStatus = models.ForwardSucceeded
		rec.ForwardTxHash = conf.Hash
		rec.ForwardLastLedger = 0
		e.logger.InfoContext(ctx, "proceeds forwarded", "tx_hash", rec.DepositTxHash, "forward_tx_hash", conf.Hash)
	}
	if err := e.records.UpdateForwarding(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.ErrorContext(ctx, "failed to record forwarding status", "tx_hash", rec.DepositTxHash, "error", err)
	}
}

func (e *Executor) recordFor(ctx context.Context, p models.MatchedPayment, tokens, rate decimal.Decimal, conf *ledger.Confirmation, attempts int) *models.Record {
	now := requestcontext.Now(ctx)
	forward := models.ForwardNotRequired
	if e.cfg.TreasuryAddress != "" {
		forward = models.ForwardPending
	}
	return &models.Record{
		DepositTxHash: p.TxHash,
		IntentID:      p.IntentID,
		InvestorID:    p.InvestorID,
		DepositAmount: p.Amount.Value,
		Rate:          rate,
		TokenAmount:   tokens,
		Status:        models.StatusSucceeded,
		IssueTxHash:   conf.Hash,
		Attempts:      attempts,
		ForwardStatus: forward,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// rateFor derives the rate of an already-submitted issuance from the amounts
// recorded on the intent.
func rateFor(intent *purchasemodels.Intent, p models.MatchedPayment) decimal.Decimal {
	if !intent.TokenAmount.Valid || p.Amount.Value.IsZero() {
		return decimal.Zero
	}
	return intent.TokenAmount.Decimal.Div(p.Amount.Value)
}

func (e *Executor) acquire(ctx context.Context, key string) (string, func(), error) {
	owner := e.instance + "/" + uuid.NewString()
	if err := e.lease.Acquire(ctx, key, owner, e.cfg.LeaseTTL); err != nil {
		if errors.Is(err, sentinel.ErrLeaseHeld) {
			return "", nil, dErrors.Wrap(err, dErrors.CodeConflict, "deposit is being processed by another worker")
		}
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to acquire lease")
	}
	release := func() {
		if err := e.lease.Release(context.WithoutCancel(ctx), key, owner); err != nil {
			e.logger.WarnContext(ctx, "failed to release lease", "key", key, "error", err)
		}
	}
	return owner, release, nil
}

func (e *Executor) publish(ctx context.Context, a alert.Alert) {
	if err := e.alerts.Publish(context.WithoutCancel(ctx), a); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish alert", "tx_hash", a.TxHash, "kind", a.Kind, "error", err)
	}
}

func (e *Executor) finish(span trace.Span, res Result, err error) {
	if res.Outcome != "" {
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, dErrors.MessageOf(err))
	}
	span.End()
}
