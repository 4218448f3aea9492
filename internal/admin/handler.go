// Package admin exposes the administrative trigger surface: investor
// onboarding, purchase intents, issuance inspection and reconciliation.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	investormodels "tokenfund/internal/investor/models"
	"tokenfund/internal/issuance/executor"
	issuancemodels "tokenfund/internal/issuance/models"
	"tokenfund/internal/platform/middleware"
	purchasemodels "tokenfund/internal/purchase/models"
	id "tokenfund/pkg/domain"
	dErrors "tokenfund/pkg/domain-errors"
	"tokenfund/pkg/platform/httputil"
	"tokenfund/pkg/requestcontext"
)

// Investors is the onboarding state machine.
type Investors interface {
	Register(ctx context.Context, email, address string) (*investormodels.Investor, error)
	Get(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error)
	SubmitKYC(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error)
	ApproveKYC(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error)
	RequestTrustLine(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error)
	AuthorizeTrustLine(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error)
	Activate(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error)
	Deactivate(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error)
}

// Intents creates and reads purchase intents.
type Intents interface {
	CreateIntent(ctx context.Context, investorID id.InvestorID, amount decimal.Decimal, currency string) (*purchasemodels.Intent, error)
	Get(ctx context.Context, intentID id.IntentID) (*purchasemodels.Intent, error)
}

// Issuance reads and re-drives issuance.
type Issuance interface {
	Get(ctx context.Context, depositTxHash string) (*issuancemodels.Record, error)
	RetryFailed(ctx context.Context, depositTxHash string) (executor.Result, error)
	Reconcile(ctx context.Context) (executor.ReconcileReport, error)
}

type investorAction func(ctx context.Context, investorID id.InvestorID) (*investormodels.Investor, error)

// Handler serves /admin.
type Handler struct {
	investors Investors
	intents   Intents
	issuance  Issuance
	validator middleware.TokenValidator
	logger    *slog.Logger
}

func New(investors Investors, intents Intents, issuance Issuance, validator middleware.TokenValidator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		investors: investors,
		intents:   intents,
		issuance:  issuance,
		validator: validator,
		logger:    logger,
	}
}

// Register mounts the admin routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdmin(h.validator, h.logger))

		r.Post("/investors", h.handleRegisterInvestor)
		r.Route("/investors/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetInvestor)
			r.Post("/kyc/submit", h.investorAction("kyc_submitted", h.investors.SubmitKYC))
			r.Post("/kyc/approve", h.investorAction("kyc_approved", h.investors.ApproveKYC))
			r.Post("/trustline/request", h.investorAction("trust_line_requested", h.investors.RequestTrustLine))
			r.Post("/trustline/authorize", h.investorAction("trust_line_authorized", h.investors.AuthorizeTrustLine))
			r.Post("/activate", h.investorAction("activated", h.investors.Activate))
			r.Post("/deactivate", h.investorAction("deactivated", h.investors.Deactivate))
		})

		r.Post("/intents", h.handleCreateIntent)
		r.Get("/intents/{id}", h.handleGetIntent)

		r.Get("/issuances/{hash}", h.handleGetIssuance)
		r.Post("/issuances/{hash}/retry", h.handleRetryIssuance)
		r.Post("/reconcile", h.handleReconcile)
	})
}

func (h *Handler) handleRegisterInvestor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[RegisterInvestorRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	inv, err := h.investors.Register(ctx, req.Email, req.LedgerAddress)
	if err != nil {
		h.fail(ctx, w, "failed to register investor", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, inv)
}

func (h *Handler) handleGetInvestor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	investorID, err := id.ParseInvestorID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	inv, err := h.investors.Get(ctx, investorID)
	if err != nil {
		h.fail(ctx, w, "failed to load investor", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inv)
}

func (h *Handler) investorAction(event string, action investorAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		investorID, err := id.ParseInvestorID(chi.URLParam(r, "id"))
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		inv, err := action(ctx, investorID)
		if err != nil {
			h.fail(ctx, w, "investor action failed", err, "action", event, "investor_id", investorID)
			return
		}
		h.logger.InfoContext(ctx, "investor "+strings.ReplaceAll(event, "_", " "),
			"investor_id", inv.ID,
			"state", inv.State,
			"actor", requestcontext.Actor(ctx),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteJSON(w, http.StatusOK, inv)
	}
}

func (h *Handler) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CreateIntentRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	intent, err := h.intents.CreateIntent(ctx, req.investorID, req.Amount, req.Currency)
	if err != nil {
		h.fail(ctx, w, "failed to create intent", err, "investor_id", req.InvestorID)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, intent)
}

func (h *Handler) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	intentID, err := id.ParseIntentID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	intent, err := h.intents.Get(ctx, intentID)
	if err != nil {
		h.fail(ctx, w, "failed to load intent", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, intent)
}

func (h *Handler) handleGetIssuance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash, ok := txHashParam(w, r)
	if !ok {
		return
	}
	rec, err := h.issuance.Get(ctx, hash)
	if err != nil {
		h.fail(ctx, w, "failed to load issuance", err, "tx_hash", hash)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleRetryIssuance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash, ok := txHashParam(w, r)
	if !ok {
		return
	}
	res, err := h.issuance.RetryFailed(ctx, hash)
	if err != nil {
		h.fail(ctx, w, "issuance retry failed", err, "tx_hash", hash)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRetryResponse(res))
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.issuance.Reconcile(ctx)
	if err != nil {
		h.fail(ctx, w, "reconciliation failed", err)
		return
	}
	h.logger.InfoContext(ctx, "manual reconciliation finished",
		"actor", requestcontext.Actor(ctx),
		"scanned", report.Scanned,
		"issued", report.Issued,
	)
	httputil.WriteJSON(w, http.StatusOK, toReconcileResponse(report))
}

// fail logs internal errors at error level and client errors at warn, then
// writes the mapped response.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error, attrs ...any) {
	attrs = append(attrs,
		"request_id", requestcontext.RequestID(ctx),
		"code", dErrors.CodeOf(err),
		"error", err,
	)
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}

func txHashParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	hash := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "hash")))
	if len(hash) != 64 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid transaction hash"))
		return "", false
	}
	return hash, true
}
