package executor

import (
	"context"
	"errors"

	"tokenfund/internal/issuance/models"
	"tokenfund/internal/ledger"
	purchasemodels "tokenfund/internal/purchase/models"
	dErrors "tokenfund/pkg/domain-errors"
	"tokenfund/pkg/platform/sentinel"
)

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Scanned   int
	Issued    int
	Pending   int
	Failed    int
	Skipped   int
	Forwarded int
}

// Reconcile resumes every in-flight intent that has no terminal issuance
// record, then retries outstanding forwarding. Issuing intents with a stored
// submission are resolved against the ledger first and resent only once it
// has expired. Per-intent failures are logged and counted; only a failure to
// list work is returned.
func (e *Executor) Reconcile(ctx context.Context) (ReconcileReport, error) {
	ctx, span := e.tracer.Start(ctx, "issuance.reconcile")
	defer span.End()

	var report ReconcileReport
	intents, err := e.intents.InFlight(ctx)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	for _, intent := range intents {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Scanned++
		p, err := e.paymentFor(ctx, intent)
		if err != nil {
			report.Failed++
			e.logger.ErrorContext(ctx, "cannot rebuild matched payment", "intent_id", intent.ID, "error", err)
			continue
		}
		res, err := e.Execute(ctx, p)
		switch {
		case err == nil && res.Outcome == models.OutcomeIssued:
			report.Issued++
		case err == nil:
			report.Skipped++
		case res.Outcome == models.OutcomeSubmitted, dErrors.HasCode(err, dErrors.CodeGateNotSatisfied):
			report.Pending++
		case dErrors.HasCode(err, dErrors.CodeConflict):
			report.Skipped++
		default:
			report.Failed++
			e.logger.ErrorContext(ctx, "reconciliation of intent failed",
				"intent_id", intent.ID,
				"tx_hash", p.TxHash,
				"error", err,
			)
		}
	}

	forwarded, err := e.retryForwarding(ctx)
	report.Forwarded = forwarded
	if err != nil {
		span.RecordError(err)
		return report, err
	}

	e.metrics.AddReconciled(report.Scanned)
	e.logger.InfoContext(ctx, "reconciliation complete",
		"scanned", report.Scanned,
		"issued", report.Issued,
		"pending", report.Pending,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"forwarded", report.Forwarded,
	)
	return report, nil
}

func (e *Executor) retryForwarding(ctx context.Context) (int, error) {
	if e.cfg.TreasuryAddress == "" {
		return 0, nil
	}
	records, err := e.records.ListPendingForwarding(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list pending forwarding")
	}
	forwarded := 0
	for _, rec := range records {
		owner, release, err := e.acquire(ctx, rec.DepositTxHash)
		if err != nil {
			continue
		}
		amount, err := e.depositAmount(ctx, rec.DepositTxHash)
		if err == nil {
			e.forward(ctx, rec, amount, owner)
			if rec.ForwardStatus == models.ForwardSucceeded {
				forwarded++
			}
		}
		release()
	}
	return forwarded, nil
}

// paymentFor rebuilds the matched payment of an in-flight intent from the
// transaction cache.
func (e *Executor) paymentFor(ctx context.Context, intent *purchasemodels.Intent) (models.MatchedPayment, error) {
	if intent.MatchedTxHash == "" {
		return models.MatchedPayment{}, dErrors.New(dErrors.CodeInvariantViolation, "in-flight intent has no matched transaction")
	}
	p := models.MatchedPayment{
		TxHash:     intent.MatchedTxHash,
		IntentID:   intent.ID,
		InvestorID: intent.InvestorID,
	}
	tx, err := e.transactions.Get(ctx, intent.MatchedTxHash)
	switch {
	case err == nil:
		p.Sender = tx.Sender
		p.Amount = tx.Delivered
		p.LedgerIndex = tx.LedgerIndex
		return p, nil
	case errors.Is(err, sentinel.ErrNotFound):
		return models.MatchedPayment{}, dErrors.New(dErrors.CodeNotFound, "matched transaction is not cached")
	default:
		return models.MatchedPayment{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load matched transaction")
	}
}

func (e *Executor) depositAmount(ctx context.Context, hash string) (ledger.Amount, error) {
	tx, err := e.transactions.Get(ctx, hash)
	if err != nil {
		e.logger.ErrorContext(ctx, "cannot forward deposit without cached transaction", "tx_hash", hash, "error", err)
		return ledger.Amount{}, err
	}
	return tx.Delivered, nil
}
