package admin

import (
	"tokenfund/internal/issuance/executor"
	"tokenfund/internal/issuance/models"
)

// RetryResponse reports the outcome of an administrative re-execution.
type RetryResponse struct {
	Outcome models.Outcome `json:"outcome"`
	Record  *models.Record `json:"record,omitempty"`
}

// ReconcileResponse summarizes a reconciliation pass.
type ReconcileResponse struct {
	Scanned   int `json:"scanned"`
	Issued    int `json:"issued"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Forwarded int `json:"forwarded"`
}

func toRetryResponse(res executor.Result) RetryResponse {
	return RetryResponse{Outcome: res.Outcome, Record: res.Record}
}

func toReconcileResponse(r executor.ReconcileReport) ReconcileResponse {
	return ReconcileResponse{
		Scanned:   r.Scanned,
		Issued:    r.Issued,
		Pending:   r.Pending,
		Failed:    r.Failed,
		Skipped:   r.Skipped,
		Forwarded: r.Forwarded,
	}
}
