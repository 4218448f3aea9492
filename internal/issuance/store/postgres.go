package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tokenfund/internal/issuance/models"
	"tokenfund/internal/platform/postgres"
	id "tokenfund/pkg/domain"
	"tokenfund/pkg/platform/sentinel"
	txcontext "tokenfund/pkg/platform/tx"
)

// PostgresStore persists issuance records in PostgreSQL. The primary key on
// deposit_tx_hash enforces at most one record per deposit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `deposit_tx_hash, intent_id, investor_id, deposit_amount, rate, token_amount,
	status, issue_tx_hash, failure_reason, attempts, forward_status, forward_tx_hash, forward_last_ledger, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, rec *models.Record) error {
	query := `
		INSERT INTO issuance_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query,
		rec.DepositTxHash,
		uuid.UUID(rec.IntentID),
		uuid.UUID(rec.InvestorID),
		rec.DepositAmount,
		rec.Rate,
		rec.TokenAmount,
		rec.Status,
		nullString(rec.IssueTxHash),
		nullString(rec.FailureReason),
		rec.Attempts,
		rec.ForwardStatus,
		nullString(rec.ForwardTxHash),
		nullLedger(rec.ForwardLastLedger),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("create issuance record: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create issuance record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, depositTxHash string) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM issuance_records WHERE deposit_tx_hash = $1`
	rec, err := scanRecord(txcontext.Execer(ctx, s.db).QueryRowContext(ctx, query, depositTxHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get issuance record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateForwarding(ctx context.Context, rec *models.Record) error {
	query := `
		UPDATE issuance_records
		SET forward_status = $2, forward_tx_hash = $3, forward_last_ledger = $4, updated_at = $5
		WHERE deposit_tx_hash = $1
	`
	res, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query,
		rec.DepositTxHash, rec.ForwardStatus, nullString(rec.ForwardTxHash), nullLedger(rec.ForwardLastLedger), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update forwarding: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteFailed(ctx context.Context, depositTxHash string) error {
	res, err := txcontext.Execer(ctx, s.db).ExecContext(ctx,
		`DELETE FROM issuance_records WHERE deposit_tx_hash = $1 AND status = $2`,
		depositTxHash, models.StatusFailedPermanently)
	if err != nil {
		return fmt.Errorf("delete failed record: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListPendingForwarding(ctx context.Context) ([]*models.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM issuance_records
		WHERE status = $1 AND forward_status IN ($2, $3)
		ORDER BY created_at
	`
	rows, err := txcontext.Execer(ctx, s.db).QueryContext(ctx, query,
		models.StatusSucceeded, models.ForwardPending, models.ForwardFailed)
	if err != nil {
		return nil, fmt.Errorf("list pending forwarding: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issuance record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issuance records: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		rec           models.Record
		intentID      uuid.UUID
		investorID    uuid.UUID
		issueTxHash   sql.NullString
		failureReason sql.NullString
		forwardTxHash sql.NullString
		forwardLast   sql.NullInt64
	)
	err := row.Scan(
		&rec.DepositTxHash,
		&intentID,
		&investorID,
		&rec.DepositAmount,
		&rec.Rate,
		&rec.TokenAmount,
		&rec.Status,
		&issueTxHash,
		&failureReason,
		&rec.Attempts,
		&rec.ForwardStatus,
		&forwardTxHash,
		&forwardLast,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.IntentID = id.IntentID(intentID)
	rec.InvestorID = id.InvestorID(investorID)
	rec.IssueTxHash = issueTxHash.String
	rec.FailureReason = failureReason.String
	rec.ForwardTxHash = forwardTxHash.String
	rec.ForwardLastLedger = uint32(forwardLast.Int64)
	return &rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullLedger(index uint32) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(index), Valid: index > 0}
}
