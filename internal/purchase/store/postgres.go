package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"tokenfund/internal/platform/postgres"
	"tokenfund/internal/purchase/models"
	id "tokenfund/pkg/domain"
	"tokenfund/pkg/platform/sentinel"
	txcontext "tokenfund/pkg/platform/tx"
	"tokenfund/pkg/requestcontext"
)

// PostgresStore persists purchase intents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const intentColumns = `id, investor_id, expected_amount, expected_currency, destination_tag, status,
	matched_tx_hash, received_amount, token_amount, issue_tx_hash, issue_last_ledger, flag_reason, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, intent *models.Intent) error {
	query := `
		INSERT INTO purchase_intents (id, investor_id, expected_amount, expected_currency,
			destination_tag, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(intent.ID),
		uuid.UUID(intent.InvestorID),
		intent.ExpectedAmount,
		intent.ExpectedCurrency,
		nullTag(intent.DestinationTag),
		intent.Status,
		intent.CreatedAt,
		intent.UpdatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("create intent: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create intent: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, intentID id.IntentID) (*models.Intent, error) {
	return s.findOne(ctx, `SELECT `+intentColumns+` FROM purchase_intents WHERE id = $1`, uuid.UUID(intentID))
}

func (s *PostgresStore) FindByTxHash(ctx context.Context, hash string) (*models.Intent, error) {
	return s.findOne(ctx, `SELECT `+intentColumns+` FROM purchase_intents WHERE matched_tx_hash = $1`, hash)
}

func (s *PostgresStore) findOne(ctx context.Context, query string, arg any) (*models.Intent, error) {
	intent, err := scanIntent(txcontext.Execer(ctx, s.db).QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find intent: %w", err)
	}
	return intent, nil
}

func (s *PostgresStore) ListAwaitingByInvestor(ctx context.Context, investorID id.InvestorID) ([]*models.Intent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM purchase_intents
		WHERE investor_id = $1 AND status = $2
		ORDER BY created_at, id
	`
	return s.list(ctx, query, uuid.UUID(investorID), models.StatusAwaitingDeposit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses []models.Status) ([]*models.Intent, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	query := `
		SELECT ` + intentColumns + `
		FROM purchase_intents
		WHERE status = ANY($1::text[])
		ORDER BY created_at, id
	`
	return s.list(ctx, query, pq.Array(values))
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Intent, error) {
	rows, err := txcontext.Execer(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var out []*models.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

// Transition is a compare-and-set on status. The domain move is validated on a
// fresh copy; the conditional UPDATE decides the race.
func (s *PostgresStore) Transition(ctx context.Context, intentID id.IntentID, from, to models.Status, change models.Change) (*models.Intent, error) {
	current, err := s.findOne(ctx,
		`SELECT `+intentColumns+` FROM purchase_intents WHERE id = $1`, uuid.UUID(intentID))
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, fmt.Errorf("intent %s status is %s, expected %s: %w", intentID, current.Status, from, sentinel.ErrConflict)
	}
	next := *current
	if err := next.Apply(to, change, requestcontext.Now(ctx)); err != nil {
		return nil, err
	}

	query := `
		UPDATE purchase_intents
		SET status = $3, matched_tx_hash = $4, received_amount = $5, token_amount = $6,
			issue_tx_hash = $7, flag_reason = $8, updated_at = $9
		WHERE id = $1 AND status = $2
		RETURNING ` + intentColumns
	updated, err := scanIntent(txcontext.Execer(ctx, s.db).QueryRowContext(ctx, query,
		uuid.UUID(intentID),
		from,
		next.Status,
		nullString(next.MatchedTxHash),
		next.ReceivedAmount,
		next.TokenAmount,
		nullString(next.IssueTxHash),
		nullString(next.FlagReason),
		next.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("intent %s status changed: %w", intentID, sentinel.ErrConflict)
		}
		if postgres.IsUniqueViolation(err) {
			return nil, fmt.Errorf("transaction already matched: %w", sentinel.ErrConflict)
		}
		return nil, fmt.Errorf("transition intent: %w", err)
	}
	return updated, nil
}

// RecordSubmission stores the pending issuing transaction while the intent
// is still Issuing.
func (s *PostgresStore) RecordSubmission(ctx context.Context, intentID id.IntentID, hash string, lastLedger uint32) (*models.Intent, error) {
	current, err := s.FindByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	next := *current
	if err := next.RecordSubmission(hash, lastLedger, requestcontext.Now(ctx)); err != nil {
		return nil, err
	}
	query := `
		UPDATE purchase_intents
		SET issue_tx_hash = $3, issue_last_ledger = $4, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING ` + intentColumns
	updated, err := scanIntent(txcontext.Execer(ctx, s.db).QueryRowContext(ctx, query,
		uuid.UUID(intentID),
		models.StatusIssuing,
		next.IssueTxHash,
		int64(next.IssueLastLedger),
		next.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("intent %s left Issuing: %w", intentID, sentinel.ErrConflict)
		}
		return nil, fmt.Errorf("record submission: %w", err)
	}
	return updated, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(row scanner) (*models.Intent, error) {
	var (
		intent                         models.Intent
		intentID, investorID           uuid.UUID
		tag, lastLedger                sql.NullInt64
		matched, issueHash, flagReason sql.NullString
		received, token                decimal.NullDecimal
	)
	err := row.Scan(
		&intentID,
		&investorID,
		&intent.ExpectedAmount,
		&intent.ExpectedCurrency,
		&tag,
		&intent.Status,
		&matched,
		&received,
		&token,
		&issueHash,
		&lastLedger,
		&flagReason,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	intent.ID = id.IntentID(intentID)
	intent.InvestorID = id.InvestorID(investorID)
	if tag.Valid {
		t := uint32(tag.Int64)
		intent.DestinationTag = &t
	}
	intent.MatchedTxHash = matched.String
	intent.IssueTxHash = issueHash.String
	intent.IssueLastLedger = uint32(lastLedger.Int64)
	intent.FlagReason = flagReason.String
	intent.ReceivedAmount = received
	intent.TokenAmount = token
	return &intent, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTag(tag *uint32) sql.NullInt64 {
	if tag == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*tag), Valid: true}
}
