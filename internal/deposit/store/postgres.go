package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tokenfund/internal/ledger"
	"tokenfund/pkg/platform/sentinel"
	txcontext "tokenfund/pkg/platform/tx"
)

// PostgresCursorStore persists watcher cursors in PostgreSQL.
type PostgresCursorStore struct {
	db *sql.DB
}

func NewPostgresCursors(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

func (s *PostgresCursorStore) Get(ctx context.Context, account string) (uint32, bool, error) {
	var idx int64
	err := txcontext.Execer(ctx, s.db).QueryRowContext(ctx,
		`SELECT ledger_index FROM watcher_cursors WHERE account = $1`, account).Scan(&idx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
	return uint32(idx), true, nil
}

// Advance upserts the cursor with GREATEST so a stale writer cannot move it back.
func (s *PostgresCursorStore) Advance(ctx context.Context, account string, ledgerIndex uint32) error {
	query := `
		INSERT INTO watcher_cursors (account, ledger_index, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account) DO UPDATE
		SET ledger_index = GREATEST(watcher_cursors.ledger_index, EXCLUDED.ledger_index),
		    updated_at = EXCLUDED.updated_at
	`
	_, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query, account, int64(ledgerIndex), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// PostgresTransactionCache persists observed ledger transactions.
type PostgresTransactionCache struct {
	db *sql.DB
}

func NewPostgresTransactions(db *sql.DB) *PostgresTransactionCache {
	return &PostgresTransactionCache{db: db}
}

const transactionColumns = `hash, tx_type, sender, destination, destination_tag, amount_value,
	amount_currency, amount_issuer, ledger_index, tx_index, result, validated, closed_at`

func (s *PostgresTransactionCache) Save(ctx context.Context, tx ledger.Transaction) (bool, error) {
	query := `
		INSERT INTO ledger_transactions (` + transactionColumns + `, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (hash) DO NOTHING
	`
	var tag sql.NullInt64
	if tx.DestinationTag != nil {
		tag = sql.NullInt64{Int64: int64(*tx.DestinationTag), Valid: true}
	}
	var closedAt sql.NullTime
	if !tx.CloseTime.IsZero() {
		closedAt = sql.NullTime{Time: tx.CloseTime, Valid: true}
	}
	res, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query,
		tx.Hash,
		tx.Type,
		tx.Sender,
		tx.Destination,
		tag,
		tx.Delivered.Value,
		tx.Delivered.Currency,
		tx.Delivered.Issuer,
		int64(tx.LedgerIndex),
		int64(tx.TxIndex),
		tx.Result,
		tx.Validated,
		closedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("save transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save transaction: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresTransactionCache) Get(ctx context.Context, hash string) (*ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE hash = $1`
	var (
		tx          ledger.Transaction
		tag         sql.NullInt64
		value       decimal.Decimal
		ledgerIndex int64
		txIndex     int64
		closedAt    sql.NullTime
	)
	err := txcontext.Execer(ctx, s.db).QueryRowContext(ctx, query, hash).Scan(
		&tx.Hash,
		&tx.Type,
		&tx.Sender,
		&tx.Destination,
		&tag,
		&value,
		&tx.Delivered.Currency,
		&tx.Delivered.Issuer,
		&ledgerIndex,
		&txIndex,
		&tx.Result,
		&tx.Validated,
		&closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if tag.Valid {
		t := uint32(tag.Int64)
		tx.DestinationTag = &t
	}
	tx.Delivered.Value = value
	tx.LedgerIndex = uint32(ledgerIndex)
	tx.TxIndex = uint32(txIndex)
	if closedAt.Valid {
		tx.CloseTime = closedAt.Time
	}
	return &tx, nil
}
