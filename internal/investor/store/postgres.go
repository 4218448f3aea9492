package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tokenfund/internal/investor/models"
	"tokenfund/internal/platform/postgres"
	id "tokenfund/pkg/domain"
	"tokenfund/pkg/platform/sentinel"
	txcontext "tokenfund/pkg/platform/tx"
)

// PostgresStore persists investors in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const investorColumns = `id, email, ledger_address, state, kyc_status, trust_line_status,
	deactivated, deactivated_at, created_at, updated_at, version`

func (s *PostgresStore) Create(ctx context.Context, inv *models.Investor) error {
	query := `
		INSERT INTO investors (` + investorColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(inv.ID),
		inv.Email,
		inv.LedgerAddress,
		inv.State,
		inv.KYCStatus,
		inv.TrustLineStatus,
		inv.Deactivated,
		inv.DeactivatedAt,
		inv.CreatedAt,
		inv.UpdatedAt,
		inv.Version,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("create investor: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create investor: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, investorID id.InvestorID) (*models.Investor, error) {
	query := `SELECT ` + investorColumns + ` FROM investors WHERE id = $1`
	return s.findOne(ctx, query, uuid.UUID(investorID))
}

func (s *PostgresStore) FindByAddress(ctx context.Context, address string) (*models.Investor, error) {
	query := `SELECT ` + investorColumns + ` FROM investors WHERE ledger_address = $1`
	return s.findOne(ctx, query, address)
}

func (s *PostgresStore) findOne(ctx context.Context, query string, arg any) (*models.Investor, error) {
	inv, err := scanInvestor(txcontext.Execer(ctx, s.db).QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find investor: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) ListByState(ctx context.Context, state models.State) ([]*models.Investor, error) {
	query := `
		SELECT ` + investorColumns + `
		FROM investors
		WHERE state = $1 AND deactivated = FALSE
		ORDER BY created_at
	`
	rows, err := txcontext.Execer(ctx, s.db).QueryContext(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("list investors: %w", err)
	}
	defer rows.Close()

	var out []*models.Investor
	for rows.Next() {
		inv, err := scanInvestor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan investor: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Update writes the investor only if the stored version still equals
// inv.Version, and advances inv.Version on success.
func (s *PostgresStore) Update(ctx context.Context, inv *models.Investor) error {
	query := `
		UPDATE investors
		SET state = $2, kyc_status = $3, trust_line_status = $4,
			deactivated = $5, deactivated_at = $6, updated_at = $7,
			version = version + 1
		WHERE id = $1 AND version = $8
	`
	result, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(inv.ID),
		inv.State,
		inv.KYCStatus,
		inv.TrustLineStatus,
		inv.Deactivated,
		inv.DeactivatedAt,
		inv.UpdatedAt,
		inv.Version,
	)
	if err != nil {
		return fmt.Errorf("update investor: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update investor rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.FindByID(ctx, inv.ID); err != nil {
			return err
		}
		return fmt.Errorf("investor %s changed since version %d: %w", inv.ID, inv.Version, sentinel.ErrConflict)
	}
	inv.Version++
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvestor(row scanner) (*models.Investor, error) {
	var (
		inv           models.Investor
		investorID    uuid.UUID
		deactivatedAt sql.NullTime
	)
	err := row.Scan(
		&investorID,
		&inv.Email,
		&inv.LedgerAddress,
		&inv.State,
		&inv.KYCStatus,
		&inv.TrustLineStatus,
		&inv.Deactivated,
		&deactivatedAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
		&inv.Version,
	)
	if err != nil {
		return nil, err
	}
	inv.ID = id.InvestorID(investorID)
	if deactivatedAt.Valid {
		t := deactivatedAt.Time
		inv.DeactivatedAt = &t
	}
	return &inv, nil
}
