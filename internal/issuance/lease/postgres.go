package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tokenfund/pkg/platform/sentinel"
)

// Postgres stores leases in the leases table. Expiry is judged by the
// database clock so workers with skewed clocks agree.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	query := `
		INSERT INTO leases (key, owner, expires_at)
		VALUES ($1, $2, NOW() + $3::double precision * INTERVAL '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE leases.expires_at <= NOW() OR leases.owner = EXCLUDED.owner
	`
	res, err := p.db.ExecContext(ctx, query, key, owner, float64(ttl.Milliseconds()))
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if n == 0 {
		return sentinel.ErrLeaseHeld
	}
	return nil
}

func (p *Postgres) Extend(ctx context.Context, key, owner string, ttl time.Duration) error {
	query := `
		UPDATE leases
		SET expires_at = NOW() + $3::double precision * INTERVAL '1 millisecond'
		WHERE key = $1 AND owner = $2 AND expires_at > NOW()
	`
	res, err := p.db.ExecContext(ctx, query, key, owner, float64(ttl.Milliseconds()))
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n == 0 {
		return sentinel.ErrLeaseLost
	}
	return nil
}

func (p *Postgres) Release(ctx context.Context, key, owner string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM leases WHERE key = $1 AND owner = $2`, key, owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
