// Package ledger defines the port to the public ledger and its models.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

//go:generate mockgen -source=gateway.go -destination=mocks/mocks.go -package=mocks

// Gateway queries and submits to the ledger. Implementations must return
// errors wrapping ErrTransient for conditions that may succeed on retry,
// ErrRejected for definitive rejections and ErrOutcomeUnknown when a sent
// transaction may still be included.
type Gateway interface {
	// AccountTransactions returns validated history for account strictly after
	// minLedger, oldest first, one page at a time.
	AccountTransactions(ctx context.Context, account string, minLedger uint32, marker Marker, limit int) (*Page, error)
	// Prepare signs p and fixes its hash and expiry ledger. Nothing is sent.
	Prepare(ctx context.Context, p Payment) (*Submission, error)
	// Submit sends a prepared submission and waits for validation.
	Submit(ctx context.Context, s *Submission) (*Confirmation, error)
	// Status resolves a sent transaction by hash.
	Status(ctx context.Context, hash string, lastLedger uint32) (*SubmissionStatus, error)
	// FindSubmission looks for a validated payment from account carrying
	// reference. Returns nil, nil when none exists.
	FindSubmission(ctx context.Context, account, reference string) (*Confirmation, error)
	// TrustLine returns the holder's trust line toward issuer, or nil.
	TrustLine(ctx context.Context, holder, issuer, currency string) (*TrustLine, error)
	// AuthorizeTrustLine submits the issuer-side authorization for holder.
	AuthorizeTrustLine(ctx context.Context, issuer, holder, currency string) (*Confirmation, error)
}

var (
	// ErrTransient marks failures that may succeed on retry: timeouts before
	// sending, unreachable nodes, submissions that expired unapplied.
	ErrTransient = errors.New("transient ledger error")
	// ErrRejected marks a definitive rejection by the ledger.
	ErrRejected = errors.New("ledger rejected transaction")
	// ErrOutcomeUnknown marks a transaction that was sent and is neither
	// validated nor expired. Resending it risks a second application.
	ErrOutcomeUnknown = errors.New("ledger outcome unknown")
)

// IsTransient reports whether err may succeed on retry. An unknown outcome
// is never transient, whatever caused it.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrOutcomeUnknown)
}

// IsOutcomeUnknown reports whether err left a sent transaction unresolved.
func IsOutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown)
}

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// Rejected reports a definitive rejection with the ledger result code.
func Rejected(op, result string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrRejected, result)
}

// OutcomeUnknown reports that s was sent but its fate is not yet known.
func OutcomeUnknown(op string, s *Submission, err error) error {
	return fmt.Errorf("%s %s (last ledger %d): %w: %w", op, s.Hash, s.LastLedgerSequence, ErrOutcomeUnknown, err)
}
