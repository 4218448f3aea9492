// Package ledgertest provides an in-memory ledger for pipeline tests.
package ledgertest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tokenfund/internal/ledger"
)

// DefaultWindow is how many ledgers a prepared submission stays valid for.
const DefaultWindow = 20

// Ledger is a deterministic, single-process ledger. Each appended
// transaction closes a new ledger. Safe for concurrent use.
type Ledger struct {
	mu          sync.Mutex
	current     uint32
	window      uint32
	sequence    int
	txs         []ledger.Transaction
	trustLines  map[string]*ledger.TrustLine
	queryErrs   []error
	submitErrs  []error
	lostCommits int
	holds       map[string]int
	prepared    map[string]ledger.Payment
	held        map[string]*ledger.Submission
	applied     map[string]ledger.Transaction
	sent        []string
	submits     []ledger.Payment
}

// New returns an empty ledger starting at ledger index start.
func New(start uint32) *Ledger {
	return &Ledger{
		current:    start,
		window:     DefaultWindow,
		trustLines: make(map[string]*ledger.TrustLine),
		prepared:   make(map[string]ledger.Payment),
		held:       make(map[string]*ledger.Submission),
		applied:    make(map[string]ledger.Transaction),
		holds:      make(map[string]int),
	}
}

// Deposit appends a validated incoming payment and returns it.
func (l *Ledger) Deposit(from, to string, amount ledger.Amount, tag *uint32) ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ledger.Transaction{
		Type:           ledger.TypePayment,
		Sender:         from,
		Destination:    to,
		DestinationTag: tag,
		Delivered:      amount,
		Result:         ledger.ResultSuccess,
		Validated:      true,
	})
}

// Append adds an arbitrary transaction, filling hash and ledger index.
func (l *Ledger) Append(tx ledger.Transaction) ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(tx)
}

func (l *Ledger) appendLocked(tx ledger.Transaction) ledger.Transaction {
	l.current++
	tx.LedgerIndex = l.current
	tx.CloseTime = time.Unix(int64(l.current), 0).UTC()
	if tx.Hash == "" {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s|%s", l.current, tx.Sender, tx.Destination, tx.Delivered.Value, tx.Reference)))
		tx.Hash = strings.ToUpper(hex.EncodeToString(sum[:]))
	}
	l.txs = append(l.txs, tx)
	return tx
}

// FailQueries makes the next len(errs) AccountTransactions calls fail.
func (l *Ledger) FailQueries(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queryErrs = append(l.queryErrs, errs...)
}

// FailSubmits makes the next len(errs) Submit calls fail without effect.
func (l *Ledger) FailSubmits(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErrs = append(l.submitErrs, errs...)
}

// LoseConfirmations makes the next n Submit calls apply on the ledger but
// report an unknown outcome, as when the connection drops after submission.
func (l *Ledger) LoseConfirmations(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lostCommits += n
}

// HoldValidation makes the next submission carrying reference accepted but
// not validated. It stays pending until ReleaseHeld or until the ledger
// passes its LastLedgerSequence.
func (l *Ledger) HoldValidation(reference string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holds[reference]++
}

// ReleaseHeld validates every held submission that has not expired.
func (l *Ledger) ReleaseHeld() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for hash, sub := range l.held {
		delete(l.held, hash)
		if l.current+1 > sub.LastLedgerSequence {
			continue
		}
		l.applyLocked(sub)
	}
}

// AdvanceLedgers closes n empty ledgers. Held submissions whose
// LastLedgerSequence is passed can no longer be included.
func (l *Ledger) AdvanceLedgers(n uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current += n
	for hash, sub := range l.held {
		if l.current > sub.LastLedgerSequence {
			delete(l.held, hash)
		}
	}
}

// Sent returns how many submissions reached the ledger, applied or not.
func (l *Ledger) Sent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// OpenTrustLine records a holder-side trust line toward issuer.
func (l *Ledger) OpenTrustLine(holder, issuer, currency string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trustLines[trustKey(holder, issuer, currency)] = &ledger.TrustLine{
		Holder:   holder,
		Issuer:   issuer,
		Currency: currency,
		Limit:    decimal.NewFromInt(1_000_000_000),
	}
}

// Submissions returns every payment applied on the ledger.
func (l *Ledger) Submissions() []ledger.Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Payment(nil), l.submits...)
}

// SubmissionsWithReference counts applied payments with the given reference.
func (l *Ledger) SubmissionsWithReference(reference string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.submits {
		if p.Reference == reference {
			n++
		}
	}
	return n
}

// Current returns the latest closed ledger index.
func (l *Ledger) Current() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Ledger) AccountTransactions(ctx context.Context, account string, minLedger uint32, marker ledger.Marker, limit int) (*ledger.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Transient("account_tx", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queryErrs) > 0 {
		err := l.queryErrs[0]
		l.queryErrs = l.queryErrs[1:]
		return nil, err
	}

	offset := 0
	if len(marker) > 0 {
		n, err := strconv.Atoi(string(marker))
		if err != nil {
			return nil, fmt.Errorf("bad marker: %w", err)
		}
		offset = n
	}

	var matching []ledger.Transaction
	for _, tx := range l.txs {
		if tx.LedgerIndex <= minLedger {
			continue
		}
		if tx.Sender == account || tx.Destination == account {
			matching = append(matching, tx)
		}
	}
	sort.SliceStable(matching, func(i, j int) bool { return matching[i].LedgerIndex < matching[j].LedgerIndex })

	if limit <= 0 {
		limit = len(matching)
	}
	end := min(offset+limit, len(matching))
	page := &ledger.Page{ValidatedThrough: l.current}
	if offset < len(matching) {
		page.Transactions = append(page.Transactions, matching[offset:end]...)
	}
	if end < len(matching) {
		page.Marker = ledger.Marker(strconv.Itoa(end))
	}
	return page, nil
}

// Prepare signs nothing; it fixes a unique hash and an expiry ledger.
func (l *Ledger) Prepare(ctx context.Context, p ledger.Payment) (*ledger.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Transient("prepare", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s|%s", l.sequence, p.From, p.To, p.Amount.Value, p.Reference)))
	hash := strings.ToUpper(hex.EncodeToString(sum[:]))
	l.prepared[hash] = p
	return &ledger.Submission{
		Hash:               hash,
		LastLedgerSequence: l.current + l.window,
		Blob:               hash,
		Reference:          p.Reference,
	}, nil
}

func (l *Ledger) Submit(ctx context.Context, sub *ledger.Submission) (*ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Transient("submit", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.submitErrs) > 0 {
		err := l.submitErrs[0]
		l.submitErrs = l.submitErrs[1:]
		return nil, err
	}
	p, ok := l.prepared[sub.Hash]
	if !ok {
		return nil, ledger.Rejected("submit", "temINVALID")
	}
	if tx, done := l.applied[sub.Hash]; done {
		return &ledger.Confirmation{Hash: tx.Hash, LedgerIndex: tx.LedgerIndex, Result: tx.Result}, nil
	}
	if l.current+1 > sub.LastLedgerSequence {
		return nil, ledger.Transient("submit", errors.New("tefMAX_LEDGER"))
	}
	if !p.Amount.IsNative() && p.Amount.Issuer == p.From {
		line, ok := l.trustLines[trustKey(p.To, p.From, p.Amount.Currency)]
		if !ok {
			return nil, ledger.Rejected("submit", "tecPATH_DRY")
		}
		if !line.Authorized {
			return nil, ledger.Rejected("submit", "tecNO_AUTH")
		}
	}
	l.sent = append(l.sent, sub.Hash)

	if l.holds[p.Reference] > 0 {
		l.holds[p.Reference]--
		cp := *sub
		l.held[sub.Hash] = &cp
		return nil, ledger.OutcomeUnknown("submit", sub, errors.New("validation not observed"))
	}
	tx := l.applyLocked(sub)
	if l.lostCommits > 0 {
		l.lostCommits--
		return nil, ledger.OutcomeUnknown("submit", sub, errors.New("connection reset before validation"))
	}
	return &ledger.Confirmation{Hash: tx.Hash, LedgerIndex: tx.LedgerIndex, Result: tx.Result}, nil
}

func (l *Ledger) applyLocked(sub *ledger.Submission) ledger.Transaction {
	p := l.prepared[sub.Hash]
	tx := l.appendLocked(ledger.Transaction{
		Hash:           sub.Hash,
		Type:           ledger.TypePayment,
		Sender:         p.From,
		Destination:    p.To,
		DestinationTag: p.DestinationTag,
		Delivered:      p.Amount,
		Result:         ledger.ResultSuccess,
		Validated:      true,
		Reference:      p.Reference,
	})
	l.applied[sub.Hash] = tx
	l.submits = append(l.submits, p)
	return tx
}

func (l *Ledger) Status(ctx context.Context, hash string, lastLedger uint32) (*ledger.SubmissionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Transient("tx", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.applied[hash]; ok {
		return &ledger.SubmissionStatus{
			State:        ledger.SubmissionValidated,
			Confirmation: &ledger.Confirmation{Hash: tx.Hash, LedgerIndex: tx.LedgerIndex, Result: tx.Result},
		}, nil
	}
	if l.current > lastLedger {
		return &ledger.SubmissionStatus{State: ledger.SubmissionExpired}, nil
	}
	return &ledger.SubmissionStatus{State: ledger.SubmissionPending}, nil
}

func (l *Ledger) FindSubmission(ctx context.Context, account, reference string) (*ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Transient("account_tx", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.txs {
		if tx.Sender == account && tx.Reference == reference && tx.IsSettled() {
			return &ledger.Confirmation{Hash: tx.Hash, LedgerIndex: tx.LedgerIndex, Result: tx.Result}, nil
		}
	}
	return nil, nil
}

func (l *Ledger) TrustLine(_ context.Context, holder, issuer, currency string) (*ledger.TrustLine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line, ok := l.trustLines[trustKey(holder, issuer, currency)]
	if !ok {
		return nil, nil
	}
	cp := *line
	return &cp, nil
}

func (l *Ledger) AuthorizeTrustLine(_ context.Context, issuer, holder, currency string) (*ledger.Confirmation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line, ok := l.trustLines[trustKey(holder, issuer, currency)]
	if !ok {
		return nil, ledger.Rejected("trust_set", "tecNO_LINE")
	}
	line.Authorized = true
	tx := l.appendLocked(ledger.Transaction{
		Type:        ledger.TypeTrustSet,
		Sender:      issuer,
		Destination: holder,
		Result:      ledger.ResultSuccess,
		Validated:   true,
	})
	return &ledger.Confirmation{Hash: tx.Hash, LedgerIndex: tx.LedgerIndex, Result: tx.Result}, nil
}

func trustKey(holder, issuer, currency string) string {
	return holder + "|" + issuer + "|" + currency
}
