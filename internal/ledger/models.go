package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger transaction types and result codes the pipeline cares about.
const (
	TypePayment  = "Payment"
	TypeTrustSet = "TrustSet"

	ResultSuccess = "tesSUCCESS"
)

// NativeCurrency is the ledger's own asset. Native amounts carry no issuer.
const NativeCurrency = "XRP"

// Amount is a ledger value in a currency. Issuer is empty for the native asset.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
	Issuer   string          `json:"issuer,omitempty"`
}

func (a Amount) IsNative() bool { return a.Currency == NativeCurrency && a.Issuer == "" }

// Transaction is an immutable ledger entry as observed by the watcher.
type Transaction struct {
	Hash           string    `json:"hash"`
	Type           string    `json:"type"`
	Sender         string    `json:"sender"`
	Destination    string    `json:"destination"`
	DestinationTag *uint32   `json:"destination_tag,omitempty"`
	Delivered      Amount    `json:"delivered"`
	LedgerIndex    uint32    `json:"ledger_index"`
	TxIndex        uint32    `json:"tx_index"`
	CloseTime      time.Time `json:"close_time"`
	Result         string    `json:"result"`
	Validated      bool      `json:"validated"`
	Reference      string    `json:"reference,omitempty"`
}

// IsSettled reports whether the transaction is final and applied.
func (t Transaction) IsSettled() bool {
	return t.Validated && t.Result == ResultSuccess
}

// IsIncomingPayment reports whether t is a settled payment into account.
func (t Transaction) IsIncomingPayment(account string) bool {
	return t.Type == TypePayment && t.Destination == account && t.Sender != account && t.IsSettled()
}

// Marker is an opaque pagination token returned by the ledger.
type Marker []byte

// Page is one page of account history.
type Page struct {
	Transactions []Transaction
	// Marker is nil on the last page.
	Marker Marker
	// ValidatedThrough is the highest validated ledger the query covered.
	ValidatedThrough uint32
}

// Payment is an outgoing value transfer. Reference is recorded on the ledger
// as a memo and identifies the submission for later lookup.
type Payment struct {
	From           string
	To             string
	Amount         Amount
	DestinationTag *uint32
	Reference      string
}

// Confirmation is the validated outcome of a submitted transaction.
type Confirmation struct {
	Hash        string
	LedgerIndex uint32
	Result      string
}

// TrustLine is a holder's line of credit toward an issuer.
type TrustLine struct {
	Holder     string
	Issuer     string
	Currency   string
	Limit      decimal.Decimal
	Authorized bool
}

// Submission is a signed transaction ready to send. Hash identifies it before
// and after sending; it cannot be included after LastLedgerSequence.
type Submission struct {
	Hash               string
	LastLedgerSequence uint32
	Blob               string
	Reference          string
}

// SubmissionState is the resolution of a sent transaction.
type SubmissionState string

const (
	// SubmissionPending may still be included in a ledger.
	SubmissionPending SubmissionState = "pending"
	// SubmissionValidated is in a validated ledger, with any result.
	SubmissionValidated SubmissionState = "validated"
	// SubmissionExpired was never included and no longer can be.
	SubmissionExpired SubmissionState = "expired"
)

// SubmissionStatus is what Status observed. Confirmation is set once
// validated.
type SubmissionStatus struct {
	State        SubmissionState
	Confirmation *Confirmation
}

// Succeeded reports whether the submission validated with tesSUCCESS.
func (s SubmissionStatus) Succeeded() bool {
	return s.State == SubmissionValidated && s.Confirmation != nil && s.Confirmation.Result == ResultSuccess
}
