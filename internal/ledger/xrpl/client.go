// Package xrpl adapts the ledger port to a rippled JSON-RPC endpoint.
// Transactions are built, signed and hashed locally; only signed blobs are
// sent to the node.
package xrpl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Peersyst/xrpl-go/xrpl/transaction"
	"github.com/Peersyst/xrpl-go/xrpl/transaction/types"
	"github.com/Peersyst/xrpl-go/xrpl/wallet"
	"github.com/shopspring/decimal"

	"tokenfund/internal/ledger"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultLedgerWindow   = 20
	defaultLookbackPages  = 5
	defaultLookbackLimit  = 200
	defaultMaxFeeDrops    = 1000
	maxResponseBodyBytes  = 8 << 20
	rpcErrActNotFound     = "actNotFound"
	rpcErrTxnNotFound     = "txnNotFound"
	engineResultMaxLedger = "tefMAX_LEDGER"
	engineResultPastSeq   = "tefPAST_SEQ"
	engineResultAlready   = "tefALREADY"
)

// Client talks to a rippled node over JSON-RPC and signs with a local wallet
// per sending account.
type Client struct {
	url           string
	http          *http.Client
	seeds         map[string]string
	wallets       map[string]*wallet.Wallet
	logger        *slog.Logger
	pollInterval  time.Duration
	ledgerWindow  uint32
	lookbackPages int
	maxFeeDrops   uint64
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSigner registers the seed that signs for account. The seed may belong
// to the account's master key or to its regular key.
func WithSigner(account, seed string) Option {
	return func(c *Client) {
		if account != "" && seed != "" {
			c.seeds[account] = seed
		}
	}
}

// WithPollInterval sets how often submissions are checked for validation.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithLookbackPages bounds how much outgoing history FindSubmission scans.
func WithLookbackPages(n int) Option {
	return func(c *Client) { c.lookbackPages = n }
}

// WithMaxFee caps the per-transaction fee in drops.
func WithMaxFee(drops uint64) Option {
	return func(c *Client) { c.maxFeeDrops = drops }
}

// WithLedgerWindow sets how many ledgers past the last validated one a
// signed transaction stays valid for.
func WithLedgerWindow(n uint32) Option {
	return func(c *Client) { c.ledgerWindow = n }
}

func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("ledger RPC URL is required")
	}
	c := &Client{
		url:           url,
		http:          &http.Client{Timeout: 30 * time.Second},
		seeds:         make(map[string]string),
		wallets:       make(map[string]*wallet.Wallet),
		logger:        slog.Default(),
		pollInterval:  defaultPollInterval,
		ledgerWindow:  defaultLedgerWindow,
		lookbackPages: defaultLookbackPages,
		maxFeeDrops:   defaultMaxFeeDrops,
	}
	for _, opt := range opts {
		opt(c)
	}
	for account, seed := range c.seeds {
		w, err := wallet.FromSeed(seed, account)
		if err != nil {
			return nil, fmt.Errorf("signer for %s: %w", account, err)
		}
		c.wallets[account] = &w
	}
	c.seeds = nil
	return c, nil
}

var _ ledger.Gateway = (*Client)(nil)

func (c *Client) AccountTransactions(ctx context.Context, account string, minLedger uint32, marker ledger.Marker, limit int) (*ledger.Page, error) {
	params := map[string]any{
		"account":          account,
		"ledger_index_min": int64(minLedger) + 1,
		"ledger_index_max": -1,
		"forward":          true,
		"limit":            limit,
	}
	if minLedger == 0 {
		params["ledger_index_min"] = -1
	}
	if len(marker) > 0 {
		params["marker"] = json.RawMessage(marker)
	}

	var res accountTxResult
	if err := c.call(ctx, "account_tx", params, &res); err != nil {
		return nil, err
	}

	page := &ledger.Page{ValidatedThrough: uint32(max(res.LedgerIndexMax, 0))}
	if len(res.Marker) > 0 && string(res.Marker) != "null" {
		page.Marker = ledger.Marker(res.Marker)
	}
	for _, item := range res.Transactions {
		tx, err := toTransaction(item)
		if err != nil {
			c.logger.WarnContext(ctx, "skipping undecodable ledger transaction",
				"hash", item.Tx.Hash,
				"error", err,
			)
			continue
		}
		page.Transactions = append(page.Transactions, tx)
	}
	return page, nil
}

func toTransaction(item accountTxItem) (ledger.Transaction, error) {
	tx := item.Tx
	if item.TxJSON != nil {
		tx = *item.TxJSON
	}
	hash := tx.Hash
	if hash == "" {
		hash = item.Hash
	}
	ledgerIndex := tx.LedgerIndex
	if ledgerIndex == 0 {
		ledgerIndex = item.LedgerIdx
	}
	out := ledger.Transaction{
		Hash:           hash,
		Type:           tx.TransactionType,
		Sender:         tx.Account,
		Destination:    tx.Destination,
		DestinationTag: tx.DestinationTag,
		LedgerIndex:    ledgerIndex,
		TxIndex:        item.Meta.TransactionIndex,
		Result:         item.Meta.TransactionResult,
		Validated:      item.Validated,
		Reference:      memoReference(tx.Memos),
	}
	if tx.Date > 0 {
		out.CloseTime = time.Unix(tx.Date+ledgerEpochOffset, 0).UTC()
	}
	if tx.TransactionType != ledger.TypePayment {
		return out, nil
	}
	// delivered_amount is authoritative; Amount overstates partial payments.
	raw := item.Meta.DeliveredAmount
	if len(raw) == 0 || string(raw) == `"unavailable"` {
		raw = tx.Amount
	}
	amount, err := parseAmount(raw)
	if err != nil {
		return ledger.Transaction{}, err
	}
	out.Delivered = amount
	return out, nil
}

// Prepare builds and signs p. The sequence, fee and expiry are read from the
// node; nothing is sent.
func (c *Client) Prepare(ctx context.Context, p ledger.Payment) (*ledger.Submission, error) {
	w, err := c.signer(p.From)
	if err != nil {
		return nil, err
	}
	base, err := c.baseTx(ctx, p.From)
	if err != nil {
		return nil, err
	}
	base.Memos = referenceMemo(p.Reference)
	tx := transaction.Payment{
		BaseTx:         base,
		Amount:         encodeAmount(p.Amount),
		Destination:    types.Address(p.To),
		DestinationTag: p.DestinationTag,
	}
	return c.sign(w, tx.Flatten(), base.LastLedgerSequence, p.Reference)
}

// Submit sends a signed submission and polls until it is validated or
// expired. A send that got no answer, or a context that ends first, leaves
// the outcome unknown.
func (c *Client) Submit(ctx context.Context, sub *ledger.Submission) (*ledger.Confirmation, error) {
	var res submitResult
	if err := c.call(ctx, "submit", map[string]any{"tx_blob": sub.Blob}, &res); err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			// The node answered and refused the request.
			if ledger.IsTransient(err) {
				return nil, err
			}
			return nil, ledger.Rejected("submit", rpcErr.code)
		}
		return nil, ledger.OutcomeUnknown("submit", sub, err)
	}
	if err := classifyEngineResult(res.EngineResult, res.EngineResultMessage); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "ledger transaction submitted",
		"hash", sub.Hash,
		"engine_result", res.EngineResult,
		"last_ledger_sequence", sub.LastLedgerSequence,
	)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, sub.Hash, sub.LastLedgerSequence)
		if err == nil {
			switch st.State {
			case ledger.SubmissionValidated:
				if !st.Succeeded() {
					return nil, ledger.Rejected("validated", st.Confirmation.Result)
				}
				return st.Confirmation, nil
			case ledger.SubmissionExpired:
				return nil, ledger.Transient("await validation",
					fmt.Errorf("transaction %s expired at ledger %d", sub.Hash, sub.LastLedgerSequence))
			}
		}
		select {
		case <-ctx.Done():
			return nil, ledger.OutcomeUnknown("await validation", sub, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Status looks hash up. The validated ledger is read before the transaction
// so that a miss followed by a validated index past lastLedger proves expiry.
func (c *Client) Status(ctx context.Context, hash string, lastLedger uint32) (*ledger.SubmissionStatus, error) {
	validated, err := c.validatedLedger(ctx)
	if err != nil {
		return nil, err
	}
	var res txResult
	err = c.call(ctx, "tx", map[string]any{"transaction": hash}, &res)
	if err != nil {
		var rpcErr *rpcError
		if !errors.As(err, &rpcErr) || rpcErr.code != rpcErrTxnNotFound {
			return nil, err
		}
	}
	if err == nil && res.Validated {
		return &ledger.SubmissionStatus{
			State: ledger.SubmissionValidated,
			Confirmation: &ledger.Confirmation{
				Hash:        hash,
				LedgerIndex: res.LedgerIndex,
				Result:      res.Meta.TransactionResult,
			},
		}, nil
	}
	if validated > lastLedger {
		return &ledger.SubmissionStatus{State: ledger.SubmissionExpired}, nil
	}
	return &ledger.SubmissionStatus{State: ledger.SubmissionPending}, nil
}

// AuthorizeTrustLine signs and submits a TrustSet with tfSetfAuth. Granting
// authorization twice is harmless, so it is sent in one step.
func (c *Client) AuthorizeTrustLine(ctx context.Context, issuer, holder, currency string) (*ledger.Confirmation, error) {
	w, err := c.signer(issuer)
	if err != nil {
		return nil, err
	}
	base, err := c.baseTx(ctx, issuer)
	if err != nil {
		return nil, err
	}
	tx := transaction.TrustSet{
		BaseTx: base,
		LimitAmount: types.IssuedCurrencyAmount{
			Currency: encodeCurrency(currency),
			Issuer:   types.Address(holder),
			Value:    "0",
		},
	}
	tx.SetSetAuthFlag()
	sub, err := c.sign(w, tx.Flatten(), base.LastLedgerSequence, "")
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, sub)
}

func (c *Client) signer(account string) (*wallet.Wallet, error) {
	w, ok := c.wallets[account]
	if !ok {
		return nil, fmt.Errorf("no signer configured for %s", account)
	}
	return w, nil
}

// baseTx fills the common fields of a transaction from account.
func (c *Client) baseTx(ctx context.Context, account string) (transaction.BaseTx, error) {
	seq, err := c.accountSequence(ctx, account)
	if err != nil {
		return transaction.BaseTx{}, err
	}
	fee, err := c.fee(ctx)
	if err != nil {
		return transaction.BaseTx{}, err
	}
	validated, err := c.validatedLedger(ctx)
	if err != nil {
		return transaction.BaseTx{}, err
	}
	return transaction.BaseTx{
		Account:            types.Address(account),
		Fee:                types.XRPCurrencyAmount(fee),
		Sequence:           seq,
		LastLedgerSequence: validated + c.ledgerWindow,
	}, nil
}

func (c *Client) sign(w *wallet.Wallet, flat transaction.FlatTransaction, lastLedger uint32, reference string) (*ledger.Submission, error) {
	blob, hash, err := w.Sign(flat)
	if err != nil {
		return nil, fmt.Errorf("sign %v: %w", flat["TransactionType"], err)
	}
	return &ledger.Submission{
		Hash:               hash,
		LastLedgerSequence: lastLedger,
		Blob:               blob,
		Reference:          reference,
	}, nil
}

func (c *Client) accountSequence(ctx context.Context, account string) (uint32, error) {
	var res accountInfoResult
	params := map[string]any{"account": account, "ledger_index": "current"}
	if err := c.call(ctx, "account_info", params, &res); err != nil {
		return 0, err
	}
	return res.AccountData.Sequence, nil
}

// fee returns the open ledger fee in drops, refusing fees above the cap.
func (c *Client) fee(ctx context.Context) (uint64, error) {
	var res feeResult
	if err := c.call(ctx, "fee", map[string]any{}, &res); err != nil {
		return 0, err
	}
	drops, err := strconv.ParseUint(res.Drops.OpenLedgerFee, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fee: parse open ledger fee %q: %w", res.Drops.OpenLedgerFee, err)
	}
	if base, err := strconv.ParseUint(res.Drops.BaseFee, 10, 64); err == nil && base > drops {
		drops = base
	}
	if drops > c.maxFeeDrops {
		return 0, ledger.Transient("fee", fmt.Errorf("open ledger fee %d drops exceeds cap %d", drops, c.maxFeeDrops))
	}
	return drops, nil
}

func (c *Client) FindSubmission(ctx context.Context, account, reference string) (*ledger.Confirmation, error) {
	var marker json.RawMessage
	for page := 0; page < c.lookbackPages; page++ {
		params := map[string]any{
			"account":          account,
			"ledger_index_min": -1,
			"ledger_index_max": -1,
			"forward":          false,
			"limit":            defaultLookbackLimit,
		}
		if marker != nil {
			params["marker"] = marker
		}
		var res accountTxResult
		if err := c.call(ctx, "account_tx", params, &res); err != nil {
			return nil, err
		}
		for _, item := range res.Transactions {
			tx, err := toTransaction(item)
			if err != nil {
				continue
			}
			if tx.Sender == account && tx.Reference == reference && tx.IsSettled() {
				return &ledger.Confirmation{Hash: tx.Hash, LedgerIndex: tx.LedgerIndex, Result: tx.Result}, nil
			}
		}
		if len(res.Marker) == 0 || string(res.Marker) == "null" {
			return nil, nil
		}
		marker = res.Marker
	}
	return nil, nil
}

func (c *Client) TrustLine(ctx context.Context, holder, issuer, currency string) (*ledger.TrustLine, error) {
	params := map[string]any{
		"account":      holder,
		"peer":         issuer,
		"ledger_index": "validated",
	}
	var res accountLinesResult
	if err := c.call(ctx, "account_lines", params, &res); err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.code == rpcErrActNotFound {
			return nil, nil
		}
		return nil, err
	}
	want := encodeCurrency(currency)
	for _, line := range res.Lines {
		if line.Account != issuer || (line.Currency != want && line.Currency != currency) {
			continue
		}
		tl := &ledger.TrustLine{Holder: holder, Issuer: issuer, Currency: currency, Authorized: line.PeerAuthorized}
		if limit, err := decimal.NewFromString(line.Limit); err == nil {
			tl.Limit = limit
		}
		return tl, nil
	}
	return nil, nil
}

func (c *Client) validatedLedger(ctx context.Context) (uint32, error) {
	var res ledgerResult
	if err := c.call(ctx, "ledger", map[string]any{"ledger_index": "validated"}, &res); err != nil {
		return 0, err
	}
	return res.LedgerIndex, nil
}

// classifyEngineResult maps a preliminary submit result onto the port's
// error classes. Results that may still lead to inclusion return nil and are
// followed until validation or expiry.
func classifyEngineResult(result, message string) error {
	switch {
	case result == ledger.ResultSuccess,
		strings.HasPrefix(result, "ter"),
		strings.HasPrefix(result, "tec"),
		result == engineResultPastSeq,
		result == engineResultAlready:
		return nil
	case result == engineResultMaxLedger, strings.HasPrefix(result, "tel"):
		return ledger.Transient("submit", fmt.Errorf("%s: %s", result, message))
	default:
		return ledger.Rejected("submit", result)
	}
}

type rpcError struct {
	method  string
	code    string
	message string
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.method, e.code, e.message)
}

var transientRPCCodes = map[string]bool{
	"tooBusy":     true,
	"noNetwork":   true,
	"noCurrent":   true,
	"noClosed":    true,
	"slowDown":    true,
	"lgrNotFound": true,
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ledger.Transient(method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return ledger.Transient(method, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return ledger.Transient(method, fmt.Errorf("http status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", method, err)
	}
	var status rpcStatus
	if err := json.Unmarshal(env.Result, &status); err != nil {
		return fmt.Errorf("%s: decode status: %w", method, err)
	}
	if status.Status == "error" || status.Error != "" {
		rpcErr := &rpcError{method: method, code: status.Error, message: status.ErrorMessage}
		if transientRPCCodes[status.Error] {
			return ledger.Transient(method, rpcErr)
		}
		return rpcErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}
