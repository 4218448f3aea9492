package xrpl

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	binarycodec "github.com/Peersyst/xrpl-go/binary-codec"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"tokenfund/internal/ledger"
)

// fakeRippled answers JSON-RPC calls from canned per-method handlers.
type fakeRippled struct {
	mu       sync.Mutex
	handlers map[string]func(params map[string]any) (int, any)
	calls    map[string][]map[string]any
}

func newFakeRippled() *fakeRippled {
	return &fakeRippled{
		handlers: make(map[string]func(map[string]any) (int, any)),
		calls:    make(map[string][]map[string]any),
	}
}

func (f *fakeRippled) on(method string, h func(params map[string]any) (int, any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeRippled) callsTo(method string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRippled) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string           `json:"method"`
		Params []map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	params := map[string]any{}
	if len(req.Params) > 0 {
		params = req.Params[0]
	}
	f.mu.Lock()
	f.calls[req.Method] = append(f.calls[req.Method], params)
	h := f.handlers[req.Method]
	f.mu.Unlock()
	if h == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	status, result := h(params)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

const (
	issuerSeed    = "snoPBrXtMeMyMHUVTgbuqAfg1SUTb"
	issuerAddress = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	investorAddr  = "rn5M6BQCmQAzBxms9A84qEpx1Fdn9y7jdD"
	strangerAddr  = "r9D79PwpT5Z5xztgiQQgmxcYbF249PefnW"
)

type ClientSuite struct {
	suite.Suite
	rippled *fakeRippled
	server  *httptest.Server
	client  *Client
	ctx     context.Context
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.rippled = newFakeRippled()
	s.server = httptest.NewServer(s.rippled)
	client, err := New(s.server.URL,
		WithSigner(issuerAddress, issuerSeed),
		WithPollInterval(time.Millisecond),
	)
	s.Require().NoError(err)
	s.client = client
	s.ctx = context.Background()
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
}

func hexOf(v string) string { return strings.ToUpper(hex.EncodeToString([]byte(v))) }

// =============================================================================
// AccountTransactions
// =============================================================================

func (s *ClientSuite) TestAccountTransactions() {
	s.Run("decodes issued and native payments using delivered_amount", func() {
		s.rippled.on("account_tx", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{
				"status":           "success",
				"ledger_index_max": 120,
				"marker":           map[string]any{"ledger": 118, "seq": 3},
				"transactions": []any{
					map[string]any{
						"validated": true,
						"tx": map[string]any{
							"hash":            "AAA",
							"TransactionType": "Payment",
							"Account":         "rInvestor",
							"Destination":     "rDeposit",
							"DestinationTag":  42,
							"Amount":          map[string]any{"currency": "USD", "issuer": "rGateway", "value": "1000"},
							"ledger_index":    110,
							"date":            700000000,
						},
						"meta": map[string]any{
							"TransactionIndex":  2,
							"TransactionResult": "tesSUCCESS",
							"delivered_amount":  map[string]any{"currency": "USD", "issuer": "rGateway", "value": "995.5"},
						},
					},
					map[string]any{
						"validated": true,
						"tx": map[string]any{
							"hash":            "BBB",
							"TransactionType": "Payment",
							"Account":         "rOther",
							"Destination":     "rDeposit",
							"Amount":          "2500000",
							"ledger_index":    111,
						},
						"meta": map[string]any{"TransactionResult": "tesSUCCESS", "delivered_amount": "2500000"},
					},
				},
			}
		})

		page, err := s.client.AccountTransactions(s.ctx, "rDeposit", 100, nil, 50)
		s.Require().NoError(err)
		s.Equal(uint32(120), page.ValidatedThrough)
		s.NotEmpty(page.Marker)
		s.Require().Len(page.Transactions, 2)

		issued := page.Transactions[0]
		s.Equal("AAA", issued.Hash)
		s.True(issued.Delivered.Value.Equal(decimal.RequireFromString("995.5")), "partial delivery must not be overstated")
		s.Equal("USD", issued.Delivered.Currency)
		s.Equal("rGateway", issued.Delivered.Issuer)
		s.Require().NotNil(issued.DestinationTag)
		s.Equal(uint32(42), *issued.DestinationTag)
		s.Equal(uint32(110), issued.LedgerIndex)
		s.Equal(uint32(2), issued.TxIndex)
		s.True(issued.IsIncomingPayment("rDeposit"))

		native := page.Transactions[1]
		s.True(native.Delivered.IsNative())
		s.True(native.Delivered.Value.Equal(decimal.RequireFromString("2.5")))

		call := s.rippled.callsTo("account_tx")[0]
		s.EqualValues(101, call["ledger_index_min"], "query must start strictly after the cursor")
		s.Equal(true, call["forward"])
	})

	s.Run("http failure is transient", func() {
		s.rippled.on("account_tx", func(map[string]any) (int, any) {
			return http.StatusServiceUnavailable, map[string]any{}
		})
		_, err := s.client.AccountTransactions(s.ctx, "rDeposit", 0, nil, 50)
		s.Require().Error(err)
		s.True(ledger.IsTransient(err))
	})

	s.Run("busy node is transient", func() {
		s.rippled.on("account_tx", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "error", "error": "tooBusy"}
		})
		_, err := s.client.AccountTransactions(s.ctx, "rDeposit", 0, nil, 50)
		s.Require().Error(err)
		s.True(ledger.IsTransient(err))
	})
}

// =============================================================================
// Submission
// =============================================================================

func (s *ClientSuite) stubLedger(index int) {
	s.rippled.on("ledger", func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"status": "success", "ledger_index": index}
	})
}

// stubAccount answers the lookups Prepare makes before signing.
func (s *ClientSuite) stubAccount(sequence int, openLedgerFee string) {
	s.rippled.on("account_info", func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"status": "success", "account_data": map[string]any{"Sequence": sequence}}
	})
	s.rippled.on("fee", func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"status": "success", "drops": map[string]any{
			"base_fee":        "10",
			"open_ledger_fee": openLedgerFee,
		}}
	})
}

func (s *ClientSuite) issuance() ledger.Payment {
	return ledger.Payment{
		From:      issuerAddress,
		To:        investorAddr,
		Amount:    ledger.Amount{Value: decimal.RequireFromString("995.5"), Currency: "FUND", Issuer: issuerAddress},
		Reference: "DEPOSITHASH",
	}
}

func (s *ClientSuite) prepared() *ledger.Submission {
	s.stubAccount(7, "12")
	s.stubLedger(500)
	sub, err := s.client.Prepare(s.ctx, s.issuance())
	s.Require().NoError(err)
	return sub
}

func (s *ClientSuite) decode(blob string) map[string]any {
	tx, err := binarycodec.Decode(blob)
	s.Require().NoError(err)
	return tx
}

func (s *ClientSuite) TestNewRejectsUnusableSeed() {
	_, err := New(s.server.URL, WithSigner(issuerAddress, "not-a-seed"))
	s.Require().Error(err)
}

func (s *ClientSuite) TestPrepare() {
	s.Run("signs locally without contacting submit", func() {
		sub := s.prepared()
		s.Len(sub.Hash, 64)
		s.Equal(uint32(520), sub.LastLedgerSequence)
		s.Equal("DEPOSITHASH", sub.Reference)
		s.Empty(s.rippled.callsTo("submit"))

		tx := s.decode(sub.Blob)
		s.Equal("Payment", tx["TransactionType"])
		s.Equal(issuerAddress, tx["Account"])
		s.Equal(investorAddr, tx["Destination"])
		s.EqualValues(7, tx["Sequence"])
		s.EqualValues(520, tx["LastLedgerSequence"])
		s.Equal("12", tx["Fee"])
		s.NotEmpty(tx["TxnSignature"])
		s.NotEmpty(tx["SigningPubKey"])

		var amount issuedAmount
		s.roundTrip(tx["Amount"], &amount)
		s.Equal(encodeCurrency("FUND"), amount.Currency)
		s.Equal(issuerAddress, amount.Issuer)
		s.True(decimal.RequireFromString(amount.Value).Equal(decimal.RequireFromString("995.5")))

		var memos []memoWrapper
		s.roundTrip(tx["Memos"], &memos)
		s.Equal("DEPOSITHASH", memoReference(memos))
	})

	s.Run("no request carries the seed", func() {
		s.prepared()
		for _, method := range []string{"account_info", "fee", "ledger"} {
			for _, params := range s.rippled.callsTo(method) {
				s.NotContains(params, "secret")
				raw, err := json.Marshal(params)
				s.Require().NoError(err)
				s.NotContains(string(raw), issuerSeed)
			}
		}
	})

	s.Run("fee above the cap is transient", func() {
		s.stubAccount(7, "50000")
		s.stubLedger(500)
		_, err := s.client.Prepare(s.ctx, s.issuance())
		s.Require().Error(err)
		s.True(ledger.IsTransient(err))
	})

	s.Run("unknown sender has no signer", func() {
		p := s.issuance()
		p.From = strangerAddr
		_, err := s.client.Prepare(s.ctx, p)
		s.Require().Error(err)
		s.False(ledger.IsTransient(err))
	})
}

func (s *ClientSuite) roundTrip(in any, out any) {
	raw, err := json.Marshal(in)
	s.Require().NoError(err)
	s.Require().NoError(json.Unmarshal(raw, out))
}

func (s *ClientSuite) engineResult(result string) {
	s.rippled.on("submit", func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"status": "success", "engine_result": result}
	})
}

func (s *ClientSuite) TestSubmit() {
	s.Run("sends only the signed blob and waits for validation", func() {
		sub := s.prepared()
		s.engineResult("tesSUCCESS")
		s.rippled.on("tx", func(params map[string]any) (int, any) {
			return http.StatusOK, map[string]any{
				"status":       "success",
				"hash":         params["transaction"],
				"ledger_index": 502,
				"validated":    true,
				"meta":         map[string]any{"TransactionResult": "tesSUCCESS"},
			}
		})

		conf, err := s.client.Submit(s.ctx, sub)
		s.Require().NoError(err)
		s.Equal(sub.Hash, conf.Hash)
		s.Equal(uint32(502), conf.LedgerIndex)

		params := s.rippled.callsTo("submit")[0]
		s.Equal(map[string]any{"tx_blob": sub.Blob}, params)
	})

	s.Run("queued submission is followed to validation", func() {
		sub := s.prepared()
		s.engineResult("terQUEUED")
		s.rippled.on("tx", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "success", "validated": true, "ledger_index": 503,
				"meta": map[string]any{"TransactionResult": "tesSUCCESS"}}
		})
		conf, err := s.client.Submit(s.ctx, sub)
		s.Require().NoError(err)
		s.Equal(uint32(503), conf.LedgerIndex)
	})

	s.Run("validated failure is rejected", func() {
		sub := s.prepared()
		s.engineResult("tesSUCCESS")
		s.rippled.on("tx", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "success", "validated": true, "ledger_index": 503,
				"meta": map[string]any{"TransactionResult": "tecPATH_DRY"}}
		})
		_, err := s.client.Submit(s.ctx, sub)
		s.ErrorIs(err, ledger.ErrRejected)
	})

	s.Run("malformed transaction is rejected", func() {
		sub := s.prepared()
		s.engineResult("temBAD_AMOUNT")
		_, err := s.client.Submit(s.ctx, sub)
		s.ErrorIs(err, ledger.ErrRejected)
	})

	s.Run("local fee pressure is transient", func() {
		sub := s.prepared()
		s.engineResult("telINSUF_FEE_P")
		_, err := s.client.Submit(s.ctx, sub)
		s.True(ledger.IsTransient(err))
	})

	s.Run("busy node refusing the request is transient", func() {
		sub := s.prepared()
		s.rippled.on("submit", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "error", "error": "tooBusy"}
		})
		_, err := s.client.Submit(s.ctx, sub)
		s.True(ledger.IsTransient(err))
		s.False(ledger.IsOutcomeUnknown(err))
	})

	s.Run("node failing after the send leaves the outcome unknown", func() {
		sub := s.prepared()
		s.rippled.on("submit", func(map[string]any) (int, any) {
			return http.StatusBadGateway, map[string]any{}
		})
		_, err := s.client.Submit(s.ctx, sub)
		s.True(ledger.IsOutcomeUnknown(err))
		s.False(ledger.IsTransient(err))
		s.Contains(err.Error(), sub.Hash)
	})

	s.Run("validation that never arrives leaves the outcome unknown", func() {
		sub := s.prepared()
		s.engineResult("tesSUCCESS")
		s.rippled.on("tx", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "error", "error": "txnNotFound"}
		})
		ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
		defer cancel()
		_, err := s.client.Submit(ctx, sub)
		s.True(ledger.IsOutcomeUnknown(err))
		s.False(ledger.IsTransient(err))
	})

	s.Run("expired unvalidated submission is transient", func() {
		sub := s.prepared()
		s.engineResult("tesSUCCESS")
		s.stubLedger(530)
		s.rippled.on("tx", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "error", "error": "txnNotFound"}
		})
		_, err := s.client.Submit(s.ctx, sub)
		s.True(ledger.IsTransient(err))
	})
}

func (s *ClientSuite) TestStatus() {
	notFound := func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"status": "error", "error": "txnNotFound"}
	}

	s.Run("missing transaction is pending until its last ledger validates", func() {
		s.stubLedger(520)
		s.rippled.on("tx", notFound)
		st, err := s.client.Status(s.ctx, "HASH", 520)
		s.Require().NoError(err)
		s.Equal(ledger.SubmissionPending, st.State)
	})

	s.Run("missing transaction past its last ledger has expired", func() {
		s.stubLedger(521)
		s.rippled.on("tx", notFound)
		st, err := s.client.Status(s.ctx, "HASH", 520)
		s.Require().NoError(err)
		s.Equal(ledger.SubmissionExpired, st.State)
	})

	s.Run("unvalidated transaction is pending", func() {
		s.stubLedger(510)
		s.rippled.on("tx", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "success", "validated": false}
		})
		st, err := s.client.Status(s.ctx, "HASH", 520)
		s.Require().NoError(err)
		s.Equal(ledger.SubmissionPending, st.State)
	})

	s.Run("validated transaction carries its result", func() {
		s.stubLedger(530)
		s.rippled.on("tx", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "success", "validated": true, "ledger_index": 515,
				"meta": map[string]any{"TransactionResult": "tesSUCCESS"}}
		})
		st, err := s.client.Status(s.ctx, "HASH", 520)
		s.Require().NoError(err)
		s.Equal(ledger.SubmissionValidated, st.State)
		s.True(st.Succeeded())
		s.Equal("HASH", st.Confirmation.Hash)
		s.Equal(uint32(515), st.Confirmation.LedgerIndex)
	})

	s.Run("node errors are returned", func() {
		s.stubLedger(510)
		s.rippled.on("tx", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "error", "error": "tooBusy"}
		})
		_, err := s.client.Status(s.ctx, "HASH", 520)
		s.True(ledger.IsTransient(err))
	})
}

func (s *ClientSuite) TestFindSubmission() {
	s.rippled.on("account_tx", func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{
			"status": "success",
			"transactions": []any{
				map[string]any{
					"validated": true,
					"tx": map[string]any{
						"hash":            "ISSUED",
						"TransactionType": "Payment",
						"Account":         "rIssuer",
						"Destination":     "rInvestor",
						"Amount":          map[string]any{"currency": "USD", "issuer": "rIssuer", "value": "10"},
						"ledger_index":    77,
						"Memos": []any{map[string]any{"Memo": map[string]any{
							"MemoType": hexOf("reference"),
							"MemoData": hexOf("DEP1"),
						}}},
					},
					"meta": map[string]any{"TransactionResult": "tesSUCCESS"},
				},
			},
		}
	})

	conf, err := s.client.FindSubmission(s.ctx, "rIssuer", "DEP1")
	s.Require().NoError(err)
	s.Require().NotNil(conf)
	s.Equal("ISSUED", conf.Hash)

	conf, err = s.client.FindSubmission(s.ctx, "rIssuer", "DEP2")
	s.Require().NoError(err)
	s.Nil(conf)
}

func (s *ClientSuite) TestTrustLine() {
	s.Run("unfunded holder has no trust line", func() {
		s.rippled.on("account_lines", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "error", "error": "actNotFound"}
		})
		line, err := s.client.TrustLine(s.ctx, "rInvestor", "rIssuer", "FUND")
		s.Require().NoError(err)
		s.Nil(line)
	})

	s.Run("reports authorization", func() {
		s.rippled.on("account_lines", func(map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"status": "success", "lines": []any{
				map[string]any{"account": "rIssuer", "currency": encodeCurrency("FUND"), "limit": "1000000", "peer_authorized": true},
			}}
		})
		line, err := s.client.TrustLine(s.ctx, "rInvestor", "rIssuer", "FUND")
		s.Require().NoError(err)
		s.Require().NotNil(line)
		s.True(line.Authorized)
		s.True(line.Limit.Equal(decimal.NewFromInt(1000000)))
	})
}

func (s *ClientSuite) TestAuthorizeTrustLine() {
	s.stubAccount(3, "12")
	s.stubLedger(10)
	s.engineResult("tesSUCCESS")
	s.rippled.on("tx", func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"status": "success", "validated": true, "ledger_index": 11, "meta": map[string]any{"TransactionResult": "tesSUCCESS"}}
	})

	conf, err := s.client.AuthorizeTrustLine(s.ctx, issuerAddress, investorAddr, "FUND")
	s.Require().NoError(err)
	s.Len(conf.Hash, 64)

	blob := s.rippled.callsTo("submit")[0]["tx_blob"].(string)
	tx := s.decode(blob)
	s.Equal("TrustSet", tx["TransactionType"])
	s.EqualValues(0x00010000, tx["Flags"], "tfSetfAuth")
	var limit issuedAmount
	s.roundTrip(tx["LimitAmount"], &limit)
	s.Equal(investorAddr, limit.Issuer)
	s.Equal(encodeCurrency("FUND"), limit.Currency)
	s.True(decimal.RequireFromString(limit.Value).IsZero())
}

func TestCurrencyCodes(t *testing.T) {
	if got := encodeCurrency("USD"); got != "USD" {
		t.Fatalf("three letter codes pass through, got %q", got)
	}
	encoded := encodeCurrency("FUND")
	if len(encoded) != 40 {
		t.Fatalf("long codes must be 40 hex chars, got %d", len(encoded))
	}
	if got := decodeCurrency(encoded); got != "FUND" {
		t.Fatalf("round trip failed, got %q", got)
	}
}
