package xrpl

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Peersyst/xrpl-go/xrpl/transaction/types"
	"github.com/shopspring/decimal"

	"tokenfund/internal/ledger"
)

// Memo type under which submission references are recorded.
const referenceMemoType = "reference"

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

type accountTxResult struct {
	LedgerIndexMax int64           `json:"ledger_index_max"`
	Marker         json.RawMessage `json:"marker"`
	Transactions   []accountTxItem `json:"transactions"`
}

type accountTxItem struct {
	Tx        txJSON   `json:"tx"`
	TxJSON    *txJSON  `json:"tx_json"`
	Hash      string   `json:"hash"`
	Meta      metaJSON `json:"meta"`
	Validated bool     `json:"validated"`
	LedgerIdx uint32   `json:"ledger_index"`
}

type txJSON struct {
	Hash            string          `json:"hash"`
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	DestinationTag  *uint32         `json:"DestinationTag"`
	Amount          json.RawMessage `json:"Amount"`
	LedgerIndex     uint32          `json:"ledger_index"`
	Date            int64           `json:"date"`
	Memos           []memoWrapper   `json:"Memos"`
}

type metaJSON struct {
	TransactionIndex  uint32          `json:"TransactionIndex"`
	TransactionResult string          `json:"TransactionResult"`
	DeliveredAmount   json.RawMessage `json:"delivered_amount"`
}

type memoWrapper struct {
	Memo memo `json:"Memo"`
}

type memo struct {
	MemoType string `json:"MemoType,omitempty"`
	MemoData string `json:"MemoData,omitempty"`
}

type issuedAmount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

type submitResult struct {
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
}

type accountInfoResult struct {
	AccountData struct {
		Sequence uint32 `json:"Sequence"`
	} `json:"account_data"`
}

type feeResult struct {
	Drops struct {
		BaseFee       string `json:"base_fee"`
		OpenLedgerFee string `json:"open_ledger_fee"`
	} `json:"drops"`
}

type txResult struct {
	Hash        string   `json:"hash"`
	LedgerIndex uint32   `json:"ledger_index"`
	Validated   bool     `json:"validated"`
	Meta        metaJSON `json:"meta"`
}

type ledgerResult struct {
	LedgerIndex uint32 `json:"ledger_index"`
}

type accountLinesResult struct {
	Lines []struct {
		Account        string `json:"account"`
		Currency       string `json:"currency"`
		Limit          string `json:"limit"`
		PeerAuthorized bool   `json:"peer_authorized"`
	} `json:"lines"`
}

// ledgerEpochOffset converts ledger close times (seconds since 2000-01-01) to Unix time.
const ledgerEpochOffset = 946684800

// parseAmount decodes either a drops string or an issued-currency object.
func parseAmount(raw json.RawMessage) (ledger.Amount, error) {
	if len(raw) == 0 {
		return ledger.Amount{}, fmt.Errorf("amount missing")
	}
	if raw[0] == '"' {
		var drops string
		if err := json.Unmarshal(raw, &drops); err != nil {
			return ledger.Amount{}, err
		}
		v, err := decimal.NewFromString(drops)
		if err != nil {
			return ledger.Amount{}, fmt.Errorf("parse drops %q: %w", drops, err)
		}
		return ledger.Amount{Value: v.Shift(-6), Currency: ledger.NativeCurrency}, nil
	}
	var ia issuedAmount
	if err := json.Unmarshal(raw, &ia); err != nil {
		return ledger.Amount{}, err
	}
	v, err := decimal.NewFromString(ia.Value)
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("parse value %q: %w", ia.Value, err)
	}
	return ledger.Amount{Value: v, Currency: decodeCurrency(ia.Currency), Issuer: ia.Issuer}, nil
}

// encodeAmount renders a as a transaction amount. Native amounts are
// truncated to whole drops.
func encodeAmount(a ledger.Amount) types.CurrencyAmount {
	if a.IsNative() {
		return types.XRPCurrencyAmount(uint64(a.Value.Shift(6).Truncate(0).IntPart()))
	}
	return types.IssuedCurrencyAmount{
		Currency: encodeCurrency(a.Currency),
		Issuer:   types.Address(a.Issuer),
		Value:    a.Value.String(),
	}
}

// Currency codes longer than three characters travel as 40 hex digits.
func encodeCurrency(code string) string {
	if len(code) <= 3 {
		return code
	}
	h := strings.ToUpper(hex.EncodeToString([]byte(code)))
	return h + strings.Repeat("0", 40-len(h))
}

func decodeCurrency(code string) string {
	if len(code) != 40 {
		return code
	}
	b, err := hex.DecodeString(code)
	if err != nil {
		return code
	}
	return strings.TrimRight(string(b), "\x00")
}

func referenceMemo(reference string) []types.MemoWrapper {
	if reference == "" {
		return nil
	}
	return []types.MemoWrapper{{Memo: types.Memo{
		MemoType: strings.ToUpper(hex.EncodeToString([]byte(referenceMemoType))),
		MemoData: strings.ToUpper(hex.EncodeToString([]byte(reference))),
	}}}
}

func memoReference(memos []memoWrapper) string {
	wantType := strings.ToUpper(hex.EncodeToString([]byte(referenceMemoType)))
	for _, m := range memos {
		if !strings.EqualFold(m.Memo.MemoType, wantType) {
			continue
		}
		data, err := hex.DecodeString(m.Memo.MemoData)
		if err != nil {
			continue
		}
		return string(data)
	}
	return ""
}
