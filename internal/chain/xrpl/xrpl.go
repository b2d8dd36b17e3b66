package xrpl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	currency  = "XRP"
	dropsExp  = -6
	pageLimit = 200
)

type Config struct {
	RPCURL string
	RPS    float64
}

// Adapter reads payments through rippled's account_tx and delegates escrow
// creation and signing to the custodian.
type Adapter struct {
	rpcURL    string
	http      *http.Client
	custodian chain.Custodian
	limiter   *chain.Limiter
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg Config, custodian chain.Custodian, log *zap.Logger) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: XRPL_RPC_URL not set", models.ErrConfiguration)
	}
	if cfg.RPS == 0 {
		cfg.RPS = 5
	}
	return &Adapter{
		rpcURL:    cfg.RPCURL,
		http:      &http.Client{Timeout: 15 * time.Second},
		custodian: custodian,
		limiter:   chain.NewLimiter(cfg.RPS, int(cfg.RPS)+1, chain.KeyXRPL),
		log:       log.With(zap.String("chain", string(chain.KeyXRPL))),
		now:       time.Now,
	}, nil
}

func (a *Adapter) Chain() chain.Key { return chain.KeyXRPL }

// ValidAddress performs a shape check on a classic r-address.
func ValidAddress(addr string) bool {
	return strings.HasPrefix(addr, "r") && len(addr) >= 25 && len(addr) <= 35
}

func (a *Adapter) CreateEscrow(ctx context.Context, p chain.EscrowParams) (chain.Custody, error) {
	if p.Owner != "" && !ValidAddress(p.Owner) {
		return chain.Custody{}, fmt.Errorf("%w: invalid XRPL address %s", models.ErrValidation, p.Owner)
	}
	return a.custodian.CreateEscrow(ctx, chain.KeyXRPL, p)
}

func (a *Adapter) Release(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.transfer(ctx, "release", p)
}

func (a *Adapter) Refund(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.transfer(ctx, "refund", p)
}

func (a *Adapter) transfer(ctx context.Context, kind string, p chain.TransferParams) (string, error) {
	if !ValidAddress(p.To) {
		return "", fmt.Errorf("%w: invalid XRPL address %s", models.ErrValidation, p.To)
	}
	if !p.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	return a.custodian.Transfer(ctx, chain.KeyXRPL, kind, p)
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type accountTxParams struct {
	Account        string          `json:"account"`
	LedgerIndexMin int64           `json:"ledger_index_min"`
	LedgerIndexMax int64           `json:"ledger_index_max"`
	Forward        bool            `json:"forward"`
	Limit          int             `json:"limit"`
	Marker         json.RawMessage `json:"marker,omitempty"`
}

type accountTxResult struct {
	Status         string          `json:"status"`
	Error          string          `json:"error"`
	LedgerIndexMax int64           `json:"ledger_index_max"`
	Marker         json.RawMessage `json:"marker"`
	Transactions   []accountTxItem `json:"transactions"`
}

type accountTxItem struct {
	Tx struct {
		TransactionType string          `json:"TransactionType"`
		Destination     string          `json:"Destination"`
		DestinationTag  *uint32         `json:"DestinationTag"`
		Hash            string          `json:"hash"`
		LedgerIndex     int64           `json:"ledger_index"`
		Amount          json.RawMessage `json:"Amount"`
	} `json:"tx"`
	Meta struct {
		TransactionResult string          `json:"TransactionResult"`
		DeliveredAmount   json.RawMessage `json:"delivered_amount"`
	} `json:"meta"`
	Validated bool `json:"validated"`
}

type issuedAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
	Issuer   string `json:"issuer"`
}

// PollDeposits returns validated payments into address from ledgers after since.
// An empty since reads the most recent page of history, so payments made
// before the address was first polled are still reported.
func (a *Adapter) PollDeposits(ctx context.Context, address, since string) ([]chain.Deposit, string, error) {
	if !ValidAddress(address) {
		return nil, since, fmt.Errorf("%w: invalid XRPL address %s", models.ErrValidation, address)
	}

	if since == "" {
		return a.recentDeposits(ctx, address)
	}

	last, err := strconv.ParseInt(since, 10, 64)
	if err != nil {
		return nil, since, fmt.Errorf("%w: bad xrpl cursor %q", models.ErrValidation, since)
	}
	params := accountTxParams{Account: address, LedgerIndexMin: last + 1, LedgerIndexMax: -1, Forward: true, Limit: pageLimit}

	var out []chain.Deposit
	var ledgerMax int64
	for {
		res, err := a.accountTx(ctx, params)
		if err != nil {
			return nil, since, err
		}
		ledgerMax = res.LedgerIndexMax
		for _, item := range res.Transactions {
			d, ok := a.depositFromItem(item, address)
			if ok {
				out = append(out, d)
			}
		}
		if len(res.Marker) == 0 || string(res.Marker) == "null" {
			break
		}
		params.Marker = res.Marker
	}
	return out, strconv.FormatInt(ledgerMax, 10), nil
}

// recentDeposits reads one page newest first and reports it oldest first.
func (a *Adapter) recentDeposits(ctx context.Context, address string) ([]chain.Deposit, string, error) {
	res, err := a.accountTx(ctx, accountTxParams{Account: address, LedgerIndexMin: -1, LedgerIndexMax: -1, Forward: false, Limit: pageLimit})
	if err != nil {
		return nil, "", err
	}
	var out []chain.Deposit
	for i := len(res.Transactions) - 1; i >= 0; i-- {
		if d, ok := a.depositFromItem(res.Transactions[i], address); ok {
			out = append(out, d)
		}
	}
	return out, strconv.FormatInt(res.LedgerIndexMax, 10), nil
}

func (a *Adapter) accountTx(ctx context.Context, params accountTxParams) (*accountTxResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp struct {
		Result accountTxResult `json:"result"`
	}
	err := chain.DoJSON(ctx, a.http, http.MethodPost, a.rpcURL, rpcRequest{Method: "account_tx", Params: []any{params}}, &resp)
	if err == nil && resp.Result.Status == "error" {
		err = fmt.Errorf("%w: account_tx: %s", models.ErrExternalAdapter, resp.Result.Error)
	}
	chain.RecordRPCCall(chain.KeyXRPL, "account_tx", err)
	if err != nil {
		return nil, err
	}
	return &resp.Result, nil
}

func (a *Adapter) depositFromItem(item accountTxItem, address string) (chain.Deposit, bool) {
	tx := item.Tx
	if tx.TransactionType != "Payment" || tx.Destination != address || item.Meta.TransactionResult != "tesSUCCESS" {
		return chain.Deposit{}, false
	}
	// delivered_amount guards against partial payments
	raw := item.Meta.DeliveredAmount
	if len(raw) == 0 {
		raw = tx.Amount
	}
	cur, amount, err := parseAmount(raw)
	if err != nil {
		a.log.Warn("unparseable payment amount", zap.String("tx", tx.Hash), zap.Error(err))
		return chain.Deposit{}, false
	}

	d := chain.Deposit{
		Chain:      chain.KeyXRPL,
		TxRef:      tx.Hash,
		Address:    address,
		Currency:   cur,
		Amount:     amount,
		Cursor:     strconv.FormatInt(tx.LedgerIndex-1, 10),
		ObservedAt: a.now(),
	}
	if tx.DestinationTag != nil {
		d.Memo = strconv.FormatUint(uint64(*tx.DestinationTag), 10)
	}
	if item.Validated {
		d.Confirmations = 1
	}
	return d, true
}

// parseAmount decodes either a drops string (XRP) or an issued-currency object.
func parseAmount(raw json.RawMessage) (string, decimal.Decimal, error) {
	var drops string
	if err := json.Unmarshal(raw, &drops); err == nil {
		v, err := decimal.NewFromString(drops)
		if err != nil {
			return "", decimal.Zero, err
		}
		return currency, v.Shift(dropsExp), nil
	}
	var issued issuedAmount
	if err := json.Unmarshal(raw, &issued); err != nil {
		return "", decimal.Zero, err
	}
	v, err := decimal.NewFromString(issued.Value)
	if err != nil {
		return "", decimal.Zero, err
	}
	return strings.ToUpper(issued.Currency), v, nil
}
