package stellar

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	nativeCurrency = "XLM"
	pageLimit      = 200
)

type Config struct {
	HorizonURL string
	RPS        float64
}

// Adapter reads payments from Horizon. Multisig escrow accounts and signing
// live with the custodian.
type Adapter struct {
	horizon   string
	http      *http.Client
	custodian chain.Custodian
	limiter   *chain.Limiter
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg Config, custodian chain.Custodian, log *zap.Logger) (*Adapter, error) {
	if cfg.HorizonURL == "" {
		return nil, fmt.Errorf("%w: STELLAR_HORIZON_URL not set", models.ErrConfiguration)
	}
	if cfg.RPS == 0 {
		cfg.RPS = 5
	}
	return &Adapter{
		horizon:   strings.TrimRight(cfg.HorizonURL, "/"),
		http:      &http.Client{Timeout: 15 * time.Second},
		custodian: custodian,
		limiter:   chain.NewLimiter(cfg.RPS, int(cfg.RPS)+1, chain.KeyStellar),
		log:       log.With(zap.String("chain", string(chain.KeyStellar))),
		now:       time.Now,
	}, nil
}

func (a *Adapter) Chain() chain.Key { return chain.KeyStellar }

// ValidAddress checks the shape of an ed25519 account id (G...).
func ValidAddress(addr string) bool {
	if len(addr) != 56 || addr[0] != 'G' {
		return false
	}
	for _, r := range addr {
		if !(r >= 'A' && r <= 'Z' || r >= '2' && r <= '7') {
			return false
		}
	}
	return true
}

func (a *Adapter) CreateEscrow(ctx context.Context, p chain.EscrowParams) (chain.Custody, error) {
	if p.Owner != "" && !ValidAddress(p.Owner) {
		return chain.Custody{}, fmt.Errorf("%w: invalid stellar account %s", models.ErrValidation, p.Owner)
	}
	return a.custodian.CreateEscrow(ctx, chain.KeyStellar, p)
}

func (a *Adapter) Release(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.transfer(ctx, "release", p)
}

func (a *Adapter) Refund(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.transfer(ctx, "refund", p)
}

func (a *Adapter) transfer(ctx context.Context, kind string, p chain.TransferParams) (string, error) {
	if !ValidAddress(p.To) {
		return "", fmt.Errorf("%w: invalid stellar account %s", models.ErrValidation, p.To)
	}
	if !p.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	return a.custodian.Transfer(ctx, chain.KeyStellar, kind, p)
}

type paymentRecord struct {
	ID                    string `json:"id"`
	PagingToken           string `json:"paging_token"`
	Type                  string `json:"type"`
	TransactionSuccessful bool   `json:"transaction_successful"`
	TransactionHash       string `json:"transaction_hash"`
	To                    string `json:"to"`
	Amount                string `json:"amount"`
	AssetType             string `json:"asset_type"`
	AssetCode             string `json:"asset_code"`
	Account               string `json:"account"`          // create_account
	StartingBalance       string `json:"starting_balance"` // create_account
	Transaction           *struct {
		Memo     string `json:"memo"`
		MemoType string `json:"memo_type"`
	} `json:"transaction"`
}

type paymentsPage struct {
	Embedded struct {
		Records []paymentRecord `json:"records"`
	} `json:"_embedded"`
}

// PollDeposits walks /accounts/:id/payments in ascending order from the
// paging token in since. An empty since reads the latest page instead, so
// payments made before the first poll are still reported.
func (a *Adapter) PollDeposits(ctx context.Context, address, since string) ([]chain.Deposit, string, error) {
	if !ValidAddress(address) {
		return nil, since, fmt.Errorf("%w: invalid stellar account %s", models.ErrValidation, address)
	}

	if since == "" {
		return a.recentDeposits(ctx, address)
	}

	var out []chain.Deposit
	cursor := since
	for {
		page, err := a.payments(ctx, address, url.Values{
			"order":  {"asc"},
			"limit":  {fmt.Sprint(pageLimit)},
			"cursor": {cursor},
			"join":   {"transactions"},
		})
		if err != nil {
			return nil, since, err
		}
		for _, rec := range page {
			if d, ok := a.depositFromRecord(rec, address, cursor); ok {
				out = append(out, d)
			}
			cursor = rec.PagingToken
		}
		if len(page) < pageLimit {
			break
		}
	}
	return out, cursor, nil
}

// recentDeposits reads the newest page and reports it oldest first.
func (a *Adapter) recentDeposits(ctx context.Context, address string) ([]chain.Deposit, string, error) {
	page, err := a.payments(ctx, address, url.Values{
		"order": {"desc"},
		"limit": {fmt.Sprint(pageLimit)},
		"join":  {"transactions"},
	})
	if err != nil {
		return nil, "", err
	}
	if len(page) == 0 {
		return nil, "0", nil
	}
	var out []chain.Deposit
	for i := len(page) - 1; i >= 0; i-- {
		prev := ""
		if i+1 < len(page) {
			prev = page[i+1].PagingToken
		}
		if d, ok := a.depositFromRecord(page[i], address, prev); ok {
			out = append(out, d)
		}
	}
	return out, page[0].PagingToken, nil
}

func (a *Adapter) payments(ctx context.Context, address string, q url.Values) ([]paymentRecord, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var page paymentsPage
	u := fmt.Sprintf("%s/accounts/%s/payments?%s", a.horizon, address, q.Encode())
	err := chain.DoJSON(ctx, a.http, http.MethodGet, u, nil, &page)
	chain.RecordRPCCall(chain.KeyStellar, "payments", err)
	if err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

func (a *Adapter) depositFromRecord(rec paymentRecord, address, prevCursor string) (chain.Deposit, bool) {
	if !rec.TransactionSuccessful {
		return chain.Deposit{}, false
	}

	var to, amount, cur string
	switch rec.Type {
	case "payment", "path_payment_strict_receive", "path_payment_strict_send":
		to, amount = rec.To, rec.Amount
		cur = nativeCurrency
		if rec.AssetType != "native" {
			cur = strings.ToUpper(rec.AssetCode)
		}
	case "create_account":
		to, amount, cur = rec.Account, rec.StartingBalance, nativeCurrency
	default:
		return chain.Deposit{}, false
	}
	if to != address {
		return chain.Deposit{}, false
	}

	v, err := decimal.NewFromString(amount)
	if err != nil {
		a.log.Warn("unparseable payment amount", zap.String("tx", rec.TransactionHash), zap.Error(err))
		return chain.Deposit{}, false
	}

	d := chain.Deposit{
		Chain:    chain.KeyStellar,
		TxRef:    rec.TransactionHash,
		Address:  address,
		Currency: cur,
		Amount:   v,
		// Horizon only serves closed ledgers
		Confirmations: 1,
		Cursor:        prevCursor,
		ObservedAt:    a.now(),
	}
	if rec.Transaction != nil && rec.Transaction.MemoType != "none" {
		d.Memo = rec.Transaction.Memo
	}
	return d, true
}
