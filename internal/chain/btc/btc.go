package btc

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	currency = "BTC"

	// about one day of blocks
	firstPollLookback = 144
)

type Config struct {
	MempoolAPI string // e.g. https://mempool.space/api
	Network    string // mainnet, testnet, testnet4, signet, regtest
	RPS        float64
}

// Adapter detects deposits through the mempool.space REST API and delegates
// multisig custody to the custodian.
type Adapter struct {
	baseURL   string
	params    *chaincfg.Params
	http      *http.Client
	custodian chain.Custodian
	limiter   *chain.Limiter
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg Config, custodian chain.Custodian, log *zap.Logger) (*Adapter, error) {
	if cfg.MempoolAPI == "" {
		return nil, fmt.Errorf("%w: BTC_MEMPOOL_API not set", models.ErrConfiguration)
	}
	params, err := NetParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	if cfg.RPS == 0 {
		cfg.RPS = 2
	}
	return &Adapter{
		baseURL:   strings.TrimRight(cfg.MempoolAPI, "/"),
		params:    params,
		http:      &http.Client{Timeout: 15 * time.Second},
		custodian: custodian,
		limiter:   chain.NewLimiter(cfg.RPS, int(cfg.RPS)+1, chain.KeyBTC),
		log:       log.With(zap.String("chain", string(chain.KeyBTC))),
		now:       time.Now,
	}, nil
}

// NetParams maps a network name to chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "testnet4":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("%w: unknown bitcoin network %q", models.ErrConfiguration, network)
}

func (a *Adapter) Chain() chain.Key { return chain.KeyBTC }

func (a *Adapter) validAddress(addr string) error {
	decoded, err := btcutil.DecodeAddress(addr, a.params)
	if err != nil {
		return fmt.Errorf("%w: invalid bitcoin address %s: %v", models.ErrValidation, addr, err)
	}
	if !decoded.IsForNet(a.params) {
		return fmt.Errorf("%w: address %s is not for %s", models.ErrValidation, addr, a.params.Name)
	}
	return nil
}

func (a *Adapter) CreateEscrow(ctx context.Context, p chain.EscrowParams) (chain.Custody, error) {
	if !strings.EqualFold(p.Currency, currency) {
		return chain.Custody{}, fmt.Errorf("%w: currency %s not supported on btc", models.ErrConfiguration, p.Currency)
	}
	if p.Owner != "" {
		if err := a.validAddress(p.Owner); err != nil {
			return chain.Custody{}, err
		}
	}
	c, err := a.custodian.CreateEscrow(ctx, chain.KeyBTC, p)
	if err != nil {
		return chain.Custody{}, err
	}
	if err := a.validAddress(c.DepositAddress); err != nil {
		return chain.Custody{}, fmt.Errorf("%w: custodian returned bad deposit address: %w", models.ErrExternalAdapter, err)
	}
	return c, nil
}

func (a *Adapter) Release(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.transfer(ctx, "release", p)
}

func (a *Adapter) Refund(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.transfer(ctx, "refund", p)
}

func (a *Adapter) transfer(ctx context.Context, kind string, p chain.TransferParams) (string, error) {
	if err := a.validAddress(p.To); err != nil {
		return "", err
	}
	sats := p.Amount.Shift(8).Truncate(0).IntPart()
	if sats <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	ref, err := a.custodian.Transfer(ctx, chain.KeyBTC, kind, p)
	if err != nil {
		return "", err
	}
	a.log.Info("custodian transfer submitted",
		zap.String("kind", kind),
		zap.String("to", p.To),
		zap.String("amount", btcutil.Amount(sats).String()),
		zap.String("tx", ref),
	)
	return ref, nil
}

type txStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
	BlockTime   int64 `json:"block_time"`
}

type txOut struct {
	Address string `json:"scriptpubkey_address"`
	Value   int64  `json:"value"`
}

type addressTx struct {
	TxID   string   `json:"txid"`
	Vout   []txOut  `json:"vout"`
	Status txStatus `json:"status"`
}

// PollDeposits lists transactions paying address above the cursor block
// height. Mempool transactions are reported with zero confirmations.
// An empty cursor starts firstPollLookback blocks below the tip.
func (a *Adapter) PollDeposits(ctx context.Context, address, since string) ([]chain.Deposit, string, error) {
	if err := a.validAddress(address); err != nil {
		return nil, since, err
	}
	var sinceHeight int64
	if since != "" {
		h, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			return nil, since, fmt.Errorf("%w: bad btc cursor %q", models.ErrValidation, since)
		}
		sinceHeight = h
	}

	tip, err := a.tipHeight(ctx)
	if err != nil {
		return nil, since, err
	}
	if since == "" {
		// first poll looks back so a payment made before it is still reported
		sinceHeight = max(tip-firstPollLookback, 0)
	}

	txs, err := a.addressTxs(ctx, address, sinceHeight)
	if err != nil {
		return nil, since, err
	}

	var out []chain.Deposit
	// mempool.space lists newest first
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		var sats int64
		for _, o := range tx.Vout {
			if o.Address == address {
				sats += o.Value
			}
		}
		if sats <= 0 {
			continue
		}

		d := chain.Deposit{
			Chain:      chain.KeyBTC,
			TxRef:      tx.TxID,
			Address:    address,
			Currency:   currency,
			Amount:     decimal.New(sats, -8),
			Cursor:     strconv.FormatInt(sinceHeight, 10),
			ObservedAt: a.now(),
		}
		if tx.Status.Confirmed {
			d.Confirmations = tip - tx.Status.BlockHeight + 1
			d.Cursor = strconv.FormatInt(tx.Status.BlockHeight-1, 10)
		}
		out = append(out, d)
	}
	return out, strconv.FormatInt(tip, 10), nil
}

func (a *Adapter) tipHeight(ctx context.Context) (int64, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	var tip int64
	err := chain.DoJSON(ctx, a.http, http.MethodGet, a.baseURL+"/blocks/tip/height", nil, &tip)
	chain.RecordRPCCall(chain.KeyBTC, "blocks/tip/height", err)
	return tip, err
}

// addressTxs pages through /address/:addr/txs until it passes sinceHeight.
func (a *Adapter) addressTxs(ctx context.Context, address string, sinceHeight int64) ([]addressTx, error) {
	var all []addressTx
	url := fmt.Sprintf("%s/address/%s/txs", a.baseURL, address)
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var page []addressTx
		err := chain.DoJSON(ctx, a.http, http.MethodGet, url, nil, &page)
		chain.RecordRPCCall(chain.KeyBTC, "address/txs", err)
		if err != nil {
			return nil, err
		}

		var lastConfirmed string
		done := len(page) == 0
		for _, tx := range page {
			if tx.Status.Confirmed {
				if tx.Status.BlockHeight <= sinceHeight {
					done = true
					break
				}
				lastConfirmed = tx.TxID
			}
			all = append(all, tx)
		}
		// confirmed pages hold 25 entries; a short page is the last one
		if done || lastConfirmed == "" || countConfirmed(page) < 25 {
			return all, nil
		}
		url = fmt.Sprintf("%s/address/%s/txs/chain/%s", a.baseURL, address, lastConfirmed)
	}
}

func countConfirmed(page []addressTx) int {
	n := 0
	for _, tx := range page {
		if tx.Status.Confirmed {
			n++
		}
	}
	return n
}
