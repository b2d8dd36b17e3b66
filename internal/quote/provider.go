package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/shopspring/decimal"
)

// Asset is a currency on a specific chain.
type Asset struct {
	Chain    string
	Currency string
}

func (a Asset) String() string { return a.Currency + "@" + a.Chain }

type Request struct {
	From      Asset
	To        Asset
	Amount    decimal.Decimal
	Recipient string
	RefundTo  string
	// CustodyHandle is where the input funds sit until the swap is funded.
	CustodyHandle string
	Reference     string
}

type Quote struct {
	Request      Request
	ToAmount     decimal.Decimal
	Route        string
	EstimatedFee decimal.Decimal
	Handle       string
	// DepositAddress and DepositMemo are where the provider expects the input.
	DepositAddress string
	DepositMemo    string
	TimeEstimate   time.Duration
}

type Result struct {
	TxHash string
	Status string
}

// Provider supplies exchange rates and executes conversions.
type Provider interface {
	GetBestQuote(ctx context.Context, req Request) (*Quote, error)
	ExecuteSwap(ctx context.Context, q *Quote) (*Result, error)
}

// Funder moves the quoted input from platform custody to the provider.
type Funder interface {
	Fund(ctx context.Context, q *Quote) (string, error)
}

// ChainFunder funds quotes through the from-chain adapter's Release.
type ChainFunder struct {
	Chains *chain.Registry
}

func (f ChainFunder) Fund(ctx context.Context, q *Quote) (string, error) {
	adapter, err := f.Chains.Get(q.Request.From.Chain)
	if err != nil {
		return "", err
	}
	if q.DepositAddress == "" {
		return "", fmt.Errorf("quote %s has no deposit address", q.Handle)
	}
	return adapter.Release(ctx, chain.TransferParams{
		Handle:   q.Request.CustodyHandle,
		To:       q.DepositAddress,
		Memo:     q.DepositMemo,
		Currency: q.Request.From.Currency,
		Amount:   q.Request.Amount,
	})
}
