package chain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Key identifies a chain family in the registry (e.g. "btc", "xdc").
type Key string

const (
	KeyBTC     Key = "btc"
	KeyXRPL    Key = "xrpl"
	KeyStellar Key = "stellar"
	KeyXDC     Key = "xdc"
	KeyETH     Key = "eth"
	KeyTON     Key = "ton"
)

// Credentials are opaque signer references handed through to the adapter.
type Credentials struct {
	Signer string `json:"signer"`
	Secret string `json:"-"`
}

func (c Credentials) Empty() bool {
	return c.Signer == "" && c.Secret == ""
}

// EscrowParams describes the custody an adapter should create for one side of a trade.
type EscrowParams struct {
	Reference    string
	Side         string
	Currency     string
	Amount       decimal.Decimal
	Owner        string // refund destination
	Counterparty string // release destination, when already known
	Timeout      time.Time
	Credentials  Credentials
}

// Custody is the chain-native lock returned by CreateEscrow.
type Custody struct {
	Handle         string // contract address, multisig account or hot wallet
	DepositAddress string // where the party must send funds
	Memo           string // memo / destination tag, set when DepositAddress is shared
	TxRef          string // creation transaction, empty if custody needed none
}

// TransferParams moves funds out of custody.
type TransferParams struct {
	Handle      string
	To          string
	Memo        string
	Currency    string
	Amount      decimal.Decimal
	Credentials Credentials
}

// Deposit is one inbound transfer observed on chain.
type Deposit struct {
	Chain         Key
	TxRef         string
	Address       string // on-chain destination, verified by the adapter
	Memo          string
	Currency      string
	Amount        decimal.Decimal
	Confirmations int64
	Cursor        string // resume position that would report this deposit again
	ObservedAt    time.Time
}

// Adapter abstracts chain-specific custody and deposit detection.
type Adapter interface {
	// Chain returns the registry key of this adapter.
	Chain() Key

	// CreateEscrow creates a lock for one side of a trade (timelocked escrow, contract,
	// multisig account or hot-wallet custody with memo, depending on the chain).
	CreateEscrow(ctx context.Context, params EscrowParams) (Custody, error)

	// Release moves custody funds to the counterparty (or any payout target). Returns the tx ref.
	Release(ctx context.Context, params TransferParams) (string, error)

	// Refund returns custody funds to their owner. Returns the tx ref.
	Refund(ctx context.Context, params TransferParams) (string, error)

	// PollDeposits returns inbound transfers to address observed after since,
	// oldest first, together with the cursor to resume from next time. An empty
	// since scans a bounded window of recent history, so transfers that landed
	// before the first poll are reported. Callers dedupe by tx ref.
	PollDeposits(ctx context.Context, address, since string) ([]Deposit, string, error)
}
