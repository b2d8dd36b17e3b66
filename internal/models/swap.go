package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Swap record statuses
const (
	SwapStatusPending    = "pending"
	SwapStatusProcessing = "processing"
	SwapStatusConfirming = "confirming"
	SwapStatusExchanging = "exchanging"
	SwapStatusSending    = "sending"
	SwapStatusCompleted  = "completed"
	SwapStatusFailed     = "failed"
	SwapStatusInReview   = "in_review"
	SwapStatusExpired    = "expired"
)

// Valid swap transitions: from -> []to
var ValidSwapTransitions = map[string][]string{
	SwapStatusPending:    {SwapStatusProcessing, SwapStatusExpired, SwapStatusFailed, SwapStatusInReview},
	SwapStatusProcessing: {SwapStatusConfirming, SwapStatusExchanging, SwapStatusFailed, SwapStatusInReview},
	SwapStatusConfirming: {SwapStatusExchanging, SwapStatusFailed, SwapStatusInReview},
	SwapStatusExchanging: {SwapStatusSending, SwapStatusCompleted, SwapStatusFailed, SwapStatusInReview},
	SwapStatusSending:    {SwapStatusCompleted, SwapStatusFailed, SwapStatusInReview},
	SwapStatusInReview:   {SwapStatusProcessing, SwapStatusFailed, SwapStatusCompleted},
	SwapStatusCompleted:  {},
	SwapStatusFailed:     {},
	SwapStatusExpired:    {},
}

func IsValidSwapTransition(from, to string) bool {
	return isValidTransition(ValidSwapTransitions, from, to)
}

// IsTerminalSwapStatus reports whether no further transitions are possible.
func IsTerminalSwapStatus(status string) bool {
	allowed, ok := ValidSwapTransitions[status]
	return ok && len(allowed) == 0
}

// IsMonitorableSwapStatus reports whether a record in this status may hold a monitored address.
func IsMonitorableSwapStatus(status string) bool {
	return status == SwapStatusPending || status == SwapStatusProcessing
}

type SwapRecord struct {
	ID               uuid.UUID           `json:"exchange_id"`
	FromChain        string              `json:"from_chain"`
	FromCurrency     string              `json:"from_currency"`
	FromAmount       decimal.Decimal     `json:"from_amount"`
	ToChain          string              `json:"to_chain"`
	ToCurrency       string              `json:"to_currency"`
	ToAmount         decimal.NullDecimal `json:"to_amount"`
	RecipientAddress string              `json:"recipient_address"`
	DepositAddress   string              `json:"deposit_address"`
	DepositMemo      *string             `json:"deposit_memo,omitempty"`
	CustodyHandle    string              `json:"custody_handle"`

	DepositReceived  bool                `json:"deposit_received"`
	DepositTxHash    *string             `json:"deposit_tx_hash,omitempty"`
	ReceivedAmount   decimal.NullDecimal `json:"received_amount"`
	SwapCompleted    bool                `json:"swap_completed"`
	MonitoringActive bool                `json:"monitoring_active"`
	FeeAmount        decimal.NullDecimal `json:"fee_amount"`
	FeeTxHash        *string             `json:"fee_tx_hash,omitempty"`
	SwapTxHash       *string             `json:"swap_tx_hash,omitempty"`

	Status string  `json:"status"`
	Note   *string `json:"note,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SwapInput is the input accepted by CreateSwap.
type SwapInput struct {
	FromChain         string
	FromCurrency      string
	FromAmount        decimal.Decimal
	ToChain           string
	ToCurrency        string
	RecipientAddress  string
	ExpirationMinutes int
}
