package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow offer statuses
const (
	OfferStatusCreated      = "created"
	OfferStatusSellerLocked = "seller_locked"
	OfferStatusBothLocked   = "both_locked"
	OfferStatusCompleted    = "completed"
	OfferStatusCancelled    = "cancelled"
)

// Escrow sides
const (
	SideSeller = "seller"
	SideBuyer  = "buyer"
)

// Valid offer transitions: from -> []to
var ValidOfferTransitions = map[string][]string{
	OfferStatusCreated:      {OfferStatusSellerLocked, OfferStatusCancelled},
	OfferStatusSellerLocked: {OfferStatusBothLocked, OfferStatusCancelled},
	OfferStatusBothLocked:   {OfferStatusCompleted, OfferStatusCancelled},
	OfferStatusCompleted:    {},
	OfferStatusCancelled:    {},
}

func IsValidOfferTransition(from, to string) bool {
	return isValidTransition(ValidOfferTransitions, from, to)
}

type EscrowOffer struct {
	ID        uuid.UUID `json:"offer_id"`
	SellerRef string    `json:"seller_ref"`
	BuyerRef  *string   `json:"buyer_ref,omitempty"`

	SellerChain    string              `json:"seller_chain"`
	SellerAddress  string              `json:"seller_address"`
	SellerAmount   decimal.Decimal     `json:"seller_amount"`
	SellerCurrency string              `json:"seller_currency"`
	BuyerChain     string              `json:"buyer_chain"`
	BuyerAddress   *string             `json:"buyer_address,omitempty"`
	BuyerAmount    decimal.NullDecimal `json:"buyer_amount"`
	BuyerCurrency  string              `json:"buyer_currency"`
	Description    string              `json:"description,omitempty"`
	Terms          string              `json:"terms,omitempty"`
	IsPublic       bool                `json:"is_public"`

	SellerContractAddress *string `json:"seller_contract_address,omitempty"`
	SellerDepositAddress  *string `json:"seller_deposit_address,omitempty"`
	SellerDepositMemo     *string `json:"seller_deposit_memo,omitempty"`
	SellerEscrowTx        *string `json:"seller_escrow_tx,omitempty"`
	SellerDepositTx       *string `json:"seller_deposit_tx,omitempty"`
	BuyerContractAddress  *string `json:"buyer_contract_address,omitempty"`
	BuyerDepositAddress   *string `json:"buyer_deposit_address,omitempty"`
	BuyerDepositMemo      *string `json:"buyer_deposit_memo,omitempty"`
	BuyerEscrowTx         *string `json:"buyer_escrow_tx,omitempty"`
	BuyerDepositTx        *string `json:"buyer_deposit_tx,omitempty"`
	SellerReleaseTx       *string `json:"seller_release_tx,omitempty"`
	BuyerReleaseTx        *string `json:"buyer_release_tx,omitempty"`

	AdminFeePercentage decimal.Decimal `json:"admin_fee_percentage"`
	AdminFeeAmount     decimal.Decimal `json:"admin_fee_amount"`
	AdminFeeCollected  bool            `json:"admin_fee_collected"`

	Status        string  `json:"status"`
	DisputeReason *string `json:"dispute_reason,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	SellerLockedAt *time.Time `json:"seller_locked_at,omitempty"`
	SellerFundedAt *time.Time `json:"seller_funded_at,omitempty"`
	BuyerLockedAt  *time.Time `json:"buyer_locked_at,omitempty"`
	BuyerFundedAt  *time.Time `json:"buyer_funded_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the offer can no longer change.
func (o *EscrowOffer) IsTerminal() bool {
	return o.Status == OfferStatusCompleted || o.Status == OfferStatusCancelled
}

// SellerLocked reports whether seller custody was created.
func (o *EscrowOffer) SellerLocked() bool {
	return o.SellerContractAddress != nil && *o.SellerContractAddress != ""
}

// BuyerLocked reports whether buyer custody was created.
func (o *EscrowOffer) BuyerLocked() bool {
	return o.BuyerContractAddress != nil && *o.BuyerContractAddress != ""
}

// OfferTerms is the input accepted by CreateOffer.
type OfferTerms struct {
	SellerRef       string
	SellerChain     string
	SellerAddress   string
	SellerAmount    decimal.Decimal
	SellerCurrency  string
	BuyerChain      string
	BuyerAmount     decimal.NullDecimal
	BuyerCurrency   string
	Description     string
	Terms           string
	IsPublic        bool
	ExpirationHours int
}

type OfferFilter struct {
	PublicOnly     bool
	Status         *string
	SellerCurrency *string
	BuyerCurrency  *string
	SellerChain    *string
	BuyerChain     *string
	UserRef        *string
	Limit          int
	Offset         int
}

func isValidTransition(table map[string][]string, from, to string) bool {
	allowed, ok := table[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}
