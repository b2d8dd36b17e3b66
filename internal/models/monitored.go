package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Owners of a monitored address.
const (
	OwnerSwap  = "swap"
	OwnerOffer = "offer"
)

// MonitoredAddress is an ephemeral watch entry owned by the deposit monitor.
type MonitoredAddress struct {
	ExchangeID     string          `json:"exchange_id"`
	Owner          string          `json:"owner"`
	Side           string          `json:"side,omitempty"`
	Chain          string          `json:"chain"`
	Address        string          `json:"address"`
	Memo           string          `json:"memo,omitempty"`
	Currency       string          `json:"currency"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	AddedAt        time.Time       `json:"added_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Key identifies the entry in the registry. Escrow offers watch one entry per side.
func (m MonitoredAddress) Key() string {
	if m.Side == "" {
		return m.ExchangeID
	}
	return m.ExchangeID + ":" + m.Side
}

func (m MonitoredAddress) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now)
}

// WatchEntry returns the monitored entry for the swap's deposit address.
func (s *SwapRecord) WatchEntry() MonitoredAddress {
	return MonitoredAddress{
		ExchangeID:     s.ID.String(),
		Owner:          OwnerSwap,
		Chain:          s.FromChain,
		Address:        s.DepositAddress,
		Memo:           deref(s.DepositMemo),
		Currency:       s.FromCurrency,
		ExpectedAmount: s.FromAmount,
		AddedAt:        s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

// WatchEntry returns the monitored entry for one side's custody deposit.
// ok is false when that side has no deposit address or no fixed amount.
// Offer entries carry no expiry: they end with the offer (expired, cancelled or completed).
func (o *EscrowOffer) WatchEntry(side string) (MonitoredAddress, bool) {
	m := MonitoredAddress{ExchangeID: o.ID.String(), Owner: OwnerOffer, Side: side, AddedAt: o.CreatedAt}
	switch side {
	case SideSeller:
		if o.SellerDepositAddress == nil || *o.SellerDepositAddress == "" {
			return m, false
		}
		m.Chain = o.SellerChain
		m.Address = *o.SellerDepositAddress
		m.Memo = deref(o.SellerDepositMemo)
		m.Currency = o.SellerCurrency
		m.ExpectedAmount = o.SellerAmount
	case SideBuyer:
		if o.BuyerDepositAddress == nil || *o.BuyerDepositAddress == "" || !o.BuyerAmount.Valid {
			return m, false
		}
		m.Chain = o.BuyerChain
		m.Address = *o.BuyerDepositAddress
		m.Memo = deref(o.BuyerDepositMemo)
		m.Currency = o.BuyerCurrency
		m.ExpectedAmount = o.BuyerAmount.Decimal
		if o.BuyerLockedAt != nil {
			m.AddedAt = *o.BuyerLockedAt
		}
	default:
		return m, false
	}
	return m, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
