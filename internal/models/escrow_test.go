package models

import (
	"testing"
	"time"
)

func TestIsValidOfferTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Forward path
		{OfferStatusCreated, OfferStatusSellerLocked, true},
		{OfferStatusSellerLocked, OfferStatusBothLocked, true},
		{OfferStatusBothLocked, OfferStatusCompleted, true},

		// Cancellation from every non-terminal state
		{OfferStatusCreated, OfferStatusCancelled, true},
		{OfferStatusSellerLocked, OfferStatusCancelled, true},
		{OfferStatusBothLocked, OfferStatusCancelled, true},

		// Skips and reversals
		{OfferStatusCreated, OfferStatusBothLocked, false},
		{OfferStatusCreated, OfferStatusCompleted, false},
		{OfferStatusSellerLocked, OfferStatusCreated, false},
		{OfferStatusBothLocked, OfferStatusSellerLocked, false},

		// Terminal states are immutable
		{OfferStatusCompleted, OfferStatusCancelled, false},
		{OfferStatusCancelled, OfferStatusCreated, false},
		{OfferStatusCompleted, OfferStatusCompleted, false},

		{"nonexistent", OfferStatusCreated, false},
		{OfferStatusCreated, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidOfferTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidOfferTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestAllOfferStatusesHaveTransitionEntry(t *testing.T) {
	all := []string{
		OfferStatusCreated, OfferStatusSellerLocked, OfferStatusBothLocked,
		OfferStatusCompleted, OfferStatusCancelled,
	}
	for _, status := range all {
		if _, ok := ValidOfferTransitions[status]; !ok {
			t.Errorf("status %q missing from ValidOfferTransitions map", status)
		}
	}
}

func TestOfferIsTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		OfferStatusCreated:      false,
		OfferStatusSellerLocked: false,
		OfferStatusBothLocked:   false,
		OfferStatusCompleted:    true,
		OfferStatusCancelled:    true,
	} {
		o := EscrowOffer{Status: status}
		if got := o.IsTerminal(); got != want {
			t.Errorf("IsTerminal(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestMonitoredAddressKey(t *testing.T) {
	swap := MonitoredAddress{ExchangeID: "ex-1"}
	if swap.Key() != "ex-1" {
		t.Errorf("swap key = %q", swap.Key())
	}
	seller := MonitoredAddress{ExchangeID: "offer-1", Side: SideSeller}
	if seller.Key() != "offer-1:seller" {
		t.Errorf("seller key = %q", seller.Key())
	}

	now := time.Now()
	if (MonitoredAddress{}).Expired(now) {
		t.Error("zero expiry must never expire")
	}
	if !(MonitoredAddress{ExpiresAt: now.Add(-time.Second)}).Expired(now) {
		t.Error("past expiry must be expired")
	}
}

func TestOfferWatchEntry(t *testing.T) {
	addr := "UQhot"
	memo := "ref/seller"
	o := EscrowOffer{
		SellerChain:          "ton",
		SellerCurrency:       "TON",
		SellerDepositAddress: &addr,
		SellerDepositMemo:    &memo,
		ExpiresAt:            time.Now().Add(time.Hour),
	}

	m, ok := o.WatchEntry(SideSeller)
	if !ok {
		t.Fatal("seller entry expected")
	}
	if m.Address != addr || m.Memo != memo || m.Owner != OwnerOffer || m.Key() != o.ID.String()+":seller" {
		t.Errorf("unexpected seller entry %+v", m)
	}

	if _, ok := o.WatchEntry(SideBuyer); ok {
		t.Error("buyer side without deposit address must not be watched")
	}
}
