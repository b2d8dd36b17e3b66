package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/events"
	"github.com/crossledger/settlement/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPolicy_Tolerance(t *testing.T) {
	p := DefaultMatchPolicy()
	expected := decimal.NewFromInt(100)

	tests := []struct {
		observed string
		want     bool
	}{
		{"100", true},
		{"95", true},
		{"105", true},
		{"94.99", false},
		{"89", false},
		{"106", false},
	}
	for _, tt := range tests {
		t.Run(tt.observed, func(t *testing.T) {
			assert.Equal(t, tt.want, p.AmountMatches(expected, decimal.RequireFromString(tt.observed)))
		})
	}

	assert.False(t, p.AmountMatches(decimal.Zero, decimal.Zero), "zero expectation never matches")
}

func TestMatchPolicy_Matches(t *testing.T) {
	p := DefaultMatchPolicy()
	entry := models.MonitoredAddress{
		Address:        "UQhot",
		Memo:           "offer/seller",
		Currency:       "TON",
		ExpectedAmount: decimal.NewFromInt(10),
	}
	d := chain.Deposit{Address: "UQhot", Memo: "offer/seller", Currency: "ton", Amount: decimal.NewFromInt(10)}
	assert.True(t, p.Matches(entry, d), "currency is case-insensitive")

	wrongMemo := d
	wrongMemo.Memo = "other"
	assert.False(t, p.Matches(entry, wrongMemo))

	wrongAddr := d
	wrongAddr.Address = "UQother"
	assert.False(t, p.Matches(entry, wrongAddr))

	wrongCur := d
	wrongCur.Currency = "USDT"
	assert.False(t, p.Matches(entry, wrongCur))

	assert.Equal(t, int64(2), p.Confirmations(chain.KeyBTC))
	assert.Equal(t, int64(1), p.Confirmations(chain.KeyTON))
}

func TestMonitor_CreditsMatchingDeposit(t *testing.T) {
	h := newHarness(t, time.Second)
	rec := h.createSwap(t, "100")
	h.adapter.setDeposits("120", deposit("0xin", "95", 10))

	require.True(t, h.engine.Monitor.PollOnce(context.Background()))

	got := h.swap(t, rec)
	assert.Equal(t, models.SwapStatusProcessing, got.Status)
	assert.True(t, got.DepositReceived)
	assert.Equal(t, "0xin", *got.DepositTxHash)
	assert.True(t, got.ReceivedAmount.Decimal.Equal(decimal.NewFromInt(95)))

	assert.Zero(t, h.sctx.MonitoredCount())
	assert.Equal(t, []string{rec.ID.String()}, h.engine.GetSwapQueueStatus().PendingSwaps)
	assert.Len(t, h.events.OfType(events.EventDepositMatched), 1)

	cursor, _ := h.cursors.Cursor(context.Background(), chain.KeyXDC, hotWallet)
	assert.Equal(t, "120", cursor)
}

func TestMonitor_ReportsUnmatchedOnce(t *testing.T) {
	h := newHarness(t, time.Second)
	rec := h.createSwap(t, "100")
	h.adapter.setDeposits("120", deposit("0xshort", "89", 10))

	h.engine.Monitor.PollOnce(context.Background())
	h.engine.Monitor.PollOnce(context.Background())

	assert.Equal(t, models.SwapStatusPending, h.swap(t, rec).Status)
	assert.Equal(t, 1, h.sctx.MonitoredCount())
	unmatched := h.events.OfType(events.EventDepositUnmatched)
	require.Len(t, unmatched, 1)
	assert.Equal(t, "0xshort", unmatched[0].Payload["tx_ref"])
}

func TestMonitor_HoldsBackUnconfirmedDeposit(t *testing.T) {
	h := newHarness(t, time.Second)
	rec := h.createSwap(t, "100")
	ctx := context.Background()

	h.adapter.setDeposits("120", deposit("0xslow", "100", 2))
	h.engine.Monitor.PollOnce(ctx)

	assert.Equal(t, models.SwapStatusPending, h.swap(t, rec).Status)
	cursor, _ := h.cursors.Cursor(ctx, chain.KeyXDC, hotWallet)
	assert.Equal(t, "99", cursor, "cursor stays before the unconfirmed deposit")

	h.adapter.setDeposits("125", deposit("0xslow", "100", 6))
	h.engine.Monitor.PollOnce(ctx)

	assert.Equal(t, models.SwapStatusProcessing, h.swap(t, rec).Status)
	assert.Equal(t, []string{"", "99"}, h.adapter.sinces)
}

func TestMonitor_TieGoesToEarliestEntry(t *testing.T) {
	h := newHarness(t, time.Second)
	first := h.createSwap(t, "100")
	h.now = h.now.Add(time.Minute)
	second := h.createSwap(t, "100")

	h.adapter.setDeposits("120", deposit("0xone", "100", 10))
	h.engine.Monitor.PollOnce(context.Background())

	assert.Equal(t, models.SwapStatusProcessing, h.swap(t, first).Status)
	assert.Equal(t, models.SwapStatusPending, h.swap(t, second).Status)
	assert.Equal(t, 1, h.sctx.MonitoredCount())
}

func TestMonitor_DepositCreditedOnlyOnce(t *testing.T) {
	h := newHarness(t, time.Second)
	first := h.createSwap(t, "100")
	second := h.createSwap(t, "100")

	// the same transfer reported by two polls must not fund the second swap
	h.adapter.setDeposits("120", deposit("0xdup", "100", 10))
	h.engine.Monitor.PollOnce(context.Background())
	h.engine.Monitor.PollOnce(context.Background())

	statuses := []string{h.swap(t, first).Status, h.swap(t, second).Status}
	assert.ElementsMatch(t, []string{models.SwapStatusProcessing, models.SwapStatusPending}, statuses)
	assert.Len(t, h.events.OfType(events.EventDepositMatched), 1)
}

func TestMonitor_ConfirmsOfferLock(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	offer, err := h.escrow.CreateOffer(ctx, models.OfferTerms{
		SellerRef:      "alice",
		SellerChain:    "xdc",
		SellerAddress:  "0xalice",
		SellerAmount:   decimal.NewFromInt(100),
		SellerCurrency: "USDT",
		BuyerChain:     "xdc",
		BuyerCurrency:  "XDC",
	})
	require.NoError(t, err)
	_, err = h.escrow.LockSellerFunds(ctx, offer.ID, chain.Credentials{Signer: "alice"})
	require.NoError(t, err)
	require.Equal(t, 1, h.sctx.MonitoredCount())

	h.adapter.setDeposits("120", deposit("0xlock", "100", 10))
	h.engine.Monitor.PollOnce(ctx)

	got, err := h.offers.GetByID(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusSellerLocked, got.Status)
	require.NotNil(t, got.SellerFundedAt)
	assert.Equal(t, "0xlock", *got.SellerDepositTx)
	assert.Zero(t, h.engine.GetSwapQueueStatus().QueueSize, "offers are not swapped")
}

func TestMonitor_StartsWhenAddressIsAdded(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.engine.Monitor.Start(ctx)
	assert.False(t, h.engine.Monitor.Running())

	h.createSwap(t, "100")
	assert.True(t, h.engine.GetMonitoringStatus().IsRunning)

	st := h.engine.GetMonitoringStatus()
	assert.Equal(t, 1, st.MonitoredAddresses)
	assert.Equal(t, []string{"xdc"}, st.ActiveChains)

	h.engine.Monitor.Stop()
	assert.False(t, h.engine.Monitor.Running())
}

func TestMonitor_CreditsDepositMadeBeforeFirstPoll(t *testing.T) {
	h := newHarness(t, time.Second)
	rec := h.createSwap(t, "100")
	ctx := context.Background()

	// the transfer is already in history when the address is first polled
	h.adapter.setDeposits("120", deposit("0xearly", "100", 10))
	h.engine.Monitor.PollOnce(ctx)

	assert.Equal(t, []string{""}, h.adapter.sinces)
	got := h.swap(t, rec)
	assert.Equal(t, models.SwapStatusProcessing, got.Status)
	assert.Equal(t, "0xearly", *got.DepositTxHash)
	cursor, _ := h.cursors.Cursor(ctx, chain.KeyXDC, hotWallet)
	assert.Equal(t, "120", cursor)
}

// flakyLedger fails MarkDepositReceived a fixed number of times.
type flakyLedger struct {
	SwapLedger
	mu       sync.Mutex
	failures int
}

func (l *flakyLedger) MarkDepositReceived(ctx context.Context, id uuid.UUID, dep chain.Deposit) (*models.SwapRecord, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	l.mu.Unlock()
	return l.SwapLedger.MarkDepositReceived(ctx, id, dep)
}

// stickyClaims never forgets a claim.
type stickyClaims struct {
	*MemoryCursorStore
	releases int
}

func (s *stickyClaims) ReleaseTx(context.Context, chain.Key, string) error {
	s.releases++
	return errors.New("redis unavailable")
}

func TestMonitor_RetriesCreditWhenClaimReleaseFails(t *testing.T) {
	h := newHarness(t, time.Second)
	rec := h.createSwap(t, "100")
	ctx := context.Background()

	claims := &stickyClaims{MemoryCursorStore: h.cursors}
	h.engine.Monitor.cursors = claims
	h.engine.Monitor.swaps = &flakyLedger{SwapLedger: h.engine.Monitor.swaps, failures: 1}

	h.adapter.setDeposits("120", deposit("0xpaid", "100", 10))
	h.engine.Monitor.PollOnce(ctx)

	assert.Equal(t, models.SwapStatusPending, h.swap(t, rec).Status)
	assert.Equal(t, 1, claims.releases)
	assert.Equal(t, 1, h.sctx.MonitoredCount(), "entry is watched again")
	cursor, _ := h.cursors.Cursor(ctx, chain.KeyXDC, hotWallet)
	assert.Equal(t, "99", cursor, "cursor held before the failed deposit")

	h.engine.Monitor.PollOnce(ctx)

	got := h.swap(t, rec)
	assert.Equal(t, models.SwapStatusProcessing, got.Status)
	assert.Equal(t, "0xpaid", *got.DepositTxHash)
	assert.Len(t, h.events.OfType(events.EventDepositMatched), 1)
	cursor, _ = h.cursors.Cursor(ctx, chain.KeyXDC, hotWallet)
	assert.Equal(t, "120", cursor)
}

func TestMonitor_ClaimByAnotherEntryIsSkipped(t *testing.T) {
	h := newHarness(t, time.Second)
	rec := h.createSwap(t, "100")
	ctx := context.Background()

	_, err := h.cursors.ClaimTx(ctx, chain.KeyXDC, "0xtaken", "offer:someone-else")
	require.NoError(t, err)

	h.adapter.setDeposits("120", deposit("0xtaken", "100", 10))
	h.engine.Monitor.PollOnce(ctx)

	assert.Equal(t, models.SwapStatusPending, h.swap(t, rec).Status)
	assert.Empty(t, h.events.OfType(events.EventDepositMatched))
}
