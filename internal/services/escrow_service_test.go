package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/events"
	"github.com/crossledger/settlement/internal/fees"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/store"
	"github.com/crossledger/settlement/internal/store/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	key chain.Key
	// lockTx is returned as the custody creation tx; empty means deposit style custody
	lockTx string

	mu         sync.Mutex
	escrows    []chain.EscrowParams
	releases   []chain.TransferParams
	refunds    []chain.TransferParams
	releaseErr error
}

func (f *fakeAdapter) Chain() chain.Key { return f.key }

func (f *fakeAdapter) CreateEscrow(_ context.Context, p chain.EscrowParams) (chain.Custody, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escrows = append(f.escrows, p)
	return chain.Custody{
		Handle:         fmt.Sprintf("%s-custody-%s", f.key, p.Side),
		DepositAddress: fmt.Sprintf("%s-deposit-%s", f.key, p.Side),
		TxRef:          f.lockTx,
	}, nil
}

func (f *fakeAdapter) Release(_ context.Context, p chain.TransferParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return "", f.releaseErr
	}
	f.releases = append(f.releases, p)
	return fmt.Sprintf("%s-release-%d", f.key, len(f.releases)), nil
}

func (f *fakeAdapter) Refund(_ context.Context, p chain.TransferParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, p)
	return fmt.Sprintf("%s-refund-%d", f.key, len(f.refunds)), nil
}

func (f *fakeAdapter) PollDeposits(_ context.Context, _ string, since string) ([]chain.Deposit, string, error) {
	return nil, since, nil
}

func (f *fakeAdapter) calls() (escrows, releases, refunds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.escrows), len(f.releases), len(f.refunds)
}

type fakeWatcher struct {
	mu        sync.Mutex
	watched   map[string]models.MonitoredAddress
	unwatched []string
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{watched: make(map[string]models.MonitoredAddress)}
}

func (w *fakeWatcher) Watch(m models.MonitoredAddress) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[m.Key()] = m
}

func (w *fakeWatcher) Unwatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatched = append(w.unwatched, id)
	for k, m := range w.watched {
		if m.ExchangeID == id {
			delete(w.watched, k)
		}
	}
}

var admin = chain.Credentials{Signer: "ops-admin", Secret: "s3cret"}

type escrowFixture struct {
	svc     *EscrowService
	offers  *memory.OfferStore
	audit   *memory.AuditStore
	eth     *fakeAdapter
	btc     *fakeAdapter
	watcher *fakeWatcher
	events  *events.Recorder
	now     time.Time
}

func newEscrowFixture(t *testing.T, lockTx string) *escrowFixture {
	t.Helper()
	f := &escrowFixture{
		offers:  memory.NewOfferStore(),
		audit:   memory.NewAuditStore(),
		eth:     &fakeAdapter{key: chain.KeyETH, lockTx: lockTx},
		btc:     &fakeAdapter{key: chain.KeyBTC, lockTx: lockTx},
		watcher: newFakeWatcher(),
		events:  &events.Recorder{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	feeStore := memory.NewFeeConfigStore(models.FeeConfig{
		Symbol:        "USDT",
		FeePercentage: decimal.NewFromInt(2),
		IsActive:      true,
	})
	f.svc = NewEscrowService(
		f.offers,
		f.audit,
		chain.NewRegistry(f.eth, f.btc),
		fees.NewCalculator(feeStore, decimal.Zero),
		f.watcher,
		f.events,
		zap.NewNop(),
		WithEscrowClock(func() time.Time { return f.now }),
		WithSystemCredentials(chain.Credentials{Signer: "sweeper"}),
	)
	return f
}

// collectFeesTo sends admin fees to addr on release.
func (f *escrowFixture) collectFeesTo(addr string) {
	f.svc.fees = fees.NewCalculator(memory.NewFeeConfigStore(models.FeeConfig{
		Symbol:               "USDT",
		FeePercentage:        decimal.NewFromInt(2),
		FeeCollectionAddress: addr,
		IsActive:             true,
	}), decimal.Zero)
}

func (f *escrowFixture) createOffer(t *testing.T) *models.EscrowOffer {
	t.Helper()
	offer, err := f.svc.CreateOffer(context.Background(), models.OfferTerms{
		SellerRef:      "alice",
		SellerChain:    "ethereum",
		SellerAddress:  "0xalice",
		SellerAmount:   decimal.NewFromInt(100),
		SellerCurrency: "usdt",
		BuyerChain:     "bitcoin",
		BuyerCurrency:  "BTC",
		IsPublic:       true,
	})
	require.NoError(t, err)
	return offer
}

func (f *escrowFixture) bothLocked(t *testing.T) *models.EscrowOffer {
	t.Helper()
	ctx := context.Background()
	offer := f.createOffer(t)
	_, err := f.svc.LockSellerFunds(ctx, offer.ID, chain.Credentials{Signer: "alice"})
	require.NoError(t, err)
	offer, err = f.svc.AcceptOffer(ctx, offer.ID, AcceptTerms{
		BuyerRef:     "bob",
		BuyerAddress: "bc1bob",
		BuyerAmount:  decimal.NewNullDecimal(decimal.RequireFromString("0.002")),
	})
	require.NoError(t, err)
	return offer
}

func TestEscrow_Scenario(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	ctx := context.Background()

	offer := f.createOffer(t)
	assert.Equal(t, models.OfferStatusCreated, offer.Status)
	assert.True(t, offer.AdminFeeAmount.Equal(decimal.NewFromInt(2)), "fee = %s", offer.AdminFeeAmount)
	assert.Equal(t, "eth", offer.SellerChain)
	assert.Equal(t, "USDT", offer.SellerCurrency)
	assert.Equal(t, f.now.Add(24*time.Hour), offer.ExpiresAt)

	offer, err := f.svc.LockSellerFunds(ctx, offer.ID, chain.Credentials{Signer: "alice"})
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusSellerLocked, offer.Status)
	require.NotNil(t, offer.SellerLockedAt)
	assert.Equal(t, "eth-custody-seller", *offer.SellerContractAddress)

	offer, err = f.svc.AcceptOffer(ctx, offer.ID, AcceptTerms{
		BuyerRef:     "bob",
		BuyerAddress: "bc1bob",
		BuyerAmount:  decimal.NewNullDecimal(decimal.RequireFromString("0.002")),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusBothLocked, offer.Status)
	require.NotNil(t, offer.BuyerLockedAt)

	offer, err = f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusCompleted, offer.Status)
	assert.True(t, offer.AdminFeeCollected)
	require.NotNil(t, offer.CompletedAt)

	require.Len(t, f.eth.releases, 1)
	assert.Equal(t, "bc1bob", f.eth.releases[0].To)
	assert.True(t, f.eth.releases[0].Amount.Equal(decimal.NewFromInt(98)))
	require.Len(t, f.btc.releases, 1)
	assert.Equal(t, "0xalice", f.btc.releases[0].To)

	stored, err := f.offers.GetByID(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusCompleted, stored.Status)
	assert.Len(t, f.events.OfType(events.EventStatusChanged), 3)
	assert.NotEmpty(t, f.audit.Entries(models.EntityEscrowOffer, offer.ID))
}

func TestEscrow_CreateOfferValidation(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	ctx := context.Background()

	_, err := f.svc.CreateOffer(ctx, models.OfferTerms{SellerRef: "alice"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.CreateOffer(ctx, models.OfferTerms{
		SellerRef: "alice", SellerChain: "eth", SellerAddress: "0xa", SellerCurrency: "USDT",
		SellerAmount: decimal.NewFromInt(-1), BuyerChain: "btc", BuyerCurrency: "BTC",
	})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.CreateOffer(ctx, models.OfferTerms{
		SellerRef: "alice", SellerChain: "iota", SellerAddress: "x", SellerCurrency: "MIOTA",
		SellerAmount: decimal.NewFromInt(1), BuyerChain: "btc", BuyerCurrency: "BTC",
	})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestEscrow_DefaultFeeWithoutConfig(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	offer, err := f.svc.CreateOffer(context.Background(), models.OfferTerms{
		SellerRef: "alice", SellerChain: "btc", SellerAddress: "bc1alice", SellerCurrency: "BTC",
		SellerAmount: decimal.NewFromInt(2), BuyerChain: "eth", BuyerCurrency: "USDT",
	})
	require.NoError(t, err)
	assert.True(t, offer.AdminFeeAmount.Equal(decimal.RequireFromString("0.01")), "0.5%% of 2, got %s", offer.AdminFeeAmount)
}

func TestEscrow_TransitionLegality(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	ctx := context.Background()
	offer := f.createOffer(t)

	_, err := f.svc.AcceptOffer(ctx, offer.ID, AcceptTerms{BuyerRef: "bob", BuyerAddress: "bc1bob",
		BuyerAmount: decimal.NewNullDecimal(decimal.NewFromInt(1))})
	assert.ErrorIs(t, err, models.ErrStateConflict, "accept before seller lock")

	_, err = f.svc.LockSellerFunds(ctx, offer.ID, chain.Credentials{})
	require.NoError(t, err)
	_, err = f.svc.LockSellerFunds(ctx, offer.ID, chain.Credentials{})
	assert.ErrorIs(t, err, models.ErrStateConflict, "second lock")

	escrows, _, _ := f.eth.calls()
	assert.Equal(t, 1, escrows)

	_, err = f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	assert.ErrorIs(t, err, models.ErrStateConflict, "release before both_locked")

	_, err = f.svc.LockSellerFunds(ctx, uuid.New(), chain.Credentials{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEscrow_AcceptAfterExpiry(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	ctx := context.Background()
	offer := f.createOffer(t)
	_, err := f.svc.LockSellerFunds(ctx, offer.ID, chain.Credentials{})
	require.NoError(t, err)

	f.now = offer.ExpiresAt
	_, err = f.svc.AcceptOffer(ctx, offer.ID, AcceptTerms{BuyerRef: "bob", BuyerAddress: "bc1bob",
		BuyerAmount: decimal.NewNullDecimal(decimal.NewFromInt(1))})
	assert.ErrorIs(t, err, models.ErrExpired)

	escrows, _, _ := f.btc.calls()
	assert.Zero(t, escrows)
}

func TestEscrow_AcceptRequiresBuyerAmount(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	ctx := context.Background()
	offer := f.createOffer(t)
	_, err := f.svc.LockSellerFunds(ctx, offer.ID, chain.Credentials{})
	require.NoError(t, err)

	_, err = f.svc.AcceptOffer(ctx, offer.ID, AcceptTerms{BuyerRef: "bob", BuyerAddress: "bc1bob"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.AcceptOffer(ctx, offer.ID, AcceptTerms{BuyerRef: "alice", BuyerAddress: "bc1",
		BuyerAmount: decimal.NewNullDecimal(decimal.NewFromInt(1))})
	assert.ErrorIs(t, err, models.ErrValidation, "seller accepting own offer")
}

func TestEscrow_ReleaseIsIdempotent(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	ctx := context.Background()
	offer := f.bothLocked(t)

	_, err := f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	require.NoError(t, err)

	_, err = f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	assert.ErrorIs(t, err, models.ErrStateConflict)

	_, ethReleases, _ := f.eth.calls()
	_, btcReleases, _ := f.btc.calls()
	assert.Equal(t, 1, ethReleases)
	assert.Equal(t, 1, btcReleases)
}

func TestEscrow_ConcurrentReleaseRunsOnce(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	offer := f.bothLocked(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ReleaseEscrow(context.Background(), offer.ID, admin)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrStateConflict)
	}
	assert.Equal(t, 1, succeeded)
	_, ethReleases, _ := f.eth.calls()
	assert.Equal(t, 1, ethReleases)
}

func TestEscrow_ReleaseRequiresAdminCredentials(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	offer := f.bothLocked(t)

	_, err := f.svc.ReleaseEscrow(context.Background(), offer.ID, chain.Credentials{})
	assert.ErrorIs(t, err, models.ErrConfiguration)
	_, err = f.svc.CancelEscrow(context.Background(), offer.ID, "dispute", chain.Credentials{})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestEscrow_DepositCustodyNeedsConfirmation(t *testing.T) {
	f := newEscrowFixture(t, "")
	ctx := context.Background()
	offer := f.bothLocked(t)

	assert.Contains(t, f.watcher.watched, offer.ID.String()+":seller")
	assert.Contains(t, f.watcher.watched, offer.ID.String()+":buyer")

	_, err := f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	assert.ErrorIs(t, err, models.ErrStateConflict)

	_, err = f.svc.ConfirmLock(ctx, offer.ID, models.SideSeller, chain.Deposit{TxRef: "0xdep", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, err = f.svc.ConfirmLock(ctx, offer.ID, models.SideSeller, chain.Deposit{TxRef: "0xdep2"})
	assert.ErrorIs(t, err, models.ErrStateConflict, "seller already funded")

	confirmed, err := f.svc.ConfirmLock(ctx, offer.ID, models.SideBuyer, chain.Deposit{TxRef: "btcdep"})
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusBothLocked, confirmed.Status)
	assert.Equal(t, "0xdep", *confirmed.SellerDepositTx)

	_, err = f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	require.NoError(t, err)
	assert.Empty(t, f.watcher.watched)
}

func TestEscrow_ReleaseResumesAfterPartialFailure(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	ctx := context.Background()
	offer := f.bothLocked(t)

	f.btc.releaseErr = errors.New("rpc unavailable")
	_, err := f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	assert.ErrorIs(t, err, models.ErrExternalAdapter)

	stored, err := f.offers.GetByID(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusBothLocked, stored.Status)
	require.NotNil(t, stored.SellerReleaseTx)

	f.btc.releaseErr = nil
	done, err := f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusCompleted, done.Status)

	_, ethReleases, _ := f.eth.calls()
	assert.Equal(t, 1, ethReleases, "seller leg is not paid twice")
}

func TestEscrow_CancelRefundsFundedSides(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	ctx := context.Background()
	offer := f.bothLocked(t)

	cancelled, err := f.svc.CancelEscrow(ctx, offer.ID, "buyer dispute", admin)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusCancelled, cancelled.Status)
	assert.Equal(t, "buyer dispute", *cancelled.DisputeReason)

	require.Len(t, f.eth.refunds, 1)
	assert.Equal(t, "0xalice", f.eth.refunds[0].To)
	assert.True(t, f.eth.refunds[0].Amount.Equal(decimal.NewFromInt(100)))
	require.Len(t, f.btc.refunds, 1)
	assert.Equal(t, "bc1bob", f.btc.refunds[0].To)

	_, err = f.svc.CancelEscrow(ctx, offer.ID, "again", admin)
	assert.ErrorIs(t, err, models.ErrStateConflict)
}

func TestEscrow_CancelUnfundedMakesNoChainCalls(t *testing.T) {
	f := newEscrowFixture(t, "")
	ctx := context.Background()
	offer := f.createOffer(t)
	_, err := f.svc.LockSellerFunds(ctx, offer.ID, chain.Credentials{})
	require.NoError(t, err)

	_, err = f.svc.CancelEscrow(ctx, offer.ID, "changed mind", admin)
	require.NoError(t, err)
	_, _, refunds := f.eth.calls()
	assert.Zero(t, refunds)
	assert.Contains(t, f.watcher.unwatched, offer.ID.String())
}

func TestEscrow_ExpireOffer(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	ctx := context.Background()

	offer := f.createOffer(t)
	_, err := f.svc.LockSellerFunds(ctx, offer.ID, chain.Credentials{})
	require.NoError(t, err)

	_, err = f.svc.ExpireOffer(ctx, offer.ID)
	assert.ErrorIs(t, err, models.ErrStateConflict, "not yet expired")

	f.now = offer.ExpiresAt.Add(time.Minute)
	expired, err := f.svc.ExpireOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusCancelled, expired.Status)
	assert.Equal(t, "expired", *expired.DisputeReason)
	require.Len(t, f.eth.refunds, 1)
	assert.Equal(t, "sweeper", f.eth.refunds[0].Credentials.Signer)
}

func TestEscrow_ExpireNeverTouchesBothLocked(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	offer := f.bothLocked(t)
	f.now = offer.ExpiresAt.Add(time.Hour)

	_, err := f.svc.ExpireOffer(context.Background(), offer.ID)
	assert.ErrorIs(t, err, models.ErrStateConflict)
	_, _, refunds := f.eth.calls()
	assert.Zero(t, refunds)
}

func TestEscrow_OfferQueries(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	ctx := context.Background()
	open := f.createOffer(t)
	_, err := f.svc.LockSellerFunds(ctx, open.ID, chain.Credentials{})
	require.NoError(t, err)
	f.createOffer(t)

	public, err := f.svc.GetPublicOffers(ctx, models.OfferFilter{})
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, open.ID, public[0].ID)

	mine, err := f.svc.GetUserOffers(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = f.svc.GetUserOffers(ctx, " ", 0, 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	got, err := f.svc.GetOfferByID(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusSellerLocked, got.Status)
}

func TestEscrow_FeeFlagPersistedBeforeBuyerLeg(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	f.collectFeesTo("0xfees")
	ctx := context.Background()
	offer := f.bothLocked(t)

	f.btc.releaseErr = errors.New("rpc unavailable")
	_, err := f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	assert.ErrorIs(t, err, models.ErrExternalAdapter)

	stored, err := f.offers.GetByID(ctx, offer.ID)
	require.NoError(t, err)
	assert.True(t, stored.AdminFeeCollected)

	f.btc.releaseErr = nil
	_, err = f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	require.NoError(t, err)

	_, ethReleases, _ := f.eth.calls()
	assert.Equal(t, 2, ethReleases, "seller leg and fee are each sent once")
}

// flakyOffers fails every Update after the first ok ones.
type flakyOffers struct {
	store.OfferStore
	ok int
}

func (s *flakyOffers) Update(ctx context.Context, o *models.EscrowOffer, from string) error {
	if s.ok == 0 {
		return errors.New("database is closed")
	}
	s.ok--
	return s.OfferStore.Update(ctx, o, from)
}

func TestEscrow_FeeFlagPersistFailureStopsRelease(t *testing.T) {
	f := newEscrowFixture(t, "lock-tx")
	f.collectFeesTo("0xfees")
	ctx := context.Background()
	offer := f.bothLocked(t)

	// the seller leg persists, the fee flag does not
	f.svc.offers = &flakyOffers{OfferStore: f.offers, ok: 1}
	_, err := f.svc.ReleaseEscrow(ctx, offer.ID, admin)
	require.EqualError(t, err, "database is closed")

	_, btcReleases, _ := f.btc.calls()
	assert.Zero(t, btcReleases, "buyer leg waits for the fee flag")

	stored, err := f.offers.GetByID(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusBothLocked, stored.Status)
	require.NotNil(t, stored.SellerReleaseTx)
}
