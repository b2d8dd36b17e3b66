package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/events"
	"github.com/crossledger/settlement/internal/fees"
	"github.com/crossledger/settlement/internal/metrics"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultOfferExpiration = 24 * time.Hour

// AcceptTerms is the buyer's side of acceptOffer.
type AcceptTerms struct {
	BuyerRef     string
	BuyerAddress string
	// BuyerAmount fixes the buyer amount when the offer left it open.
	BuyerAmount decimal.NullDecimal
	Credentials chain.Credentials
}

type EscrowService struct {
	offers     store.OfferStore
	audit      store.AuditStore
	chains     *chain.Registry
	fees       *fees.Calculator
	watcher    Watcher
	publisher  events.Publisher
	expiration time.Duration
	// system signs refunds for offers expired by the sweeper
	system chain.Credentials
	locks  keyedMutex
	now    func() time.Time
	log    *zap.Logger
}

type EscrowOption func(*EscrowService)

func WithOfferExpiration(d time.Duration) EscrowOption {
	return func(s *EscrowService) {
		if d > 0 {
			s.expiration = d
		}
	}
}

func WithSystemCredentials(c chain.Credentials) EscrowOption {
	return func(s *EscrowService) { s.system = c }
}

func WithEscrowClock(now func() time.Time) EscrowOption {
	return func(s *EscrowService) { s.now = now }
}

func NewEscrowService(
	offers store.OfferStore,
	audit store.AuditStore,
	chains *chain.Registry,
	calc *fees.Calculator,
	watcher Watcher,
	publisher events.Publisher,
	log *zap.Logger,
	opts ...EscrowOption,
) *EscrowService {
	if watcher == nil {
		watcher = nopWatcher{}
	}
	s := &EscrowService{
		offers:     offers,
		audit:      audit,
		chains:     chains,
		fees:       calc,
		watcher:    watcher,
		publisher:  publisher,
		expiration: defaultOfferExpiration,
		now:        time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// transition validates and persists a status change, then writes the audit row and event.
// On conflict o keeps its previous status.
func (s *EscrowService) transition(ctx context.Context, o *models.EscrowOffer, newStatus, actorRef, actorType string) error {
	oldStatus := o.Status
	if !models.IsValidOfferTransition(oldStatus, newStatus) {
		return fmt.Errorf("%w: offer %s cannot move from %s to %s", models.ErrStateConflict, o.ID, oldStatus, newStatus)
	}

	o.Status = newStatus
	if err := s.offers.Update(ctx, o, oldStatus); err != nil {
		o.Status = oldStatus
		return err
	}
	metrics.OfferTransitions.WithLabelValues(newStatus).Inc()

	s.auditLog(ctx, actorRef, actorType, fmt.Sprintf("offer_status_%s_to_%s", oldStatus, newStatus), o.ID,
		map[string]any{"old_status": oldStatus, "new_status": newStatus})

	if s.publisher != nil {
		err := s.publisher.Publish(ctx, events.Channel, events.Event{
			Type: events.EventStatusChanged,
			Payload: map[string]any{
				"entity":     models.EntityEscrowOffer,
				"offer_id":   o.ID.String(),
				"old_status": oldStatus,
				"new_status": newStatus,
			},
		})
		if err != nil {
			s.log.Warn("publish status event failed", zap.String("offer_id", o.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *EscrowService) auditLog(ctx context.Context, actorRef, actorType, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var actor *string
	if actorRef != "" {
		actor = &actorRef
	}
	if err := s.audit.Log(ctx, models.AuditLog{
		ActorRef:   actor,
		ActorType:  actorType,
		Action:     action,
		EntityType: models.EntityEscrowOffer,
		EntityID:   &id,
		Meta:       meta,
	}); err != nil {
		s.log.Warn("audit log failed", zap.String("offer_id", id.String()), zap.String("action", action), zap.Error(err))
	}
}

func (s *EscrowService) CreateOffer(ctx context.Context, terms models.OfferTerms) (*models.EscrowOffer, error) {
	if err := validateTerms(terms); err != nil {
		return nil, err
	}
	if !s.chains.Has(terms.SellerChain) {
		return nil, fmt.Errorf("%w: unsupported seller chain %q", models.ErrConfiguration, terms.SellerChain)
	}
	if !s.chains.Has(terms.BuyerChain) {
		return nil, fmt.Errorf("%w: unsupported buyer chain %q", models.ErrConfiguration, terms.BuyerChain)
	}

	fee, err := s.fees.Quote(ctx, terms.SellerCurrency, terms.SellerAmount)
	if err != nil {
		return nil, err
	}

	expiration := s.expiration
	if terms.ExpirationHours > 0 {
		expiration = time.Duration(terms.ExpirationHours) * time.Hour
	}
	now := s.now()

	offer := &models.EscrowOffer{
		SellerRef:          terms.SellerRef,
		SellerChain:        string(chain.Normalize(terms.SellerChain)),
		SellerAddress:      terms.SellerAddress,
		SellerAmount:       terms.SellerAmount,
		SellerCurrency:     strings.ToUpper(terms.SellerCurrency),
		BuyerChain:         string(chain.Normalize(terms.BuyerChain)),
		BuyerAmount:        terms.BuyerAmount,
		BuyerCurrency:      strings.ToUpper(terms.BuyerCurrency),
		Description:        terms.Description,
		Terms:              terms.Terms,
		IsPublic:           terms.IsPublic,
		AdminFeePercentage: fee.Percentage,
		AdminFeeAmount:     fee.Amount,
		Status:             models.OfferStatusCreated,
		CreatedAt:          now,
		ExpiresAt:          now.Add(expiration),
	}
	if err := s.offers.Create(ctx, offer); err != nil {
		return nil, err
	}

	s.auditLog(ctx, terms.SellerRef, "user", "offer_created", offer.ID, map[string]any{
		"seller_amount": offer.SellerAmount.String(),
		"currency":      offer.SellerCurrency,
		"admin_fee":     offer.AdminFeeAmount.String(),
	})
	s.log.Info("offer created", zap.String("offer_id", offer.ID.String()), zap.String("seller_chain", offer.SellerChain))
	return offer, nil
}

func validateTerms(t models.OfferTerms) error {
	var missing []string
	if strings.TrimSpace(t.SellerRef) == "" {
		missing = append(missing, "seller_ref")
	}
	if strings.TrimSpace(t.SellerChain) == "" {
		missing = append(missing, "seller_chain")
	}
	if strings.TrimSpace(t.SellerAddress) == "" {
		missing = append(missing, "seller_address")
	}
	if strings.TrimSpace(t.SellerCurrency) == "" {
		missing = append(missing, "seller_currency")
	}
	if strings.TrimSpace(t.BuyerChain) == "" {
		missing = append(missing, "buyer_chain")
	}
	if strings.TrimSpace(t.BuyerCurrency) == "" {
		missing = append(missing, "buyer_currency")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", models.ErrValidation, strings.Join(missing, ", "))
	}
	if !t.SellerAmount.IsPositive() {
		return fmt.Errorf("%w: seller_amount must be positive", models.ErrValidation)
	}
	if t.BuyerAmount.Valid && !t.BuyerAmount.Decimal.IsPositive() {
		return fmt.Errorf("%w: buyer_amount must be positive", models.ErrValidation)
	}
	if t.ExpirationHours < 0 {
		return fmt.Errorf("%w: expiration_hours must not be negative", models.ErrValidation)
	}
	return nil
}

// LockSellerFunds creates the seller's custody on the seller chain.
func (s *EscrowService) LockSellerFunds(ctx context.Context, offerID uuid.UUID, creds chain.Credentials) (*models.EscrowOffer, error) {
	unlock := s.locks.Lock(offerID.String())
	defer unlock()

	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != models.OfferStatusCreated {
		return nil, fmt.Errorf("%w: offer %s is %s, seller can lock only a created offer", models.ErrStateConflict, offerID, offer.Status)
	}

	adapter, err := s.chains.Get(offer.SellerChain)
	if err != nil {
		return nil, err
	}
	custody, err := adapter.CreateEscrow(ctx, chain.EscrowParams{
		Reference:   offer.ID.String(),
		Side:        models.SideSeller,
		Currency:    offer.SellerCurrency,
		Amount:      offer.SellerAmount,
		Owner:       offer.SellerAddress,
		Timeout:     offer.ExpiresAt,
		Credentials: creds,
	})
	if err != nil {
		return nil, adapterError("lock seller funds", err)
	}

	now := s.now()
	offer.SellerContractAddress = strPtr(custody.Handle)
	offer.SellerDepositAddress = strPtr(custody.DepositAddress)
	if custody.Memo != "" {
		offer.SellerDepositMemo = strPtr(custody.Memo)
	}
	offer.SellerLockedAt = &now
	if custody.TxRef != "" {
		// chain-native lock moved the funds at creation
		offer.SellerEscrowTx = strPtr(custody.TxRef)
		offer.SellerFundedAt = &now
	}
	if err := s.transition(ctx, offer, models.OfferStatusSellerLocked, offer.SellerRef, "user"); err != nil {
		return nil, err
	}

	if offer.SellerFundedAt == nil {
		if entry, ok := offer.WatchEntry(models.SideSeller); ok {
			s.watcher.Watch(entry)
		}
	}
	return offer, nil
}

// AcceptOffer fixes the buyer and creates the buyer's custody on the buyer chain.
func (s *EscrowService) AcceptOffer(ctx context.Context, offerID uuid.UUID, terms AcceptTerms) (*models.EscrowOffer, error) {
	if strings.TrimSpace(terms.BuyerRef) == "" || strings.TrimSpace(terms.BuyerAddress) == "" {
		return nil, fmt.Errorf("%w: buyer_ref and buyer_address are required", models.ErrValidation)
	}

	unlock := s.locks.Lock(offerID.String())
	defer unlock()

	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != models.OfferStatusSellerLocked {
		return nil, fmt.Errorf("%w: offer %s is %s, only a seller_locked offer can be accepted", models.ErrStateConflict, offerID, offer.Status)
	}
	if !s.now().Before(offer.ExpiresAt) {
		return nil, fmt.Errorf("%w: offer %s expired at %s", models.ErrExpired, offerID, offer.ExpiresAt.Format(time.RFC3339))
	}
	if terms.BuyerRef == offer.SellerRef {
		return nil, fmt.Errorf("%w: seller cannot accept own offer", models.ErrValidation)
	}

	amount := offer.BuyerAmount
	switch {
	case terms.BuyerAmount.Valid && !terms.BuyerAmount.Decimal.IsPositive():
		return nil, fmt.Errorf("%w: buyer_amount must be positive", models.ErrValidation)
	case terms.BuyerAmount.Valid && amount.Valid && !amount.Decimal.Equal(terms.BuyerAmount.Decimal):
		return nil, fmt.Errorf("%w: offer fixes buyer_amount at %s", models.ErrValidation, amount.Decimal)
	case terms.BuyerAmount.Valid:
		amount = terms.BuyerAmount
	case !amount.Valid:
		return nil, fmt.Errorf("%w: buyer_amount is required", models.ErrValidation)
	}

	adapter, err := s.chains.Get(offer.BuyerChain)
	if err != nil {
		return nil, err
	}
	custody, err := adapter.CreateEscrow(ctx, chain.EscrowParams{
		Reference:    offer.ID.String(),
		Side:         models.SideBuyer,
		Currency:     offer.BuyerCurrency,
		Amount:       amount.Decimal,
		Owner:        terms.BuyerAddress,
		Counterparty: offer.SellerAddress,
		Timeout:      offer.ExpiresAt,
		Credentials:  terms.Credentials,
	})
	if err != nil {
		return nil, adapterError("lock buyer funds", err)
	}

	now := s.now()
	offer.BuyerRef = strPtr(terms.BuyerRef)
	offer.BuyerAddress = strPtr(terms.BuyerAddress)
	offer.BuyerAmount = amount
	offer.BuyerContractAddress = strPtr(custody.Handle)
	offer.BuyerDepositAddress = strPtr(custody.DepositAddress)
	if custody.Memo != "" {
		offer.BuyerDepositMemo = strPtr(custody.Memo)
	}
	offer.BuyerLockedAt = &now
	if custody.TxRef != "" {
		offer.BuyerEscrowTx = strPtr(custody.TxRef)
		offer.BuyerFundedAt = &now
	}
	if err := s.transition(ctx, offer, models.OfferStatusBothLocked, terms.BuyerRef, "user"); err != nil {
		return nil, err
	}

	if offer.BuyerFundedAt == nil {
		if entry, ok := offer.WatchEntry(models.SideBuyer); ok {
			s.watcher.Watch(entry)
		}
	}
	return offer, nil
}

// ConfirmLock records an observed custody deposit for one side. Status does not move.
func (s *EscrowService) ConfirmLock(ctx context.Context, offerID uuid.UUID, side string, dep chain.Deposit) (*models.EscrowOffer, error) {
	unlock := s.locks.Lock(offerID.String())
	defer unlock()

	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.IsTerminal() {
		return nil, fmt.Errorf("%w: offer %s is %s", models.ErrStateConflict, offerID, offer.Status)
	}

	now := s.now()
	switch side {
	case models.SideSeller:
		if !offer.SellerLocked() || offer.SellerFundedAt != nil {
			return nil, fmt.Errorf("%w: seller side of %s is not awaiting a deposit", models.ErrStateConflict, offerID)
		}
		offer.SellerDepositTx = strPtr(dep.TxRef)
		offer.SellerFundedAt = &now
		if offer.SellerEscrowTx == nil {
			offer.SellerEscrowTx = strPtr(dep.TxRef)
		}
	case models.SideBuyer:
		if !offer.BuyerLocked() || offer.BuyerFundedAt != nil {
			return nil, fmt.Errorf("%w: buyer side of %s is not awaiting a deposit", models.ErrStateConflict, offerID)
		}
		offer.BuyerDepositTx = strPtr(dep.TxRef)
		offer.BuyerFundedAt = &now
		if offer.BuyerEscrowTx == nil {
			offer.BuyerEscrowTx = strPtr(dep.TxRef)
		}
	default:
		return nil, fmt.Errorf("%w: unknown side %q", models.ErrValidation, side)
	}

	if err := s.offers.Update(ctx, offer, offer.Status); err != nil {
		return nil, err
	}
	s.auditLog(ctx, "", "system", "offer_"+side+"_funded", offer.ID, map[string]any{
		"tx_ref": dep.TxRef,
		"amount": dep.Amount.String(),
		"chain":  string(dep.Chain),
	})
	return offer, nil
}

// ReleaseEscrow pays each side's custody out to the counterparty and completes the offer.
// A completed offer is rejected before any chain call, so a repeated release is a no-op on chain.
func (s *EscrowService) ReleaseEscrow(ctx context.Context, offerID uuid.UUID, admin chain.Credentials) (*models.EscrowOffer, error) {
	if admin.Empty() {
		return nil, fmt.Errorf("%w: admin credentials required to release", models.ErrConfiguration)
	}

	unlock := s.locks.Lock(offerID.String())
	defer unlock()

	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != models.OfferStatusBothLocked {
		return nil, fmt.Errorf("%w: offer %s is %s, only both_locked offers can be released", models.ErrStateConflict, offerID, offer.Status)
	}
	if offer.SellerFundedAt == nil || offer.BuyerFundedAt == nil {
		return nil, fmt.Errorf("%w: offer %s custody deposits are not confirmed", models.ErrStateConflict, offerID)
	}

	feeCfg, err := s.fees.Config(ctx, offer.SellerCurrency)
	if err != nil {
		return nil, err
	}
	sellerNet := offer.SellerAmount.Sub(offer.AdminFeeAmount)

	// Each leg is persisted as soon as it lands so a retry after a partial failure skips it.
	if offer.SellerReleaseTx == nil {
		tx, err := s.transfer(ctx, offer.SellerChain, chain.TransferParams{
			Handle:      deref(offer.SellerContractAddress),
			To:          deref(offer.BuyerAddress),
			Currency:    offer.SellerCurrency,
			Amount:      sellerNet,
			Credentials: admin,
		}, false)
		if err != nil {
			return nil, adapterError("release seller custody", err)
		}
		offer.SellerReleaseTx = strPtr(tx)
		if err := s.offers.Update(ctx, offer, offer.Status); err != nil {
			return nil, err
		}
	}

	if !offer.AdminFeeCollected && offer.AdminFeeAmount.IsPositive() && feeCfg.FeeCollectionAddress != "" {
		tx, err := s.transfer(ctx, offer.SellerChain, chain.TransferParams{
			Handle:      deref(offer.SellerContractAddress),
			To:          feeCfg.FeeCollectionAddress,
			Currency:    offer.SellerCurrency,
			Amount:      offer.AdminFeeAmount,
			Credentials: admin,
		}, false)
		if err != nil {
			return nil, adapterError("collect admin fee", err)
		}
		s.log.Info("admin fee collected", zap.String("offer_id", offerID.String()), zap.String("tx", tx))
		// persist the flag now so a retry never sends the fee twice
		offer.AdminFeeCollected = true
		if err := s.offers.Update(ctx, offer, offer.Status); err != nil {
			s.log.Error("persist admin fee collection failed",
				zap.String("offer_id", offerID.String()),
				zap.String("tx", tx),
				zap.Error(err),
			)
			return nil, err
		}
	}
	offer.AdminFeeCollected = true

	if offer.BuyerReleaseTx == nil {
		tx, err := s.transfer(ctx, offer.BuyerChain, chain.TransferParams{
			Handle:      deref(offer.BuyerContractAddress),
			To:          offer.SellerAddress,
			Currency:    offer.BuyerCurrency,
			Amount:      offer.BuyerAmount.Decimal,
			Credentials: admin,
		}, false)
		if err != nil {
			return nil, adapterError("release buyer custody", err)
		}
		offer.BuyerReleaseTx = strPtr(tx)
	}

	now := s.now()
	offer.CompletedAt = &now
	if err := s.transition(ctx, offer, models.OfferStatusCompleted, admin.Signer, "admin"); err != nil {
		return nil, err
	}
	if offer.AdminFeeAmount.IsPositive() {
		metrics.FeesCollected.WithLabelValues(offer.SellerCurrency).Add(offer.AdminFeeAmount.InexactFloat64())
	}
	s.watcher.Unwatch(offer.ID.String())
	s.log.Info("escrow released", zap.String("offer_id", offerID.String()))
	return offer, nil
}

// CancelEscrow refunds every funded side and cancels the offer.
func (s *EscrowService) CancelEscrow(ctx context.Context, offerID uuid.UUID, reason string, admin chain.Credentials) (*models.EscrowOffer, error) {
	if admin.Empty() {
		return nil, fmt.Errorf("%w: admin credentials required to cancel", models.ErrConfiguration)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", models.ErrValidation)
	}
	return s.cancel(ctx, offerID, reason, admin, "admin", nil)
}

// ExpireOffer cancels an offer past its expiry that is still created or seller_locked.
// both_locked offers are never expired automatically.
func (s *EscrowService) ExpireOffer(ctx context.Context, offerID uuid.UUID) (*models.EscrowOffer, error) {
	return s.cancel(ctx, offerID, "expired", s.system, "system", func(o *models.EscrowOffer) error {
		if o.Status != models.OfferStatusCreated && o.Status != models.OfferStatusSellerLocked {
			return fmt.Errorf("%w: offer %s is %s", models.ErrStateConflict, o.ID, o.Status)
		}
		if s.now().Before(o.ExpiresAt) {
			return fmt.Errorf("%w: offer %s has not expired", models.ErrStateConflict, o.ID)
		}
		return nil
	})
}

func (s *EscrowService) cancel(ctx context.Context, offerID uuid.UUID, reason string, creds chain.Credentials, actorType string, check func(*models.EscrowOffer) error) (*models.EscrowOffer, error) {
	unlock := s.locks.Lock(offerID.String())
	defer unlock()

	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.IsTerminal() {
		return nil, fmt.Errorf("%w: offer %s is already %s", models.ErrStateConflict, offerID, offer.Status)
	}
	if check != nil {
		if err := check(offer); err != nil {
			return nil, err
		}
	}

	// Locked sides without a confirmed deposit hold nothing to refund.
	if offer.SellerLocked() && offer.SellerFundedAt != nil && offer.SellerReleaseTx == nil {
		tx, err := s.transfer(ctx, offer.SellerChain, chain.TransferParams{
			Handle:      deref(offer.SellerContractAddress),
			To:          offer.SellerAddress,
			Currency:    offer.SellerCurrency,
			Amount:      offer.SellerAmount,
			Credentials: creds,
		}, true)
		if err != nil {
			return nil, adapterError("refund seller custody", err)
		}
		offer.SellerReleaseTx = strPtr(tx)
		if err := s.offers.Update(ctx, offer, offer.Status); err != nil {
			return nil, err
		}
	}
	if offer.BuyerLocked() && offer.BuyerFundedAt != nil && offer.BuyerReleaseTx == nil {
		tx, err := s.transfer(ctx, offer.BuyerChain, chain.TransferParams{
			Handle:      deref(offer.BuyerContractAddress),
			To:          deref(offer.BuyerAddress),
			Currency:    offer.BuyerCurrency,
			Amount:      offer.BuyerAmount.Decimal,
			Credentials: creds,
		}, true)
		if err != nil {
			return nil, adapterError("refund buyer custody", err)
		}
		offer.BuyerReleaseTx = strPtr(tx)
	}

	now := s.now()
	offer.CancelledAt = &now
	offer.DisputeReason = strPtr(reason)
	if err := s.transition(ctx, offer, models.OfferStatusCancelled, creds.Signer, actorType); err != nil {
		return nil, err
	}
	s.watcher.Unwatch(offer.ID.String())
	s.log.Info("escrow cancelled", zap.String("offer_id", offerID.String()), zap.String("reason", reason))
	return offer, nil
}

func (s *EscrowService) transfer(ctx context.Context, chainKey string, p chain.TransferParams, refund bool) (string, error) {
	adapter, err := s.chains.Get(chainKey)
	if err != nil {
		return "", err
	}
	if refund {
		return adapter.Refund(ctx, p)
	}
	return adapter.Release(ctx, p)
}

func (s *EscrowService) GetOfferByID(ctx context.Context, offerID uuid.UUID) (*models.EscrowOffer, error) {
	return s.offers.GetByID(ctx, offerID)
}

// GetPublicOffers lists public offers. Without a status filter only offers open to a buyer are returned.
func (s *EscrowService) GetPublicOffers(ctx context.Context, f models.OfferFilter) ([]models.EscrowOffer, error) {
	f.PublicOnly = true
	f.UserRef = nil
	if f.Status == nil {
		f.Status = strPtr(models.OfferStatusSellerLocked)
	}
	return s.offers.List(ctx, f)
}

// GetUserOffers lists offers where userRef is the seller or the buyer.
func (s *EscrowService) GetUserOffers(ctx context.Context, userRef string, limit, offset int) ([]models.EscrowOffer, error) {
	if strings.TrimSpace(userRef) == "" {
		return nil, fmt.Errorf("%w: user ref is required", models.ErrValidation)
	}
	return s.offers.List(ctx, models.OfferFilter{UserRef: &userRef, Limit: limit, Offset: offset})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
