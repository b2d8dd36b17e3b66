package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/events"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultSwapExpiration = time.Hour

// SwapService owns the status of swap records. Other components request
// transitions through it and never write the status themselves.
type SwapService struct {
	swaps      store.SwapStore
	audit      store.AuditStore
	chains     *chain.Registry
	watcher    Watcher
	publisher  events.Publisher
	expiration time.Duration
	now        func() time.Time
	log        *zap.Logger
}

func NewSwapService(
	swaps store.SwapStore,
	audit store.AuditStore,
	chains *chain.Registry,
	watcher Watcher,
	publisher events.Publisher,
	expiration time.Duration,
	log *zap.Logger,
) *SwapService {
	if watcher == nil {
		watcher = nopWatcher{}
	}
	if expiration <= 0 {
		expiration = defaultSwapExpiration
	}
	return &SwapService{
		swaps:      swaps,
		audit:      audit,
		chains:     chains,
		watcher:    watcher,
		publisher:  publisher,
		expiration: expiration,
		now:        time.Now,
		log:        log,
	}
}

// SetClock replaces the time source. Tests only.
func (s *SwapService) SetClock(now func() time.Time) { s.now = now }

func (s *SwapService) CreateSwap(ctx context.Context, in models.SwapInput) (*models.SwapRecord, error) {
	if strings.TrimSpace(in.FromChain) == "" || strings.TrimSpace(in.FromCurrency) == "" ||
		strings.TrimSpace(in.ToChain) == "" || strings.TrimSpace(in.ToCurrency) == "" {
		return nil, fmt.Errorf("%w: from/to chain and currency are required", models.ErrValidation)
	}
	if strings.TrimSpace(in.RecipientAddress) == "" {
		return nil, fmt.Errorf("%w: recipient_address is required", models.ErrValidation)
	}
	if !in.FromAmount.IsPositive() {
		return nil, fmt.Errorf("%w: from_amount must be positive", models.ErrValidation)
	}

	adapter, err := s.chains.Get(in.FromChain)
	if err != nil {
		return nil, err
	}

	expiration := s.expiration
	if in.ExpirationMinutes > 0 {
		expiration = time.Duration(in.ExpirationMinutes) * time.Minute
	}
	now := s.now()
	rec := &models.SwapRecord{
		ID:               uuid.New(),
		FromChain:        string(adapter.Chain()),
		FromCurrency:     strings.ToUpper(in.FromCurrency),
		FromAmount:       in.FromAmount,
		ToChain:          string(chain.Normalize(in.ToChain)),
		ToCurrency:       strings.ToUpper(in.ToCurrency),
		RecipientAddress: in.RecipientAddress,
		Status:           models.SwapStatusPending,
		MonitoringActive: true,
		CreatedAt:        now,
		ExpiresAt:        now.Add(expiration),
	}

	custody, err := adapter.CreateEscrow(ctx, chain.EscrowParams{
		Reference:    rec.ID.String(),
		Side:         "deposit",
		Currency:     rec.FromCurrency,
		Amount:       rec.FromAmount,
		Counterparty: rec.RecipientAddress,
		Timeout:      rec.ExpiresAt,
	})
	if err != nil {
		return nil, adapterError("create deposit address", err)
	}
	rec.CustodyHandle = custody.Handle
	rec.DepositAddress = custody.DepositAddress
	if custody.Memo != "" {
		rec.DepositMemo = strPtr(custody.Memo)
	}

	if err := s.swaps.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.watcher.Watch(rec.WatchEntry())

	s.auditLog(ctx, "system", "swap_created", rec.ID, map[string]any{
		"from":   rec.FromAmount.String() + " " + rec.FromCurrency,
		"to":     rec.ToCurrency,
		"chain":  rec.FromChain,
		"expiry": rec.ExpiresAt,
	})
	s.log.Info("swap created",
		zap.String("exchange_id", rec.ID.String()),
		zap.String("deposit_address", rec.DepositAddress),
	)
	return rec, nil
}

func (s *SwapService) GetSwap(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error) {
	return s.swaps.GetByID(ctx, id)
}

// MarkDepositReceived credits a matched deposit and moves the record to processing.
// The monitored entry is consumed by the match, so monitoring stops here.
func (s *SwapService) MarkDepositReceived(ctx context.Context, id uuid.UUID, dep chain.Deposit) (*models.SwapRecord, error) {
	rec, err := s.swaps.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.DepositReceived || rec.Status != models.SwapStatusPending {
		return nil, fmt.Errorf("%w: swap %s is %s, not awaiting a deposit", models.ErrStateConflict, id, rec.Status)
	}

	now := s.now()
	rec.DepositReceived = true
	rec.DepositTxHash = strPtr(dep.TxRef)
	rec.ReceivedAmount = decimal.NewNullDecimal(dep.Amount)
	rec.ProcessedAt = &now
	rec.MonitoringActive = false
	if err := s.Advance(ctx, rec, models.SwapStatusProcessing, "deposit "+dep.TxRef+" received"); err != nil {
		return nil, err
	}
	return rec, nil
}

// Advance moves rec to status to, persisting every field the caller changed on rec.
// It is a compare-and-set on rec's current status; on failure rec keeps that status.
func (s *SwapService) Advance(ctx context.Context, rec *models.SwapRecord, to, note string) error {
	from := rec.Status
	if !models.IsValidSwapTransition(from, to) {
		return fmt.Errorf("%w: swap %s cannot move from %s to %s", models.ErrStateConflict, rec.ID, from, to)
	}

	now := s.now()
	rec.Status = to
	if note != "" {
		rec.Note = strPtr(note)
	}
	switch to {
	case models.SwapStatusCompleted:
		rec.CompletedAt = &now
	case models.SwapStatusFailed, models.SwapStatusExpired:
		rec.FailedAt = &now
	}
	if !models.IsMonitorableSwapStatus(to) {
		rec.MonitoringActive = false
	}

	if err := s.swaps.Update(ctx, rec, from); err != nil {
		rec.Status = from
		return err
	}
	if !rec.MonitoringActive {
		s.watcher.Unwatch(rec.ID.String())
	}

	s.auditLog(ctx, "system", fmt.Sprintf("swap_status_%s_to_%s", from, to), rec.ID,
		map[string]any{"old_status": from, "new_status": to, "note": note})
	if s.publisher != nil {
		err := s.publisher.Publish(ctx, events.Channel, events.Event{
			Type: events.EventStatusChanged,
			Payload: map[string]any{
				"entity":      models.EntitySwapRecord,
				"exchange_id": rec.ID.String(),
				"old_status":  from,
				"new_status":  to,
				"note":        note,
			},
		})
		if err != nil {
			s.log.Warn("publish status event failed", zap.String("exchange_id", rec.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// Transition loads the record and advances it. Used by operators.
func (s *SwapService) Transition(ctx context.Context, id uuid.UUID, to, note string) (*models.SwapRecord, error) {
	rec, err := s.swaps.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Advance(ctx, rec, to, note); err != nil {
		return nil, err
	}
	return rec, nil
}

// RequeueForReview returns an in_review record to processing so it can be executed again.
func (s *SwapService) RequeueForReview(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error) {
	rec, err := s.swaps.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.SwapStatusInReview {
		return nil, fmt.Errorf("%w: swap %s is %s, only in_review swaps can be requeued", models.ErrStateConflict, id, rec.Status)
	}
	if err := s.Advance(ctx, rec, models.SwapStatusProcessing, "requeued by operator"); err != nil {
		return nil, err
	}
	return rec, nil
}

// StartMonitoring (re)registers the deposit address of a pending swap.
func (s *SwapService) StartMonitoring(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error) {
	rec, err := s.swaps.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.SwapStatusPending || rec.DepositReceived {
		return nil, fmt.Errorf("%w: swap %s is %s, only pending swaps are monitored", models.ErrStateConflict, id, rec.Status)
	}
	if !s.now().Before(rec.ExpiresAt) {
		return nil, fmt.Errorf("%w: swap %s expired at %s", models.ErrExpired, id, rec.ExpiresAt.Format(time.RFC3339))
	}
	if rec.DepositAddress == "" {
		return nil, fmt.Errorf("%w: swap %s has no deposit address", models.ErrValidation, id)
	}
	if !rec.MonitoringActive {
		rec.MonitoringActive = true
		if err := s.swaps.Update(ctx, rec, rec.Status); err != nil {
			return nil, err
		}
	}
	s.watcher.Watch(rec.WatchEntry())
	return rec, nil
}

func (s *SwapService) auditLog(ctx context.Context, actorType, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, models.AuditLog{
		ActorType:  actorType,
		Action:     action,
		EntityType: models.EntitySwapRecord,
		EntityID:   &id,
		Meta:       meta,
	}); err != nil {
		s.log.Warn("audit log failed", zap.String("exchange_id", id.String()), zap.String("action", action), zap.Error(err))
	}
}
