package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/events"
	"github.com/crossledger/settlement/internal/fees"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/quote"
	"github.com/crossledger/settlement/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Deps struct {
	Chains     *chain.Registry
	Cursors    CursorStore
	Swaps      SwapLedger
	Offers     OfferLedger
	SwapStore  store.SwapStore
	OfferStore store.OfferStore
	Audit      store.AuditStore
	Publisher  events.Publisher
	Fees       *fees.Calculator
	Quotes     quote.Provider
}

type Options struct {
	Policy        MatchPolicy
	PollInterval  time.Duration
	SweepInterval time.Duration
	DrainInterval time.Duration
	CallTimeout   time.Duration
}

func (o *Options) defaults() {
	if o.Policy.Tolerance.IsZero() {
		o.Policy = DefaultMatchPolicy()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = 10 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
}

// Engine wires the monitor, queue and sweeper around one Context and exposes
// the settlement operations used by the worker and the ops API.
type Engine struct {
	Context *Context
	Monitor *Monitor
	Queue   *SwapQueue
	Sweeper *Sweeper

	swaps      SwapLedger
	swapStore  store.SwapStore
	offerStore store.OfferStore
	log        *zap.Logger
}

func New(sctx *Context, deps Deps, opts Options, log *zap.Logger) *Engine {
	opts.defaults()
	exec := NewExecutor(deps.Swaps, deps.Chains, deps.Fees, deps.Quotes, opts.CallTimeout, log)
	queue := NewSwapQueue(sctx, exec, opts.DrainInterval, log)
	return &Engine{
		Context:    sctx,
		Queue:      queue,
		Monitor:    NewMonitor(sctx, deps.Chains, deps.Cursors, opts.Policy, deps.Swaps, deps.Offers, queue, deps.Publisher, deps.Audit, opts.PollInterval, log),
		Sweeper:    NewSweeper(sctx, deps.SwapStore, deps.OfferStore, deps.Swaps, deps.Offers, deps.Audit, opts.SweepInterval, log),
		swaps:      deps.Swaps,
		swapStore:  deps.SwapStore,
		offerStore: deps.OfferStore,
		log:        log,
	}
}

// Start launches the periodic tasks. They stop when ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.Queue.Start(ctx)
	e.Sweeper.Start(ctx)
	e.Monitor.Start(ctx)
}

func (e *Engine) Stop() {
	e.Monitor.Stop()
	e.Sweeper.Stop()
	e.Queue.Stop()
}

const interruptedNote = "execution interrupted by restart"

// Rehydrate rebuilds the in-process registries from the stores after a restart.
func (e *Engine) Rehydrate(ctx context.Context) error {
	monitoring, err := e.swapStore.ListMonitoring(ctx)
	if err != nil {
		return fmt.Errorf("list monitored swaps: %w", err)
	}
	watched := 0
	for i := range monitoring {
		rec := &monitoring[i]
		if rec.Status != models.SwapStatusPending || rec.DepositReceived || rec.DepositAddress == "" {
			continue
		}
		e.Context.Watch(rec.WatchEntry())
		watched++
	}

	processing, err := e.swapStore.ListByStatus(ctx, models.SwapStatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing swaps: %w", err)
	}
	queued := 0
	for _, rec := range processing {
		if e.Queue.Enqueue(rec.ID) {
			queued++
		}
	}

	// Execution state is not persisted, so a swap caught between quote and
	// payout cannot resume safely. An operator decides from in_review.
	inFlight, err := e.swapStore.ListByStatus(ctx,
		models.SwapStatusConfirming, models.SwapStatusExchanging, models.SwapStatusSending)
	if err != nil {
		return fmt.Errorf("list interrupted swaps: %w", err)
	}
	interrupted := 0
	for i := range inFlight {
		rec := &inFlight[i]
		status := rec.Status
		if err := e.swaps.Advance(ctx, rec, models.SwapStatusInReview, interruptedNote); err != nil {
			e.log.Error("move interrupted swap to review failed",
				zap.String("exchange_id", rec.ID.String()),
				zap.String("status", status),
				zap.Error(err),
			)
			continue
		}
		interrupted++
	}

	for _, status := range []string{models.OfferStatusSellerLocked, models.OfferStatusBothLocked} {
		n, err := e.rehydrateOffers(ctx, status)
		if err != nil {
			return err
		}
		watched += n
	}

	e.log.Info("settlement registries rehydrated",
		zap.Int("watched", watched),
		zap.Int("queued", queued),
		zap.Int("interrupted", interrupted),
	)
	return nil
}

func (e *Engine) rehydrateOffers(ctx context.Context, status string) (int, error) {
	const pageSize = 100
	watched := 0
	for offset := 0; ; offset += pageSize {
		page, err := e.offerStore.List(ctx, models.OfferFilter{Status: &status, Limit: pageSize, Offset: offset})
		if err != nil {
			return watched, fmt.Errorf("list %s offers: %w", status, err)
		}
		for i := range page {
			o := &page[i]
			if o.SellerLocked() && o.SellerFundedAt == nil {
				if m, ok := o.WatchEntry(models.SideSeller); ok {
					e.Context.Watch(m)
					watched++
				}
			}
			if o.BuyerLocked() && o.BuyerFundedAt == nil {
				if m, ok := o.WatchEntry(models.SideBuyer); ok {
					e.Context.Watch(m)
					watched++
				}
			}
		}
		if len(page) < pageSize {
			return watched, nil
		}
	}
}

// AddExchangeToMonitoring (re)starts deposit monitoring for a pending swap.
func (e *Engine) AddExchangeToMonitoring(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error) {
	return e.swaps.StartMonitoring(ctx, id)
}

// TriggerManualSwap queues a swap for execution. in_review records are moved back
// to processing first; anything else that is not processing is rejected.
func (e *Engine) TriggerManualSwap(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error) {
	rec, err := e.swaps.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case models.SwapStatusInReview:
		if rec, err = e.swaps.RequeueForReview(ctx, id); err != nil {
			return nil, err
		}
	case models.SwapStatusProcessing:
	default:
		return nil, fmt.Errorf("%w: swap %s is %s and cannot be executed", models.ErrStateConflict, id, rec.Status)
	}

	if !e.Queue.Enqueue(id) {
		e.log.Info("manual swap trigger ignored, already queued", zap.String("exchange_id", id.String()))
	}
	return rec, nil
}

func (e *Engine) GetSwapQueueStatus() QueueStatus {
	return e.Queue.Status()
}

func (e *Engine) GetMonitoringStatus() MonitoringStatus {
	return e.Monitor.Status()
}

// SweepNow runs one sweeper cycle outside the schedule.
func (e *Engine) SweepNow(ctx context.Context) (SweepResult, bool) {
	return e.Sweeper.SweepOnce(ctx)
}
