package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/fees"
	"github.com/crossledger/settlement/internal/metrics"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/quote"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultCallTimeout = 5 * time.Minute

// errFeeTransfer marks a failed fee collection. Fee and swap are one unit,
// so this always fails the record.
var errFeeTransfer = errors.New("fee transfer failed")

// Executor turns a processing swap record into a completed transfer to the recipient.
type Executor struct {
	swaps   SwapLedger
	chains  *chain.Registry
	fees    *fees.Calculator
	quotes  quote.Provider
	timeout time.Duration
	log     *zap.Logger
}

func NewExecutor(swaps SwapLedger, chains *chain.Registry, calc *fees.Calculator, quotes quote.Provider, timeout time.Duration, log *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Executor{
		swaps:   swaps,
		chains:  chains,
		fees:    calc,
		quotes:  quotes,
		timeout: timeout,
		log:     log,
	}
}

// Execute runs one swap and returns the status it left the record in.
// Records not in processing are skipped and the empty status is returned.
func (e *Executor) Execute(ctx context.Context, id uuid.UUID) string {
	rec, err := e.swaps.GetSwap(ctx, id)
	if err != nil {
		e.log.Error("load swap for execution failed", zap.String("exchange_id", id.String()), zap.Error(err))
		return ""
	}
	if rec.Status != models.SwapStatusProcessing {
		e.log.Info("swap not executable, skipping",
			zap.String("exchange_id", id.String()),
			zap.String("status", rec.Status),
		)
		return ""
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	err = e.run(callCtx, rec)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	metrics.SwapExecutionDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.SwapsFinished.WithLabelValues(rec.Status).Inc()
		e.log.Info("swap completed",
			zap.String("exchange_id", id.String()),
			zap.String("tx", deref(rec.SwapTxHash)),
			zap.Duration("took", time.Since(start)),
		)
		return rec.Status
	}

	status := models.Classify(err)
	switch {
	case timedOut:
		status = models.SwapStatusFailed
		err = fmt.Errorf("%w: execution exceeded %s: %v", models.ErrTimeout, e.timeout, err)
	case errors.Is(err, errFeeTransfer):
		status = models.SwapStatusFailed
	}

	// the call context may be gone, the failure must still be written
	if werr := e.swaps.Advance(context.WithoutCancel(ctx), rec, status, err.Error()); werr != nil {
		e.log.Error("persist swap failure failed",
			zap.String("exchange_id", id.String()),
			zap.String("status", status),
			zap.NamedError("cause", err),
			zap.Error(werr),
		)
		return rec.Status
	}
	metrics.SwapsFinished.WithLabelValues(status).Inc()
	e.log.Warn("swap execution failed",
		zap.String("exchange_id", id.String()),
		zap.String("status", status),
		zap.Error(err),
	)
	return status
}

func (e *Executor) run(ctx context.Context, rec *models.SwapRecord) error {
	gross := rec.FromAmount
	if rec.ReceivedAmount.Valid {
		gross = rec.ReceivedAmount.Decimal
	}

	fee, err := e.fees.Quote(ctx, rec.FromCurrency, gross)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	net := fee.Net(gross)
	if !net.IsPositive() {
		return fmt.Errorf("%w: fee %s consumes the whole deposit", models.ErrValidation, fee.Amount)
	}
	rec.FeeAmount = decimal.NewNullDecimal(fee.Amount)

	// A fee collected by an earlier attempt is not taken twice.
	if rec.FeeTxHash == nil && fee.Amount.IsPositive() && fee.CollectionAddress != "" {
		if err := e.swaps.Advance(ctx, rec, models.SwapStatusConfirming, "collecting fee "+fee.Amount.String()); err != nil {
			return err
		}
		tx, err := e.collectFee(ctx, rec, fee)
		if err != nil {
			return fmt.Errorf("%w: %v", errFeeTransfer, err)
		}
		rec.FeeTxHash = &tx
		metrics.FeesCollected.WithLabelValues(rec.FromCurrency).Add(fee.Amount.InexactFloat64())
	}

	q, err := e.quotes.GetBestQuote(ctx, quote.Request{
		From:          quote.Asset{Chain: rec.FromChain, Currency: rec.FromCurrency},
		To:            quote.Asset{Chain: rec.ToChain, Currency: rec.ToCurrency},
		Amount:        net,
		Recipient:     rec.RecipientAddress,
		CustodyHandle: rec.CustodyHandle,
		Reference:     rec.ID.String(),
	})
	if err != nil {
		return err
	}

	rec.ToAmount = decimal.NewNullDecimal(q.ToAmount)
	if err := e.swaps.Advance(ctx, rec, models.SwapStatusExchanging, "route "+q.Route); err != nil {
		return err
	}

	res, err := e.quotes.ExecuteSwap(ctx, q)
	if err != nil {
		return err
	}
	rec.SwapTxHash = &res.TxHash
	rec.SwapCompleted = true
	return e.swaps.Advance(ctx, rec, models.SwapStatusCompleted, "")
}

func (e *Executor) collectFee(ctx context.Context, rec *models.SwapRecord, fee fees.Quote) (string, error) {
	adapter, err := e.chains.Get(rec.FromChain)
	if err != nil {
		return "", err
	}
	return adapter.Release(ctx, chain.TransferParams{
		Handle:   rec.CustodyHandle,
		To:       fee.CollectionAddress,
		Currency: rec.FromCurrency,
		Amount:   fee.Amount,
	})
}

// SwapQueue serializes execution: one job at a time, at most one per exchange id.
type SwapQueue struct {
	sctx *Context
	exec *Executor
	task *Task
	log  *zap.Logger
}

func NewSwapQueue(sctx *Context, exec *Executor, interval time.Duration, log *zap.Logger) *SwapQueue {
	q := &SwapQueue{sctx: sctx, exec: exec, log: log}
	q.task = NewTask("swap-queue", interval, q.drain, log)
	return q
}

func (q *SwapQueue) Start(ctx context.Context) { q.task.Start(ctx) }
func (q *SwapQueue) Stop()                     { q.task.Stop() }

// Enqueue adds a job unless one is queued or executing for id, and wakes the drain loop.
func (q *SwapQueue) Enqueue(id uuid.UUID) bool {
	if !q.sctx.Enqueue(id) {
		q.log.Debug("swap already queued", zap.String("exchange_id", id.String()))
		return false
	}
	q.task.Trigger()
	return true
}

// Drain executes queued jobs until the queue is empty. It is a no-op while another drain runs.
func (q *SwapQueue) Drain(ctx context.Context) bool {
	return q.task.RunOnce(ctx)
}

func (q *SwapQueue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		id, ok := q.sctx.Next()
		if !ok {
			return
		}
		q.exec.Execute(ctx, id)
		q.sctx.Done(id)
	}
}

type QueueStatus struct {
	QueueSize    int      `json:"queue_size"`
	Processing   bool     `json:"processing"`
	InFlight     []string `json:"in_flight"`
	PendingSwaps []string `json:"pending_swaps"`
}

func (q *SwapQueue) Status() QueueStatus {
	queued, inFlight := q.sctx.QueueSnapshot()
	st := QueueStatus{
		QueueSize:    len(queued),
		Processing:   len(inFlight) > 0,
		InFlight:     make([]string, 0, len(inFlight)),
		PendingSwaps: make([]string, 0, len(queued)),
	}
	for _, id := range inFlight {
		st.InFlight = append(st.InFlight, id.String())
	}
	for _, id := range queued {
		st.PendingSwaps = append(st.PendingSwaps, id.String())
	}
	return st
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
