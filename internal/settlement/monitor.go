package settlement

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/events"
	"github.com/crossledger/settlement/internal/metrics"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SwapLedger is the swap record owner. The monitor and the queue request
// transitions through it.
type SwapLedger interface {
	GetSwap(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error)
	Advance(ctx context.Context, rec *models.SwapRecord, to, note string) error
	MarkDepositReceived(ctx context.Context, id uuid.UUID, dep chain.Deposit) (*models.SwapRecord, error)
	RequeueForReview(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error)
	StartMonitoring(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error)
}

// OfferLedger is the escrow offer owner.
type OfferLedger interface {
	ConfirmLock(ctx context.Context, id uuid.UUID, side string, dep chain.Deposit) (*models.EscrowOffer, error)
	ExpireOffer(ctx context.Context, id uuid.UUID) (*models.EscrowOffer, error)
}

// MatchPolicy is the single tolerance and confirmation policy for deposit matching.
type MatchPolicy struct {
	// Tolerance is the allowed relative deviation, 0.05 for ±5%.
	Tolerance            decimal.Decimal
	DefaultConfirmations int64
	MinConfirmations     map[chain.Key]int64
}

func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{
		Tolerance:            decimal.RequireFromString("0.05"),
		DefaultConfirmations: 1,
		MinConfirmations: map[chain.Key]int64{
			chain.KeyBTC: 2,
			chain.KeyETH: 12,
			chain.KeyXDC: 5,
		},
	}
}

func (p MatchPolicy) Confirmations(key chain.Key) int64 {
	if n, ok := p.MinConfirmations[key]; ok {
		return n
	}
	return p.DefaultConfirmations
}

// AmountMatches reports |observed − expected| ≤ tolerance × expected.
func (p MatchPolicy) AmountMatches(expected, observed decimal.Decimal) bool {
	if !expected.IsPositive() {
		return false
	}
	return observed.Sub(expected).Abs().LessThanOrEqual(expected.Mul(p.Tolerance))
}

// Matches applies the full rule: currency, amount within tolerance, destination and memo.
func (p MatchPolicy) Matches(m models.MonitoredAddress, d chain.Deposit) bool {
	if !strings.EqualFold(m.Currency, d.Currency) {
		return false
	}
	if d.Address != "" && !strings.EqualFold(m.Address, d.Address) {
		return false
	}
	if m.Memo != "" && m.Memo != d.Memo {
		return false
	}
	return p.AmountMatches(m.ExpectedAmount, d.Amount)
}

var (
	// errRetry means the deposit could not be handled now and must be polled again.
	errRetry   = errors.New("retry deposit")
	errHandled = errors.New("deposit already handled")
)

type Monitor struct {
	sctx      *Context
	chains    *chain.Registry
	cursors   CursorStore
	policy    MatchPolicy
	swaps     SwapLedger
	offers    OfferLedger
	queue     *SwapQueue
	publisher events.Publisher
	audit     store.AuditStore
	task      *Task
	log       *zap.Logger

	mu   sync.Mutex
	base context.Context
}

func NewMonitor(
	sctx *Context,
	chains *chain.Registry,
	cursors CursorStore,
	policy MatchPolicy,
	swaps SwapLedger,
	offers OfferLedger,
	queue *SwapQueue,
	publisher events.Publisher,
	audit store.AuditStore,
	interval time.Duration,
	log *zap.Logger,
) *Monitor {
	m := &Monitor{
		sctx:      sctx,
		chains:    chains,
		cursors:   cursors,
		policy:    policy,
		swaps:     swaps,
		offers:    offers,
		queue:     queue,
		publisher: publisher,
		audit:     audit,
		log:       log,
	}
	m.task = NewTask("deposit-monitor", interval, m.poll, log)
	sctx.setWatchHook(m.ensureRunning)
	return m
}

// Start binds the monitor to ctx. Polling begins now if anything is watched,
// otherwise on the first AddMonitoredAddress.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
	if m.sctx.MonitoredCount() > 0 {
		m.task.Start(ctx)
	}
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	m.base = nil
	m.mu.Unlock()
	m.task.Stop()
}

func (m *Monitor) Running() bool { return m.task.Running() }

func (m *Monitor) ensureRunning() {
	m.mu.Lock()
	base := m.base
	m.mu.Unlock()
	if base != nil && base.Err() == nil {
		m.task.Start(base)
	}
}

// AddMonitoredAddress registers an expected deposit and starts polling if needed.
func (m *Monitor) AddMonitoredAddress(entry models.MonitoredAddress) {
	entry.Chain = string(chain.Normalize(entry.Chain))
	m.sctx.Watch(entry)
}

// PollOnce runs one polling cycle unless one is already in progress.
func (m *Monitor) PollOnce(ctx context.Context) bool {
	return m.task.RunOnce(ctx)
}

type watchGroup struct {
	key     chain.Key
	address string
	entries []models.MonitoredAddress
}

func (m *Monitor) poll(ctx context.Context) {
	var groups []*watchGroup
	index := make(map[string]*watchGroup)
	for _, e := range m.sctx.Monitored() {
		key := chain.Normalize(e.Chain)
		id := string(key) + "|" + e.Address
		g, ok := index[id]
		if !ok {
			g = &watchGroup{key: key, address: e.Address}
			index[id] = g
			groups = append(groups, g)
		}
		g.entries = append(g.entries, e)
	}

	for _, g := range groups {
		if ctx.Err() != nil {
			return
		}
		m.pollGroup(ctx, g)
	}
}

func (m *Monitor) pollGroup(ctx context.Context, g *watchGroup) {
	adapter, err := m.chains.Get(string(g.key))
	if err != nil {
		m.log.Warn("no adapter for monitored address", zap.String("chain", string(g.key)), zap.String("address", g.address))
		return
	}

	since, err := m.cursors.Cursor(ctx, g.key, g.address)
	if err != nil {
		m.log.Error("load cursor failed", zap.String("chain", string(g.key)), zap.Error(err))
		return
	}

	start := time.Now()
	deposits, next, err := adapter.PollDeposits(ctx, g.address, since)
	metrics.PollDuration.WithLabelValues(string(g.key)).Observe(time.Since(start).Seconds())
	if err != nil {
		m.log.Warn("poll deposits failed",
			zap.String("chain", string(g.key)),
			zap.String("address", g.address),
			zap.Error(err),
		)
		return
	}

	save := next
	minConf := m.policy.Confirmations(g.key)
	candidates := append([]models.MonitoredAddress(nil), g.entries...)

	for _, d := range deposits {
		metrics.DepositsObserved.WithLabelValues(string(g.key)).Inc()
		if d.Address == "" {
			d.Address = g.address
		}
		if d.Chain == "" {
			d.Chain = g.key
		}
		// Adapters report oldest first; nothing after an unconfirmed deposit is older.
		if d.Confirmations < minConf {
			m.log.Debug("deposit below confirmation threshold",
				zap.String("tx", d.TxRef),
				zap.Int64("confirmations", d.Confirmations),
				zap.Int64("required", minConf),
			)
			save = d.Cursor
			break
		}

		idx := m.match(candidates, d)
		if idx < 0 {
			err = m.unmatched(ctx, d, "no monitored entry matches")
		} else {
			err = m.credit(ctx, candidates[idx], d)
			if err == nil {
				candidates = append(candidates[:idx], candidates[idx+1:]...)
			}
		}
		if errors.Is(err, errRetry) {
			save = d.Cursor
			break
		}
	}

	if save != "" && save != since {
		if err := m.cursors.SaveCursor(ctx, g.key, g.address, save); err != nil {
			m.log.Error("save cursor failed", zap.String("chain", string(g.key)), zap.Error(err))
		}
	}
}

// match returns the earliest-added candidate the deposit satisfies, or -1.
func (m *Monitor) match(candidates []models.MonitoredAddress, d chain.Deposit) int {
	for i, c := range candidates {
		if m.policy.Matches(c, d) {
			return i
		}
	}
	return -1
}

// credit hands a matched deposit to the owning record exactly once.
func (m *Monitor) credit(ctx context.Context, entry models.MonitoredAddress, d chain.Deposit) error {
	holder := entry.Owner + ":" + entry.Key()
	claimed, err := m.cursors.ClaimTx(ctx, d.Chain, d.TxRef, holder)
	if err != nil {
		m.log.Error("claim deposit failed", zap.String("tx", d.TxRef), zap.Error(err))
		return errRetry
	}
	if !claimed {
		// A claim left by this same entry means an earlier credit failed and
		// its release did too. The entry is still watched, so credit again.
		prev, err := m.cursors.ClaimHolder(ctx, d.Chain, d.TxRef)
		if err != nil {
			m.log.Error("load deposit claim failed", zap.String("tx", d.TxRef), zap.Error(err))
			return errRetry
		}
		if prev != holder {
			return errHandled
		}
	}

	if _, ok := m.sctx.Claim(entry.Key()); !ok {
		// the record stopped watching between snapshot and now
		return m.reconcile(ctx, d, "monitored entry "+entry.Key()+" was removed")
	}

	id, err := uuid.Parse(entry.ExchangeID)
	if err != nil {
		return m.reconcile(ctx, d, "invalid exchange id "+entry.ExchangeID)
	}

	switch entry.Owner {
	case models.OwnerOffer:
		_, err = m.offers.ConfirmLock(ctx, id, entry.Side, d)
	default:
		_, err = m.swaps.MarkDepositReceived(ctx, id, d)
	}
	if err != nil {
		if errors.Is(err, models.ErrStateConflict) || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) {
			return m.reconcile(ctx, d, err.Error())
		}
		m.log.Error("credit deposit failed",
			zap.String("exchange_id", entry.ExchangeID),
			zap.String("tx", d.TxRef),
			zap.Error(err),
		)
		m.sctx.Watch(entry)
		if err := m.cursors.ReleaseTx(ctx, d.Chain, d.TxRef); err != nil {
			m.log.Error("release deposit claim failed",
				zap.String("exchange_id", entry.ExchangeID),
				zap.String("tx", d.TxRef),
				zap.Error(err),
			)
		}
		return errRetry
	}

	if entry.Owner != models.OwnerOffer {
		m.queue.Enqueue(id)
	}

	metrics.DepositsMatched.WithLabelValues(string(d.Chain), entry.Owner).Inc()
	m.log.Info("deposit matched",
		zap.String("exchange_id", entry.ExchangeID),
		zap.String("owner", entry.Owner),
		zap.String("side", entry.Side),
		zap.String("tx", d.TxRef),
		zap.String("amount", d.Amount.String()),
	)
	m.record(ctx, events.EventDepositMatched, &id, entry.Owner, d, "")
	return nil
}

// unmatched claims a deposit nothing is waiting for and reports it for manual reconciliation.
func (m *Monitor) unmatched(ctx context.Context, d chain.Deposit, reason string) error {
	claimed, err := m.cursors.ClaimTx(ctx, d.Chain, d.TxRef, "unmatched")
	if err != nil {
		m.log.Error("claim deposit failed", zap.String("tx", d.TxRef), zap.Error(err))
		return errRetry
	}
	if !claimed {
		return nil
	}
	return m.reconcile(ctx, d, reason)
}

// reconcile reports an already claimed deposit that no record could take.
func (m *Monitor) reconcile(ctx context.Context, d chain.Deposit, reason string) error {
	metrics.DepositsUnmatched.WithLabelValues(string(d.Chain)).Inc()
	m.log.Warn("unmatched deposit, manual reconciliation required",
		zap.String("chain", string(d.Chain)),
		zap.String("address", d.Address),
		zap.String("memo", d.Memo),
		zap.String("tx", d.TxRef),
		zap.String("amount", d.Amount.String()),
		zap.String("currency", d.Currency),
		zap.String("reason", reason),
	)
	m.record(ctx, events.EventDepositUnmatched, nil, "", d, reason)
	return nil
}

func (m *Monitor) record(ctx context.Context, eventType string, id *uuid.UUID, owner string, d chain.Deposit, reason string) {
	payload := map[string]any{
		"chain":    string(d.Chain),
		"tx_ref":   d.TxRef,
		"address":  d.Address,
		"memo":     d.Memo,
		"currency": d.Currency,
		"amount":   d.Amount.String(),
	}
	if id != nil {
		payload["exchange_id"] = id.String()
		payload["owner"] = owner
	}
	if reason != "" {
		payload["reason"] = reason
	}

	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, events.Channel, events.Event{Type: eventType, Payload: payload}); err != nil {
			m.log.Warn("publish deposit event failed", zap.String("event", eventType), zap.String("tx", d.TxRef), zap.Error(err))
		}
	}
	if m.audit != nil {
		if err := m.audit.Log(ctx, models.AuditLog{
			ActorType:  "system",
			Action:     eventType,
			EntityType: models.EntityDeposit,
			EntityID:   id,
			Meta:       payload,
		}); err != nil {
			m.log.Warn("audit log failed", zap.String("tx", d.TxRef), zap.Error(err))
		}
	}
}

type MonitoringStatus struct {
	IsRunning          bool                      `json:"is_running"`
	MonitoredAddresses int                       `json:"monitored_addresses"`
	ActiveChains       []string                  `json:"active_chains"`
	Entries            []models.MonitoredAddress `json:"entries"`
}

func (m *Monitor) Status() MonitoringStatus {
	entries := m.sctx.Monitored()
	seen := make(map[string]bool)
	chains := []string{}
	for _, e := range entries {
		if !seen[e.Chain] {
			seen[e.Chain] = true
			chains = append(chains, e.Chain)
		}
	}
	sort.Strings(chains)
	return MonitoringStatus{
		IsRunning:          m.task.Running(),
		MonitoredAddresses: len(entries),
		ActiveChains:       chains,
		Entries:            entries,
	}
}
