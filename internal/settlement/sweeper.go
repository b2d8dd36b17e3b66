package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/crossledger/settlement/internal/metrics"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/store"
	"go.uber.org/zap"
)

// expirableOfferStatuses are the offer states the sweeper may cancel.
// both_locked needs an operator since buyer funds may be committed.
var expirableOfferStatuses = []string{models.OfferStatusCreated, models.OfferStatusSellerLocked}

type SweepResult struct {
	Swaps     int `json:"swaps"`
	Offers    int `json:"offers"`
	Addresses int `json:"addresses"`
}

// Sweeper expires stale swap records, offers and monitored entries.
type Sweeper struct {
	sctx       *Context
	swapStore  store.SwapStore
	offerStore store.OfferStore
	swaps      SwapLedger
	offers     OfferLedger
	audit      store.AuditStore
	task       *Task
	now        func() time.Time
	log        *zap.Logger
}

func NewSweeper(
	sctx *Context,
	swapStore store.SwapStore,
	offerStore store.OfferStore,
	swaps SwapLedger,
	offers OfferLedger,
	audit store.AuditStore,
	interval time.Duration,
	log *zap.Logger,
) *Sweeper {
	s := &Sweeper{
		sctx:       sctx,
		swapStore:  swapStore,
		offerStore: offerStore,
		swaps:      swaps,
		offers:     offers,
		audit:      audit,
		now:        time.Now,
		log:        log,
	}
	s.task = NewTask("expiration-sweeper", interval, func(ctx context.Context) { s.sweep(ctx) }, log)
	return s
}

func (s *Sweeper) Start(ctx context.Context) { s.task.Start(ctx) }
func (s *Sweeper) Stop()                     { s.task.Stop() }

// SweepOnce runs one cycle and returns what it expired.
// ok is false when a cycle was already running.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, bool) {
	var res SweepResult
	ok := s.task.Do(func() { res = s.sweep(ctx) })
	return res, ok
}

func (s *Sweeper) sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.now()

	expired, err := s.swapStore.ListExpired(ctx, now)
	if err != nil {
		s.log.Error("list expired swaps failed", zap.Error(err))
	}
	for i := range expired {
		rec := &expired[i]
		if err := s.swaps.Advance(ctx, rec, models.SwapStatusExpired, "expired without deposit"); err != nil {
			// a deposit may have been credited since the listing
			if !errors.Is(err, models.ErrStateConflict) {
				s.log.Error("expire swap failed", zap.String("exchange_id", rec.ID.String()), zap.Error(err))
			}
			continue
		}
		res.Swaps++
		metrics.SweepExpired.WithLabelValues("swap").Inc()
		s.log.Info("swap expired", zap.String("exchange_id", rec.ID.String()))
	}

	offers, err := s.offerStore.ListExpired(ctx, now, expirableOfferStatuses)
	if err != nil {
		s.log.Error("list expired offers failed", zap.Error(err))
	}
	for _, o := range offers {
		if _, err := s.offers.ExpireOffer(ctx, o.ID); err != nil {
			if !errors.Is(err, models.ErrStateConflict) {
				s.log.Error("expire offer failed", zap.String("offer_id", o.ID.String()), zap.Error(err))
			}
			continue
		}
		res.Offers++
		metrics.SweepExpired.WithLabelValues("offer").Inc()
		s.log.Info("offer expired", zap.String("offer_id", o.ID.String()), zap.String("status", o.Status))
	}

	for _, m := range s.sctx.RemoveExpired(now) {
		res.Addresses++
		metrics.SweepExpired.WithLabelValues("address").Inc()
		s.log.Info("monitored address expired",
			zap.String("exchange_id", m.ExchangeID),
			zap.String("chain", m.Chain),
			zap.String("address", m.Address),
		)
		if s.audit != nil {
			err := s.audit.Log(ctx, models.AuditLog{
				ActorType:  "system",
				Action:     "monitoring_expired",
				EntityType: models.EntityDeposit,
				Meta: map[string]any{
					"exchange_id": m.ExchangeID,
					"owner":       m.Owner,
					"chain":       m.Chain,
					"address":     m.Address,
					"expires_at":  m.ExpiresAt,
				},
			})
			if err != nil {
				s.log.Warn("audit log failed",
					zap.String("action", "monitoring_expired"),
					zap.String("exchange_id", m.ExchangeID),
					zap.Error(err),
				)
			}
		}
	}

	if res.Swaps+res.Offers+res.Addresses > 0 {
		s.log.Info("sweep finished",
			zap.Int("swaps", res.Swaps),
			zap.Int("offers", res.Offers),
			zap.Int("addresses", res.Addresses),
		)
	}
	return res
}
