// Package memory implements the store contracts over mutex-guarded maps.
// Records are copied on the way in and out so callers never share state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crossledger/settlement/internal/models"
	"github.com/google/uuid"
)

type OfferStore struct {
	mu     sync.RWMutex
	offers map[uuid.UUID]models.EscrowOffer
	now    func() time.Time
}

func NewOfferStore() *OfferStore {
	return &OfferStore{offers: make(map[uuid.UUID]models.EscrowOffer), now: time.Now}
}

func (s *OfferStore) Create(_ context.Context, o *models.EscrowOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if _, ok := s.offers[o.ID]; ok {
		return fmt.Errorf("%w: offer %s already exists", models.ErrStateConflict, o.ID)
	}
	o.UpdatedAt = s.now()
	s.offers[o.ID] = *o
	return nil
}

func (s *OfferStore) GetByID(_ context.Context, id uuid.UUID) (*models.EscrowOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &o, nil
}

func (s *OfferStore) Update(_ context.Context, o *models.EscrowOffer, from string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.offers[o.ID]
	if !ok {
		return models.ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("%w: offer %s is no longer %s", models.ErrStateConflict, o.ID, from)
	}
	o.UpdatedAt = s.now()
	s.offers[o.ID] = *o
	return nil
}

func (s *OfferStore) List(_ context.Context, f models.OfferFilter) ([]models.EscrowOffer, error) {
	s.mu.RLock()
	var out []models.EscrowOffer
	for _, o := range s.offers {
		if matchOffer(o, f) {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return page(out, f.Offset, limit), nil
}

func matchOffer(o models.EscrowOffer, f models.OfferFilter) bool {
	switch {
	case f.PublicOnly && !o.IsPublic:
		return false
	case f.Status != nil && o.Status != *f.Status:
		return false
	case f.SellerCurrency != nil && !strings.EqualFold(o.SellerCurrency, *f.SellerCurrency):
		return false
	case f.BuyerCurrency != nil && !strings.EqualFold(o.BuyerCurrency, *f.BuyerCurrency):
		return false
	case f.SellerChain != nil && o.SellerChain != *f.SellerChain:
		return false
	case f.BuyerChain != nil && o.BuyerChain != *f.BuyerChain:
		return false
	case f.UserRef != nil && o.SellerRef != *f.UserRef && (o.BuyerRef == nil || *o.BuyerRef != *f.UserRef):
		return false
	}
	return true
}

func (s *OfferStore) ListExpired(_ context.Context, now time.Time, statuses []string) ([]models.EscrowOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.EscrowOffer
	for _, o := range s.offers {
		if o.ExpiresAt.Before(now) && contains(statuses, o.Status) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

type SwapStore struct {
	mu    sync.RWMutex
	swaps map[uuid.UUID]models.SwapRecord
	now   func() time.Time
}

func NewSwapStore() *SwapStore {
	return &SwapStore{swaps: make(map[uuid.UUID]models.SwapRecord), now: time.Now}
}

func (s *SwapStore) Create(_ context.Context, r *models.SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if _, ok := s.swaps[r.ID]; ok {
		return fmt.Errorf("%w: swap %s already exists", models.ErrStateConflict, r.ID)
	}
	r.UpdatedAt = s.now()
	s.swaps[r.ID] = *r
	return nil
}

func (s *SwapStore) GetByID(_ context.Context, id uuid.UUID) (*models.SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.swaps[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (s *SwapStore) Update(_ context.Context, r *models.SwapRecord, from string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.swaps[r.ID]
	if !ok {
		return models.ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("%w: swap %s is no longer %s", models.ErrStateConflict, r.ID, from)
	}
	r.UpdatedAt = s.now()
	s.swaps[r.ID] = *r
	return nil
}

func (s *SwapStore) ListByStatus(_ context.Context, statuses ...string) ([]models.SwapRecord, error) {
	return s.filter(func(r models.SwapRecord) bool { return contains(statuses, r.Status) }), nil
}

func (s *SwapStore) ListMonitoring(_ context.Context) ([]models.SwapRecord, error) {
	return s.filter(func(r models.SwapRecord) bool { return r.MonitoringActive }), nil
}

func (s *SwapStore) ListExpired(_ context.Context, now time.Time) ([]models.SwapRecord, error) {
	return s.filter(func(r models.SwapRecord) bool {
		return r.Status == models.SwapStatusPending && !r.DepositReceived && r.ExpiresAt.Before(now)
	}), nil
}

func (s *SwapStore) filter(keep func(models.SwapRecord) bool) []models.SwapRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SwapRecord
	for _, r := range s.swaps {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AuditStore keeps audit entries in insertion order.
type AuditStore struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Log(_ context.Context, entry models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns the audit trail of one entity, oldest first.
func (s *AuditStore) Entries(entityType string, id uuid.UUID) []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, e := range s.entries {
		if e.EntityType == entityType && e.EntityID != nil && *e.EntityID == id {
			out = append(out, e)
		}
	}
	return out
}

// GetByEntity pages the trail newest first, like the postgres repository.
func (s *AuditStore) GetByEntity(_ context.Context, entityType string, id uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	entries := s.Entries(entityType, id)
	out := make([]models.AuditLog, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	return page(out, offset, limit), nil
}

// FeeConfigStore serves fee configs keyed by upper-case symbol.
type FeeConfigStore struct {
	mu      sync.RWMutex
	configs map[string]models.FeeConfig
}

func NewFeeConfigStore(configs ...models.FeeConfig) *FeeConfigStore {
	s := &FeeConfigStore{configs: make(map[string]models.FeeConfig)}
	for _, c := range configs {
		s.Put(c)
	}
	return s
}

func (s *FeeConfigStore) Put(c models.FeeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Symbol = strings.ToUpper(c.Symbol)
	s.configs[c.Symbol] = c
}

func (s *FeeConfigStore) FindActive(_ context.Context, symbol string) (*models.FeeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[strings.ToUpper(symbol)]
	if !ok || !c.IsActive {
		return nil, models.ErrNotFound
	}
	return &c, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
