// Package store declares the persistence contracts shared by the pgx
// repositories and the in-memory implementation.
package store

import (
	"context"
	"time"

	"github.com/crossledger/settlement/internal/models"
	"github.com/google/uuid"
)

// OfferStore persists escrow offers. Update is a compare-and-set on status:
// it writes o only while the stored status still equals from and returns
// models.ErrStateConflict otherwise.
type OfferStore interface {
	Create(ctx context.Context, o *models.EscrowOffer) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowOffer, error)
	List(ctx context.Context, f models.OfferFilter) ([]models.EscrowOffer, error)
	Update(ctx context.Context, o *models.EscrowOffer, from string) error
	ListExpired(ctx context.Context, now time.Time, statuses []string) ([]models.EscrowOffer, error)
}

// SwapStore persists swap records with the same compare-and-set Update.
type SwapStore interface {
	Create(ctx context.Context, s *models.SwapRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error)
	Update(ctx context.Context, s *models.SwapRecord, from string) error
	ListByStatus(ctx context.Context, statuses ...string) ([]models.SwapRecord, error)
	ListMonitoring(ctx context.Context) ([]models.SwapRecord, error)
	// ListExpired returns pending records without a deposit whose expiry passed.
	ListExpired(ctx context.Context, now time.Time) ([]models.SwapRecord, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
}
