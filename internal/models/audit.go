package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit entity types
const (
	EntityEscrowOffer = "escrow_offer"
	EntitySwapRecord  = "swap_record"
	EntityDeposit     = "deposit"
)

type AuditLog struct {
	ID         uuid.UUID  `json:"id"`
	ActorRef   *string    `json:"actor_ref,omitempty"`
	ActorType  string     `json:"actor_type"` // user/admin/system
	Action     string     `json:"action"`
	EntityType string     `json:"entity_type"`
	EntityID   *uuid.UUID `json:"entity_id,omitempty"`
	Meta       any        `json:"meta,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
