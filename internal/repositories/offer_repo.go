package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crossledger/settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const offerColumns = `
	id, seller_ref, buyer_ref,
	seller_chain, seller_address, seller_amount, seller_currency,
	buyer_chain, buyer_address, buyer_amount, buyer_currency,
	description, terms, is_public,
	seller_contract_address, seller_deposit_address, seller_deposit_memo, seller_escrow_tx, seller_deposit_tx,
	buyer_contract_address, buyer_deposit_address, buyer_deposit_memo, buyer_escrow_tx, buyer_deposit_tx,
	seller_release_tx, buyer_release_tx,
	admin_fee_percentage, admin_fee_amount, admin_fee_collected,
	status, dispute_reason,
	created_at, seller_locked_at, seller_funded_at, buyer_locked_at, buyer_funded_at,
	completed_at, cancelled_at, expires_at, updated_at`

type OfferRepo struct {
	pool *pgxpool.Pool
}

func NewOfferRepo(pool *pgxpool.Pool) *OfferRepo {
	return &OfferRepo{pool: pool}
}

func scanOffer(row pgx.Row) (*models.EscrowOffer, error) {
	var o models.EscrowOffer
	err := row.Scan(&o.ID, &o.SellerRef, &o.BuyerRef,
		&o.SellerChain, &o.SellerAddress, &o.SellerAmount, &o.SellerCurrency,
		&o.BuyerChain, &o.BuyerAddress, &o.BuyerAmount, &o.BuyerCurrency,
		&o.Description, &o.Terms, &o.IsPublic,
		&o.SellerContractAddress, &o.SellerDepositAddress, &o.SellerDepositMemo, &o.SellerEscrowTx, &o.SellerDepositTx,
		&o.BuyerContractAddress, &o.BuyerDepositAddress, &o.BuyerDepositMemo, &o.BuyerEscrowTx, &o.BuyerDepositTx,
		&o.SellerReleaseTx, &o.BuyerReleaseTx,
		&o.AdminFeePercentage, &o.AdminFeeAmount, &o.AdminFeeCollected,
		&o.Status, &o.DisputeReason,
		&o.CreatedAt, &o.SellerLockedAt, &o.SellerFundedAt, &o.BuyerLockedAt, &o.BuyerFundedAt,
		&o.CompletedAt, &o.CancelledAt, &o.ExpiresAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *OfferRepo) Create(ctx context.Context, o *models.EscrowOffer) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrow_offers (id, seller_ref, seller_chain, seller_address, seller_amount, seller_currency,
		                           buyer_chain, buyer_amount, buyer_currency, description, terms, is_public,
		                           admin_fee_percentage, admin_fee_amount, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING updated_at
	`, o.ID, o.SellerRef, o.SellerChain, o.SellerAddress, o.SellerAmount, o.SellerCurrency,
		o.BuyerChain, o.BuyerAmount, o.BuyerCurrency, o.Description, o.Terms, o.IsPublic,
		o.AdminFeePercentage, o.AdminFeeAmount, o.Status, o.CreatedAt, o.ExpiresAt,
	).Scan(&o.UpdatedAt)
}

func (r *OfferRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowOffer, error) {
	return scanOffer(r.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM escrow_offers WHERE id = $1`, id))
}

func (r *OfferRepo) List(ctx context.Context, f models.OfferFilter) ([]models.EscrowOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM escrow_offers`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.PublicOnly {
		where = append(where, "is_public")
	}
	if f.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *f.Status)
		argIdx++
	}
	if f.SellerCurrency != nil {
		where = append(where, fmt.Sprintf("upper(seller_currency) = upper($%d)", argIdx))
		args = append(args, *f.SellerCurrency)
		argIdx++
	}
	if f.BuyerCurrency != nil {
		where = append(where, fmt.Sprintf("upper(buyer_currency) = upper($%d)", argIdx))
		args = append(args, *f.BuyerCurrency)
		argIdx++
	}
	if f.SellerChain != nil {
		where = append(where, fmt.Sprintf("seller_chain = $%d", argIdx))
		args = append(args, *f.SellerChain)
		argIdx++
	}
	if f.BuyerChain != nil {
		where = append(where, fmt.Sprintf("buyer_chain = $%d", argIdx))
		args = append(args, *f.BuyerChain)
		argIdx++
	}
	if f.UserRef != nil {
		where = append(where, fmt.Sprintf("(seller_ref = $%d OR buyer_ref = $%d)", argIdx, argIdx))
		args = append(args, *f.UserRef)
		argIdx++
	}

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	return r.query(ctx, query, args...)
}

func (r *OfferRepo) ListExpired(ctx context.Context, now time.Time, statuses []string) ([]models.EscrowOffer, error) {
	return r.query(ctx, `
		SELECT `+offerColumns+` FROM escrow_offers
		WHERE expires_at < $1 AND status = ANY($2)
		ORDER BY expires_at
	`, now, statuses)
}

func (r *OfferRepo) query(ctx context.Context, query string, args ...any) ([]models.EscrowOffer, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []models.EscrowOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

// Update writes every mutable column while the row is still in status from.
func (r *OfferRepo) Update(ctx context.Context, o *models.EscrowOffer, from string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_offers SET
			buyer_ref = $2, buyer_chain = $3, buyer_address = $4, buyer_amount = $5, buyer_currency = $6,
			seller_contract_address = $7, seller_deposit_address = $8, seller_deposit_memo = $9,
			seller_escrow_tx = $10, seller_deposit_tx = $11,
			buyer_contract_address = $12, buyer_deposit_address = $13, buyer_deposit_memo = $14,
			buyer_escrow_tx = $15, buyer_deposit_tx = $16,
			seller_release_tx = $17, buyer_release_tx = $18,
			admin_fee_collected = $19, status = $20, dispute_reason = $21,
			seller_locked_at = $22, seller_funded_at = $23, buyer_locked_at = $24, buyer_funded_at = $25,
			completed_at = $26, cancelled_at = $27, updated_at = now()
		WHERE id = $1 AND status = $28
	`, o.ID, o.BuyerRef, o.BuyerChain, o.BuyerAddress, o.BuyerAmount, o.BuyerCurrency,
		o.SellerContractAddress, o.SellerDepositAddress, o.SellerDepositMemo,
		o.SellerEscrowTx, o.SellerDepositTx,
		o.BuyerContractAddress, o.BuyerDepositAddress, o.BuyerDepositMemo,
		o.BuyerEscrowTx, o.BuyerDepositTx,
		o.SellerReleaseTx, o.BuyerReleaseTx,
		o.AdminFeeCollected, o.Status, o.DisputeReason,
		o.SellerLockedAt, o.SellerFundedAt, o.BuyerLockedAt, o.BuyerFundedAt,
		o.CompletedAt, o.CancelledAt, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: offer %s is no longer %s", models.ErrStateConflict, o.ID, from)
	}
	return nil
}
