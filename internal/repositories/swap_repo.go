package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crossledger/settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const swapColumns = `
	id, from_chain, from_currency, from_amount, to_chain, to_currency, to_amount,
	recipient_address, deposit_address, deposit_memo, custody_handle,
	deposit_received, deposit_tx_hash, received_amount, swap_completed, monitoring_active,
	fee_amount, fee_tx_hash, swap_tx_hash, status, note,
	created_at, expires_at, processed_at, completed_at, failed_at, updated_at`

type SwapRepo struct {
	pool *pgxpool.Pool
}

func NewSwapRepo(pool *pgxpool.Pool) *SwapRepo {
	return &SwapRepo{pool: pool}
}

func scanSwap(row pgx.Row) (*models.SwapRecord, error) {
	var s models.SwapRecord
	err := row.Scan(&s.ID, &s.FromChain, &s.FromCurrency, &s.FromAmount, &s.ToChain, &s.ToCurrency, &s.ToAmount,
		&s.RecipientAddress, &s.DepositAddress, &s.DepositMemo, &s.CustodyHandle,
		&s.DepositReceived, &s.DepositTxHash, &s.ReceivedAmount, &s.SwapCompleted, &s.MonitoringActive,
		&s.FeeAmount, &s.FeeTxHash, &s.SwapTxHash, &s.Status, &s.Note,
		&s.CreatedAt, &s.ExpiresAt, &s.ProcessedAt, &s.CompletedAt, &s.FailedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *SwapRepo) Create(ctx context.Context, s *models.SwapRecord) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO swap_records (id, from_chain, from_currency, from_amount, to_chain, to_currency,
		                          recipient_address, deposit_address, deposit_memo, custody_handle,
		                          monitoring_active, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING updated_at
	`, s.ID, s.FromChain, s.FromCurrency, s.FromAmount, s.ToChain, s.ToCurrency,
		s.RecipientAddress, s.DepositAddress, s.DepositMemo, s.CustodyHandle,
		s.MonitoringActive, s.Status, s.CreatedAt, s.ExpiresAt,
	).Scan(&s.UpdatedAt)
}

func (r *SwapRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error) {
	return scanSwap(r.pool.QueryRow(ctx, `SELECT `+swapColumns+` FROM swap_records WHERE id = $1`, id))
}

func (r *SwapRepo) ListByStatus(ctx context.Context, statuses ...string) ([]models.SwapRecord, error) {
	return r.query(ctx, `SELECT `+swapColumns+` FROM swap_records WHERE status = ANY($1) ORDER BY created_at`, statuses)
}

func (r *SwapRepo) ListMonitoring(ctx context.Context) ([]models.SwapRecord, error) {
	return r.query(ctx, `SELECT `+swapColumns+` FROM swap_records WHERE monitoring_active ORDER BY created_at`)
}

func (r *SwapRepo) ListExpired(ctx context.Context, now time.Time) ([]models.SwapRecord, error) {
	return r.query(ctx, `
		SELECT `+swapColumns+` FROM swap_records
		WHERE status = 'pending' AND NOT deposit_received AND expires_at < $1
		ORDER BY expires_at
	`, now)
}

func (r *SwapRepo) query(ctx context.Context, query string, args ...any) ([]models.SwapRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []models.SwapRecord
	for rows.Next() {
		s, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, *s)
	}
	return swaps, rows.Err()
}

func (r *SwapRepo) Update(ctx context.Context, s *models.SwapRecord, from string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE swap_records SET
			to_amount = $2, deposit_address = $3, deposit_memo = $4, custody_handle = $5,
			deposit_received = $6, deposit_tx_hash = $7, received_amount = $8,
			swap_completed = $9, monitoring_active = $10,
			fee_amount = $11, fee_tx_hash = $12, swap_tx_hash = $13,
			status = $14, note = $15,
			processed_at = $16, completed_at = $17, failed_at = $18, updated_at = now()
		WHERE id = $1 AND status = $19
	`, s.ID, s.ToAmount, s.DepositAddress, s.DepositMemo, s.CustodyHandle,
		s.DepositReceived, s.DepositTxHash, s.ReceivedAmount,
		s.SwapCompleted, s.MonitoringActive,
		s.FeeAmount, s.FeeTxHash, s.SwapTxHash,
		s.Status, s.Note,
		s.ProcessedAt, s.CompletedAt, s.FailedAt, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: swap %s is no longer %s", models.ErrStateConflict, s.ID, from)
	}
	return nil
}
