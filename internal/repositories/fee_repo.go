package repositories

import (
	"context"
	"errors"

	"github.com/crossledger/settlement/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type FeeConfigRepo struct {
	pool *pgxpool.Pool
}

func NewFeeConfigRepo(pool *pgxpool.Pool) *FeeConfigRepo {
	return &FeeConfigRepo{pool: pool}
}

// FindActive returns the active fee config for symbol or models.ErrNotFound.
func (r *FeeConfigRepo) FindActive(ctx context.Context, symbol string) (*models.FeeConfig, error) {
	var c models.FeeConfig
	err := r.pool.QueryRow(ctx, `
		SELECT symbol, fee_percentage, minimum_fee, maximum_fee, fee_collection_address, is_active
		FROM fee_configs WHERE upper(symbol) = upper($1) AND is_active
	`, symbol).Scan(&c.Symbol, &c.FeePercentage, &c.MinimumFee, &c.MaximumFee, &c.FeeCollectionAddress, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *FeeConfigRepo) Upsert(ctx context.Context, c *models.FeeConfig) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO fee_configs (symbol, fee_percentage, minimum_fee, maximum_fee, fee_collection_address, is_active)
		VALUES (upper($1), $2, $3, $4, $5, $6)
		ON CONFLICT (symbol) DO UPDATE SET
			fee_percentage = EXCLUDED.fee_percentage,
			minimum_fee = EXCLUDED.minimum_fee,
			maximum_fee = EXCLUDED.maximum_fee,
			fee_collection_address = EXCLUDED.fee_collection_address,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, c.Symbol, c.FeePercentage, c.MinimumFee, c.MaximumFee, c.FeeCollectionAddress, c.IsActive)
	return err
}
