// Package fees computes the platform fee charged on escrow offers and swaps.
package fees

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/crossledger/settlement/internal/models"
	"github.com/shopspring/decimal"
)

// DefaultPercentage applies when no active fee config exists for an asset.
var DefaultPercentage = decimal.RequireFromString("0.5")

var hundred = decimal.NewFromInt(100)

// ConfigStore looks up the active fee config for a symbol.
// It returns models.ErrNotFound when none is active.
type ConfigStore interface {
	FindActive(ctx context.Context, symbol string) (*models.FeeConfig, error)
}

// Compute returns amount × percentage / 100 clamped to [minimumFee, maximumFee].
// A zero maximum means no upper bound. A nil config uses DefaultPercentage without bounds.
func Compute(cfg *models.FeeConfig, amount decimal.Decimal) decimal.Decimal {
	if cfg == nil || !cfg.IsActive {
		return amount.Mul(DefaultPercentage).Div(hundred)
	}
	return clamp(amount.Mul(cfg.FeePercentage).Div(hundred), cfg.MinimumFee, cfg.MaximumFee)
}

func clamp(fee, minimum, maximum decimal.Decimal) decimal.Decimal {
	if fee.LessThan(minimum) {
		fee = minimum
	}
	if maximum.IsPositive() && fee.GreaterThan(maximum) {
		fee = maximum
	}
	return fee
}

// Quote is a resolved fee for one asset and amount.
type Quote struct {
	Symbol            string
	Percentage        decimal.Decimal
	Amount            decimal.Decimal
	CollectionAddress string
}

// Net returns gross minus the fee.
func (q Quote) Net(gross decimal.Decimal) decimal.Decimal {
	return gross.Sub(q.Amount)
}

// Calculator resolves fee configs from a store and applies Compute.
type Calculator struct {
	store             ConfigStore
	defaultPercentage decimal.Decimal
}

func NewCalculator(store ConfigStore, defaultPercentage decimal.Decimal) *Calculator {
	if !defaultPercentage.IsPositive() {
		defaultPercentage = DefaultPercentage
	}
	return &Calculator{store: store, defaultPercentage: defaultPercentage}
}

// Config returns the active config for symbol, or a default config when none exists.
func (c *Calculator) Config(ctx context.Context, symbol string) (*models.FeeConfig, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if c.store != nil {
		cfg, err := c.store.FindActive(ctx, symbol)
		if err == nil && cfg != nil && cfg.IsActive {
			return cfg, nil
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("load fee config %s: %w", symbol, err)
		}
	}
	return &models.FeeConfig{
		Symbol:        symbol,
		FeePercentage: c.defaultPercentage,
		IsActive:      true,
	}, nil
}

// Quote resolves the fee for amount of symbol.
func (c *Calculator) Quote(ctx context.Context, symbol string, amount decimal.Decimal) (Quote, error) {
	cfg, err := c.Config(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Symbol:            cfg.Symbol,
		Percentage:        cfg.FeePercentage,
		Amount:            Compute(cfg, amount),
		CollectionAddress: cfg.FeeCollectionAddress,
	}, nil
}
