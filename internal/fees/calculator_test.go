package fees

import (
	"context"
	"errors"
	"testing"

	"github.com/crossledger/settlement/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubStore map[string]*models.FeeConfig

func (s stubStore) FindActive(_ context.Context, symbol string) (*models.FeeConfig, error) {
	cfg, ok := s[symbol]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cfg, nil
}

type brokenStore struct{}

func (brokenStore) FindActive(context.Context, string) (*models.FeeConfig, error) {
	return nil, errors.New("connection refused")
}

func TestCompute_Clamping(t *testing.T) {
	cfg := &models.FeeConfig{FeePercentage: d("2"), MinimumFee: d("1"), MaximumFee: d("5"), IsActive: true}

	assert.True(t, Compute(cfg, d("10")).Equal(d("1")), "clamped up from 0.2")
	assert.True(t, Compute(cfg, d("1000")).Equal(d("5")), "clamped down from 20")
	assert.True(t, Compute(cfg, d("150")).Equal(d("3")), "inside bounds")
}

func TestCompute_NoMaximum(t *testing.T) {
	cfg := &models.FeeConfig{FeePercentage: d("2"), IsActive: true}
	assert.True(t, Compute(cfg, d("100")).Equal(d("2")))
	assert.True(t, Compute(cfg, d("1000000")).Equal(d("20000")))
}

func TestCompute_DefaultWhenMissingOrInactive(t *testing.T) {
	assert.True(t, Compute(nil, d("200")).Equal(d("1")))

	inactive := &models.FeeConfig{FeePercentage: d("10"), MinimumFee: d("50"), IsActive: false}
	assert.True(t, Compute(inactive, d("200")).Equal(d("1")))
}

func TestCompute_Deterministic(t *testing.T) {
	cfg := &models.FeeConfig{FeePercentage: d("0.3"), MinimumFee: d("0.0001"), MaximumFee: d("10"), IsActive: true}
	first := Compute(cfg, d("12.345678"))
	for i := 0; i < 10; i++ {
		assert.True(t, first.Equal(Compute(cfg, d("12.345678"))))
	}
}

func TestCalculator_Quote(t *testing.T) {
	store := stubStore{
		"USDT": {Symbol: "USDT", FeePercentage: d("2"), FeeCollectionAddress: "0xfee", IsActive: true},
	}
	calc := NewCalculator(store, decimal.Zero)

	q, err := calc.Quote(context.Background(), "usdt", d("100"))
	require.NoError(t, err)
	assert.True(t, q.Amount.Equal(d("2")))
	assert.Equal(t, "0xfee", q.CollectionAddress)
	assert.True(t, q.Net(d("100")).Equal(d("98")))

	q, err = calc.Quote(context.Background(), "BTC", d("1"))
	require.NoError(t, err)
	assert.True(t, q.Amount.Equal(d("0.005")), "default 0.5 percent applies")
	assert.Empty(t, q.CollectionAddress)
}

func TestCalculator_StoreErrorPropagates(t *testing.T) {
	calc := NewCalculator(brokenStore{}, d("1"))
	_, err := calc.Quote(context.Background(), "BTC", d("1"))
	require.Error(t, err)
}
