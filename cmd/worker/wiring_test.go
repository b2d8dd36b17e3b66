package main

import (
	"context"
	"testing"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/config"
	"github.com/crossledger/settlement/internal/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMatchPolicy_MergesOverrides(t *testing.T) {
	cfg := &config.Config{
		MatchTolerance:   decimal.RequireFromString("0.02"),
		MinConfirmations: map[string]int64{"btc": 3, "ton": 4},
	}

	p := matchPolicy(cfg)

	assert.True(t, p.Tolerance.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, int64(3), p.Confirmations(chain.KeyBTC))
	assert.Equal(t, int64(12), p.Confirmations(chain.KeyETH))
	assert.Equal(t, int64(4), p.Confirmations(chain.KeyTON))
	assert.Equal(t, int64(1), p.Confirmations(chain.KeyXRPL))
}

func TestMatchPolicy_KeepsDefaultTolerance(t *testing.T) {
	p := matchPolicy(&config.Config{})
	assert.True(t, p.Tolerance.Equal(decimal.RequireFromString("0.05")))
}

func TestBuildRegistry(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()

	t.Run("nothing configured", func(t *testing.T) {
		reg, err := buildRegistry(ctx, &config.Config{}, log)
		require.NoError(t, err)
		assert.Empty(t, reg.Keys())
	})

	t.Run("custodial chain without custodian", func(t *testing.T) {
		_, err := buildRegistry(ctx, &config.Config{XRPLRPCURL: "http://xrpl.local"}, log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CUSTODIAN_URL")
	})

	t.Run("custodial chains with custodian", func(t *testing.T) {
		reg, err := buildRegistry(ctx, &config.Config{
			CustodianURL:      "http://custodian.local",
			XRPLRPCURL:        "http://xrpl.local",
			StellarHorizonURL: "http://horizon.local",
		}, log)
		require.NoError(t, err)
		assert.Equal(t, []chain.Key{chain.KeyStellar, chain.KeyXRPL}, reg.Keys())
	})

	t.Run("bad token list", func(t *testing.T) {
		_, err := buildRegistry(ctx, &config.Config{EVMRPCURL: "http://rpc.local", EVMTokens: "USDT"}, log)
		assert.ErrorIs(t, err, models.ErrConfiguration)
	})
}

func TestBuildApp_MemoryStores(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()
	cfg := &config.Config{MemoryStores: true, DefaultFeePercentage: decimal.RequireFromString("0.5")}

	b, err := openBackend(ctx, cfg, log)
	require.NoError(t, err)
	defer b.Close()
	assert.Nil(t, b.pool)
	assert.Nil(t, b.rdb)

	a, err := buildApp(ctx, cfg, log, b)
	require.NoError(t, err)
	require.NoError(t, a.engine.Rehydrate(ctx))

	res, ran := a.engine.SweepNow(ctx)
	assert.True(t, ran)
	assert.Zero(t, res.Swaps+res.Offers+res.Addresses)
	assert.Zero(t, a.engine.GetSwapQueueStatus().QueueSize)
}

func TestFeeConfigFromFlags(t *testing.T) {
	var cmd *cobra.Command
	parse := func(args ...string) error {
		cmd = &cobra.Command{Use: "fee"}
		addFeeFlags(cmd)
		return cmd.Flags().Parse(args)
	}

	require.NoError(t, parse("--set", "--pct", "0.3", "--min", "1", "--max", "50", "--address", "0xfee"))
	fc, err := feeConfigFromFlags(cmd, "USDT")
	require.NoError(t, err)
	assert.True(t, fc.FeePercentage.Equal(decimal.RequireFromString("0.3")))
	assert.True(t, fc.MaximumFee.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "0xfee", fc.FeeCollectionAddress)
	assert.True(t, fc.IsActive)

	require.NoError(t, parse("--set", "--pct", "0.3", "--disable"))
	fc, err = feeConfigFromFlags(cmd, "USDT")
	require.NoError(t, err)
	assert.False(t, fc.IsActive)

	require.NoError(t, parse("--set"))
	_, err = feeConfigFromFlags(cmd, "USDT")
	assert.ErrorIs(t, err, models.ErrValidation, "missing percentage")

	require.NoError(t, parse("--pct", "1", "--min", "10", "--max", "5"))
	_, err = feeConfigFromFlags(cmd, "USDT")
	assert.ErrorIs(t, err, models.ErrValidation)
}
