package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/crossledger/settlement/internal/db"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/repositories"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var feeCmd = &cobra.Command{
	Use:   "fee <symbol>",
	Short: "Show or set the fee config of a currency",
	Long: `fee prints the active fee config of <symbol>. With --set it writes one first.

Examples:
  worker fee USDT
  worker fee USDT --set --pct 0.3 --min 1 --max 50 --address 0xfee...
  worker fee USDT --set --disable`,
	Args: cobra.ExactArgs(1),
	RunE: runFee,
}

func init() {
	addFeeFlags(feeCmd)
	rootCmd.AddCommand(feeCmd)
}

func addFeeFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("set", false, "Write the config before printing it")
	cmd.Flags().String("pct", "", "Fee percentage, 0.5 means 0.5%")
	cmd.Flags().String("min", "0", "Minimum fee in currency units")
	cmd.Flags().String("max", "0", "Maximum fee, 0 means unbounded")
	cmd.Flags().String("address", "", "Fee collection address")
	cmd.Flags().Bool("disable", false, "Store the config as inactive")
}

func runFee(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.MemoryStores {
		return fmt.Errorf("MEMORY_STORES is set, fee configs live in postgres")
	}

	ctx := cmd.Context()
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, 2, log)
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := repositories.NewFeeConfigRepo(pool)

	symbol := strings.ToUpper(args[0])
	if set, _ := cmd.Flags().GetBool("set"); set {
		fc, err := feeConfigFromFlags(cmd, symbol)
		if err != nil {
			return err
		}
		if err := repo.Upsert(ctx, fc); err != nil {
			return fmt.Errorf("store fee config: %w", err)
		}
		log.Info("fee config stored",
			zap.String("symbol", symbol),
			zap.String("percentage", fc.FeePercentage.String()),
			zap.Bool("active", fc.IsActive))
		if !fc.IsActive {
			fmt.Printf("%s fee config disabled, default %s%% applies\n", symbol, cfg.DefaultFeePercentage)
			return nil
		}
	}

	fc, err := repo.FindActive(ctx, symbol)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			fmt.Printf("no active fee config for %s, default %s%% applies\n", symbol, cfg.DefaultFeePercentage)
			return nil
		}
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(fc)
}

func feeConfigFromFlags(cmd *cobra.Command, symbol string) (*models.FeeConfig, error) {
	dec := func(name string) (decimal.Decimal, error) {
		raw, _ := cmd.Flags().GetString(name)
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: --%s must be a non-negative number", models.ErrValidation, name)
		}
		return v, nil
	}

	pct, err := dec("pct")
	if err != nil {
		return nil, err
	}
	minFee, err := dec("min")
	if err != nil {
		return nil, err
	}
	maxFee, err := dec("max")
	if err != nil {
		return nil, err
	}
	if maxFee.IsPositive() && maxFee.LessThan(minFee) {
		return nil, fmt.Errorf("%w: --max is below --min", models.ErrValidation)
	}
	address, _ := cmd.Flags().GetString("address")
	disable, _ := cmd.Flags().GetBool("disable")

	return &models.FeeConfig{
		Symbol:               symbol,
		FeePercentage:        pct,
		MinimumFee:           minFee,
		MaximumFee:           maxFee,
		FeeCollectionAddress: address,
		IsActive:             !disable,
	}, nil
}
