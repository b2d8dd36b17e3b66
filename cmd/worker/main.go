package main

import (
	"fmt"
	"os"

	"github.com/crossledger/settlement/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Cross-chain escrow and swap settlement worker",
	Long: `worker runs the settlement core: the deposit monitor, the swap queue,
the expiration sweeper and the operator ops API.

Examples:
  worker run
  worker migrate
  worker sweep
  worker events
  worker token ops-1 --ttl 8h`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

// setup loads config and builds the logger shared by every subcommand.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg := config.Load()

	zcfg := zap.NewProductionConfig()
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	cfg.Validate(log)
	return cfg, log, nil
}
