package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiration sweep and print what was expired",
	Long: `sweep loads pending swaps and open offers from the stores, expires the
stale ones and exits. It is safe to run next to a live worker: every
transition is a compare-and-set on the stored status.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx := cmd.Context()
		b, err := openBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()

		a, err := buildApp(ctx, cfg, log, b)
		if err != nil {
			return exitOn(err)
		}
		if err := a.engine.Rehydrate(ctx); err != nil {
			return fmt.Errorf("rehydrate: %w", err)
		}

		res, _ := a.engine.SweepNow(ctx)
		log.Info("sweep finished",
			zap.Int("swaps", res.Swaps),
			zap.Int("offers", res.Offers),
			zap.Int("addresses", res.Addresses))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
