package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crossledger/settlement/internal/events"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print settlement events as JSON lines until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		if cfg.MemoryStores {
			return fmt.Errorf("MEMORY_STORES is set, events never leave the worker process")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := openBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()

		typeFilter, _ := cmd.Flags().GetString("type")
		enc := json.NewEncoder(os.Stdout)
		err = b.subscriber.Subscribe(ctx, events.Channel, func(e events.Event) {
			if typeFilter != "" && e.Type != typeFilter {
				return
			}
			_ = enc.Encode(e)
		})
		if err != nil {
			return err
		}

		<-ctx.Done()
		return nil
	},
}

func init() {
	eventsCmd.Flags().String("type", "", "Only print events of this type")
	rootCmd.AddCommand(eventsCmd)
}
