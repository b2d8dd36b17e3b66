package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	apphttp "github.com/crossledger/settlement/internal/http"
	"github.com/crossledger/settlement/internal/http/handlers"
	"github.com/crossledger/settlement/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the settlement worker and the ops API",
	RunE:  runWorker,
}

func init() {
	runCmd.Flags().Bool("no-api", false, "Do not serve the ops API")
	rootCmd.AddCommand(runCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	g, gctx := errgroup.WithContext(ctx)

	a.engine.Start(gctx)
	log.Info("settlement engine started",
		zap.Duration("poll_interval", cfg.MonitorPollInterval),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Duration("drain_interval", cfg.QueueDrainInterval))

	noAPI, _ := cmd.Flags().GetBool("no-api")
	if !noAPI {
		stream := handlers.NewEventStream(cfg, b.subscriber, log)
		if err := stream.Start(gctx); err != nil {
			a.engine.Stop()
			return fmt.Errorf("event stream: %w", err)
		}

		server := fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				code := fiber.StatusInternalServerError
				var fe *fiber.Error
				if errors.As(err, &fe) {
					code = fe.Code
				}
				return c.Status(code).JSON(fiber.Map{"error": err.Error()})
			},
		})
		admin := chain.Credentials{Signer: cfg.EscrowAdminSigner, Secret: cfg.EscrowAdminSecret}
		apphttp.SetupRouter(server, cfg, log, b.rdb, apphttp.Handlers{
			Status: handlers.NewStatusHandler(a.engine, log),
			Swaps:  handlers.NewSwapHandler(a.swaps, a.engine, b.audit, log),
			Offers: handlers.NewOfferHandler(a.escrow, b.audit, admin, log),
			Stream: stream,
		})

		g.Go(func() error {
			addr := ":" + cfg.WorkerPort
			log.Info("starting ops API", zap.String("addr", addr))
			if err := server.Listen(addr); err != nil {
				return fmt.Errorf("ops API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.ShutdownWithTimeout(10 * time.Second)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		a.engine.Stop()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped",
		zap.Int("queued", a.engine.GetSwapQueueStatus().QueueSize),
		zap.Int("monitored", a.sctx.MonitoredCount()))
	return nil
}

// exitOn reports configuration sentinels with a hint instead of a stack of wraps.
func exitOn(err error) error {
	if errors.Is(err, models.ErrConfiguration) {
		return fmt.Errorf("%w (check the worker environment)", err)
	}
	return err
}
