package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/skridlevsky/openchaos-bounty/internal/api"
	"github.com/skridlevsky/openchaos-bounty/internal/config"
	"github.com/skridlevsky/openchaos-bounty/internal/node"
	"github.com/skridlevsky/openchaos-bounty/internal/syncer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Run a bounty ledger validator node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			return run(configPath, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().BoolVarP(&debug, "debug", "D", false, "enable debug logging")

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := cmd.Execute(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n, err := node.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	// NOTE: n.Close() called explicitly in shutdown sequence below, no defer

	coord := n.Engine.Coordinator()
	coord.Run(ctx)

	var poller *syncer.Syncer
	if cfg.SyncEnabled {
		poller, err = n.NewSyncer(cfg)
		if err != nil {
			coord.Stop()
			n.Close()
			return fmt.Errorf("failed to create syncer: %w", err)
		}
		poller.Run(ctx)
	}

	var gatherer prometheus.Gatherer
	if n.Registry != nil {
		gatherer = n.Registry
	}
	rc := &api.RouterConfig{
		Engine:      n.Engine,
		Metrics:     n.Metrics,
		Gatherer:    gatherer,
		Version:     version,
		StartedAt:   time.Now(),
		Development: !cfg.IsProduction(),
		CORSOrigins: cfg.CORSOrigins,
	}
	if n.Health != nil {
		rc.Health = n.Health
	}
	if poller != nil {
		rc.Syncer = poller
	}
	routerResult := api.NewRouter(rc)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      routerResult.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting server", "addr", srv.Addr, "validator", cfg.ValidatorID, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")

		if poller != nil {
			slog.Info("Stopping syncer...")
			poller.Stop()
		}

		slog.Info("Stopping proposal sweeper...")
		coord.Stop()

		slog.Info("Stopping rate limiters...")
		routerResult.RateLimiters.Stop()

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()

	slog.Info("Closing store...")
	if cerr := n.Close(); cerr != nil {
		slog.Error("Failed to close store", "error", cerr)
	}

	slog.Info("Server exited")
	return err
}
