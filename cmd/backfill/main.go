package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/skridlevsky/openchaos-bounty/internal/config"
	"github.com/skridlevsky/openchaos-bounty/internal/node"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fetch every issue and stargazer of the target repos and propose one sync",
		Long: "backfill performs a full GitHub scan of the configured repositories and\n" +
			"submits the result as a single sync proposal from this validator. The\n" +
			"other validators still have to approve it before it enters the ledger.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "abort the scan after this long")

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := cmd.Execute(); err != nil {
		log.Fatalf("Backfill failed: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	n, err := node.Open(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer n.Close()

	sy, err := n.NewSyncer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create syncer: %w", err)
	}

	log.Println("Starting historical backfill...")
	log.Printf("Repositories: %d, validator: %s\n", len(cfg.Repos), cfg.ValidatorID)

	p, err := sy.Backfill(ctx)
	if err != nil {
		return err
	}
	if p == nil {
		log.Println("Nothing to propose")
		return nil
	}

	log.Printf("Sync proposal %s is %s (%d/%d approvals needed)\n",
		p.ID, p.Status, p.Approvals(), n.Engine.Coordinator().Quorum())
	if rl := n.GitHub.RateLimit(); rl != nil {
		log.Printf("GitHub rate limit remaining: %d\n", rl.Remaining)
	}
	log.Println("Backfill complete")
	return nil
}
