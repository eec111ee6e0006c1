// Package node assembles a validator node from its configuration.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/skridlevsky/openchaos-bounty/internal/config"
	"github.com/skridlevsky/openchaos-bounty/internal/consensus"
	"github.com/skridlevsky/openchaos-bounty/internal/db"
	"github.com/skridlevsky/openchaos-bounty/internal/engine"
	"github.com/skridlevsky/openchaos-bounty/internal/github"
	"github.com/skridlevsky/openchaos-bounty/internal/metrics"
	"github.com/skridlevsky/openchaos-bounty/internal/registry"
	"github.com/skridlevsky/openchaos-bounty/internal/scoring"
	"github.com/skridlevsky/openchaos-bounty/internal/store"
	"github.com/skridlevsky/openchaos-bounty/internal/syncer"
)

// factCacheTTL bounds how stale a fact check may be
const factCacheTTL = 5 * time.Minute

// Node holds the wired components of one validator
type Node struct {
	Store    store.Store
	Health   interface{ Health(context.Context) error }
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Engine   *engine.Engine
	GitHub   *github.Client
	Cache    *github.FactCache
}

// Open connects the configured store and builds the engine on top of it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	n := &Node{}

	if cfg.MetricsEnabled {
		n.Registry = prometheus.NewRegistry()
		n.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		n.Metrics = metrics.New(n.Registry)
	}

	switch cfg.StoreBackend {
	case config.BackendBadger:
		b, err := store.NewBadger(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		n.Store = b
	case config.BackendPostgres:
		pg, err := db.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		n.Store = pg
		n.Health = pg
	default:
		n.Store = store.NewMemory()
	}

	strategy, err := scoring.StrategyByName(cfg.Strategy)
	if err != nil {
		n.Store.Close()
		return nil, err
	}

	n.Engine, err = engine.New(n.Store, engine.Config{
		Self:     cfg.ValidatorID,
		Repos:    cfg.Repos,
		Label:    cfg.Label,
		Policy:   registry.Policy(cfg.RegistrationPolicy),
		Skew:     cfg.TimestampSkew,
		Strategy: strategy,
		StarCap:  cfg.StarBonusCap,
		Metrics:  n.Metrics,
	}, consensus.Config{
		Validators:     cfg.Validators,
		Quorum:         cfg.Quorum,
		DefaultTimeout: cfg.ProposalTimeout,
		SweepInterval:  cfg.SweepInterval,
	})
	if err != nil {
		n.Store.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	n.Cache = github.NewFactCache(factCacheTTL)
	n.GitHub = github.NewClient(cfg.GitHubToken, cfg.GitHubAPIURL, n.Cache, n.Metrics)
	n.GitHub.SetRepos(repoNames(cfg))
	n.Engine.SetFactSource(n.GitHub)

	slog.Info("Node initialized",
		"validator", cfg.ValidatorID,
		"store", cfg.StoreBackend,
		"validators", len(cfg.Validators),
		"quorum", n.Engine.Coordinator().Quorum(),
		"repos", len(cfg.Repos),
	)
	return n, nil
}

// NewSyncer builds the GitHub syncer feeding this node's engine
func (n *Node) NewSyncer(cfg *config.Config) (*syncer.Syncer, error) {
	return syncer.New(n.GitHub, n.Engine, syncer.Config{
		Repos:    repoNames(cfg),
		Interval: cfg.SyncInterval,
		AutoVote: cfg.AutoVote,
		Metrics:  n.Metrics,
	})
}

func repoNames(cfg *config.Config) []string {
	repos := make([]string, 0, len(cfg.Repos))
	for name := range cfg.Repos {
		repos = append(repos, strings.TrimSpace(name))
	}
	sort.Strings(repos)
	return repos
}

// Close releases the store
func (n *Node) Close() error {
	return n.Store.Close()
}
