package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/skridlevsky/openchaos-bounty/internal/registry"
	"github.com/skridlevsky/openchaos-bounty/internal/scoring"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. BOUNTY_PORT
const EnvPrefix = "bounty"

// Store backends
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Config holds application configuration
type Config struct {
	Port string `yaml:"port" envconfig:"PORT"`
	Env  string `yaml:"env"  envconfig:"ENV"`

	// Storage
	StoreBackend string `yaml:"storeBackend" split_words:"true"`
	DataDir      string `yaml:"dataDir"      split_words:"true"`
	DatabaseURL  string `yaml:"databaseUrl"  envconfig:"DATABASE_URL"`

	// Consensus
	ValidatorID     string        `yaml:"validatorId"     split_words:"true"`
	Validators      []string      `yaml:"validators"`
	Quorum          int           `yaml:"quorum"`
	ProposalTimeout time.Duration `yaml:"proposalTimeout" split_words:"true"`
	SweepInterval   time.Duration `yaml:"sweepInterval"   split_words:"true"`

	// Ledger and scoring
	TimestampSkew      time.Duration      `yaml:"timestampSkew"      split_words:"true"`
	Label              string             `yaml:"label"`
	Repos              map[string]float64 `yaml:"repos"`
	StarBonusCap       float64            `yaml:"starBonusCap"       split_words:"true"`
	Strategy           string             `yaml:"strategy"`
	RegistrationPolicy string             `yaml:"registrationPolicy" split_words:"true"`

	// GitHub sync
	GitHubToken  string        `yaml:"githubToken"  envconfig:"GITHUB_TOKEN"`
	GitHubAPIURL string        `yaml:"githubApiUrl" envconfig:"GITHUB_API_URL"`
	SyncEnabled  bool          `yaml:"syncEnabled"  split_words:"true"`
	SyncInterval time.Duration `yaml:"syncInterval" split_words:"true"`
	AutoVote     bool          `yaml:"autoVote"     split_words:"true"`

	MetricsEnabled bool     `yaml:"metricsEnabled" split_words:"true"`
	CORSOrigins    []string `yaml:"corsOrigins"    envconfig:"CORS_ORIGINS"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Port:               "8080",
		Env:                "development",
		StoreBackend:       BackendMemory,
		DataDir:            ".bounty",
		ValidatorID:        "validator-0",
		Validators:         []string{"validator-0"},
		ProposalTimeout:    10 * time.Minute,
		SweepInterval:      15 * time.Second,
		TimestampSkew:      5 * time.Minute,
		Label:              "valid",
		Strategy:           "linear",
		RegistrationPolicy: "replace",
		GitHubAPIURL:       "https://api.github.com",
		SyncEnabled:        true,
		SyncInterval:       5 * time.Minute,
		AutoVote:           true,
		MetricsEnabled:     true,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// BOUNTY_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.Strategy = strings.ToLower(strings.TrimSpace(c.Strategy))
	c.RegistrationPolicy = strings.ToLower(strings.TrimSpace(c.RegistrationPolicy))
	validators := c.Validators[:0]
	for _, v := range c.Validators {
		if v = strings.TrimSpace(v); v != "" {
			validators = append(validators, v)
		}
	}
	c.Validators = validators
}

// Validate rejects configurations the node cannot run with
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendBadger:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}

	if len(c.Validators) == 0 {
		return fmt.Errorf("validator set is empty")
	}
	if !slices.Contains(c.Validators, c.ValidatorID) {
		return fmt.Errorf("validator id %q is not in the validator set", c.ValidatorID)
	}
	if c.Quorum < 0 || c.Quorum > len(c.Validators) {
		return fmt.Errorf("quorum %d out of range for %d validators", c.Quorum, len(c.Validators))
	}
	if c.ProposalTimeout < 30*time.Second || c.ProposalTimeout > 24*time.Hour {
		return fmt.Errorf("proposal timeout %s outside [30s, 24h]", c.ProposalTimeout)
	}
	if c.TimestampSkew <= 0 {
		return fmt.Errorf("timestamp skew must be positive")
	}

	if len(c.Repos) == 0 {
		return fmt.Errorf("at least one target repository is required")
	}
	for name, mult := range c.Repos {
		if !repoPattern.MatchString(name) {
			return fmt.Errorf("malformed repository name %q", name)
		}
		if mult < 0 {
			return fmt.Errorf("negative multiplier for %s", name)
		}
	}
	if c.StarBonusCap < 0 {
		return fmt.Errorf("star bonus cap must not be negative")
	}

	if _, err := scoring.StrategyByName(c.Strategy); err != nil {
		return err
	}
	if !registry.Policy(c.RegistrationPolicy).Valid() {
		return fmt.Errorf("unknown registration policy %q", c.RegistrationPolicy)
	}

	if c.SyncEnabled && c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	return nil
}

// IsProduction reports whether the node runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
