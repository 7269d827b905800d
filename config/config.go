// Package config holds the explicit configuration of a parley session.
//
// A Config is resolved once at startup (defaults, then an optional YAML file,
// then flags and PARLEY_* environment variables bound by the CLI) and passed
// by pointer to the components that need it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"goa.design/parley/runtime/interaction/budget"
	"goa.design/parley/runtime/interaction/cache"
	"goa.design/parley/runtime/interaction/cost"
	"goa.design/parley/runtime/interaction/ratelimit"
	"goa.design/parley/runtime/interaction/signature"
)

// Providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)

// Checkpoint backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// DefaultSQLitePath is the database used by the sqlite backend without a DSN.
const DefaultSQLitePath = "parley.db"

// Config is the configuration of a session.
type Config struct {
	// Simulation scopes checkpoints and saves.
	Simulation string `yaml:"simulation"`

	Provider        string `yaml:"provider"`
	DefaultModel    string `yaml:"defaultModel"`
	CompactionModel string `yaml:"compactionModel"`
	AnthropicAPIKey string `yaml:"anthropicApiKey"`
	OpenAIAPIKey    string `yaml:"openaiApiKey"`
	AWSRegion       string `yaml:"awsRegion"`

	Budget    budget.Budget    `yaml:"budget"`
	RateLimit ratelimit.Config `yaml:"rateLimit"`
	// TokensPerMinute seeds the adaptive provider limiter. Zero disables it.
	TokensPerMinute float64 `yaml:"tokensPerMinute"`

	CacheEnabled  bool `yaml:"cacheEnabled"`
	CacheSize     int  `yaml:"cacheSize"`
	CacheVariants int  `yaml:"cacheVariants"`
	IntentPrefix  int  `yaml:"intentPrefix"`

	// MaxCost is the session spend ceiling in USD. Zero means no limit.
	MaxCost float64      `yaml:"maxCost"`
	Pricing cost.Pricing `yaml:"pricing"`

	// RedisAddr enables the replicated cache and the cluster-aware limiter.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	CheckpointBackend  string `yaml:"checkpointBackend"`
	CheckpointDSN      string `yaml:"checkpointDsn"`
	CheckpointDatabase string `yaml:"checkpointDatabase"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Simulation:        "default",
		Provider:          ProviderAnthropic,
		DefaultModel:      cost.ModelSonnet,
		CompactionModel:   cost.ModelHaiku,
		AWSRegion:         "us-east-1",
		Budget:            budget.DefaultBudget(),
		RateLimit:         ratelimit.DefaultConfig(),
		CacheEnabled:      true,
		CacheSize:         cache.DefaultSize,
		CacheVariants:     cache.DefaultVariants,
		IntentPrefix:      signature.DefaultIntentPrefix,
		CheckpointBackend: BackendSQLite,
		CheckpointDSN:     DefaultSQLitePath,
	}
}

// ForTest returns defaults using the mock provider and in-memory backends.
// It never reads the environment.
func ForTest() *Config {
	c := Default()
	c.Simulation = "test"
	c.Provider = ProviderMock
	c.CheckpointBackend = BackendMemory
	c.CheckpointDSN = ""
	return c
}

// Load reads the YAML file at path on top of Default and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderAnthropic, ProviderBedrock, ProviderOpenAI, ProviderMock:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if strings.TrimSpace(c.DefaultModel) == "" {
		return errors.New("default model is required")
	}
	switch c.CheckpointBackend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres, BackendMongo:
		if strings.TrimSpace(c.CheckpointDSN) == "" {
			return fmt.Errorf("%s checkpoint backend requires a dsn", c.CheckpointBackend)
		}
		if c.CheckpointBackend == BackendMongo && c.CheckpointDatabase == "" {
			return errors.New("mongo checkpoint backend requires a database")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.CheckpointBackend)
	}
	if c.MaxCost < 0 {
		return errors.New("max cost must not be negative")
	}
	if c.TokensPerMinute < 0 {
		return errors.New("tokens per minute must not be negative")
	}
	if c.CacheSize < 0 || c.CacheVariants < 0 {
		return errors.New("cache size and variants must not be negative")
	}
	if c.RateLimit.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if t := c.Budget.WarningThreshold; t < 0 || t > 1 {
		return fmt.Errorf("budget warning threshold %v is outside [0, 1]", t)
	}
	for id, p := range c.Pricing {
		if p.InputPerMTok < 0 || p.OutputPerMTok < 0 {
			return fmt.Errorf("pricing for %q must not be negative", id)
		}
	}
	return nil
}
