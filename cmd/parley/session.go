package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	"goa.design/parley/config"
	"goa.design/parley/features/cache/replicated"
	"goa.design/parley/features/checkpoint/mongo"
	"goa.design/parley/features/checkpoint/postgres"
	"goa.design/parley/features/checkpoint/sqlite"
	"goa.design/parley/features/model/anthropic"
	"goa.design/parley/features/model/bedrock"
	"goa.design/parley/features/model/gateway"
	"goa.design/parley/features/model/middleware"
	"goa.design/parley/features/model/openai"
	streampulse "goa.design/parley/features/stream/pulse"
	clientspulse "goa.design/parley/features/stream/pulse/clients/pulse"
	"goa.design/parley/runtime/interaction/budget"
	"goa.design/parley/runtime/interaction/cache"
	"goa.design/parley/runtime/interaction/checkpoint"
	"goa.design/parley/runtime/interaction/checkpoint/inmem"
	"goa.design/parley/runtime/interaction/cost"
	"goa.design/parley/runtime/interaction/engine"
	"goa.design/parley/runtime/interaction/model"
	"goa.design/parley/runtime/interaction/model/mock"
	"goa.design/parley/runtime/interaction/pipeline"
	"goa.design/parley/runtime/interaction/ratelimit"
	"goa.design/parley/runtime/interaction/simulation"
	"goa.design/parley/runtime/interaction/telemetry"
)

// streamMaxLen bounds the event stream of a simulation.
const streamMaxLen = 10000

// overrideKeys are the config fields settable through flags and PARLEY_*
// environment variables.
var overrideKeys = []string{
	"provider",
	"model",
	"simulation",
	"checkpoint-backend",
	"checkpoint-dsn",
	"checkpoint-database",
	"redis-addr",
	"tpm",
	"max-cost",
}

type (
	// session is an opened simulation and the resources backing it.
	session struct {
		sim      *simulation.Simulation
		scenario *config.Scenario
		cfg      *config.Config
		rdb      *redis.Client
		streams  clientspulse.Client
		pingers  []health.Pinger
		closers  []func(context.Context) error
	}

	// pinger adapts a ping function to health.Pinger.
	pinger struct {
		name string
		ping func(context.Context) error
	}

	// settings is the subset of viper used to resolve overrides.
	settings interface {
		IsSet(key string) bool
		GetString(key string) string
		GetFloat64(key string) float64
	}
)

var _ settings = (*viper.Viper)(nil)

func (p pinger) Name() string                   { return p.name }
func (p pinger) Ping(ctx context.Context) error { return p.ping(ctx) }

// resolveConfig loads the config file, or the defaults without one, then
// applies flag and environment overrides and the provider API keys.
func resolveConfig(path string, s settings) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if s.IsSet("provider") {
		cfg.Provider = s.GetString("provider")
	}
	if s.IsSet("model") {
		cfg.DefaultModel = s.GetString("model")
	}
	if s.IsSet("simulation") {
		cfg.Simulation = s.GetString("simulation")
	}
	if s.IsSet("checkpoint-backend") {
		cfg.CheckpointBackend = s.GetString("checkpoint-backend")
		if cfg.CheckpointBackend != config.BackendSQLite && cfg.CheckpointDSN == config.DefaultSQLitePath {
			cfg.CheckpointDSN = ""
		}
	}
	if s.IsSet("checkpoint-dsn") {
		cfg.CheckpointDSN = s.GetString("checkpoint-dsn")
	}
	if s.IsSet("checkpoint-database") {
		cfg.CheckpointDatabase = s.GetString("checkpoint-database")
	}
	if s.IsSet("redis-addr") {
		cfg.RedisAddr = s.GetString("redis-addr")
	}
	if s.IsSet("tpm") {
		cfg.TokensPerMinute = s.GetFloat64("tpm")
	}
	if s.IsSet("max-cost") {
		cfg.MaxCost = s.GetFloat64("max-cost")
	}
	if cfg.AnthropicAPIKey == "" {
		cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSession builds the simulation described by cfg and applies the
// scenario file when one is given.
func openSession(ctx context.Context, cfg *config.Config, scenarioPath string) (ss *session, err error) {
	ss = &session{cfg: cfg}
	defer func() {
		if err != nil {
			ss.close(ctx)
			ss = nil
		}
	}()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTELMetrics()

	var rm *rmap.Map
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		ss.rdb = rdb
		ss.closers = append(ss.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		ss.pingers = append(ss.pingers, pinger{name: "redis", ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
		if rm, err = rmap.Join(ctx, "parley:"+cfg.Simulation, rdb); err != nil {
			return nil, fmt.Errorf("join replicated map: %w", err)
		}
		ss.closers = append(ss.closers, func(context.Context) error { rm.Close(); return nil })
		if ss.streams, err = clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: streamMaxLen}); err != nil {
			return nil, err
		}
	}

	client, err := newModelClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	mws := []gateway.Middleware{gateway.Logging(logger, metrics, nil)}
	if cfg.TokensPerMinute > 0 {
		opts := middleware.AdaptiveOptions{
			InitialTPM: cfg.TokensPerMinute,
			Logger:     logger,
			Metrics:    metrics,
		}
		if rm != nil {
			opts.Map = rm
			opts.Key = "tpm:" + cfg.Provider
		}
		mws = append(mws, gateway.FromClientMiddleware(middleware.NewAdaptiveRateLimiter(ctx, opts).Middleware()))
	}
	gw, err := gateway.New(client, mws...)
	if err != nil {
		return nil, err
	}

	var store cache.Store
	if cfg.CacheEnabled {
		if rm != nil {
			if store, err = replicated.New(rm, replicated.Options{Variants: cfg.CacheVariants, Logger: logger}); err != nil {
				return nil, err
			}
		} else {
			if store, err = cache.New(cache.Options{Size: cfg.CacheSize, Variants: cfg.CacheVariants}); err != nil {
				return nil, err
			}
		}
	}

	checkpoints, err := ss.openCheckpoints(ctx)
	if err != nil {
		return nil, err
	}

	sim, err := simulation.New(simulation.Options{
		Name:            cfg.Simulation,
		Model:           gw,
		Cache:           store,
		Budget:          budget.New(budget.Options{Budget: cfg.Budget}),
		Limiter:         ratelimit.New(ratelimit.Options{Config: cfg.RateLimit, Logger: logger, Metrics: metrics}),
		Costs:           cost.New(cost.Options{Pricing: cfg.Pricing, Logger: logger}),
		Checkpoints:     checkpoints,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          telemetry.NewOTELTracer(),
		MaxCost:         cfg.MaxCost,
		IntentPrefix:    cfg.IntentPrefix,
		DefaultModel:    cfg.DefaultModel,
		CompactionModel: cfg.CompactionModel,
	})
	if err != nil {
		return nil, err
	}
	ss.sim = sim

	if ss.rdb != nil {
		pub, err := streampulse.NewPublisher(streampulse.Options{Client: ss.streams, Simulation: cfg.Simulation, Logger: logger})
		if err != nil {
			return nil, err
		}
		sub, err := pub.Attach(sim.Engine().Bus())
		if err != nil {
			return nil, err
		}
		ss.closers = append(ss.closers, func(context.Context) error { return sub.Close() })
	}

	if scenarioPath != "" {
		sc, err := config.LoadScenario(scenarioPath)
		if err != nil {
			return nil, err
		}
		if err := sc.Apply(sim); err != nil {
			return nil, err
		}
		ss.scenario = sc
	}
	return ss, nil
}

func (ss *session) openCheckpoints(ctx context.Context) (checkpoint.Store, error) {
	cfg := ss.cfg
	switch cfg.CheckpointBackend {
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.CheckpointDSN)
		if err != nil {
			return nil, err
		}
		ss.closers = append(ss.closers, func(context.Context) error { return s.Close() })
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.New(ctx, cfg.CheckpointDSN)
		if err != nil {
			return nil, err
		}
		ss.closers = append(ss.closers, func(context.Context) error { s.Close(); return nil })
		return s, nil
	case config.BackendMongo:
		s, err := mongo.Connect(ctx, cfg.CheckpointDSN, cfg.CheckpointDatabase)
		if err != nil {
			return nil, err
		}
		ss.pingers = append(ss.pingers, s)
		ss.closers = append(ss.closers, s.Close)
		return s, nil
	default:
		return inmem.New(), nil
	}
}

// newModelClient builds the provider adapter selected by cfg.
func newModelClient(cfg *config.Config, logger telemetry.Logger) (model.Client, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.DefaultModel)
	case config.ProviderOpenAI:
		return openai.NewFromAPIKey(cfg.OpenAIAPIKey, cfg.DefaultModel)
	case config.ProviderBedrock:
		rt := bedrockruntime.New(bedrockruntime.Options{
			Region:      cfg.AWSRegion,
			Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(envCredentials)),
		})
		return bedrock.New(bedrock.Options{Runtime: rt, DefaultModel: cfg.DefaultModel, Logger: logger})
	case config.ProviderMock:
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// envCredentials reads static AWS credentials from the standard environment
// variables.
func envCredentials(context.Context) (aws.Credentials, error) {
	id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
	}
	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "environment",
	}, nil
}

// close releases the session resources in reverse order.
func (ss *session) close(ctx context.Context) {
	for i := len(ss.closers) - 1; i >= 0; i-- {
		if err := ss.closers[i](ctx); err != nil {
			telemetry.NewClueLogger().Warn(ctx, "closing session resource failed", "err", err)
		}
	}
	ss.closers = nil
}

// pipelineConfig returns the scenario pipeline or the default pipeline for
// the current turn mode.
func (ss *session) pipelineConfig() pipeline.Config {
	if ss.scenario != nil {
		return ss.scenario.PipelineConfig()
	}
	eng := ss.sim.Engine()
	if eng.Mode() == engine.ModeOrchestrator {
		return pipeline.OrchestratorConfig(eng.Orchestrator())
	}
	return pipeline.DefaultConfig()
}
