// Command parley drives a multi-agent LLM simulation from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"goa.design/clue/log"
)

var version = "dev"

type rootFlags struct {
	configFile   string
	scenarioFile string
	debug        bool
	format       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		flags rootFlags
		v     = viper.New()
	)
	root := &cobra.Command{
		Use:   "parley",
		Short: "Run multi-agent LLM simulations",
		Long: `Parley runs turn-based conversations between LLM agents.

Agents, world state and scheduled events come from a scenario file. Provider,
budget, cache and checkpoint settings come from the config file, flags and
PARLEY_* environment variables.

Example:
  parley --scenario cabinet.yaml run --turns 10`,
		SilenceUsage: true,
	}
	root.Version = version
	root.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "config file (YAML)")
	pf.StringVar(&flags.scenarioFile, "scenario", "", "scenario file (YAML)")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logs")
	pf.StringVar(&flags.format, "format", "text", "output format (text or json)")
	pf.String("provider", "", "model provider (anthropic, bedrock, openai or mock)")
	pf.String("model", "", "default model")
	pf.String("simulation", "", "simulation name scoping checkpoints")
	pf.String("checkpoint-backend", "", "checkpoint backend (memory, sqlite, postgres or mongo)")
	pf.String("checkpoint-dsn", "", "checkpoint backend connection string")
	pf.String("checkpoint-database", "", "mongo checkpoint database")
	pf.String("redis-addr", "", "redis address enabling the replicated cache and cluster rate limit")
	pf.Float64("tpm", 0, "tokens per minute for the adaptive provider limiter (0 disables it)")
	pf.Float64("max-cost", 0, "session spend ceiling in USD (0 disables it)")
	for _, name := range overrideKeys {
		_ = v.BindPFlag(name, pf.Lookup(name))
	}
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		switch flags.format {
		case formatText, formatJSON:
		default:
			return fmt.Errorf("unknown format %q", flags.format)
		}
		cmd.SetContext(logContext(cmd.Context(), flags.debug))
		return nil
	}

	open := func(ctx context.Context) (*session, error) {
		cfg, err := resolveConfig(flags.configFile, v)
		if err != nil {
			return nil, err
		}
		return openSession(ctx, cfg, flags.scenarioFile)
	}
	out := func(cmd *cobra.Command) printer {
		return printer{w: cmd.OutOrStdout(), format: flags.format}
	}

	root.AddCommand(
		stepCmd(open, out),
		runCmd(open, out),
		pipelineCmd(open, out),
		interactCmd(open, out),
		statsCmd(open, out),
		checkpointCmd(open, out),
		healthCmd(open, out),
		eventsCmd(open, out),
		versionCmd(),
	)
	return root
}

func logContext(ctx context.Context, debug bool) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
