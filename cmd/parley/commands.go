package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	streampulse "goa.design/parley/features/stream/pulse"
	"goa.design/parley/runtime/interaction/engine"
	"goa.design/parley/runtime/interaction/simulation"
)

type (
	opener   func(ctx context.Context) (*session, error)
	outputer func(cmd *cobra.Command) printer
)

// withSession opens a session, resumes the save named by --save when it
// exists, runs fn and writes the save back.
func withSession(cmd *cobra.Command, open opener, fn func(ctx context.Context, ss *session) error) error {
	ctx := cmd.Context()
	ss, err := open(ctx)
	if err != nil {
		return err
	}
	defer ss.close(ctx)

	save, _ := cmd.Flags().GetString("save")
	if save != "" {
		ok, err := ss.sim.HasSave(ctx, save)
		if err != nil {
			return err
		}
		if ok {
			if err := ss.sim.ResumeSimulation(ctx, save); err != nil {
				return err
			}
			log.Debugf(ctx, "resumed save %q at turn %d", save, ss.sim.Engine().CurrentTurn())
		}
	}
	if err := fn(ctx, ss); err != nil {
		return err
	}
	if save != "" {
		if _, err := ss.sim.SaveSimulation(ctx, save); err != nil {
			return err
		}
	}
	return nil
}

func addSaveFlag(cmd *cobra.Command) {
	cmd.Flags().String("save", "", "resume from and write back to this save")
}

func stepCmd(open opener, out outputer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step [n]",
		Short: "Advance the simulation by n turns (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 1 {
				var err error
				if n, err = strconv.Atoi(args[0]); err != nil || n < 1 {
					return fmt.Errorf("invalid turn count %q", args[0])
				}
			}
			return withSession(cmd, open, func(ctx context.Context, ss *session) error {
				results := make([]engine.TurnResult, 0, n)
				for range n {
					r, err := ss.sim.Engine().Step(ctx)
					if err != nil {
						return err
					}
					results = append(results, r)
				}
				return out(cmd).turns(results)
			})
		},
	}
	addSaveFlag(cmd)
	return cmd
}

func runCmd(open opener, out outputer) *cobra.Command {
	var (
		turns int
		speed time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run turns until done, stopped or interrupted",
		Long: `Run advances the simulation turn by turn.

SIGINT stops the run after the current turn. SIGUSR1 pauses it and SIGUSR2
resumes it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if turns < 0 {
				return errors.New("turns must not be negative")
			}
			return withSession(cmd, open, func(ctx context.Context, ss *session) error {
				eng := ss.sim.Engine()
				p := out(cmd)
				if p.format == formatText {
					eng.OnTurn(func(_ context.Context, r engine.TurnResult) error {
						return p.turns([]engine.TurnResult{r})
					})
				}
				stop := watchSignals(ctx, eng)
				defer stop()
				results, err := eng.Run(ctx, turns, speed)
				if p.format == formatJSON {
					if perr := p.json(results); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&turns, "turns", 10, "maximum number of turns (0 runs until stopped)")
	cmd.Flags().DurationVar(&speed, "speed", time.Second, "delay between turns")
	addSaveFlag(cmd)
	return cmd
}

// watchSignals maps process signals to engine controls until the returned
// function is called.
func watchSignals(ctx context.Context, eng *engine.Engine) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				switch sig {
				case syscall.SIGUSR1:
					log.Printf(ctx, "pausing")
					eng.Pause()
				case syscall.SIGUSR2:
					log.Printf(ctx, "resuming")
					eng.Resume()
				default:
					log.Printf(ctx, "stopping after the current turn")
					eng.Stop()
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func pipelineCmd(open opener, out outputer) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Execute one turn through the configured step pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, open, func(ctx context.Context, ss *session) error {
				x, err := ss.sim.Pipeline(ss.pipelineConfig())
				if err != nil {
					return err
				}
				if dryRun {
					return out(cmd).execution(x.DryRun(ctx))
				}
				return out(cmd).execution(x.ExecuteAll(ctx))
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate every step without calling the model")
	addSaveFlag(cmd)
	return cmd
}

func interactCmd(open opener, out outputer) *cobra.Command {
	var situation, modelID string
	cmd := &cobra.Command{
		Use:   "interact AGENT INPUT",
		Short: "Send one input to an agent and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, ss *session) error {
				opts := []simulation.InteractOption{simulation.WithSituation(situation)}
				if modelID != "" {
					opts = append(opts, simulation.WithModel(modelID))
				}
				resp, err := ss.sim.Interact(ctx, args[0], args[1], opts...)
				if err != nil {
					return err
				}
				return out(cmd).response(resp)
			})
		},
	}
	cmd.Flags().StringVar(&situation, "situation", simulation.DefaultSituation, "situation type used in the cache signature")
	cmd.Flags().StringVar(&modelID, "model-override", "", "model used for this interaction only")
	addSaveFlag(cmd)
	return cmd
}

func statsCmd(open opener, out outputer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print session statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, open, func(ctx context.Context, ss *session) error {
				return out(cmd).stats(ss.sim.Stats(ctx))
			})
		},
	}
	addSaveFlag(cmd)
	return cmd
}

func checkpointCmd(open opener, out outputer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage named checkpoints",
	}
	save := &cobra.Command{
		Use:   "save NAME",
		Short: "Save the current state under NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, ss *session) error {
				if err := ss.sim.SaveCheckpoint(ctx, args[0], nil); err != nil {
					return err
				}
				return out(cmd).message("saved checkpoint %s", args[0])
			})
		},
	}
	load := &cobra.Command{
		Use:   "load NAME",
		Short: "Restore the state saved under NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, ss *session) error {
				if err := ss.sim.LoadCheckpoint(ctx, args[0]); err != nil {
					return err
				}
				return out(cmd).message("loaded checkpoint %s", args[0])
			})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List checkpoint names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, open, func(ctx context.Context, ss *session) error {
				names, err := ss.sim.ListCheckpoints(ctx)
				if err != nil {
					return err
				}
				return out(cmd).names(names)
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete the checkpoint NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, ss *session) error {
				if err := ss.sim.DeleteCheckpoint(ctx, args[0]); err != nil {
					return err
				}
				return out(cmd).message("deleted checkpoint %s", args[0])
			})
		},
	}
	for _, c := range []*cobra.Command{save, load, list, del} {
		addSaveFlag(c)
		cmd.AddCommand(c)
	}
	return cmd
}

func healthCmd(open opener, out outputer) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ping the configured backing services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ss, err := open(ctx)
			if err != nil {
				return err
			}
			defer ss.close(ctx)
			status := make(map[string]string, len(ss.pingers))
			var failed bool
			for _, p := range ss.pingers {
				status[p.Name()] = "OK"
				if err := p.Ping(ctx); err != nil {
					status[p.Name()] = err.Error()
					failed = true
				}
			}
			p := out(cmd)
			if p.format == formatJSON {
				if err := p.json(status); err != nil {
					return err
				}
			} else {
				for name, s := range status {
					fmt.Fprintf(p.w, "%s: %s\n", name, s)
				}
			}
			if failed {
				return errors.New("some services are unhealthy")
			}
			return nil
		},
	}
}

func eventsCmd(open opener, out outputer) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the events of a simulation running elsewhere (requires --redis-addr)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ss, err := open(ctx)
			if err != nil {
				return err
			}
			defer ss.close(context.Background())
			if ss.streams == nil {
				return errors.New("following events requires a redis address")
			}
			sub, err := streampulse.NewSubscriber(streampulse.SubscriberOptions{Client: ss.streams, SinkName: group})
			if err != nil {
				return err
			}
			events, errs, cancel, err := sub.Subscribe(ctx, ss.cfg.Simulation)
			if err != nil {
				return err
			}
			defer cancel()
			p := out(cmd)
			for e := range events {
				if err := p.event(e); err != nil {
					return err
				}
			}
			if err := <-errs; err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", streampulse.DefaultSinkName, "consumer group")
	return cmd
}
