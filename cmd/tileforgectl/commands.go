package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dunamismax/tileforge/internal/app"
	"github.com/dunamismax/tileforge/internal/compositor"
	"github.com/dunamismax/tileforge/internal/config"
	"github.com/dunamismax/tileforge/internal/registry"
	"github.com/dunamismax/tileforge/internal/telemetry"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "tileforgectl",
		Short:         "Operate tileforge jobs from the command line",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline for the command")

	withRuntime := func(run func(ctx context.Context, rt *app.Runtime, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := telemetry.NewLogger(cfg.App.Env, cfg.App.LogLevel, "tileforgectl").
				Output(cmd.ErrOrStderr())

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := compositor.Startup(); err != nil {
				return err
			}
			defer compositor.Shutdown()

			rt, err := app.Build(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			return run(ctx, rt, cmd.OutOrStdout(), args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "reconcile",
			Short: "Run one watchdog pass now",
			Args:  cobra.NoArgs,
			RunE: withRuntime(func(ctx context.Context, rt *app.Runtime, out io.Writer, _ []string) error {
				report, err := rt.Watchdog.Reconcile(ctx)
				if printErr := printJSON(out, report); printErr != nil {
					return printErr
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "composite <job-id>",
			Short: "Run one compositor batch for a job",
			Args:  cobra.ExactArgs(1),
			RunE: withRuntime(func(ctx context.Context, rt *app.Runtime, out io.Writer, args []string) error {
				outcome, err := rt.Compositor.Composite(ctx, compositor.Request{JobID: args[0]})
				fmt.Fprintf(out, "job %s: %s\n", args[0], outcome)
				return err
			}),
		},
		newJobCmd(withRuntime),
	)
	return root
}

func newJobCmd(withRuntime func(func(context.Context, *app.Runtime, io.Writer, []string) error) func(*cobra.Command, []string) error) *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}
	job.AddCommand(&cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job and its tile counts",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(ctx context.Context, rt *app.Runtime, out io.Writer, args []string) error {
			return showJob(ctx, rt.Registry, out, args[0])
		}),
	})
	return job
}

func showJob(ctx context.Context, reg registry.Registry, out io.Writer, jobID string) error {
	job, err := reg.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	counts, err := reg.CountTilesByStatus(ctx, jobID)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{
		"job":   job,
		"tiles": counts,
	})
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
