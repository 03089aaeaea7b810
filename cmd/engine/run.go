package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hopflow/internal/execution"
	"hopflow/internal/variables"
)

type runFunc func(ctx context.Context, path, runConfig string, vars variables.Variables) (execution.Snapshot, error)

func (c *cli) runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline or a workflow file",
	}
	run.AddCommand(
		c.runFileCmd("pipeline", func() runFunc { return c.platform.Runner.RunFile }),
		c.runFileCmd("workflow", func() runFunc { return c.platform.Runner.RunWorkflowFile }),
	)
	return run
}

func (c *cli) runFileCmd(kind string, runner func() runFunc) *cobra.Command {
	var (
		runConfig string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   kind + " FILE [NAME=VALUE ...]",
		Short: "Run a " + kind + " file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			c.platform.Runner.Timeout = timeout

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			snap, err := runner()(ctx, args[0], runConfig, vars)
			if snap.ID != "" {
				printSnapshot(cmd.OutOrStdout(), snap)
			}
			if err != nil {
				return err
			}
			if snap.Status != execution.StatusFinished {
				return fmt.Errorf("%s %s ended %s", kind, args[0], snap.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&runConfig, "run-config", "r", "", "run configuration name (default: the default "+kind+" configuration)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "fail when prepare or start takes longer")
	return cmd
}

// parseParams reads NAME=VALUE arguments.
func parseParams(args []string) (variables.Variables, error) {
	vars := variables.Variables{}
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not NAME=VALUE", a)
		}
		vars[name] = value
	}
	return vars, nil
}

func printSnapshot(w io.Writer, s execution.Snapshot) {
	fmt.Fprintf(w, "%s %s [%s] %s in %s\n", s.Name, s.ID, s.Engine, s.Status, s.Duration().Round(time.Millisecond))
	if s.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", s.Error)
	}
	names := make([]string, 0, len(s.Counters))
	for n := range s.Counters {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-40s %d\n", n, s.Counters[n])
	}
}
