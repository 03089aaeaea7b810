// Command hopflow-runner serves the dataflow runner over grpc so dataflow
// executions can be submitted from other processes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hopflow/internal/config"
	"hopflow/internal/logging"
	"hopflow/internal/server"
)

func newRootCmd() *cobra.Command {
	var cfgFile, listen string
	cmd := &cobra.Command{
		Use:           "hopflow-runner",
		Short:         "Serve the dataflow runner over grpc",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgFile, listen)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "hopflow.yaml", "platform config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides runner.listen")
	return cmd
}

func main() {
	logging.InitFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logging.L().Error("runner stopped", "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgFile, listen string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Runner.Listen = listen
	}
	p, err := server.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.ServeRunner(ctx)
}
