// Command hopflow runs pipelines and workflows and manages run
// configurations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hopflow/internal/config"
	"hopflow/internal/logging"
	"hopflow/internal/server"
)

type cli struct {
	cfgFile  string
	platform *server.Platform
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "hopflow",
		Short:         "Run metadata-driven pipelines and workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			c.platform, err = server.Bootstrap(cmd.Context(), cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.platform == nil {
				return nil
			}
			return c.platform.Close()
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "hopflow.yaml", "platform config file")
	root.AddCommand(c.runCmd(), c.pluginsCmd(), c.runConfigCmd(), c.historyCmd())
	return root
}

func main() {
	logging.InitFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
