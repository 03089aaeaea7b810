package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"hopflow/internal/engine"
	"hopflow/internal/runconfig"
)

func (c *cli) runConfigCmd() *cobra.Command {
	rc := &cobra.Command{
		Use:     "runconfig",
		Aliases: []string{"rc"},
		Short:   "Manage run configurations",
	}
	rc.AddCommand(c.rcListCmd(), c.rcShowCmd(), c.rcCreateCmd(), c.rcEngineCmd(), c.rcSetCmd(), c.rcDeleteCmd())
	return rc
}

func (c *cli) store() runconfig.Store { return c.platform.Runner.Store }

func (c *cli) defaults() runconfig.DefaultsProvider {
	return engine.Defaults{Registry: c.platform.Registry}
}

func (c *cli) rcListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List run configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := c.store().List()
			if err != nil {
				return err
			}
			for _, n := range names {
				rc, err := c.store().Load(n)
				if err != nil {
					return err
				}
				mark := ""
				if rc.Default {
					mark = " (default)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-9s %s%s\n", rc.Name, rc.Kind, rc.Engine.EnginePluginID(), mark)
			}
			return nil
		},
	}
}

func (c *cli) rcShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show a run configuration with its engine options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := c.store().Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:    %s\nkind:    %s\nengine:  %s (%s)\n", rc.Name, rc.Kind, rc.Engine.EnginePluginName(), rc.Engine.EnginePluginID())
			props := rc.Engine.Properties()
			keys := make([]string, 0, len(props))
			for k := range props {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %s = %s\n", k, props[k])
			}
			for _, v := range rc.Variables {
				fmt.Fprintf(out, "var %s = %s\n", v.Name, v.Value)
			}
			return nil
		},
	}
}

func (c *cli) rcCreateCmd() *cobra.Command {
	var (
		kind, engineID, location string
		isDefault                bool
		props, vars              []string
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a run configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := runconfig.New(args[0], runconfig.Kind(kind), nil)
			rc.Default, rc.ExecutionInfoLocation = isDefault, location
			if err := rc.SelectEngine(engineID, c.defaults()); err != nil {
				return err
			}
			if err := apply(rc, props, vars); err != nil {
				return err
			}
			return c.store().Save(rc)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(runconfig.KindPipeline), "pipeline or workflow")
	cmd.Flags().StringVar(&engineID, "engine", "local", "engine plugin id")
	cmd.Flags().StringVar(&location, "location", "", "execution-info location name")
	cmd.Flags().BoolVar(&isDefault, "default", false, "make it the default of its kind")
	cmd.Flags().StringArrayVar(&props, "set", nil, "engine option KEY=VALUE")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable NAME=VALUE")
	return cmd
}

// rcEngineCmd switches the engine of a configuration. Options of the engine
// left behind are kept and come back when it is selected again.
func (c *cli) rcEngineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engine NAME ENGINE",
		Short: "Switch the engine of a run configuration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := c.store().Load(args[0])
			if err != nil {
				return err
			}
			if err := rc.SelectEngine(args[1], c.defaults()); err != nil {
				return err
			}
			return c.store().Save(rc)
		},
	}
}

func (c *cli) rcSetCmd() *cobra.Command {
	var props, vars []string
	cmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Set engine options or variables of a run configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := c.store().Load(args[0])
			if err != nil {
				return err
			}
			if err := apply(rc, props, vars); err != nil {
				return err
			}
			return c.store().Save(rc)
		},
	}
	cmd.Flags().StringArrayVar(&props, "set", nil, "engine option KEY=VALUE")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable NAME=VALUE")
	return cmd
}

func (c *cli) rcDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a run configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.store().Delete(args[0])
		},
	}
}

func apply(rc *runconfig.RunConfiguration, props, vars []string) error {
	for _, p := range props {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("option %q is not KEY=VALUE", p)
		}
		if err := rc.Engine.SetProperty(k, v); err != nil {
			return err
		}
	}
	for _, p := range vars {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("variable %q is not NAME=VALUE", p)
		}
		rc.SetVariable(k, v, "")
	}
	return nil
}
