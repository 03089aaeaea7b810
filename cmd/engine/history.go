package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hopflow/internal/server"
)

func (c *cli) historyCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "history [ID]",
		Short: "List recorded executions, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, ok := c.platform.Locations[location]
			if !ok {
				return fmt.Errorf("no execution-info location %q", location)
			}
			if len(args) == 1 {
				snap, err := loc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printSnapshot(cmd.OutOrStdout(), snap)
				return nil
			}
			snaps, err := loc.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range snaps {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %-10s %s\n", s.ID, s.Name, s.Status, s.Start.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&location, "location", server.DefaultLocation, "execution-info location name")
	return cmd
}
