package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"hopflow/internal/registry"
)

var categories = []registry.Category{
	registry.CategoryPipelineEngine,
	registry.CategoryWorkflowEngine,
	registry.CategoryTransform,
	registry.CategoryAction,
	registry.CategoryExtension,
}

func (c *cli) pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins [CATEGORY]",
		Short: "List registered plugins",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cats := categories
			if len(args) == 1 {
				cats = []registry.Category{registry.Category(args[0])}
			}
			out := cmd.OutOrStdout()
			for _, cat := range cats {
				ds := c.platform.Registry.FindAll(cat)
				if len(ds) == 0 {
					continue
				}
				fmt.Fprintf(out, "%s:\n", cat)
				for _, d := range ds {
					line := fmt.Sprintf("  %-22s %s", d.ID, d.Description)
					if len(d.Tags) > 0 {
						line += " [" + strings.Join(d.Tags, ", ") + "]"
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
}
