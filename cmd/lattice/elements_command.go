package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"lattice/internal/config"
	"lattice/internal/elements"
)

func newElementsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "elements",
		Short: "List element types available to trees",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			// Plugins declared on either side are listed; a node only runs
			// the ones in its own section.
			plugins := append(append([]config.Plugin(nil), cfg.Coordinator.Plugins...), cfg.Node.Plugins...)
			infos := elements.Describe(dedupePlugins(plugins))
			if jsonOutput {
				return writeJSON(cmd, infos)
			}
			rows := make([][]string, 0, len(infos))
			for _, info := range infos {
				source := "built-in"
				if info.Plugin {
					source = "plugin"
				}
				rows = append(rows, []string{info.Type, titleLabel(info.Type), orDash(info.Version), strconv.Itoa(info.Weight), source})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Type", "Name", "Version", "Weight", "Source"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	return cmd
}

// dedupePlugins keeps the first declaration of each plugin type.
func dedupePlugins(plugins []config.Plugin) []config.Plugin {
	seen := make(map[string]struct{}, len(plugins))
	out := plugins[:0:0]
	for _, p := range plugins {
		if _, ok := seen[p.Type]; ok {
			continue
		}
		seen[p.Type] = struct{}{}
		out = append(out, p)
	}
	return out
}
