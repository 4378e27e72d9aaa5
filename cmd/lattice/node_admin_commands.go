package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"lattice/internal/api"
	"lattice/internal/config"
	"lattice/internal/services"
	"lattice/internal/store"
)

func newNodesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Inspect registered nodes and their slot overrides",
	}
	cmd.AddCommand(newNodesListCommand(ctx))
	cmd.AddCommand(newNodesSetCommand(ctx))
	return cmd
}

func newNodesListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes from the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.Nodes(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, resp)
			}
			if len(resp.Nodes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No nodes registered")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderNodes(resp.Nodes, shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	return cmd
}

func renderNodes(nodes []api.Node, colorize bool) string {
	rows := make([][]string, 0, len(nodes))
	for _, node := range nodes {
		state := "fresh"
		if node.Stale {
			state = "stale"
		}
		load, memory, gpus := "-", "-", "-"
		if node.Metrics != nil {
			load = fmt.Sprintf("%.2f", node.Metrics.Load1)
			if node.Metrics.MemTotalBytes > 0 {
				memory = fmt.Sprintf("%s / %s", humanBytes(node.Metrics.MemTotalBytes-node.Metrics.MemFreeBytes), humanBytes(node.Metrics.MemTotalBytes))
			}
			if len(node.Metrics.GPUs) > 0 {
				parts := make([]string, 0, len(node.Metrics.GPUs))
				for _, g := range node.Metrics.GPUs {
					parts = append(parts, fmt.Sprintf("%d:%.0f%%", g.Index, g.UtilizationPct))
				}
				gpus = strings.Join(parts, " ")
			}
		}
		accel := "-"
		if node.Hardware != nil && len(node.Hardware.Accelerators) > 0 {
			accel = strings.Join(node.Hardware.Accelerators, ",")
		}
		rows = append(rows, []string{
			node.ID,
			node.Name,
			colorStatus(state, colorize),
			relativeTime(node.LastHeartbeat),
			accel,
			orDash(strings.Join(node.Tags, ",")),
			load,
			memory,
			gpus,
		})
	}
	return renderTable(
		[]string{"ID", "Name", "State", "Heartbeat", "Accel", "Tags", "Load", "Memory", "GPU"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func newNodesSetCommand(ctx *commandContext) *cobra.Command {
	var (
		healthcheckCPU, healthcheckGPU int
		transcodeCPU, transcodeGPU     int
		healthcheckIdx, transcodeIdx   []int
		reset                          bool
	)
	cmd := &cobra.Command{
		Use:   "set <node-id>",
		Short: "Override the slots the coordinator will fill on a node",
		Long:  "Overrides cap what the node advertises when polling. Flags that are not given keep their current value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				node, err := st.GetNode(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if node == nil {
					return services.Wrap(services.ErrNotFound, "cli", "set node", args[0], nil)
				}
				settings := node.Settings
				if reset {
					settings = store.NodeSettings{}
				}
				flags := cmd.Flags()
				setCount := func(name string, value int, dst **int) error {
					if !flags.Changed(name) {
						return nil
					}
					if value < 0 {
						return services.Wrap(services.ErrValidation, "cli", "set node", fmt.Sprintf("--%s must be >= 0", name), nil)
					}
					v := value
					*dst = &v
					return nil
				}
				for _, f := range []struct {
					name  string
					value int
					dst   **int
				}{
					{"healthcheck-cpu", healthcheckCPU, &settings.HealthcheckCPU},
					{"healthcheck-gpu", healthcheckGPU, &settings.HealthcheckGPU},
					{"transcode-cpu", transcodeCPU, &settings.TranscodeCPU},
					{"transcode-gpu", transcodeGPU, &settings.TranscodeGPU},
				} {
					if err := setCount(f.name, f.value, f.dst); err != nil {
						return err
					}
				}
				if flags.Changed("healthcheck-gpu-indices") {
					settings.HealthcheckGPUIndices = healthcheckIdx
				}
				if flags.Changed("transcode-gpu-indices") {
					settings.TranscodeGPUIndices = transcodeIdx
				}
				if err := st.UpdateNodeSettings(cmd.Context(), node.ID, settings); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated node %s: %s\n", node.ID, describeSettings(settings))
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&healthcheckCPU, "healthcheck-cpu", 0, "Healthcheck CPU slots")
	flags.IntVar(&healthcheckGPU, "healthcheck-gpu", 0, "Healthcheck GPU slots")
	flags.IntVar(&transcodeCPU, "transcode-cpu", 0, "Transcode CPU slots")
	flags.IntVar(&transcodeGPU, "transcode-gpu", 0, "Transcode GPU slots")
	flags.IntSliceVar(&healthcheckIdx, "healthcheck-gpu-indices", nil, "GPU indices usable for healthchecks")
	flags.IntSliceVar(&transcodeIdx, "transcode-gpu-indices", nil, "GPU indices usable for transcodes")
	flags.BoolVar(&reset, "reset", false, "Drop existing overrides before applying flags")
	return cmd
}

func describeSettings(s store.NodeSettings) string {
	var parts []string
	add := func(label string, v *int) {
		if v != nil {
			parts = append(parts, fmt.Sprintf("%s=%d", label, *v))
		}
	}
	add("healthcheck-cpu", s.HealthcheckCPU)
	add("healthcheck-gpu", s.HealthcheckGPU)
	add("transcode-cpu", s.TranscodeCPU)
	add("transcode-gpu", s.TranscodeGPU)
	if len(s.HealthcheckGPUIndices) > 0 {
		parts = append(parts, fmt.Sprintf("healthcheck-gpu-indices=%v", s.HealthcheckGPUIndices))
	}
	if len(s.TranscodeGPUIndices) > 0 {
		parts = append(parts, fmt.Sprintf("transcode-gpu-indices=%v", s.TranscodeGPUIndices))
	}
	if len(parts) == 0 {
		return "no overrides"
	}
	return strings.Join(parts, " ")
}
