package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lattice/internal/coordinator"
	"lattice/internal/elements"
	"lattice/internal/logging"
	"lattice/internal/store"
)

func newCoordinatorCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run and inspect the coordinator",
	}
	cmd.AddCommand(newCoordinatorRunCommand(ctx))
	cmd.AddCommand(newCoordinatorHealthCommand(ctx))
	return cmd
}

func newCoordinatorRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the coordinator API in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, logPath, err := runLogger(cfg, "coordinator")
			if err != nil {
				return err
			}

			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer st.Close()

			coord, err := coordinator.New(cfg, st, elements.Catalog(cfg.Coordinator.Plugins), logger)
			if err != nil {
				return err
			}

			signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("coordinator starting",
				logging.String(logging.FieldEventType, "coordinator_run"),
				logging.String("bind", cfg.Coordinator.Bind),
				logging.String("database", st.Path()),
				logging.String("log_path", logPath),
			)
			return coord.Run(signalCtx)
		},
	}
}

func newCoordinatorHealthCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show coordinator health via the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, resp)
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintf(out, "Status:      %s\n", colorStatus(resp.Status, colorize))
			fmt.Fprintf(out, "Schema:      v%d (integrity %t)\n", resp.SchemaVersion, resp.Integrity)
			fmt.Fprintf(out, "Fresh nodes: %d\n", resp.FreshNodes)
			if resp.Error != "" {
				fmt.Fprintf(out, "Error:       %s\n", resp.Error)
			}
			rows := make([][]string, 0, len(resp.Jobs))
			for _, status := range sortedKeys(resp.Jobs) {
				rows = append(rows, []string{titleLabel(status), fmt.Sprintf("%d", resp.Jobs[status])})
			}
			if len(rows) > 0 {
				fmt.Fprintln(out, renderTable([]string{"Jobs", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	return cmd
}
