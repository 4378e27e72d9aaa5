package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lattice/internal/apiclient"
	"lattice/internal/elements"
	"lattice/internal/engine"
	"lattice/internal/ffmpeg"
	"lattice/internal/logging"
	"lattice/internal/nodeagent"
	"lattice/internal/preflight"
	"lattice/internal/services"
)

func newNodeCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run and check the node agent",
	}
	cmd.AddCommand(newNodeRunCommand(ctx))
	cmd.AddCommand(newNodeCheckCommand(ctx))
	return cmd
}

// healthAdapter narrows the API client to what preflight reads.
type healthAdapter struct {
	client *apiclient.Client
}

func (h healthAdapter) Health(ctx context.Context) (preflight.HealthStatus, error) {
	resp, err := h.client.Health(ctx)
	if err != nil {
		return preflight.HealthStatus{}, err
	}
	return preflight.HealthStatus{Status: resp.Status}, nil
}

func newNodeRunCommand(ctx *commandContext) *cobra.Command {
	var skipPreflight bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register with the coordinator and process jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateNodeRuntime(); err != nil {
				return err
			}
			logger, logPath, err := runLogger(cfg, "node")
			if err != nil {
				return err
			}

			client, err := apiclient.New(cfg.Node.CoordinatorURL, cfg.Node.APIToken,
				time.Duration(cfg.Node.RequestTimeout)*time.Second, apiclient.WithLogger(logger))
			if err != nil {
				return err
			}

			signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !skipPreflight {
				results := preflight.RunNode(signalCtx, cfg, healthAdapter{client: client})
				if failed := preflight.Failed(results); len(failed) > 0 {
					return services.Wrap(services.ErrConfiguration, "node", "preflight", preflight.Summarize(failed), nil)
				}
			}

			registry, err := elements.NewRegistry(cfg.Node)
			if err != nil {
				return err
			}
			inventory := nodeagent.NewInventory(cfg.Node.NvidiaSMIBinary, cfg.Node.Accelerators)
			hardware := inventory.Detect(signalCtx)
			eng := engine.New(registry, engine.Options{
				WorkDir:          cfg.Paths.WorkDir,
				Accelerators:     hardware.Accelerators,
				Probe:            engine.FFprobe(cfg.Node.FFprobeBinary),
				Runner:           ffmpeg.NewRunner(cfg.Node.FFmpegBinary, logger),
				ProgressInterval: time.Duration(cfg.Streamer.ProgressIntervalMillis) * time.Millisecond,
				Logger:           logger,
			})

			agent, err := nodeagent.New(nodeagent.Options{
				Config:    cfg,
				Client:    client,
				Runner:    eng,
				Inventory: inventory,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			logger.Info("node agent starting",
				logging.String(logging.FieldEventType, "node_run"),
				logging.NodeID(agent.NodeID()),
				logging.String("coordinator", cfg.Node.CoordinatorURL),
				logging.Any("accelerators", hardware.Accelerators),
				logging.String("log_path", logPath),
			)
			if err := agent.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Start without checking binaries, directories, and the coordinator")
	return cmd
}

func newNodeCheckCommand(ctx *commandContext) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run node preflight checks and report the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var checker preflight.HealthChecker
			if !offline {
				client, err := ctx.apiClient()
				if err != nil {
					return err
				}
				checker = healthAdapter{client: client}
			}
			results := preflight.RunNode(cmd.Context(), cfg, checker)

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				state := "ok"
				if !r.Passed {
					state = "error"
				}
				rows = append(rows, []string{r.Name, colorStatus(state, colorize), orDash(r.Detail)})
			}
			fmt.Fprintln(out, renderTable([]string{"Check", "Result", "Detail"}, rows, nil))
			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d check(s) failed", len(failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip the coordinator reachability check")
	return cmd
}
