package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"lattice/internal/config"
	"lattice/internal/graph"
	"lattice/internal/services"
	"lattice/internal/store"
	"lattice/internal/treefile"
)

func newTreesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "trees",
		Aliases: []string{"tree"},
		Short:   "Manage transcode trees",
	}
	cmd.AddCommand(newTreesImportCommand(ctx))
	cmd.AddCommand(newTreesListCommand(ctx))
	cmd.AddCommand(newTreesShowCommand(ctx))
	return cmd
}

func newTreesImportCommand(ctx *commandContext) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Save a tree file as a new tree version",
		Long: "Import an HCL tree file (.hcl) or a designer graph export (.json). " +
			"Importing under an existing name appends a new version; running jobs keep the version they were assigned.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := loadTreeFile(args[0], name)
			if err != nil {
				return err
			}
			reqJSON, err := json.Marshal(tree.Requirements)
			if err != nil {
				return fmt.Errorf("encode requirements: %w", err)
			}
			graphJSON, err := json.Marshal(tree.Graph)
			if err != nil {
				return fmt.Errorf("encode graph: %w", err)
			}
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				version, err := st.SaveTree(cmd.Context(), tree.Name, string(reqJSON), string(graphJSON))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved tree %d (%s) version %d: %d nodes, %d edges\n",
					version.TreeID, tree.Name, version.Version, len(tree.Graph.Nodes), len(tree.Graph.Edges))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Tree name (required for .json, overrides the file's name for .hcl)")
	return cmd
}

// loadTreeFile reads an HCL tree or a bare JSON graph. JSON graphs carry no
// requirements, so they match any node.
func loadTreeFile(path, name string) (*treefile.Tree, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if strings.TrimSpace(name) == "" {
			return nil, services.Wrap(services.ErrValidation, "cli", "import tree", "--name is required for json graphs", nil)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read tree: %w", err)
		}
		g, err := graph.Parse(data)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "cli", "import tree", path, err)
		}
		if _, err := g.InputNode(); err != nil {
			return nil, services.Wrap(services.ErrValidation, "cli", "import tree", path, err)
		}
		return &treefile.Tree{Name: strings.TrimSpace(name), Graph: g}, nil
	}
	tree, err := treefile.Load(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) != "" {
		tree.Name = strings.TrimSpace(name)
	}
	return tree, nil
}

func newTreesListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trees and their latest versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				trees, err := st.ListTrees(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, trees)
				}
				if len(trees) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No trees")
					return nil
				}
				rows := make([][]string, 0, len(trees))
				for _, tree := range trees {
					rows = append(rows, []string{
						strconv.FormatInt(tree.ID, 10),
						tree.Name,
						strconv.Itoa(tree.LatestVersion),
						describeRequirements(tree.RequirementsJSON),
						humanize.Time(tree.UpdatedAt),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Name", "Version", "Requirements", "Updated"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	return cmd
}

func newTreesShowCommand(ctx *commandContext) *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <tree>",
		Short: "Print a tree version's graph as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				tree, err := resolveTree(cmd, st, args[0])
				if err != nil {
					return err
				}
				tv, err := st.TreeVersion(cmd.Context(), tree.ID, version)
				if err != nil {
					return err
				}
				if tv == nil {
					return services.Wrap(services.ErrNotFound, "cli", "show tree", fmt.Sprintf("%s version %d", tree.Name, version), nil)
				}
				g, err := graph.Parse([]byte(tv.Graph))
				if err != nil {
					return err
				}
				return writeJSON(cmd, g)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Version to show (default latest)")
	return cmd
}

// describeRequirements renders stored requirements as "gpu nvidia +fast".
func describeRequirements(raw string) string {
	var req graph.Requirements
	if strings.TrimSpace(raw) == "" || json.Unmarshal([]byte(raw), &req) != nil {
		return "-"
	}
	var parts []string
	if req.Processing != "" && req.Processing != graph.ProcessingAny {
		parts = append(parts, req.Processing)
	}
	parts = append(parts, req.Accelerators...)
	for _, tag := range req.Tags.All {
		parts = append(parts, "+"+tag)
	}
	if len(req.Tags.Any) > 0 {
		parts = append(parts, "any("+strings.Join(req.Tags.Any, ",")+")")
	}
	for _, tag := range req.Tags.None {
		parts = append(parts, "-"+tag)
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}
