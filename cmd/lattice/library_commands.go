package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"lattice/internal/config"
	"lattice/internal/services"
	"lattice/internal/store"
)

func newLibrariesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "libraries",
		Aliases: []string{"library", "lib"},
		Short:   "Manage media libraries",
	}
	cmd.AddCommand(newLibrariesAddCommand(ctx))
	cmd.AddCommand(newLibrariesBindCommand(ctx))
	cmd.AddCommand(newLibrariesRemoveCommand(ctx))
	cmd.AddCommand(newLibrariesListCommand(ctx))
	return cmd
}

func newLibrariesAddCommand(ctx *commandContext) *cobra.Command {
	var (
		defaultTree string
		scope       string
		allowNodes  []string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				lib := store.Library{
					Name:          args[0],
					TreeScope:     strings.ToLower(strings.TrimSpace(scope)),
					NodeAllowList: allowNodes,
				}
				if defaultTree != "" {
					tree, err := resolveTree(cmd, st, defaultTree)
					if err != nil {
						return err
					}
					lib.DefaultTreeID = tree.ID
				}
				created, err := st.CreateLibrary(cmd.Context(), lib)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created library %d (%s)\n", created.ID, created.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&defaultTree, "default-tree", "", "Tree id or name used when the library has no rule trees")
	cmd.Flags().StringVar(&scope, "scope", store.ScopeSelected, "Tree scope: selected or any")
	cmd.Flags().StringSliceVar(&allowNodes, "allow-node", nil, "Restrict processing to these node ids (repeatable)")
	return cmd
}

func newLibrariesBindCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "bind <library> <tree>...",
		Short: "Replace the trees selected for a library",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				lib, err := resolveLibrary(cmd, st, args[0])
				if err != nil {
					return err
				}
				ids := make([]int64, 0, len(args)-1)
				for _, ref := range args[1:] {
					tree, err := resolveTree(cmd, st, ref)
					if err != nil {
						return err
					}
					ids = append(ids, tree.ID)
				}
				if err := st.SetLibraryTrees(cmd.Context(), lib.ID, ids); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Library %s now selects %d tree(s)\n", lib.Name, len(ids))
				return nil
			})
		},
	}
}

func newLibrariesRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <library>",
		Short: "Delete a library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				lib, err := resolveLibrary(cmd, st, args[0])
				if err != nil {
					return err
				}
				if err := st.DeleteLibrary(cmd.Context(), lib.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed library %s\n", lib.Name)
				return nil
			})
		},
	}
}

func newLibrariesListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List libraries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				libs, err := st.ListLibraries(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, libs)
				}
				if len(libs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No libraries")
					return nil
				}
				rows := make([][]string, 0, len(libs))
				for _, lib := range libs {
					trees, err := st.LibraryTreeIDs(cmd.Context(), lib.ID)
					if err != nil {
						return err
					}
					defaultTree := "-"
					if lib.DefaultTreeID > 0 {
						defaultTree = strconv.FormatInt(lib.DefaultTreeID, 10)
					}
					rows = append(rows, []string{
						strconv.FormatInt(lib.ID, 10),
						lib.Name,
						lib.TreeScope,
						defaultTree,
						joinIDs(trees),
						orDash(strings.Join(lib.NodeAllowList, ", ")),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Name", "Scope", "Default", "Trees", "Nodes"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	return cmd
}

func resolveLibrary(cmd *cobra.Command, st *store.Store, ref string) (*store.Library, error) {
	lib, err := st.FindLibrary(cmd.Context(), strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if lib == nil {
		return nil, services.Wrap(services.ErrNotFound, "cli", "find library", ref, nil)
	}
	return lib, nil
}

func resolveTree(cmd *cobra.Command, st *store.Store, ref string) (*store.Tree, error) {
	tree, err := st.FindTree(cmd.Context(), strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, services.Wrap(services.ErrNotFound, "cli", "find tree", ref, nil)
	}
	return tree, nil
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
