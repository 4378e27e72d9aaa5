package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"lattice/internal/config"
	"lattice/internal/services"
	"lattice/internal/store"
)

// mediaExtensions are indexed when a directory is walked; explicit file
// arguments are always accepted.
var mediaExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".m4v": {}, ".mov": {}, ".avi": {},
	".ts": {}, ".m2ts": {}, ".webm": {}, ".wmv": {}, ".mpg": {}, ".mpeg": {},
}

func newFilesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "files",
		Aliases: []string{"file"},
		Short:   "Index and remove library files",
	}
	cmd.AddCommand(newFilesAddCommand(ctx))
	cmd.AddCommand(newFilesRemoveCommand(ctx))
	cmd.AddCommand(newFilesListCommand(ctx))
	return cmd
}

func newFilesAddCommand(ctx *commandContext) *cobra.Command {
	var libraryRef string
	cmd := &cobra.Command{
		Use:   "add <path>...",
		Short: "Index files and queue their healthchecks",
		Long:  "Index media files under a library. Directories are walked recursively for known media extensions.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				lib, err := resolveLibrary(cmd, st, libraryRef)
				if err != nil {
					return err
				}
				paths, err := collectMediaFiles(args)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				var added, skipped int
				for _, path := range paths {
					info, err := os.Stat(path)
					if err != nil {
						return fmt.Errorf("stat %s: %w", path, err)
					}
					file, job, err := st.EnqueueFile(cmd.Context(), lib.ID, path, info.Size())
					if errors.Is(err, services.ErrConflict) {
						skipped++
						fmt.Fprintf(out, "skip %s (already indexed)\n", path)
						continue
					}
					if err != nil {
						return err
					}
					added++
					fmt.Fprintf(out, "file %d  job %d  %s  %s\n", file.ID, job.ID, humanBytes(uint64(file.Size)), path)
				}
				fmt.Fprintf(out, "Indexed %d file(s), skipped %d\n", added, skipped)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&libraryRef, "library", "l", "", "Library id or name")
	_ = cmd.MarkFlagRequired("library")
	return cmd
}

func newFilesRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <path>...",
		Short: "Mark files deleted so their jobs are reaped",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				for _, arg := range args {
					path, err := filepath.Abs(arg)
					if err != nil {
						return err
					}
					file, err := st.FindFileByPath(cmd.Context(), path)
					if err != nil {
						return err
					}
					if file == nil {
						return services.Wrap(services.ErrNotFound, "cli", "remove file", path, nil)
					}
					if err := st.SoftDeleteFile(cmd.Context(), file.ID); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed file %d (%s)\n", file.ID, path)
				}
				return nil
			})
		},
	}
}

func newFilesListCommand(ctx *commandContext) *cobra.Command {
	var (
		libraryRef string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed files of a library",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				lib, err := resolveLibrary(cmd, st, libraryRef)
				if err != nil {
					return err
				}
				files, err := st.ListFiles(cmd.Context(), lib.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, files)
				}
				colorize := shouldColorize(cmd.OutOrStdout())
				rows := make([][]string, 0, len(files))
				for _, f := range files {
					rows = append(rows, []string{
						fmt.Sprintf("%d", f.ID),
						colorStatus(string(f.Status), colorize),
						humanBytes(uint64(f.Size)),
						f.Path,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Status", "Size", "Path"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&libraryRef, "library", "l", "", "Library id or name")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	_ = cmd.MarkFlagRequired("library")
	return cmd
}

// collectMediaFiles expands arguments into absolute, sorted, de-duplicated
// file paths.
func collectMediaFiles(args []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	for _, arg := range args {
		root, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", arg, err)
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if _, ok := mediaExtensions[strings.ToLower(filepath.Ext(path))]; ok {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", arg, err)
		}
	}
	sort.Strings(out)
	return out, nil
}
