package elements

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lattice/internal/api"
	"lattice/internal/engine"
	"lattice/internal/fileutil"
	"lattice/internal/services"
)

const backupSuffix = ".lattice-bak"

// runReplaceOriginal swaps the encoded output in for the source file. The
// source is moved aside first and restored if the swap fails.
func runReplaceOriginal(ctx context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		KeepBackup bool `json:"keepBackup"`
	}
	if err := decode("replace_original", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	if ec.OutputPath == "" || !fileutil.Exists(ec.OutputPath) {
		return engine.Result{}, services.Wrap(services.ErrValidation, "replace_original", "", "no encoded output to install", nil)
	}

	final := fileutil.SwapExtension(ec.OriginalPath, filepath.Ext(ec.OutputPath))
	backup := ec.OriginalPath + backupSuffix
	if err := fileutil.MoveFile(ec.OriginalPath, backup); err != nil {
		return engine.Result{}, services.Wrap(services.ErrTransient, "replace_original", "backup source", ec.OriginalPath, err)
	}
	tools.Progress(0.3)
	if err := fileutil.MoveFile(ec.OutputPath, final); err != nil {
		if restoreErr := fileutil.MoveFile(backup, ec.OriginalPath); restoreErr != nil {
			tools.Log(fmt.Sprintf("restore of %s failed: %v", ec.OriginalPath, restoreErr))
		}
		return engine.Result{}, services.Wrap(services.ErrTransient, "replace_original", "install output", final, err)
	}
	tools.Progress(0.7)

	ec.BackupPath = backup
	ec.FinalPath = final
	ec.InputPath = final
	ec.OutputPath = ""

	report := engine.FileReport{Fields: api.FileFields{NewPath: final}}
	if final != ec.OriginalPath {
		report.RemovePaths = []string{ec.OriginalPath}
	}
	if err := tools.Report(ctx, report); err != nil {
		return engine.Result{}, err
	}

	if !cfg.KeepBackup {
		if err := os.Remove(backup); err != nil {
			tools.Log(fmt.Sprintf("remove backup %s: %v", backup, err))
		} else {
			ec.BackupPath = ""
		}
	}
	tools.Log(fmt.Sprintf("replaced %s with %s", ec.OriginalPath, final))
	return engine.Result{}, nil
}

// runMoveFile relocates either the encoded output or the library file into
// a destination directory. Moving the library file reports its new path.
func runMoveFile(ctx context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		Destination string `json:"destination"`
		Source      string `json:"source"`
	}
	if err := decode("move_file", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	if strings.TrimSpace(cfg.Destination) == "" {
		return engine.Result{}, services.Wrap(services.ErrValidation, "move_file", "decode config", "destination is required", nil)
	}

	moveOutput := cfg.Source == "output" || (cfg.Source == "" && ec.OutputPath != "")
	src := ec.InputPath
	if moveOutput {
		src = ec.OutputPath
	}
	if src == "" || !fileutil.Exists(src) {
		return engine.Result{}, services.Wrap(services.ErrValidation, "move_file", "", fmt.Sprintf("nothing to move from %q", src), nil)
	}

	stem := strings.TrimSuffix(filepath.Base(ec.OriginalPath), filepath.Ext(ec.OriginalPath))
	dst := filepath.Join(cfg.Destination, stem+filepath.Ext(src))
	if err := fileutil.MoveFile(src, dst); err != nil {
		return engine.Result{}, services.Wrap(services.ErrTransient, "move_file", "move", dst, err)
	}
	tools.Log(fmt.Sprintf("moved %s to %s", src, dst))

	ec.FinalPath = dst
	if moveOutput {
		ec.OutputPath = ""
		return engine.Result{}, nil
	}
	ec.InputPath = dst
	report := engine.FileReport{Fields: api.FileFields{NewPath: dst}, RemovePaths: []string{src}}
	return engine.Result{}, tools.Report(ctx, report)
}

// runProbeOutput probes the run's result and reports it as final metrics.
func runProbeOutput(ctx context.Context, ec *engine.Context, _ json.RawMessage, tools engine.Tools) (engine.Result, error) {
	target := ec.FinalPath
	if target == "" {
		target = ec.OutputPath
	}
	if target == "" {
		target = ec.InputPath
	}
	result, err := tools.Probe(ctx, target)
	if err != nil {
		return engine.Result{}, err
	}
	metrics := tools.PathMetrics(target)
	report := engine.FileReport{
		Fields:      engine.FieldsFromProbe(result, metrics.Size),
		PathMetrics: []api.PathMetrics{metrics},
		Final:       true,
	}
	if err := tools.Report(ctx, report); err != nil {
		return engine.Result{}, err
	}
	tools.Log(fmt.Sprintf("final %s %s, %d bytes", report.Fields.Container, report.Fields.VideoCodec, report.Fields.Size))
	return engine.Result{}, nil
}
