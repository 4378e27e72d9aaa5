package preflight

import (
	"context"
	"fmt"
	"strings"

	"lattice/internal/config"
	"lattice/internal/deps"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// HealthChecker is the coordinator call used to verify reachability.
type HealthChecker interface {
	Health(ctx context.Context) (HealthStatus, error)
}

// HealthStatus is the part of the coordinator health response preflight reads.
type HealthStatus struct {
	Status string
}

// RunNode executes the checks a node agent needs before polling. coordinator
// may be nil to skip the reachability check.
func RunNode(ctx context.Context, cfg *config.Config, coordinator HealthChecker) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	for _, status := range deps.CheckBinaries(deps.NodeRequirements(cfg.Node)) {
		results = append(results, FromDependency(status))
	}
	if coordinator != nil {
		results = append(results, CheckCoordinator(ctx, coordinator))
	}
	return results
}

// FromDependency converts a binary status into a result. Optional binaries
// always pass.
func FromDependency(status deps.Status) Result {
	if status.Available {
		return Result{Name: status.Name, Passed: true, Detail: status.Command}
	}
	if status.Optional {
		return Result{Name: status.Name, Passed: true, Detail: fmt.Sprintf("%s (optional)", status.Detail)}
	}
	return Result{Name: status.Name, Detail: status.Detail}
}

// Failed returns the failing results.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// Summarize joins failing results into one line.
func Summarize(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s: %s", r.Name, r.Detail))
	}
	return strings.Join(parts, "; ")
}
