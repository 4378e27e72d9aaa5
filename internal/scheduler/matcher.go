package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"lattice/internal/config"
	"lattice/internal/graph"
	"lattice/internal/logging"
	"lattice/internal/services"
	"lattice/internal/store"
)

// PollRequest is what a node offers when asking for work.
type PollRequest struct {
	NodeID         string
	Capacity       Capacity
	Accelerators   []string
	AllowTranscode bool
}

// Matcher assigns queued jobs to polling nodes.
type Matcher struct {
	store    *store.Store
	resolver *Resolver
	policy   Policy
	logger   *slog.Logger
}

// NewMatcher builds a matcher over st using catalog for payload manifests.
func NewMatcher(st *store.Store, catalog graph.Catalog, policy Policy, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "scheduler")
	return &Matcher{
		store:    st,
		resolver: NewResolver(st, catalog, logger),
		policy:   policy,
		logger:   logger,
	}
}

// Poll assigns as many queued jobs to the node as its free slots allow and
// returns the assigned jobs. Candidates the node cannot run stay queued.
func (m *Matcher) Poll(ctx context.Context, req PollRequest) ([]*store.Job, error) {
	node, err := m.store.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, services.Wrap(services.ErrNotFound, "scheduler", "poll", fmt.Sprintf("node %s is not registered", req.NodeID), nil)
	}

	alloc := NewAllocator(req.Capacity.Cap(node.Settings))
	if alloc.Exhausted() {
		return nil, nil
	}
	candidates, err := m.store.QueuedCandidates(ctx)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With(logging.NodeID(req.NodeID))
	var assigned []*store.Job
	for _, candidate := range candidates {
		if alloc.Exhausted() {
			break
		}
		job, err := m.offer(ctx, logger, alloc, node, req, candidate)
		if err != nil {
			return assigned, err
		}
		if job != nil {
			assigned = append(assigned, job)
		}
	}
	return assigned, nil
}

// offer tries to place one candidate on the node, returning the assigned job
// or nil when the candidate was rejected or lost to a concurrent poll.
func (m *Matcher) offer(ctx context.Context, logger *slog.Logger, alloc *Allocator, node *store.Node, req PollRequest, c store.Candidate) (*store.Job, error) {
	if !c.AllowsNode(req.NodeID) {
		return nil, nil
	}
	if c.Type == store.JobTranscode && !req.AllowTranscode {
		return nil, nil
	}
	if alloc.CategoryExhausted(c.Type) {
		return nil, nil
	}
	if !acceleratorAllowed(c.RequestedAccelerator, req.Accelerators) {
		return nil, nil
	}

	kinds := m.kindsFor(alloc, c.Type)
	for _, kind := range kinds {
		slot, ok := alloc.Take(c.Type, kind)
		if !ok {
			continue
		}
		caps := graph.Capabilities{Processing: kind, Accelerators: req.Accelerators, Tags: node.Tags}

		payload := ""
		var requirements graph.Requirements
		if c.Type == store.JobTranscode {
			resolved, err := m.resolver.Resolve(ctx, c, caps)
			if err != nil {
				alloc.Release(c.Type, slot)
				return nil, err
			}
			if resolved == "" {
				alloc.Release(c.Type, slot)
				continue
			}
			p, err := graph.DecodePayload(resolved)
			if err != nil {
				alloc.Release(c.Type, slot)
				return nil, err
			}
			payload = resolved
			requirements = p.Requirements
		}

		accelerator := chooseAccelerator(c.RequestedAccelerator, requirements, caps)
		ok, err := m.store.AssignJob(ctx, store.Assignment{
			JobID:          c.ID,
			NodeID:         req.NodeID,
			ProcessingType: kind,
			Accelerator:    accelerator,
			GPUIndex:       slot.GPUIndex,
			Payload:        payload,
			Log:            runStartedLine(c.Type, req.NodeID, kind, accelerator, slot.GPUIndex),
		})
		if err != nil {
			alloc.Release(c.Type, slot)
			return nil, err
		}
		if !ok {
			alloc.Release(c.Type, slot)
			logger.Debug("job claimed by another poll", logging.JobID(c.ID))
			return nil, nil
		}

		logger.Info("job assigned",
			logging.JobID(c.ID),
			logging.FileID(c.FileID),
			logging.String(logging.FieldEventType, "job_assigned"),
			logging.String("job_type", string(c.Type)),
			logging.String("processing_type", kind),
			logging.String("accelerator", accelerator),
		)
		return m.store.GetJob(ctx, c.ID)
	}
	return nil, nil
}

// kindsFor lists the slot kinds to attempt. Healthchecks take the first
// available kind only; transcodes fall back to the next kind when no tree
// matches the preferred one.
func (m *Matcher) kindsFor(alloc *Allocator, t store.JobType) []string {
	var kinds []string
	for _, kind := range m.policy.Order(t) {
		if alloc.Remaining(t, kind) <= 0 {
			continue
		}
		kinds = append(kinds, kind)
		if t != store.JobTranscode {
			break
		}
	}
	return kinds
}

func acceleratorAllowed(requested string, nodeAccelerators []string) bool {
	if requested == "" || requested == "cpu" || len(nodeAccelerators) == 0 {
		return true
	}
	return slices.Contains(nodeAccelerators, requested)
}

func chooseAccelerator(requested string, req graph.Requirements, caps graph.Capabilities) string {
	if caps.Processing != config.SlotGPU {
		return "cpu"
	}
	if requested != "" && requested != "cpu" {
		return requested
	}
	if accel := req.PreferredAccelerator(caps); accel != "" {
		return accel
	}
	return "cpu"
}

func runStartedLine(t store.JobType, nodeID, kind, accelerator string, gpuIndex *int) string {
	line := fmt.Sprintf("%s run started on node %s (%s/%s", t, nodeID, kind, accelerator)
	if gpuIndex != nil {
		line += fmt.Sprintf(", gpu %d", *gpuIndex)
	}
	return line + ")"
}
