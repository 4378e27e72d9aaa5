package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"lattice/internal/graph"
	"lattice/internal/logging"
	"lattice/internal/store"
)

// Resolver picks the tree a transcode job runs on a given node and renders
// its payload.
type Resolver struct {
	store   *store.Store
	catalog graph.Catalog
	logger  *slog.Logger
}

// NewResolver builds a resolver using catalog for bundle versions.
func NewResolver(st *store.Store, catalog graph.Catalog, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{store: st, catalog: catalog, logger: logger}
}

// Resolve returns the encoded payload for a candidate on a node, or "" when no
// eligible tree matches the node. A still-matching payload the job already
// carries wins. When the library lists rule trees they are the whole eligible
// set; otherwise any tree is tried when the scope is "any", then the default.
func (r *Resolver) Resolve(ctx context.Context, c store.Candidate, caps graph.Capabilities) (string, error) {
	if c.TranscodePayload != "" {
		existing, err := graph.DecodePayload(c.TranscodePayload)
		if err != nil {
			r.logger.Warn("discarding unreadable payload", logging.JobID(c.ID), logging.Error(err))
		} else if existing != nil {
			tree, err := r.store.GetTree(ctx, existing.TreeID)
			if err != nil {
				return "", err
			}
			if tree != nil && treeRequirements(tree).Matches(caps) {
				return c.TranscodePayload, nil
			}
		}
	}

	lib, err := r.store.GetLibrary(ctx, c.LibraryID)
	if err != nil {
		return "", err
	}
	if lib == nil {
		return "", nil
	}

	ruleIDs, err := r.store.LibraryTreeIDs(ctx, lib.ID)
	if err != nil {
		return "", err
	}
	for _, id := range ruleIDs {
		tree, err := r.store.GetTree(ctx, id)
		if err != nil {
			return "", err
		}
		if payload, err := r.render(ctx, tree, caps); err != nil || payload != "" {
			return payload, err
		}
	}
	if len(ruleIDs) > 0 {
		return "", nil
	}

	if lib.TreeScope == store.ScopeAny {
		trees, err := r.store.ListTrees(ctx)
		if err != nil {
			return "", err
		}
		for _, tree := range trees {
			if payload, err := r.render(ctx, tree, caps); err != nil || payload != "" {
				return payload, err
			}
		}
	}

	if lib.DefaultTreeID > 0 {
		tree, err := r.store.GetTree(ctx, lib.DefaultTreeID)
		if err != nil {
			return "", err
		}
		return r.render(ctx, tree, caps)
	}
	return "", nil
}

// render builds the payload for tree when the node satisfies it. Trees without
// versions or with unreadable graphs are skipped.
func (r *Resolver) render(ctx context.Context, tree *store.Tree, caps graph.Capabilities) (string, error) {
	if tree == nil {
		return "", nil
	}
	req := treeRequirements(tree)
	if !req.Matches(caps) {
		return "", nil
	}
	version, err := r.store.LatestTreeVersion(ctx, tree.ID)
	if err != nil {
		return "", err
	}
	if version == nil {
		return "", nil
	}
	g, err := graph.Parse([]byte(version.Graph))
	if err != nil {
		r.logger.Warn("skipping tree with invalid graph",
			logging.Int64("tree_id", tree.ID),
			logging.Int("tree_version", version.Version),
			logging.Error(err),
		)
		return "", nil
	}
	payload := graph.NewPayload(tree.ID, tree.Name, version.Version, req, g, r.catalog)
	encoded, err := payload.Encode()
	if err != nil {
		return "", fmt.Errorf("render payload for tree %d: %w", tree.ID, err)
	}
	return encoded, nil
}

func treeRequirements(tree *store.Tree) graph.Requirements {
	var req graph.Requirements
	if tree == nil || tree.RequirementsJSON == "" {
		return req
	}
	_ = json.Unmarshal([]byte(tree.RequirementsJSON), &req)
	return req
}
