package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"lattice/internal/api"
	"lattice/internal/graph"
	"lattice/internal/media/ffprobe"
	"lattice/internal/services"
)

// Result is what an element returns to steer the walk.
type Result struct {
	// NextHandle selects the outgoing edge by its sourceHandle.
	NextHandle string `json:"nextHandle,omitempty"`
	// Complete ends the run successfully.
	Complete bool `json:"complete,omitempty"`
	// Requeue ends the run and sends the job back to the queue, as
	// RequeueType when set.
	Requeue     bool   `json:"requeue,omitempty"`
	RequeueType string `json:"requeueType,omitempty"`
}

// FileReport is file metadata an element sends to the coordinator.
type FileReport struct {
	Fields      api.FileFields
	PathMetrics []api.PathMetrics
	RemovePaths []string
	Final       bool
}

// Tools are the side effects available to an element.
type Tools interface {
	Log(line string)
	Progress(fraction float64)
	Report(ctx context.Context, report FileReport) error
	Probe(ctx context.Context, path string) (ffprobe.Result, error)
	RunFFmpeg(ctx context.Context, args []string, duration float64, frames int64) error
	PathMetrics(path string) api.PathMetrics
}

// Handler executes one element type.
type Handler interface {
	Type() string
	Version() string
	Execute(ctx context.Context, ec *Context, config json.RawMessage, tools Tools) (Result, error)
}

// Weighted handlers declare their share of the run's progress.
type Weighted interface {
	Weight() int
}

// fallbackWeights apply to handlers that do not implement Weighted.
var fallbackWeights = map[string]int{
	"ffmpeg_execute":   10,
	"drapto_encode":    10,
	"replace_original": 2,
	"move_file":        2,
}

// Registry maps element types to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry registers handlers, rejecting duplicate types.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a handler.
func (r *Registry) Register(h Handler) error {
	name := strings.TrimSpace(h.Type())
	if name == "" {
		return services.Wrap(services.ErrConfiguration, "registry", "register", "element type is empty", nil)
	}
	if _, dup := r.handlers[name]; dup {
		return services.Wrap(services.ErrConfiguration, "registry", "register", fmt.Sprintf("element %q registered twice", name), nil)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler for an element type.
func (r *Registry) Lookup(elementType string) (Handler, bool) {
	h, ok := r.handlers[elementType]
	return h, ok
}

// Weight returns the progress weight of an element type.
func (r *Registry) Weight(elementType string) int {
	if h, ok := r.handlers[elementType]; ok {
		if w, ok := h.(Weighted); ok && w.Weight() > 0 {
			return w.Weight()
		}
	}
	if w, ok := fallbackWeights[elementType]; ok {
		return w
	}
	return 1
}

// CheckBundle fails when the payload references an element this node does
// not have, or has at another version.
func (r *Registry) CheckBundle(bundle []graph.ElementRef) error {
	var problems []string
	for _, ref := range bundle {
		h, ok := r.handlers[ref.Type]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("unsupported element %q", ref.Type))
		case ref.Version != h.Version():
			problems = append(problems, fmt.Sprintf("element %q version %q, node has %q", ref.Type, ref.Version, h.Version()))
		}
	}
	if len(problems) > 0 {
		return services.Wrap(services.ErrValidation, "registry", "check bundle", strings.Join(problems, "; "), nil)
	}
	return nil
}

// Catalog lists every registered element with its version.
func (r *Registry) Catalog() graph.StaticCatalog {
	catalog := make(graph.StaticCatalog, len(r.handlers))
	for name, h := range r.handlers {
		catalog[name] = h.Version()
	}
	return catalog
}

// Types returns registered element types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
