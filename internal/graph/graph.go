package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// InputElement is the element type every transcode graph starts from.
const InputElement = "input"

// Node is one element placed in a workflow graph.
type Node struct {
	ID          string          `json:"id"`
	ElementType string          `json:"elementType"`
	Config      json.RawMessage `json:"config,omitempty"`
	Position    *Position       `json:"position,omitempty"`
	Label       string          `json:"label,omitempty"`
}

// Position is designer layout metadata; execution ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects an output handle of one node to an input handle of another.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Graph is a directed workflow of elements.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ErrNoInput and ErrMultipleInputs report a graph without a unique entry point.
var (
	ErrNoInput        = errors.New("graph has no input node")
	ErrMultipleInputs = errors.New("graph has more than one input node")
)

// Parse decodes and validates a graph document.
func Parse(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return Graph{}, fmt.Errorf("decode graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return Graph{}, err
	}
	return g, nil
}

// Validate checks node identity and edge endpoints. It does not require an
// input node so partially authored graphs can still be stored.
func (g Graph) Validate() error {
	seen := make(map[string]struct{}, len(g.Nodes))
	for _, node := range g.Nodes {
		if strings.TrimSpace(node.ID) == "" {
			return errors.New("graph node missing id")
		}
		if strings.TrimSpace(node.ElementType) == "" {
			return fmt.Errorf("graph node %q missing elementType", node.ID)
		}
		if _, dup := seen[node.ID]; dup {
			return fmt.Errorf("graph node id %q is not unique", node.ID)
		}
		seen[node.ID] = struct{}{}
		if len(node.Config) > 0 && !json.Valid(node.Config) {
			return fmt.Errorf("graph node %q has invalid config json", node.ID)
		}
	}
	for _, edge := range g.Edges {
		if _, ok := seen[edge.Source]; !ok {
			return fmt.Errorf("graph edge references unknown source %q", edge.Source)
		}
		if _, ok := seen[edge.Target]; !ok {
			return fmt.Errorf("graph edge references unknown target %q", edge.Target)
		}
	}
	return nil
}

// Minimize strips designer metadata, keeping only what execution needs.
func (g Graph) Minimize() Graph {
	out := Graph{
		Nodes: make([]Node, 0, len(g.Nodes)),
		Edges: make([]Edge, 0, len(g.Edges)),
	}
	for _, node := range g.Nodes {
		out.Nodes = append(out.Nodes, Node{
			ID:          node.ID,
			ElementType: node.ElementType,
			Config:      append(json.RawMessage(nil), node.Config...),
		})
	}
	for _, edge := range g.Edges {
		out.Edges = append(out.Edges, Edge{
			Source:       edge.Source,
			SourceHandle: edge.SourceHandle,
			Target:       edge.Target,
			TargetHandle: edge.TargetHandle,
		})
	}
	return out
}

// InputNode returns the unique node of type input.
func (g Graph) InputNode() (Node, error) {
	var found []Node
	for _, node := range g.Nodes {
		if node.ElementType == InputElement {
			found = append(found, node)
		}
	}
	switch len(found) {
	case 0:
		return Node{}, ErrNoInput
	case 1:
		return found[0], nil
	default:
		return Node{}, fmt.Errorf("%w (%d found)", ErrMultipleInputs, len(found))
	}
}

// Node looks up a node by id.
func (g Graph) Node(id string) (Node, bool) {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return Node{}, false
}

// Outgoing returns edges leaving id in authored order.
func (g Graph) Outgoing(id string) []Edge {
	var edges []Edge
	for _, edge := range g.Edges {
		if edge.Source == id {
			edges = append(edges, edge)
		}
	}
	return edges
}

// Next resolves the node reached from id when the element chose handle. The
// first edge whose source handle matches wins; otherwise the first outgoing
// edge is followed. ok is false when the node has no outgoing edges.
func (g Graph) Next(id, handle string) (string, bool) {
	edges := g.Outgoing(id)
	if len(edges) == 0 {
		return "", false
	}
	if handle != "" {
		for _, edge := range edges {
			if edge.SourceHandle == handle {
				return edge.Target, true
			}
		}
	}
	return edges[0].Target, true
}

// ElementTypes returns the distinct element types referenced by the graph, sorted.
func (g Graph) ElementTypes() []string {
	set := make(map[string]struct{}, len(g.Nodes))
	for _, node := range g.Nodes {
		set[node.ElementType] = struct{}{}
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DecodeConfig unmarshals the node configuration into dst. A node without
// config leaves dst untouched.
func (n Node) DecodeConfig(dst any) error {
	if len(n.Config) == 0 || string(n.Config) == "null" {
		return nil
	}
	if err := json.Unmarshal(n.Config, dst); err != nil {
		return fmt.Errorf("decode %s config for node %q: %w", n.ElementType, n.ID, err)
	}
	return nil
}
