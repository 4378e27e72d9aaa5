// Package treefile reads workflow trees authored in HCL.
//
// A tree file names the tree, optionally constrains the nodes it may run on,
// and lists its elements and edges:
//
//	name = "hevc"
//
//	requirements {
//	  processing   = "gpu"
//	  accelerators = ["nvidia"]
//	  tags {
//	    none = ["draining"]
//	  }
//	}
//
//	node "in" {
//	  type = "input"
//	}
//
//	node "codec" {
//	  type   = "check_video_codec"
//	  config = { codecs = ["hevc"] }
//	}
//
//	edge {
//	  from = "in"
//	  to   = "codec"
//	}
//
// Element config is any HCL value; it is stored as the equivalent JSON.
package treefile

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"lattice/internal/graph"
	"lattice/internal/services"
)

// Tree is a decoded tree file.
type Tree struct {
	Name         string
	Requirements graph.Requirements
	Graph        graph.Graph
}

type hclTreeFile struct {
	Name         string           `hcl:"name"`
	Requirements *hclRequirements `hcl:"requirements,block"`
	Nodes        []hclNode        `hcl:"node,block"`
	Edges        []hclEdge        `hcl:"edge,block"`
}

type hclRequirements struct {
	Processing   string   `hcl:"processing,optional"`
	Accelerators []string `hcl:"accelerators,optional"`
	Tags         *hclTags `hcl:"tags,block"`
}

type hclTags struct {
	All  []string `hcl:"all,optional"`
	Any  []string `hcl:"any,optional"`
	None []string `hcl:"none,optional"`
}

type hclNode struct {
	ID       string    `hcl:"id,label"`
	Type     string    `hcl:"type"`
	Label    string    `hcl:"label,optional"`
	Position []float64 `hcl:"position,optional"`
	Config   cty.Value `hcl:"config,optional"`
}

type hclEdge struct {
	From   string `hcl:"from"`
	To     string `hcl:"to"`
	Handle string `hcl:"handle,optional"`
	Label  string `hcl:"label,optional"`
}

// Load parses the tree file at path.
func Load(path string) (*Tree, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, services.Wrap(services.ErrValidation, "treefile", "parse", path, diags)
	}
	return decode(file, path)
}

// Parse decodes tree source; filename is used in diagnostics.
func Parse(src []byte, filename string) (*Tree, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, services.Wrap(services.ErrValidation, "treefile", "parse", filename, diags)
	}
	return decode(file, filename)
}

func decode(file *hcl.File, filename string) (*Tree, error) {
	var parsed hclTreeFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, services.Wrap(services.ErrValidation, "treefile", "decode", filename, diags)
	}

	tree := &Tree{Name: strings.TrimSpace(parsed.Name)}
	if tree.Name == "" {
		return nil, services.Wrap(services.ErrValidation, "treefile", "decode", filename+": name must not be empty", nil)
	}
	if parsed.Requirements != nil {
		req, err := requirements(parsed.Requirements)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "treefile", "requirements", filename, err)
		}
		tree.Requirements = req
	}

	for _, n := range parsed.Nodes {
		node, err := convertNode(n)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "treefile", "node", filename, err)
		}
		tree.Graph.Nodes = append(tree.Graph.Nodes, node)
	}
	for i, e := range parsed.Edges {
		tree.Graph.Edges = append(tree.Graph.Edges, graph.Edge{
			ID:           fmt.Sprintf("e%d", i+1),
			Source:       e.From,
			SourceHandle: e.Handle,
			Target:       e.To,
			Label:        e.Label,
		})
	}

	if err := tree.Graph.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "treefile", "graph", filename, err)
	}
	if _, err := tree.Graph.InputNode(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "treefile", "graph", filename, err)
	}
	return tree, nil
}

func requirements(r *hclRequirements) (graph.Requirements, error) {
	req := graph.Requirements{
		Processing:   strings.ToLower(strings.TrimSpace(r.Processing)),
		Accelerators: lowerAll(r.Accelerators),
	}
	switch req.Processing {
	case "", graph.ProcessingAny, graph.ProcessingCPU, graph.ProcessingGPU:
	default:
		return graph.Requirements{}, fmt.Errorf("processing %q must be any, cpu, or gpu", r.Processing)
	}
	if r.Tags != nil {
		req.Tags = graph.TagRule{All: r.Tags.All, Any: r.Tags.Any, None: r.Tags.None}
	}
	return req, nil
}

func convertNode(n hclNode) (graph.Node, error) {
	node := graph.Node{ID: n.ID, ElementType: strings.TrimSpace(n.Type), Label: n.Label}
	switch len(n.Position) {
	case 0:
	case 2:
		node.Position = &graph.Position{X: n.Position[0], Y: n.Position[1]}
	default:
		return graph.Node{}, fmt.Errorf("node %q position must be [x, y]", n.ID)
	}
	if n.Config.IsNull() {
		return node, nil
	}
	if !n.Config.IsWhollyKnown() {
		return graph.Node{}, fmt.Errorf("node %q config must be a literal value", n.ID)
	}
	raw, err := ctyjson.Marshal(n.Config, n.Config.Type())
	if err != nil {
		return graph.Node{}, fmt.Errorf("node %q config: %w", n.ID, err)
	}
	node.Config = raw
	return node, nil
}

func lowerAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
