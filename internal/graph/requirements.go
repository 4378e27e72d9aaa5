package graph

import "slices"

// Processing kinds a tree may require.
const (
	ProcessingAny = "any"
	ProcessingCPU = "cpu"
	ProcessingGPU = "gpu"
)

// TagRule constrains which node tags a tree accepts.
type TagRule struct {
	All  []string `json:"all,omitempty"`
	Any  []string `json:"any,omitempty"`
	None []string `json:"none,omitempty"`
}

// Requirements are the scheduling constraints a tree places on nodes.
type Requirements struct {
	Processing   string   `json:"processing,omitempty"`
	Accelerators []string `json:"accelerators,omitempty"`
	Tags         TagRule  `json:"tags,omitempty"`
}

// Capabilities describe what a node offers for one candidate assignment.
// Processing is the kind of slot being used (cpu or gpu).
type Capabilities struct {
	Processing   string
	Accelerators []string
	Tags         []string
}

// Matches reports whether a node with caps satisfies r.
func (r Requirements) Matches(caps Capabilities) bool {
	switch r.Processing {
	case "", ProcessingAny:
	default:
		if r.Processing != caps.Processing {
			return false
		}
	}
	for _, accel := range r.Accelerators {
		if !slices.Contains(caps.Accelerators, accel) {
			return false
		}
	}
	for _, tag := range r.Tags.All {
		if !slices.Contains(caps.Tags, tag) {
			return false
		}
	}
	if len(r.Tags.Any) > 0 && !slices.ContainsFunc(r.Tags.Any, func(tag string) bool {
		return slices.Contains(caps.Tags, tag)
	}) {
		return false
	}
	for _, tag := range r.Tags.None {
		if slices.Contains(caps.Tags, tag) {
			return false
		}
	}
	return true
}

// PreferredAccelerator picks the accelerator label to record on an assignment.
func (r Requirements) PreferredAccelerator(caps Capabilities) string {
	if caps.Processing != ProcessingGPU {
		return "cpu"
	}
	if len(r.Accelerators) > 0 {
		return r.Accelerators[0]
	}
	for _, accel := range caps.Accelerators {
		if accel != "cpu" {
			return accel
		}
	}
	return ""
}
