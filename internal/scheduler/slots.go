package scheduler

import (
	"lattice/internal/config"
	"lattice/internal/store"
)

// Capacity is the number of free slots a node offers in one poll.
type Capacity struct {
	HealthcheckCPU        int
	HealthcheckGPU        int
	TranscodeCPU          int
	TranscodeGPU          int
	HealthcheckGPUIndices []int
	TranscodeGPUIndices   []int
}

// Cap limits the capacity by coordinator-side node overrides.
func (c Capacity) Cap(settings store.NodeSettings) Capacity {
	out := c
	out.HealthcheckCPU = capAt(c.HealthcheckCPU, settings.HealthcheckCPU)
	out.HealthcheckGPU = capAt(c.HealthcheckGPU, settings.HealthcheckGPU)
	out.TranscodeCPU = capAt(c.TranscodeCPU, settings.TranscodeCPU)
	out.TranscodeGPU = capAt(c.TranscodeGPU, settings.TranscodeGPU)
	if len(settings.HealthcheckGPUIndices) > 0 {
		out.HealthcheckGPUIndices = append([]int(nil), settings.HealthcheckGPUIndices...)
	}
	if len(settings.TranscodeGPUIndices) > 0 {
		out.TranscodeGPUIndices = append([]int(nil), settings.TranscodeGPUIndices...)
	}
	return out
}

func capAt(value int, limit *int) int {
	if limit != nil && *limit < value {
		return max(*limit, 0)
	}
	return value
}

// Policy orders the slot kinds tried for each job type.
type Policy struct {
	Healthcheck []string
	Transcode   []string
}

// DefaultPolicy prefers CPU for healthchecks and GPU for transcodes.
func DefaultPolicy() Policy {
	return Policy{
		Healthcheck: []string{config.SlotCPU, config.SlotGPU},
		Transcode:   []string{config.SlotGPU, config.SlotCPU},
	}
}

// PolicyFromConfig reads slot preferences, falling back to the defaults.
func PolicyFromConfig(cfg config.Coordinator) Policy {
	policy := DefaultPolicy()
	if len(cfg.HealthcheckSlotOrder) > 0 {
		policy.Healthcheck = append([]string(nil), cfg.HealthcheckSlotOrder...)
	}
	if len(cfg.TranscodeSlotOrder) > 0 {
		policy.Transcode = append([]string(nil), cfg.TranscodeSlotOrder...)
	}
	return policy
}

// Order returns the slot kinds to try for a job type.
func (p Policy) Order(t store.JobType) []string {
	if t == store.JobTranscode {
		return p.Transcode
	}
	return p.Healthcheck
}

// Slot is one claimed unit of node capacity.
type Slot struct {
	Kind     string
	GPUIndex *int
}

// Allocator hands out the slots of a single poll.
type Allocator struct {
	free    map[store.JobType]map[string]int
	indices map[store.JobType][]int
}

// NewAllocator seeds an allocator from a capacity snapshot.
func NewAllocator(c Capacity) *Allocator {
	return &Allocator{
		free: map[store.JobType]map[string]int{
			store.JobHealthcheck: {config.SlotCPU: max(c.HealthcheckCPU, 0), config.SlotGPU: max(c.HealthcheckGPU, 0)},
			store.JobTranscode:   {config.SlotCPU: max(c.TranscodeCPU, 0), config.SlotGPU: max(c.TranscodeGPU, 0)},
		},
		indices: map[store.JobType][]int{
			store.JobHealthcheck: append([]int(nil), c.HealthcheckGPUIndices...),
			store.JobTranscode:   append([]int(nil), c.TranscodeGPUIndices...),
		},
	}
}

// Remaining reports the free slots of one kind in a category.
func (a *Allocator) Remaining(t store.JobType, kind string) int {
	return a.free[t][kind]
}

// Take claims a slot of the given kind. GPU slots pop an explicit device index
// when the category lists any.
func (a *Allocator) Take(t store.JobType, kind string) (Slot, bool) {
	if a.free[t][kind] <= 0 {
		return Slot{}, false
	}
	a.free[t][kind]--
	slot := Slot{Kind: kind}
	if kind == config.SlotGPU && len(a.indices[t]) > 0 {
		idx := a.indices[t][0]
		a.indices[t] = a.indices[t][1:]
		slot.GPUIndex = &idx
	}
	return slot, true
}

// Release returns a slot claimed with Take.
func (a *Allocator) Release(t store.JobType, slot Slot) {
	if _, ok := a.free[t][slot.Kind]; !ok {
		return
	}
	a.free[t][slot.Kind]++
	if slot.GPUIndex != nil {
		a.indices[t] = append([]int{*slot.GPUIndex}, a.indices[t]...)
	}
}

// CategoryExhausted reports whether no slot of any kind remains for t.
func (a *Allocator) CategoryExhausted(t store.JobType) bool {
	for _, n := range a.free[t] {
		if n > 0 {
			return false
		}
	}
	return true
}

// Exhausted reports whether every category is out of slots.
func (a *Allocator) Exhausted() bool {
	return a.CategoryExhausted(store.JobHealthcheck) && a.CategoryExhausted(store.JobTranscode)
}
