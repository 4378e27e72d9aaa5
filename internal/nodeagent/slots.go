package nodeagent

import (
	"time"

	"lattice/internal/api"
	"lattice/internal/config"
)

// Job categories. They match the job types the coordinator assigns.
const (
	categoryHealthcheck = "healthcheck"
	categoryTranscode   = "transcode"
)

// slotKey identifies a category and processing kind pair.
type slotKey struct {
	category string
	kind     string
}

// slotTable tracks configured capacity against jobs in flight. It is not
// safe for concurrent use; Agent guards it.
type slotTable struct {
	capacity   map[slotKey]int
	gpuIndices map[string][]int
	inFlight   map[slotKey]int
	gpuInUse   map[string]map[int]int
	lastStart  map[string]time.Time
	cooldown   time.Duration
}

func newSlotTable(cfg config.Node) *slotTable {
	return &slotTable{
		capacity: map[slotKey]int{
			{categoryHealthcheck, config.SlotCPU}: cfg.HealthcheckCPUSlots,
			{categoryHealthcheck, config.SlotGPU}: cfg.HealthcheckGPUSlots,
			{categoryTranscode, config.SlotCPU}:   cfg.TranscodeCPUSlots,
			{categoryTranscode, config.SlotGPU}:   cfg.TranscodeGPUSlots,
		},
		gpuIndices: map[string][]int{
			categoryHealthcheck: append([]int(nil), cfg.HealthcheckGPUIndices...),
			categoryTranscode:   append([]int(nil), cfg.TranscodeGPUIndices...),
		},
		inFlight:  make(map[slotKey]int),
		gpuInUse:  map[string]map[int]int{categoryHealthcheck: {}, categoryTranscode: {}},
		lastStart: make(map[string]time.Time),
		cooldown:  time.Duration(cfg.StartCooldownMillis) * time.Millisecond,
	}
}

// free returns the slot offer for a poll at now. A category still inside its
// start cooldown offers nothing.
func (s *slotTable) free(now time.Time) (api.SlotCounts, api.GPUIndices) {
	var counts api.SlotCounts
	var indices api.GPUIndices
	for _, category := range []string{categoryHealthcheck, categoryTranscode} {
		if last, ok := s.lastStart[category]; ok && s.cooldown > 0 && now.Sub(last) < s.cooldown {
			continue
		}
		cpu := s.available(slotKey{category, config.SlotCPU})
		gpu := s.available(slotKey{category, config.SlotGPU})
		freeIdx := s.freeGPUIndices(category)
		if len(s.gpuIndices[category]) > 0 && len(freeIdx) < gpu {
			gpu = len(freeIdx)
		}
		if s.cooldown > 0 {
			cpu, gpu = oneStart(category, cpu, gpu)
		}
		switch category {
		case categoryHealthcheck:
			counts.HealthcheckCPU, counts.HealthcheckGPU = cpu, gpu
			if gpu > 0 {
				indices.Healthcheck = freeIdx
			}
		case categoryTranscode:
			counts.TranscodeCPU, counts.TranscodeGPU = cpu, gpu
			if gpu > 0 {
				indices.Transcode = freeIdx
			}
		}
	}
	return counts, indices
}

// oneStart limits a category to a single slot so two jobs of the same
// category never start inside one cooldown window. Healthchecks keep the CPU
// slot and transcodes the GPU slot when both are free.
func oneStart(category string, cpu, gpu int) (int, int) {
	switch {
	case cpu > 0 && gpu > 0 && category == categoryTranscode:
		return 0, 1
	case cpu > 0:
		return 1, 0
	case gpu > 0:
		return 0, 1
	default:
		return 0, 0
	}
}

func (s *slotTable) available(key slotKey) int {
	n := s.capacity[key] - s.inFlight[key]
	if n < 0 {
		return 0
	}
	return n
}

func (s *slotTable) freeGPUIndices(category string) []int {
	var out []int
	for _, idx := range s.gpuIndices[category] {
		if s.gpuInUse[category][idx] == 0 {
			out = append(out, idx)
		}
	}
	return out
}

// acquire records a started job. Coordinator assignments are trusted even
// when they exceed local capacity, so counts can go above configured.
func (s *slotTable) acquire(job api.AssignedJob, now time.Time) {
	key := jobSlot(job)
	s.inFlight[key]++
	if key.kind == config.SlotGPU && job.GPUIndex != nil {
		s.gpuInUse[key.category][*job.GPUIndex]++
	}
	s.lastStart[key.category] = now
}

func (s *slotTable) release(job api.AssignedJob) {
	key := jobSlot(job)
	if s.inFlight[key] > 0 {
		s.inFlight[key]--
	}
	if key.kind == config.SlotGPU && job.GPUIndex != nil {
		if s.gpuInUse[key.category][*job.GPUIndex] > 0 {
			s.gpuInUse[key.category][*job.GPUIndex]--
		}
	}
}

func (s *slotTable) transcodeCapacity() int {
	return s.capacity[slotKey{categoryTranscode, config.SlotCPU}] + s.capacity[slotKey{categoryTranscode, config.SlotGPU}]
}

func jobSlot(job api.AssignedJob) slotKey {
	category := categoryHealthcheck
	if job.Type == categoryTranscode {
		category = categoryTranscode
	}
	kind := config.SlotCPU
	if job.ProcessingType == config.SlotGPU {
		kind = config.SlotGPU
	}
	return slotKey{category, kind}
}
