package scheduler

import (
	"testing"

	"lattice/internal/store"
)

func TestAllocatorPopsAndRestoresGPUIndices(t *testing.T) {
	alloc := NewAllocator(Capacity{TranscodeGPU: 2, TranscodeGPUIndices: []int{3, 5}})

	first, ok := alloc.Take(store.JobTranscode, "gpu")
	if !ok || first.GPUIndex == nil || *first.GPUIndex != 3 {
		t.Fatalf("expected gpu 3, got %+v ok=%v", first, ok)
	}
	second, _ := alloc.Take(store.JobTranscode, "gpu")
	if second.GPUIndex == nil || *second.GPUIndex != 5 {
		t.Fatalf("expected gpu 5, got %+v", second)
	}
	if _, ok := alloc.Take(store.JobTranscode, "gpu"); ok {
		t.Fatal("expected gpu slots exhausted")
	}
	if !alloc.Exhausted() {
		t.Fatal("expected allocator exhausted")
	}

	alloc.Release(store.JobTranscode, first)
	again, ok := alloc.Take(store.JobTranscode, "gpu")
	if !ok || again.GPUIndex == nil || *again.GPUIndex != 3 {
		t.Fatalf("expected released gpu 3 back, got %+v ok=%v", again, ok)
	}
}

func TestAllocatorWithoutIndicesLeavesGPUUnset(t *testing.T) {
	alloc := NewAllocator(Capacity{HealthcheckGPU: 1})
	slot, ok := alloc.Take(store.JobHealthcheck, "gpu")
	if !ok || slot.GPUIndex != nil {
		t.Fatalf("unexpected slot %+v ok=%v", slot, ok)
	}
	if !alloc.CategoryExhausted(store.JobHealthcheck) || !alloc.CategoryExhausted(store.JobTranscode) {
		t.Fatal("expected both categories exhausted")
	}
}

func TestCapacityCapAppliesOverrides(t *testing.T) {
	one, zero := 1, 0
	capped := Capacity{HealthcheckCPU: 4, TranscodeGPU: 2, TranscodeCPU: 1}.Cap(store.NodeSettings{
		HealthcheckCPU:      &one,
		TranscodeCPU:        &zero,
		TranscodeGPUIndices: []int{7},
	})
	if capped.HealthcheckCPU != 1 || capped.TranscodeCPU != 0 || capped.TranscodeGPU != 2 {
		t.Fatalf("unexpected capped capacity %+v", capped)
	}
	if len(capped.TranscodeGPUIndices) != 1 || capped.TranscodeGPUIndices[0] != 7 {
		t.Fatalf("expected override indices, got %v", capped.TranscodeGPUIndices)
	}
}
