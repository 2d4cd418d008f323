// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"math/bits"

	"github.com/gogpu/vma/driver"
)

// memoryTypeSelector picks the best memory type index for a request,
// adapted from the teacher's MemoryTypeSelector
// (_examples/gogpu-wgpu/hal/vulkan/memory/types.go) but rebuilt around
// spec.md §4.4's exact usage/required/preferred/not-preferred table and
// its popcount-based scoring, rather than the teacher's simpler
// required-then-preferred two-pass search.
type memoryTypeSelector struct {
	types []driver.MemoryType
	heaps []driver.MemoryHeap

	// permittedMask excludes memory types this build hasn't opted into,
	// e.g. AMD device-coherent memory unless the caller enabled it.
	permittedMask uint32

	isIntegratedGPU bool
}

func newMemoryTypeSelector(props driver.PhysicalDeviceMemoryProperties, amdCoherentEnabled, integratedGPU bool) *memoryTypeSelector {
	s := &memoryTypeSelector{types: props.MemoryTypes, heaps: props.MemoryHeaps, isIntegratedGPU: integratedGPU}
	s.permittedMask = ^uint32(0)
	if len(props.MemoryTypes) < 32 {
		s.permittedMask = (1 << uint(len(props.MemoryTypes))) - 1
	}
	if !amdCoherentEnabled {
		for i, t := range props.MemoryTypes {
			if t.PropertyFlags&driver.MemoryPropertyDeviceCoherentAMD != 0 {
				s.permittedMask &^= 1 << uint(i)
			}
		}
	}
	return s
}

// usageFlags returns the required/preferred/notPreferred property sets for
// usage, per spec.md §4.4's table.
func (s *memoryTypeSelector) usageFlags(usage MemoryUsage) (required, preferred, notPreferred driver.MemoryPropertyFlags) {
	switch usage {
	case UsageGPUOnly:
		preferred = driver.MemoryPropertyDeviceLocal
		if s.isIntegratedGPU {
			preferred = 0
		}
	case UsageCPUOnly:
		required = driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent
	case UsageCPUToGPU:
		required = driver.MemoryPropertyHostVisible
		preferred = driver.MemoryPropertyDeviceLocal
		if s.isIntegratedGPU {
			preferred = 0
		}
	case UsageGPUToCPU:
		required = driver.MemoryPropertyHostVisible
		preferred = driver.MemoryPropertyHostCached
	case UsageCPUCopy:
		notPreferred = driver.MemoryPropertyDeviceLocal
	case UsageGPULazilyAllocated:
		required = driver.MemoryPropertyLazilyAllocated
	}
	return
}

// Select finds the admissible memory type (allowed by typeBits and the
// permitted mask) minimizing popcount(preferred&^flags) +
// popcount(flags&notPreferred), per spec.md §4.4. Returns false if none
// match.
func (s *memoryTypeSelector) Select(typeBits uint32, usage MemoryUsage) (uint32, bool) {
	required, preferred, notPreferred := s.usageFlags(usage)

	best := -1
	bestCost := -1
	candidates := typeBits & s.permittedMask

	for i, t := range s.types {
		if candidates&(1<<uint(i)) == 0 {
			continue
		}
		if t.PropertyFlags&required != required {
			continue
		}
		cost := bits.OnesCount32(uint32(preferred&^t.PropertyFlags)) + bits.OnesCount32(uint32(t.PropertyFlags&notPreferred))
		if bestCost == -1 || cost < bestCost {
			best, bestCost = i, cost
			if cost == 0 {
				break
			}
		}
	}

	if best == -1 {
		return 0, false
	}
	return uint32(best), true
}

// HeapIndex returns the heap backing memory type index ty.
func (s *memoryTypeSelector) HeapIndex(ty uint32) uint32 {
	return s.types[ty].HeapIndex
}

// HeapSize returns the size of heapIndex.
func (s *memoryTypeSelector) HeapSize(heapIndex uint32) uint64 {
	return s.heaps[heapIndex].Size
}

// IsHostVisible reports whether memory type ty is CPU-mappable.
func (s *memoryTypeSelector) IsHostVisible(ty uint32) bool {
	return s.types[ty].PropertyFlags&driver.MemoryPropertyHostVisible != 0
}

// HeapSizes returns the size of every heap, for budget tracker init.
func (s *memoryTypeSelector) HeapSizes() []uint64 {
	sizes := make([]uint64, len(s.heaps))
	for i, h := range s.heaps {
		sizes[i] = h.Size
	}
	return sizes
}
