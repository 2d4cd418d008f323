// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"testing"

	"github.com/gogpu/vma/driver"
)

func threeTypeProps() driver.PhysicalDeviceMemoryProperties {
	return driver.PhysicalDeviceMemoryProperties{
		MemoryTypes: []driver.MemoryType{
			{PropertyFlags: driver.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent | driver.MemoryPropertyHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []driver.MemoryHeap{
			{Size: 4 << 30, Flags: driver.MemoryHeapDeviceLocal},
			{Size: 2 << 30},
		},
	}
}

func TestMemoryTypeSelectorGPUOnlyPrefersDeviceLocal(t *testing.T) {
	s := newMemoryTypeSelector(threeTypeProps(), false, false)
	ty, ok := s.Select(^uint32(0), UsageGPUOnly)
	if !ok {
		t.Fatal("Select failed")
	}
	if ty != 0 {
		t.Errorf("selected type %d, want 0 (device-local)", ty)
	}
}

func TestMemoryTypeSelectorCPUOnlyRequiresHostVisibleCoherent(t *testing.T) {
	s := newMemoryTypeSelector(threeTypeProps(), false, false)
	ty, ok := s.Select(^uint32(0), UsageCPUOnly)
	if !ok {
		t.Fatal("Select failed")
	}
	if ty == 0 {
		t.Error("CPUOnly must not select the device-local-only type")
	}
}

func TestMemoryTypeSelectorGPUToCPUPrefersHostCached(t *testing.T) {
	s := newMemoryTypeSelector(threeTypeProps(), false, false)
	ty, ok := s.Select(^uint32(0), UsageGPUToCPU)
	if !ok {
		t.Fatal("Select failed")
	}
	if ty != 2 {
		t.Errorf("selected type %d, want 2 (host-cached variant)", ty)
	}
}

func TestMemoryTypeSelectorRespectsTypeBitsMask(t *testing.T) {
	s := newMemoryTypeSelector(threeTypeProps(), false, false)
	// Exclude type 0 from the candidate mask; GPUOnly should fall back to
	// the next-best admissible type instead of failing.
	ty, ok := s.Select(^uint32(0)&^1, UsageGPUOnly)
	if !ok {
		t.Fatal("Select failed")
	}
	if ty == 0 {
		t.Error("Select returned a type excluded by typeBits")
	}
}

func TestMemoryTypeSelectorNoAdmissibleType(t *testing.T) {
	s := newMemoryTypeSelector(threeTypeProps(), false, false)
	if _, ok := s.Select(0, UsageGPUOnly); ok {
		t.Error("Select should fail when typeBits admits nothing")
	}
}

func TestMemoryTypeSelectorExcludesAMDCoherentByDefault(t *testing.T) {
	props := threeTypeProps()
	props.MemoryTypes = append(props.MemoryTypes, driver.MemoryType{
		PropertyFlags: driver.MemoryPropertyDeviceLocal | driver.MemoryPropertyDeviceCoherentAMD,
		HeapIndex:     0,
	})

	disabled := newMemoryTypeSelector(props, false, false)
	ty, ok := disabled.Select(1<<3, UsageGPUOnly) // only bit 3 (the AMD-coherent type) admissible
	if ok {
		t.Errorf("AMD-coherent type %d should be excluded when not enabled", ty)
	}

	enabled := newMemoryTypeSelector(props, true, false)
	if _, ok := enabled.Select(1<<3, UsageGPUOnly); !ok {
		t.Error("AMD-coherent type should be selectable once enabled")
	}
}

func TestMemoryTypeSelectorIntegratedGPUIgnoresDeviceLocalPreference(t *testing.T) {
	s := newMemoryTypeSelector(threeTypeProps(), false, true)
	// On an integrated GPU, GPUOnly drops its device-local preference, so
	// any admissible type is equally good; this just exercises the path
	// without asserting a specific winner.
	if _, ok := s.Select(^uint32(0), UsageGPUOnly); !ok {
		t.Error("Select should still succeed on an integrated GPU")
	}
}

func TestMemoryTypeSelectorHeapSizes(t *testing.T) {
	s := newMemoryTypeSelector(threeTypeProps(), false, false)
	sizes := s.HeapSizes()
	if len(sizes) != 2 || sizes[0] != 4<<30 || sizes[1] != 2<<30 {
		t.Errorf("HeapSizes = %v, want [4GiB, 2GiB]", sizes)
	}
}
