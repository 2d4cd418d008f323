// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vkdriver

// Minimal mirrors of the Vulkan structs vma's driver.Device surface
// touches. Only the fields vkdriver actually populates or reads are
// named explicitly; padding/reserved fields keep each struct's layout
// compatible with the real VkFoo struct so goffi can hand a pointer to
// it straight to the driver.

type vkMemoryAllocateInfo struct {
	sType           uint32
	_pad0           uint32
	pNext           uintptr
	allocationSize  uint64
	memoryTypeIndex uint32
	_pad1           uint32
}

type vkMemoryDedicatedAllocateInfo struct {
	sType  uint32
	_pad0  uint32
	pNext  uintptr
	image  uint64
	buffer uint64
}

type vkMemoryAllocateFlagsInfo struct {
	sType      uint32
	_pad0      uint32
	pNext      uintptr
	flags      uint32
	deviceMask uint32
}

type vkMemoryRequirements struct {
	size           uint64
	alignment      uint64
	memoryTypeBits uint32
	_pad0          uint32
}

type vkMemoryRequirements2 struct {
	sType              uint32
	_pad0              uint32
	pNext              uintptr
	memoryRequirements vkMemoryRequirements
}

type vkMemoryDedicatedRequirements struct {
	sType              uint32
	_pad0              uint32
	pNext              uintptr
	prefersDedicated   uint32
	requiresDedicated  uint32
}

type vkMemoryType struct {
	propertyFlags uint32
	heapIndex     uint32
}

type vkMemoryHeap struct {
	size  uint64
	flags uint32
	_pad0 uint32
}

const (
	vkMaxMemoryTypes = 32
	vkMaxMemoryHeaps = 16
)

type vkPhysicalDeviceMemoryProperties struct {
	memoryTypeCount uint32
	memoryTypes     [vkMaxMemoryTypes]vkMemoryType
	memoryHeapCount uint32
	memoryHeaps     [vkMaxMemoryHeaps]vkMemoryHeap
}

type vkPhysicalDeviceMemoryBudgetPropertiesEXT struct {
	sType           uint32
	_pad0           uint32
	pNext           uintptr
	heapBudget      [vkMaxMemoryHeaps]uint64
	heapUsage       [vkMaxMemoryHeaps]uint64
}

type vkPhysicalDeviceMemoryProperties2 struct {
	sType      uint32
	_pad0      uint32
	pNext      uintptr
	properties vkPhysicalDeviceMemoryProperties
}

type vkMappedMemoryRange struct {
	sType  uint32
	_pad0  uint32
	pNext  uintptr
	memory uint64
	offset uint64
	size   uint64
}

type vkBufferCreateInfo struct {
	sType                 uint32
	_pad0                 uint32
	pNext                 uintptr
	flags                 uint32
	size                  uint64
	usage                 uint32
	sharingMode           uint32
	queueFamilyIndexCount uint32
	_pad1                 uint32
	pQueueFamilyIndices   uintptr
}

type vkImageCreateInfo struct {
	sType                 uint32
	_pad0                 uint32
	pNext                 uintptr
	flags                 uint32
	imageType             uint32
	format                uint32
	extentWidth           uint32
	extentHeight          uint32
	extentDepth           uint32
	mipLevels             uint32
	arrayLayers           uint32
	samples               uint32
	tiling                uint32
	usage                 uint32
	sharingMode           uint32
	queueFamilyIndexCount uint32
	pQueueFamilyIndices   uintptr
	initialLayout         uint32
	_pad1                 uint32
}

// Vulkan enum/struct-type constants vkdriver sets in sType fields.
const (
	structureTypeMemoryAllocateInfo               = 5
	structureTypeMemoryDedicatedAllocateInfo       = 1000127001
	structureTypeMemoryAllocateFlagsInfo           = 1000060000
	structureTypeMemoryRequirements2               = 1000146003
	structureTypeMemoryDedicatedRequirements       = 1000127000
	structureTypePhysicalDeviceMemoryProperties2   = 1000059006
	structureTypePhysicalDeviceMemoryBudgetPropertiesEXT = 1000237000
	structureTypeMappedMemoryRange                 = 6
	structureTypeBufferCreateInfo                  = 12
	structureTypeImageCreateInfo                   = 14

	memoryAllocateDeviceAddressBit = 0x00000002
)
