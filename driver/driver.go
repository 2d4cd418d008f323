// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package driver describes the contract vma needs from the underlying
// low-level graphics API (device memory allocate/free/map, buffer/image
// bind, fence status). The API itself is an external collaborator: this
// package only names the shapes vma calls against, not how they are
// fulfilled. A real binding lives in vkdriver; tests use a fake.
package driver

import "errors"

// DeviceMemory identifies one device memory allocation.
type DeviceMemory uint64

// Buffer and Image identify client-visible resources the caller wants bound
// to a region of device memory.
type Buffer uint64
type Image uint64

// Fence identifies a GPU synchronization primitive whose completion can be
// polled or waited on.
type Fence uint64

// Result mirrors the small slice of VkResult values vma's driver contract
// distinguishes. Any other status is treated as DriverError by callers.
type Result int32

const (
	Success Result = 0
	NotReady Result = 1
	Timeout Result = 2
	ErrorOutOfDeviceMemory Result = -2
	ErrorOutOfHostMemory   Result = -1
	ErrorDeviceLost        Result = -4
	ErrorMemoryMapFailed   Result = -5
)

// ErrUnknownResult names a Result outside the set this package names
// explicitly. Neither vma nor vkdriver wraps it.
var ErrUnknownResult = errors.New("driver: unrecognized result code")

// MemoryPropertyFlags mirrors VkMemoryPropertyFlags.
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal     MemoryPropertyFlags = 1 << 0
	MemoryPropertyHostVisible     MemoryPropertyFlags = 1 << 1
	MemoryPropertyHostCoherent    MemoryPropertyFlags = 1 << 2
	MemoryPropertyHostCached      MemoryPropertyFlags = 1 << 3
	MemoryPropertyLazilyAllocated MemoryPropertyFlags = 1 << 4
	MemoryPropertyDeviceCoherentAMD MemoryPropertyFlags = 1 << 6
)

// MemoryHeapFlags mirrors VkMemoryHeapFlags.
type MemoryHeapFlags uint32

const MemoryHeapDeviceLocal MemoryHeapFlags = 1 << 0

// MemoryType describes one entry of VkPhysicalDeviceMemoryProperties.memoryTypes.
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     uint32
}

// MemoryHeap describes one entry of VkPhysicalDeviceMemoryProperties.memoryHeaps.
type MemoryHeap struct {
	Size  uint64
	Flags MemoryHeapFlags
}

// PhysicalDeviceMemoryProperties mirrors VkPhysicalDeviceMemoryProperties2,
// optionally chained with VkPhysicalDeviceMemoryBudgetPropertiesEXT.
type PhysicalDeviceMemoryProperties struct {
	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap

	// HeapBudget and HeapUsage are populated only when the memory-budget
	// extension is enabled; both are nil otherwise, signalling callers to
	// fall back to the 80%-of-heap-size estimate.
	HeapBudget []uint64
	HeapUsage  []uint64
}

// MemoryRequirements mirrors VkMemoryRequirements2 for a buffer or image.
type MemoryRequirements struct {
	Size              uint64
	Alignment         uint64
	MemoryTypeBits    uint32
	RequiresDedicated bool
	PrefersDedicated  bool
}

// BufferCreateInfo is the input to Device.CreateBuffer, mirroring the
// small slice of VkBufferCreateInfo vma's convenience wrappers need.
type BufferCreateInfo struct {
	Size  uint64
	Usage uint32
}

// BufferUsageShaderDeviceAddress mirrors VK_BUFFER_USAGE_SHADER_DEVICE_ADDRESS_BIT,
// the one BufferCreateInfo.Usage bit vma itself inspects, to gate whether a
// dedicated allocation for the buffer may request UseDeviceAddress.
const BufferUsageShaderDeviceAddress uint32 = 0x00020000

// ImageCreateInfo is the input to Device.CreateImage, mirroring the small
// slice of VkImageCreateInfo vma's convenience wrappers need.
type ImageCreateInfo struct {
	Width, Height, Depth uint32
	MipLevels            uint32
	ArrayLayers          uint32
	Format               uint32
	Tiling               uint32
	Usage                uint32
}

// MemoryAllocateInfo is the input to Device.AllocateDeviceMemory.
type MemoryAllocateInfo struct {
	Size            uint64
	MemoryTypeIndex uint32

	// DedicatedBuffer/DedicatedImage chain VkMemoryDedicatedAllocateInfo
	// when set (mutually exclusive; at most one is non-zero).
	DedicatedBuffer Buffer
	DedicatedImage  Image

	// UseDeviceAddress chains VkMemoryAllocateFlagsInfo with
	// DEVICE_ADDRESS_BIT, requested by the allocator when the
	// BufferDeviceAddress flag is enabled and the resource permits it.
	UseDeviceAddress bool
}

// Device is the subset of the low-level graphics device vma drives. Its
// semantics are taken as given per spec: allocate/free charge and return a
// heap; map/unmap are not reference-counted here (vma counts references in
// MemoryBlock and, for dedicated memory, in Allocation);
// bind calls attach a resource to an absolute byte offset within a
// DeviceMemory.
type Device interface {
	AllocateDeviceMemory(info MemoryAllocateInfo) (DeviceMemory, Result)
	FreeDeviceMemory(mem DeviceMemory)

	MapMemory(mem DeviceMemory, offset, size uint64) (uintptr, Result)
	UnmapMemory(mem DeviceMemory)

	BindBufferMemory(buf Buffer, mem DeviceMemory, offset uint64) Result
	BindImageMemory(img Image, mem DeviceMemory, offset uint64) Result

	CreateBuffer(info BufferCreateInfo) (Buffer, Result)
	DestroyBuffer(buf Buffer)
	CreateImage(info ImageCreateInfo) (Image, Result)
	DestroyImage(img Image)

	GetBufferMemoryRequirements(buf Buffer) MemoryRequirements
	GetImageMemoryRequirements(img Image) MemoryRequirements

	GetPhysicalDeviceMemoryProperties() PhysicalDeviceMemoryProperties

	FlushMappedMemoryRanges(mem DeviceMemory, offset, size uint64) Result
	InvalidateMappedMemoryRanges(mem DeviceMemory, offset, size uint64) Result

	GetFenceStatus(f Fence) Result
	WaitForFences(fences []Fence, waitAll bool, timeoutNs uint64) Result
}
