// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"sync"

	"github.com/gogpu/vma/driver"
)

// fakeDevice is an in-memory stand-in for driver.Device, letting tests
// exercise the allocator without a real GPU. Device memory is just an
// incrementing handle; mapped pointers are fabricated, never backed by
// real storage, since nothing in this package dereferences them.
type fakeDevice struct {
	mu         sync.Mutex
	props      driver.PhysicalDeviceMemoryProperties
	nextHandle uint64
	allocs     map[driver.DeviceMemory]uint64 // handle -> size, for bookkeeping assertions

	failAllocate bool
	fences       map[driver.Fence]driver.Result

	buffers map[driver.Buffer]driver.MemoryRequirements
	images  map[driver.Image]driver.MemoryRequirements
	nextRes uint64
}

func newFakeDevice(props driver.PhysicalDeviceMemoryProperties) *fakeDevice {
	return &fakeDevice{
		props:   props,
		allocs:  make(map[driver.DeviceMemory]uint64),
		fences:  make(map[driver.Fence]driver.Result),
		buffers: make(map[driver.Buffer]driver.MemoryRequirements),
		images:  make(map[driver.Image]driver.MemoryRequirements),
	}
}

func (f *fakeDevice) AllocateDeviceMemory(info driver.MemoryAllocateInfo) (driver.DeviceMemory, driver.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAllocate {
		return 0, driver.ErrorOutOfDeviceMemory
	}
	f.nextHandle++
	h := driver.DeviceMemory(f.nextHandle)
	f.allocs[h] = info.Size
	return h, driver.Success
}

func (f *fakeDevice) FreeDeviceMemory(mem driver.DeviceMemory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.allocs, mem)
}

func (f *fakeDevice) MapMemory(mem driver.DeviceMemory, offset, size uint64) (uintptr, driver.Result) {
	return uintptr(mem)<<32 | uintptr(offset), driver.Success
}

func (f *fakeDevice) UnmapMemory(mem driver.DeviceMemory) {}

func (f *fakeDevice) BindBufferMemory(buf driver.Buffer, mem driver.DeviceMemory, offset uint64) driver.Result {
	return driver.Success
}

func (f *fakeDevice) BindImageMemory(img driver.Image, mem driver.DeviceMemory, offset uint64) driver.Result {
	return driver.Success
}

func (f *fakeDevice) CreateBuffer(info driver.BufferCreateInfo) (driver.Buffer, driver.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRes++
	b := driver.Buffer(f.nextRes)
	f.buffers[b] = driver.MemoryRequirements{Size: info.Size, Alignment: 256, MemoryTypeBits: ^uint32(0)}
	return b, driver.Success
}

func (f *fakeDevice) DestroyBuffer(buf driver.Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buffers, buf)
}

func (f *fakeDevice) CreateImage(info driver.ImageCreateInfo) (driver.Image, driver.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRes++
	img := driver.Image(f.nextRes)
	size := uint64(info.Width) * uint64(info.Height) * 4
	f.images[img] = driver.MemoryRequirements{Size: size, Alignment: 256, MemoryTypeBits: ^uint32(0)}
	return img, driver.Success
}

func (f *fakeDevice) DestroyImage(img driver.Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, img)
}

func (f *fakeDevice) GetBufferMemoryRequirements(buf driver.Buffer) driver.MemoryRequirements {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffers[buf]
}

func (f *fakeDevice) GetImageMemoryRequirements(img driver.Image) driver.MemoryRequirements {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[img]
}

func (f *fakeDevice) GetPhysicalDeviceMemoryProperties() driver.PhysicalDeviceMemoryProperties {
	return f.props
}

func (f *fakeDevice) FlushMappedMemoryRanges(mem driver.DeviceMemory, offset, size uint64) driver.Result {
	return driver.Success
}

func (f *fakeDevice) InvalidateMappedMemoryRanges(mem driver.DeviceMemory, offset, size uint64) driver.Result {
	return driver.Success
}

func (f *fakeDevice) GetFenceStatus(fence driver.Fence) driver.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.fences[fence]; ok {
		return r
	}
	return driver.NotReady
}

func (f *fakeDevice) WaitForFences(fences []driver.Fence, waitAll bool, timeoutNs uint64) driver.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fence := range fences {
		if f.fences[fence] == driver.Success {
			return driver.Success
		}
	}
	return driver.Timeout
}

// signal marks fence as complete, for tests driving WaitScheduler.
func (f *fakeDevice) signal(fence driver.Fence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fences[fence] = driver.Success
}

func simpleMemoryProperties() driver.PhysicalDeviceMemoryProperties {
	return driver.PhysicalDeviceMemoryProperties{
		MemoryTypes: []driver.MemoryType{
			{PropertyFlags: driver.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
		MemoryHeaps: []driver.MemoryHeap{
			{Size: 4 << 30, Flags: driver.MemoryHeapDeviceLocal},
			{Size: 4 << 30},
		},
	}
}
