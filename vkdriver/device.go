// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vkdriver

import (
	"fmt"
	"unsafe"

	"github.com/go-webgpu/goffi/ffi"
	"github.com/go-webgpu/goffi/types"

	"github.com/gogpu/vma/driver"
)

// fn bundles one resolved entry point's address and prepared call
// interface. Built once in New, reused for every call.
type fn struct {
	addr unsafe.Pointer
	cif  types.CallInterface
}

// Device implements driver.Device against a real Vulkan device handle,
// resolving only the entry points vma needs via goffi.
type Device struct {
	instance       uint64
	physicalDevice uint64
	device         uint64

	allocateMemory                 fn
	freeMemory                     fn
	mapMemory                      fn
	unmapMemory                    fn
	bindBufferMemory               fn
	bindImageMemory                fn
	createBuffer                   fn
	destroyBuffer                  fn
	createImage                    fn
	destroyImage                   fn
	getBufferMemoryRequirements2   fn
	getImageMemoryRequirements2    fn
	getPhysicalDeviceMemoryProperties2 fn
	flushMappedMemoryRanges        fn
	invalidateMappedMemoryRanges   fn
	getFenceStatus                 fn
	waitForFences                  fn

	extMemoryBudget bool
}

// New resolves every entry point vma's driver.Device needs against the
// given instance/physicalDevice/device triple. getDeviceProcAddr must be
// the function pointer returned by vkGetInstanceProcAddr(instance,
// "vkGetDeviceProcAddr") — resolving it is the caller's job since it
// requires a live VkInstance, which this package does not create.
func New(instance, physicalDevice, device uint64, getDeviceProcAddrFn unsafe.Pointer, extMemoryBudget bool) (*Device, error) {
	if err := loadLibrary(); err != nil {
		return nil, err
	}

	d := &Device{instance: instance, physicalDevice: physicalDevice, device: device, extMemoryBudget: extMemoryBudget}

	resolve := func(name string) unsafe.Pointer {
		return getDeviceProcAddr(getDeviceProcAddrFn, device, name)
	}

	type binding struct {
		name string
		ret  *types.TypeDescriptor
		args []*types.TypeDescriptor
		out  *fn
	}

	u64, u32, ptr := types.UInt64TypeDescriptor, types.UInt32TypeDescriptor, types.PointerTypeDescriptor
	resultDesc := types.SInt32TypeDescriptor
	voidDesc := types.VoidTypeDescriptor

	bindings := []binding{
		{"vkAllocateMemory", resultDesc, []*types.TypeDescriptor{u64, ptr, ptr, ptr}, &d.allocateMemory},
		{"vkFreeMemory", voidDesc, []*types.TypeDescriptor{u64, u64, ptr}, &d.freeMemory},
		{"vkMapMemory", resultDesc, []*types.TypeDescriptor{u64, u64, u64, u64, u32, ptr}, &d.mapMemory},
		{"vkUnmapMemory", voidDesc, []*types.TypeDescriptor{u64, u64}, &d.unmapMemory},
		{"vkBindBufferMemory", resultDesc, []*types.TypeDescriptor{u64, u64, u64, u64}, &d.bindBufferMemory},
		{"vkBindImageMemory", resultDesc, []*types.TypeDescriptor{u64, u64, u64, u64}, &d.bindImageMemory},
		{"vkCreateBuffer", resultDesc, []*types.TypeDescriptor{u64, ptr, ptr, ptr}, &d.createBuffer},
		{"vkDestroyBuffer", voidDesc, []*types.TypeDescriptor{u64, u64, ptr}, &d.destroyBuffer},
		{"vkCreateImage", resultDesc, []*types.TypeDescriptor{u64, ptr, ptr, ptr}, &d.createImage},
		{"vkDestroyImage", voidDesc, []*types.TypeDescriptor{u64, u64, ptr}, &d.destroyImage},
		{"vkGetBufferMemoryRequirements2", voidDesc, []*types.TypeDescriptor{u64, ptr, ptr}, &d.getBufferMemoryRequirements2},
		{"vkGetImageMemoryRequirements2", voidDesc, []*types.TypeDescriptor{u64, ptr, ptr}, &d.getImageMemoryRequirements2},
		{"vkGetPhysicalDeviceMemoryProperties2", voidDesc, []*types.TypeDescriptor{u64, ptr}, &d.getPhysicalDeviceMemoryProperties2},
		{"vkFlushMappedMemoryRanges", resultDesc, []*types.TypeDescriptor{u64, u32, ptr}, &d.flushMappedMemoryRanges},
		{"vkInvalidateMappedMemoryRanges", resultDesc, []*types.TypeDescriptor{u64, u32, ptr}, &d.invalidateMappedMemoryRanges},
		{"vkGetFenceStatus", resultDesc, []*types.TypeDescriptor{u64, u64}, &d.getFenceStatus},
		{"vkWaitForFences", resultDesc, []*types.TypeDescriptor{u64, u32, ptr, u32, u64}, &d.waitForFences},
	}

	for _, b := range bindings {
		addr := resolve(b.name)
		if addr == nil {
			return nil, fmt.Errorf("vkdriver: %s not available", b.name)
		}
		var cif types.CallInterface
		if err := ffi.PrepareCallInterface(&cif, types.DefaultCall, b.ret, b.args); err != nil {
			return nil, fmt.Errorf("vkdriver: prepare %s interface: %w", b.name, err)
		}
		*b.out = fn{addr: addr, cif: cif}
	}

	return d, nil
}

func toResult(v int32) driver.Result { return driver.Result(v) }

func (d *Device) AllocateDeviceMemory(info driver.MemoryAllocateInfo) (driver.DeviceMemory, driver.Result) {
	alloc := vkMemoryAllocateInfo{
		sType:           structureTypeMemoryAllocateInfo,
		allocationSize:  info.Size,
		memoryTypeIndex: info.MemoryTypeIndex,
	}

	var dedicated vkMemoryDedicatedAllocateInfo
	if info.DedicatedBuffer != 0 || info.DedicatedImage != 0 {
		dedicated = vkMemoryDedicatedAllocateInfo{
			sType:  structureTypeMemoryDedicatedAllocateInfo,
			image:  uint64(info.DedicatedImage),
			buffer: uint64(info.DedicatedBuffer),
		}
		alloc.pNext = uintptr(unsafe.Pointer(&dedicated))
	}

	var flagsInfo vkMemoryAllocateFlagsInfo
	if info.UseDeviceAddress {
		flagsInfo = vkMemoryAllocateFlagsInfo{
			sType: structureTypeMemoryAllocateFlagsInfo,
			flags: memoryAllocateDeviceAddressBit,
		}
		if alloc.pNext != 0 {
			flagsInfo.pNext = alloc.pNext
		}
		alloc.pNext = uintptr(unsafe.Pointer(&flagsInfo))
	}

	allocPtr := unsafe.Pointer(&alloc)
	var memory uint64
	memPtr := unsafe.Pointer(&memory)
	var nullPtr unsafe.Pointer
	var result int32

	args := []unsafe.Pointer{
		unsafe.Pointer(&d.device),
		unsafe.Pointer(&allocPtr),
		unsafe.Pointer(&nullPtr),
		unsafe.Pointer(&memPtr),
	}
	_ = ffi.CallFunction(&d.allocateMemory.cif, d.allocateMemory.addr, unsafe.Pointer(&result), args)
	return driver.DeviceMemory(memory), toResult(result)
}

func (d *Device) FreeDeviceMemory(mem driver.DeviceMemory) {
	m := uint64(mem)
	var nullPtr unsafe.Pointer
	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&m), unsafe.Pointer(&nullPtr)}
	_ = ffi.CallFunction(&d.freeMemory.cif, d.freeMemory.addr, nil, args)
}

func (d *Device) MapMemory(mem driver.DeviceMemory, offset, size uint64) (uintptr, driver.Result) {
	m := uint64(mem)
	var flags uint32
	var data uintptr
	dataPtr := unsafe.Pointer(&data)
	var result int32

	args := []unsafe.Pointer{
		unsafe.Pointer(&d.device), unsafe.Pointer(&m),
		unsafe.Pointer(&offset), unsafe.Pointer(&size),
		unsafe.Pointer(&flags), unsafe.Pointer(&dataPtr),
	}
	_ = ffi.CallFunction(&d.mapMemory.cif, d.mapMemory.addr, unsafe.Pointer(&result), args)
	return data, toResult(result)
}

func (d *Device) UnmapMemory(mem driver.DeviceMemory) {
	m := uint64(mem)
	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&m)}
	_ = ffi.CallFunction(&d.unmapMemory.cif, d.unmapMemory.addr, nil, args)
}

func (d *Device) BindBufferMemory(buf driver.Buffer, mem driver.DeviceMemory, offset uint64) driver.Result {
	b, m := uint64(buf), uint64(mem)
	var result int32
	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&b), unsafe.Pointer(&m), unsafe.Pointer(&offset)}
	_ = ffi.CallFunction(&d.bindBufferMemory.cif, d.bindBufferMemory.addr, unsafe.Pointer(&result), args)
	return toResult(result)
}

func (d *Device) BindImageMemory(img driver.Image, mem driver.DeviceMemory, offset uint64) driver.Result {
	i, m := uint64(img), uint64(mem)
	var result int32
	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&i), unsafe.Pointer(&m), unsafe.Pointer(&offset)}
	_ = ffi.CallFunction(&d.bindImageMemory.cif, d.bindImageMemory.addr, unsafe.Pointer(&result), args)
	return toResult(result)
}

func (d *Device) CreateBuffer(info driver.BufferCreateInfo) (driver.Buffer, driver.Result) {
	create := vkBufferCreateInfo{
		sType: structureTypeBufferCreateInfo,
		size:  info.Size,
		usage: info.Usage,
	}
	createPtr := unsafe.Pointer(&create)
	var nullPtr unsafe.Pointer
	var buf uint64
	bufPtr := unsafe.Pointer(&buf)
	var result int32

	args := []unsafe.Pointer{
		unsafe.Pointer(&d.device), unsafe.Pointer(&createPtr),
		unsafe.Pointer(&nullPtr), unsafe.Pointer(&bufPtr),
	}
	_ = ffi.CallFunction(&d.createBuffer.cif, d.createBuffer.addr, unsafe.Pointer(&result), args)
	return driver.Buffer(buf), toResult(result)
}

func (d *Device) DestroyBuffer(buf driver.Buffer) {
	b := uint64(buf)
	var nullPtr unsafe.Pointer
	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&b), unsafe.Pointer(&nullPtr)}
	_ = ffi.CallFunction(&d.destroyBuffer.cif, d.destroyBuffer.addr, nil, args)
}

func (d *Device) CreateImage(info driver.ImageCreateInfo) (driver.Image, driver.Result) {
	create := vkImageCreateInfo{
		sType:        structureTypeImageCreateInfo,
		extentWidth:  info.Width,
		extentHeight: info.Height,
		extentDepth:  info.Depth,
		mipLevels:    info.MipLevels,
		arrayLayers:  info.ArrayLayers,
		samples:      1,
		format:       info.Format,
		tiling:       info.Tiling,
		usage:        info.Usage,
	}
	createPtr := unsafe.Pointer(&create)
	var nullPtr unsafe.Pointer
	var img uint64
	imgPtr := unsafe.Pointer(&img)
	var result int32

	args := []unsafe.Pointer{
		unsafe.Pointer(&d.device), unsafe.Pointer(&createPtr),
		unsafe.Pointer(&nullPtr), unsafe.Pointer(&imgPtr),
	}
	_ = ffi.CallFunction(&d.createImage.cif, d.createImage.addr, unsafe.Pointer(&result), args)
	return driver.Image(img), toResult(result)
}

func (d *Device) DestroyImage(img driver.Image) {
	i := uint64(img)
	var nullPtr unsafe.Pointer
	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&i), unsafe.Pointer(&nullPtr)}
	_ = ffi.CallFunction(&d.destroyImage.cif, d.destroyImage.addr, nil, args)
}

func (d *Device) GetBufferMemoryRequirements(buf driver.Buffer) driver.MemoryRequirements {
	type infoStruct struct {
		sType  uint32
		_pad0  uint32
		pNext  uintptr
		buffer uint64
	}
	info := infoStruct{sType: 1000146000, buffer: uint64(buf)}
	infoPtr := unsafe.Pointer(&info)

	var dedicated vkMemoryDedicatedRequirements
	dedicated.sType = structureTypeMemoryDedicatedRequirements
	var req vkMemoryRequirements2
	req.sType = structureTypeMemoryRequirements2
	req.pNext = uintptr(unsafe.Pointer(&dedicated))
	reqPtr := unsafe.Pointer(&req)

	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&infoPtr), unsafe.Pointer(&reqPtr)}
	_ = ffi.CallFunction(&d.getBufferMemoryRequirements2.cif, d.getBufferMemoryRequirements2.addr, nil, args)

	return driver.MemoryRequirements{
		Size:              req.memoryRequirements.size,
		Alignment:         req.memoryRequirements.alignment,
		MemoryTypeBits:    req.memoryRequirements.memoryTypeBits,
		RequiresDedicated: dedicated.requiresDedicated != 0,
		PrefersDedicated:  dedicated.prefersDedicated != 0,
	}
}

func (d *Device) GetImageMemoryRequirements(img driver.Image) driver.MemoryRequirements {
	type infoStruct struct {
		sType uint32
		_pad0 uint32
		pNext uintptr
		image uint64
	}
	info := infoStruct{sType: 1000146001, image: uint64(img)}
	infoPtr := unsafe.Pointer(&info)

	var dedicated vkMemoryDedicatedRequirements
	dedicated.sType = structureTypeMemoryDedicatedRequirements
	var req vkMemoryRequirements2
	req.sType = structureTypeMemoryRequirements2
	req.pNext = uintptr(unsafe.Pointer(&dedicated))
	reqPtr := unsafe.Pointer(&req)

	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&infoPtr), unsafe.Pointer(&reqPtr)}
	_ = ffi.CallFunction(&d.getImageMemoryRequirements2.cif, d.getImageMemoryRequirements2.addr, nil, args)

	return driver.MemoryRequirements{
		Size:              req.memoryRequirements.size,
		Alignment:         req.memoryRequirements.alignment,
		MemoryTypeBits:    req.memoryRequirements.memoryTypeBits,
		RequiresDedicated: dedicated.requiresDedicated != 0,
		PrefersDedicated:  dedicated.prefersDedicated != 0,
	}
}

func (d *Device) GetPhysicalDeviceMemoryProperties() driver.PhysicalDeviceMemoryProperties {
	var budget vkPhysicalDeviceMemoryBudgetPropertiesEXT
	var props vkPhysicalDeviceMemoryProperties2
	props.sType = structureTypePhysicalDeviceMemoryProperties2
	if d.extMemoryBudget {
		budget.sType = structureTypePhysicalDeviceMemoryBudgetPropertiesEXT
		props.pNext = uintptr(unsafe.Pointer(&budget))
	}
	propsPtr := unsafe.Pointer(&props)

	pd := d.physicalDevice
	args := []unsafe.Pointer{unsafe.Pointer(&pd), unsafe.Pointer(&propsPtr)}
	_ = ffi.CallFunction(&d.getPhysicalDeviceMemoryProperties2.cif, d.getPhysicalDeviceMemoryProperties2.addr, nil, args)

	raw := props.properties
	out := driver.PhysicalDeviceMemoryProperties{
		MemoryTypes: make([]driver.MemoryType, raw.memoryTypeCount),
		MemoryHeaps: make([]driver.MemoryHeap, raw.memoryHeapCount),
	}
	for i := uint32(0); i < raw.memoryTypeCount; i++ {
		out.MemoryTypes[i] = driver.MemoryType{
			PropertyFlags: driver.MemoryPropertyFlags(raw.memoryTypes[i].propertyFlags),
			HeapIndex:     raw.memoryTypes[i].heapIndex,
		}
	}
	for i := uint32(0); i < raw.memoryHeapCount; i++ {
		out.MemoryHeaps[i] = driver.MemoryHeap{
			Size:  raw.memoryHeaps[i].size,
			Flags: driver.MemoryHeapFlags(raw.memoryHeaps[i].flags),
		}
	}
	if d.extMemoryBudget {
		out.HeapBudget = append([]uint64(nil), budget.heapBudget[:raw.memoryHeapCount]...)
		out.HeapUsage = append([]uint64(nil), budget.heapUsage[:raw.memoryHeapCount]...)
	}
	return out
}

func (d *Device) FlushMappedMemoryRanges(mem driver.DeviceMemory, offset, size uint64) driver.Result {
	rng := vkMappedMemoryRange{sType: structureTypeMappedMemoryRange, memory: uint64(mem), offset: offset, size: size}
	rngPtr := unsafe.Pointer(&rng)
	count := uint32(1)
	var result int32
	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&count), unsafe.Pointer(&rngPtr)}
	_ = ffi.CallFunction(&d.flushMappedMemoryRanges.cif, d.flushMappedMemoryRanges.addr, unsafe.Pointer(&result), args)
	return toResult(result)
}

func (d *Device) InvalidateMappedMemoryRanges(mem driver.DeviceMemory, offset, size uint64) driver.Result {
	rng := vkMappedMemoryRange{sType: structureTypeMappedMemoryRange, memory: uint64(mem), offset: offset, size: size}
	rngPtr := unsafe.Pointer(&rng)
	count := uint32(1)
	var result int32
	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&count), unsafe.Pointer(&rngPtr)}
	_ = ffi.CallFunction(&d.invalidateMappedMemoryRanges.cif, d.invalidateMappedMemoryRanges.addr, unsafe.Pointer(&result), args)
	return toResult(result)
}

func (d *Device) GetFenceStatus(f driver.Fence) driver.Result {
	fence := uint64(f)
	var result int32
	args := []unsafe.Pointer{unsafe.Pointer(&d.device), unsafe.Pointer(&fence)}
	_ = ffi.CallFunction(&d.getFenceStatus.cif, d.getFenceStatus.addr, unsafe.Pointer(&result), args)
	return toResult(result)
}

func (d *Device) WaitForFences(fences []driver.Fence, waitAll bool, timeoutNs uint64) driver.Result {
	raw := make([]uint64, len(fences))
	for i, f := range fences {
		raw[i] = uint64(f)
	}
	var rawPtr unsafe.Pointer
	if len(raw) > 0 {
		rawPtr = unsafe.Pointer(&raw[0])
	}
	count := uint32(len(raw))
	var all uint32
	if waitAll {
		all = 1
	}
	var result int32

	args := []unsafe.Pointer{
		unsafe.Pointer(&d.device), unsafe.Pointer(&count),
		unsafe.Pointer(&rawPtr), unsafe.Pointer(&all), unsafe.Pointer(&timeoutNs),
	}
	_ = ffi.CallFunction(&d.waitForFences.cif, d.waitForFences.addr, unsafe.Pointer(&result), args)
	return toResult(result)
}
