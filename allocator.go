// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/vma/driver"
)

// AllocatorCreateInfo configures a new Allocator, per spec.md §5's
// external interface and §6's concurrency/config surface.
type AllocatorCreateInfo struct {
	Device                  driver.Device
	PreferredLargeHeapBlockSize uint64
	ExtMemoryBudget         bool
	BufferDeviceAddress     bool
	AmdDeviceCoherentMemory bool
	ExternallySynchronized  bool
	IsIntegratedGPU         bool
	BufferImageGranularity  uint64

	// FrameInUseCount is the frame window a default (poolless) allocation
	// with CanBecomeLost must go untouched for before it is eligible for
	// reclamation. An allocation is stale once currentFrame minus its last
	// use frame is at least this value, so 0 makes it eligible even in the
	// frame of its last touch.
	FrameInUseCount int64
}

// Allocator is the top-level facade coordinating memory-type selection,
// per-type BlockLists, dedicated allocations, user pools, and budget
// tracking, per spec.md §4.4's description of the Allocator component.
//
// Every exported method is safe for concurrent use. ExternallySynchronized
// is recorded at creation but does not change locking: the internal locks
// are always taken.
type Allocator struct {
	device   driver.Device
	memProps driver.PhysicalDeviceMemoryProperties
	selector *memoryTypeSelector
	budget   *budgetTracker

	externallySynchronized  bool
	bufferDeviceAddress     bool
	preferredLargeHeapBlockSize uint64
	bufferImageGranularity  uint64
	frameInUseCount         int64

	defaultLists []*BlockList // one per memory type index

	dedicatedMu    sync.RWMutex
	dedicated      [][]*Allocation // per memory type index, sorted by offset

	poolsMu sync.Mutex
	pools   []*Pool

	slots *slotMap

	currentFrameIndex atomic.Int64
}

// NewAllocator queries info.Device's memory properties and builds the
// per-memory-type default BlockLists and budget tracker, per spec.md §5's
// allocator construction step.
func NewAllocator(info AllocatorCreateInfo) (*Allocator, error) {
	if info.Device == nil {
		return nil, fmt.Errorf("%w: Device is required", ErrInvalidArgument)
	}

	props := info.Device.GetPhysicalDeviceMemoryProperties()
	if len(props.MemoryTypes) == 0 {
		return nil, fmt.Errorf("%w: device reported zero memory types", ErrDriverError)
	}

	granularity := info.BufferImageGranularity
	if granularity == 0 {
		granularity = 1
	}
	blockSize := info.PreferredLargeHeapBlockSize
	if blockSize == 0 {
		blockSize = DefaultPreferredLargeHeapBlockSize
	}

	a := &Allocator{
		device:                      info.Device,
		memProps:                    props,
		selector:                    newMemoryTypeSelector(props, info.AmdDeviceCoherentMemory, info.IsIntegratedGPU),
		externallySynchronized:      info.ExternallySynchronized,
		bufferDeviceAddress:         info.BufferDeviceAddress,
		preferredLargeHeapBlockSize: blockSize,
		bufferImageGranularity:      granularity,
		frameInUseCount:             info.FrameInUseCount,
		slots:                       newSlotMap(),
	}
	a.budget = newBudgetTracker(info.Device, a.selector.HeapSizes(), info.ExtMemoryBudget)

	a.defaultLists = make([]*BlockList, len(props.MemoryTypes))
	a.dedicated = make([][]*Allocation, len(props.MemoryTypes))
	for i, t := range props.MemoryTypes {
		cfg := BlockListConfig{
			MemoryTypeIndex:        uint32(i),
			HeapIndex:              t.HeapIndex,
			PreferredBlockSize:     a.preferredBlockSize(t.HeapIndex),
			MinBlockCount:          0,
			MaxBlockCount:          1 << 30,
			BufferImageGranularity: granularity,
			Strategy:               StrategyFirstFit,
		}
		a.defaultLists[i] = newBlockList(info.Device, a.budget, cfg)
	}

	return a, nil
}

// preferredBlockSize shrinks the default block size for small heaps, per
// spec.md §4.3: heaps of at most SmallHeapCutoff use 1/8th of the preferred
// size instead, so a handful of allocations don't commit a huge chunk of
// a small heap.
func (a *Allocator) preferredBlockSize(heapIndex uint32) uint64 {
	heapSize := a.selector.HeapSize(heapIndex)
	if heapSize <= SmallHeapCutoff {
		size := a.preferredLargeHeapBlockSize / 8
		if size == 0 {
			size = a.preferredLargeHeapBlockSize
		}
		return size
	}
	return a.preferredLargeHeapBlockSize
}

// CurrentFrameIndex returns the frame index set by the most recent
// SetCurrentFrameIndex call (0 if never set).
func (a *Allocator) CurrentFrameIndex() int64 { return a.currentFrameIndex.Load() }

// SetCurrentFrameIndex records the caller's frame counter, consulted by
// lost-allocation eviction (spec.md §4.1's frameInUseCount check).
func (a *Allocator) SetCurrentFrameIndex(frame int64) { a.currentFrameIndex.Store(frame) }

// FindMemoryTypeIndex resolves the best memory type for typeBits (a
// bitmask of admissible indices, as returned by the driver's
// MemoryRequirements) and a usage hint, per spec.md §4.4.
func (a *Allocator) FindMemoryTypeIndex(typeBits uint32, usage MemoryUsage) (uint32, error) {
	ty, ok := a.selector.Select(typeBits, usage)
	if !ok {
		return 0, fmt.Errorf("%w: no memory type satisfies mask %#x for usage %v", ErrFeatureNotPresent, typeBits, usage)
	}
	return ty, nil
}

// FindMemoryTypeIndexForBuffer queries the driver for buf's memory
// requirements and resolves a memory type for them.
func (a *Allocator) FindMemoryTypeIndexForBuffer(buf driver.Buffer, usage MemoryUsage) (uint32, error) {
	req := a.device.GetBufferMemoryRequirements(buf)
	return a.FindMemoryTypeIndex(req.MemoryTypeBits, usage)
}

// FindMemoryTypeIndexForImage queries the driver for img's memory
// requirements and resolves a memory type for them.
func (a *Allocator) FindMemoryTypeIndexForImage(img driver.Image, usage MemoryUsage) (uint32, error) {
	req := a.device.GetImageMemoryRequirements(img)
	return a.FindMemoryTypeIndex(req.MemoryTypeBits, usage)
}

// dedicatedResource identifies the buffer or image a dedicated allocation
// backs, letting allocateDedicated chain VkMemoryDedicatedAllocateInfo for
// it. The zero value means "no specific resource", the case for a bare
// AllocateMemory call with no buffer/image in play.
type dedicatedResource struct {
	buffer    driver.Buffer
	image     driver.Image
	usageBits uint32
}

// AllocateMemory reserves size bytes of alignment-aligned device memory of
// the given type, routing to a dedicated allocation, a user pool, or the
// type's default BlockList per spec.md §4.4's allocate algorithm.
func (a *Allocator) AllocateMemory(memoryTypeIndex uint32, size, alignment uint64, usage MemoryUsage, opts AllocationOptions, subType SuballocationType) (AllocationHandle, error) {
	return a.allocateMemory(memoryTypeIndex, size, alignment, usage, opts, subType, dedicatedResource{})
}

// allocateMemory is AllocateMemory's internal form, additionally carrying
// the buffer/image a dedicated allocation should chain, per spec.md §4.4.
func (a *Allocator) allocateMemory(memoryTypeIndex uint32, size, alignment uint64, usage MemoryUsage, opts AllocationOptions, subType SuballocationType, ded dedicatedResource) (AllocationHandle, error) {
	if err := opts.validate(); err != nil {
		return InvalidAllocationHandle, err
	}
	if size == 0 {
		return InvalidAllocationHandle, fmt.Errorf("%w: size must be nonzero", ErrInvalidArgument)
	}

	if !a.selector.IsHostVisible(memoryTypeIndex) {
		opts.Mapped = false
	}

	if opts.Pool == nil && !opts.NeverAllocate {
		heapIndex := a.memProps.MemoryTypes[memoryTypeIndex].HeapIndex
		opts.DedicatedMemory = opts.DedicatedMemory ||
			usage == UsageGPULazilyAllocated ||
			size > a.preferredBlockSize(heapIndex)/2
	}

	var alloc *Allocation
	var err error

	switch {
	case opts.DedicatedMemory:
		alloc, err = a.allocateDedicated(memoryTypeIndex, size, opts, ded)
	case opts.Pool != nil:
		alloc, err = opts.Pool.Allocate(size, alignment, opts, subType)
	default:
		frame := a.CurrentFrameIndex()
		alloc, err = a.defaultLists[memoryTypeIndex].Allocate(frame, a.frameInUseCount, size, alignment, opts, subType)
		if err != nil && !opts.NeverAllocate {
			Logger().Debug("vma: falling back to dedicated allocation", "memoryType", memoryTypeIndex, "size", size)
			alloc, err = a.allocateDedicated(memoryTypeIndex, size, opts, ded)
		}
	}
	if err != nil {
		return InvalidAllocationHandle, err
	}

	if opts.Mapped {
		if err := alloc.mapPersistent(a.device); err != nil {
			a.freeAllocation(alloc)
			return InvalidAllocationHandle, err
		}
	}

	return a.slots.Insert(alloc), nil
}

// allocateDedicated allocates a whole device memory object for a single
// allocation, per spec.md §4.4's dedicated-allocation path, chaining
// ded's buffer or image when one is supplied.
func (a *Allocator) allocateDedicated(memoryTypeIndex uint32, size uint64, opts AllocationOptions, ded dedicatedResource) (*Allocation, error) {
	heapIndex := a.memProps.MemoryTypes[memoryTypeIndex].HeapIndex
	if !a.budget.WithinBudget(heapIndex, size) && opts.WithinBudget {
		return nil, fmt.Errorf("%w: heap %d budget exceeded", ErrOutOfDeviceMemory, heapIndex)
	}

	info := driver.MemoryAllocateInfo{
		Size:            size,
		MemoryTypeIndex: memoryTypeIndex,
		DedicatedBuffer: ded.buffer,
		DedicatedImage:  ded.image,
	}
	if a.bufferDeviceAddress && ded.buffer != 0 && ded.usageBits&driver.BufferUsageShaderDeviceAddress != 0 {
		info.UseDeviceAddress = true
	}
	mem, result := a.device.AllocateDeviceMemory(info)
	if result != driver.Success {
		return nil, fmt.Errorf("%w: vkAllocateMemory returned %d", ErrOutOfDeviceMemory, result)
	}

	alloc := &Allocation{
		kind:            AllocationDedicated,
		size:            size,
		memoryTypeIndex: memoryTypeIndex,
		memory:          mem,
		canBecomeLost:   false,
	}
	alloc.lastUseFrameIndex.Store(a.CurrentFrameIndex())

	a.budget.addBlockBytes(heapIndex, int64(size))
	a.budget.addAllocBytes(heapIndex, int64(size))

	a.dedicatedMu.Lock()
	a.dedicated[memoryTypeIndex] = append(a.dedicated[memoryTypeIndex], alloc)
	a.dedicatedMu.Unlock()

	Logger().Debug("vma: dedicated allocation", "memoryType", memoryTypeIndex, "size", size)
	return alloc, nil
}

// AllocateForBuffer resolves buf's memory requirements, picks a memory
// type for usage, allocates, and binds buf to the result — spec.md §4.4's
// allocate_memory_for_buffer convenience path, with the driver's
// RequiresDedicated flag folded into opts. PrefersDedicated is not
// consulted: a buffer that only prefers dedicated memory is suballocated
// unless opts itself sets DedicatedMemory.
func (a *Allocator) AllocateForBuffer(buf driver.Buffer, usage MemoryUsage, opts AllocationOptions) (AllocationHandle, error) {
	return a.allocateForBuffer(buf, 0, usage, opts)
}

// allocateForBuffer is AllocateForBuffer's internal form, additionally
// carrying buf's declared usage bits so a dedicated allocation can gate
// UseDeviceAddress on whether buf actually permits it.
func (a *Allocator) allocateForBuffer(buf driver.Buffer, usageBits uint32, usage MemoryUsage, opts AllocationOptions) (AllocationHandle, error) {
	req := a.device.GetBufferMemoryRequirements(buf)
	ty, err := a.FindMemoryTypeIndex(req.MemoryTypeBits, usage)
	if err != nil {
		return InvalidAllocationHandle, err
	}
	if req.RequiresDedicated {
		opts.DedicatedMemory = true
	}

	h, err := a.allocateMemory(ty, req.Size, req.Alignment, usage, opts, SuballocationUnknown, dedicatedResource{buffer: buf, usageBits: usageBits})
	if err != nil {
		return InvalidAllocationHandle, err
	}
	if !opts.DontBind {
		alloc := a.slots.Get(h)
		if result := a.device.BindBufferMemory(buf, alloc.DeviceMemory(), alloc.Offset()); result != driver.Success {
			a.FreeMemory(h)
			return InvalidAllocationHandle, fmt.Errorf("%w: vkBindBufferMemory returned %d", ErrDriverError, result)
		}
	}
	return h, nil
}

// AllocateForImage mirrors AllocateForBuffer for images.
func (a *Allocator) AllocateForImage(img driver.Image, usage MemoryUsage, opts AllocationOptions) (AllocationHandle, error) {
	req := a.device.GetImageMemoryRequirements(img)
	ty, err := a.FindMemoryTypeIndex(req.MemoryTypeBits, usage)
	if err != nil {
		return InvalidAllocationHandle, err
	}
	if req.RequiresDedicated {
		opts.DedicatedMemory = true
	}

	h, err := a.allocateMemory(ty, req.Size, req.Alignment, usage, opts, SuballocationImageOptimal, dedicatedResource{image: img})
	if err != nil {
		return InvalidAllocationHandle, err
	}
	if !opts.DontBind {
		alloc := a.slots.Get(h)
		if result := a.device.BindImageMemory(img, alloc.DeviceMemory(), alloc.Offset()); result != driver.Success {
			a.FreeMemory(h)
			return InvalidAllocationHandle, fmt.Errorf("%w: vkBindImageMemory returned %d", ErrDriverError, result)
		}
	}
	return h, nil
}

// CreateBuffer creates a buffer, allocates memory for it, and binds it in
// one step, per spec.md §6's convenience API. On any failure after the
// buffer is created, it destroys the buffer before returning (spec.md
// §7's rollback-on-partial-failure requirement).
func (a *Allocator) CreateBuffer(info driver.BufferCreateInfo, usage MemoryUsage, opts AllocationOptions) (driver.Buffer, AllocationHandle, error) {
	buf, result := a.device.CreateBuffer(info)
	if result != driver.Success {
		return 0, InvalidAllocationHandle, fmt.Errorf("%w: vkCreateBuffer returned %d", ErrDriverError, result)
	}

	h, err := a.allocateForBuffer(buf, info.Usage, usage, opts)
	if err != nil {
		a.device.DestroyBuffer(buf)
		return 0, InvalidAllocationHandle, err
	}
	return buf, h, nil
}

// DestroyBuffer frees buf's allocation and destroys the buffer handle
// itself, reversing CreateBuffer.
func (a *Allocator) DestroyBuffer(buf driver.Buffer, h AllocationHandle) {
	a.FreeMemory(h)
	a.device.DestroyBuffer(buf)
}

// CreateImage mirrors CreateBuffer for images.
func (a *Allocator) CreateImage(info driver.ImageCreateInfo, usage MemoryUsage, opts AllocationOptions) (driver.Image, AllocationHandle, error) {
	img, result := a.device.CreateImage(info)
	if result != driver.Success {
		return 0, InvalidAllocationHandle, fmt.Errorf("%w: vkCreateImage returned %d", ErrDriverError, result)
	}

	h, err := a.AllocateForImage(img, usage, opts)
	if err != nil {
		a.device.DestroyImage(img)
		return 0, InvalidAllocationHandle, err
	}
	return img, h, nil
}

// DestroyImage frees img's allocation and destroys the image handle
// itself, reversing CreateImage.
func (a *Allocator) DestroyImage(img driver.Image, h AllocationHandle) {
	a.FreeMemory(h)
	a.device.DestroyImage(img)
}

// FreeMemory releases the allocation referenced by h, returning it to its
// owning BlockList, pool, or freeing its dedicated device memory outright,
// per spec.md §4.4's free_memory.
func (a *Allocator) FreeMemory(h AllocationHandle) {
	alloc := a.slots.Remove(h)
	if alloc == nil {
		return
	}
	alloc.releaseMapping(a.device)
	a.freeAllocation(alloc)
}

// freeAllocation returns alloc to its owning BlockList or frees its
// dedicated device memory outright. Shared by FreeMemory and the
// allocateMemory rollback path for a persistent-map failure.
func (a *Allocator) freeAllocation(alloc *Allocation) {
	if alloc.IsDedicated() {
		heapIndex := a.memProps.MemoryTypes[alloc.memoryTypeIndex].HeapIndex
		a.dedicatedMu.Lock()
		list := a.dedicated[alloc.memoryTypeIndex]
		for i, d := range list {
			if d == alloc {
				a.dedicated[alloc.memoryTypeIndex] = append(list[:i], list[i+1:]...)
				break
			}
		}
		a.dedicatedMu.Unlock()

		a.device.FreeDeviceMemory(alloc.memory)
		a.budget.addBlockBytes(heapIndex, -int64(alloc.size))
		a.budget.addAllocBytes(heapIndex, -int64(alloc.size))
		return
	}

	alloc.blockList.Free(alloc)
}

// GetAllocationInfo resolves h to its Allocation, or nil if h is stale.
func (a *Allocator) GetAllocationInfo(h AllocationHandle) *Allocation {
	return a.slots.Get(h)
}

// CreatePool creates a user pool confined to one memory type, per
// spec.md §4.4.
func (a *Allocator) CreatePool(info PoolCreateInfo) (*Pool, error) {
	p, err := a.newPool(info)
	if err != nil {
		return nil, err
	}
	a.poolsMu.Lock()
	a.pools = append(a.pools, p)
	a.poolsMu.Unlock()
	return p, nil
}

// DestroyPool releases p's blocks and removes it from the allocator's
// pool list. The caller must have freed every allocation made from p.
func (a *Allocator) DestroyPool(p *Pool) error {
	if !p.blockList.IsEmpty() {
		for _, b := range p.blockList.blocks {
			if b.meta.AllocationCount() > 0 {
				return fmt.Errorf("%w: pool still has live allocations", ErrPoolNotEmpty)
			}
		}
	}

	a.poolsMu.Lock()
	for i, pp := range a.pools {
		if pp == p {
			a.pools = append(a.pools[:i], a.pools[i+1:]...)
			break
		}
	}
	a.poolsMu.Unlock()

	p.destroy()
	return nil
}

// GetBudget returns the current Budget snapshot for heapIndex.
func (a *Allocator) GetBudget(heapIndex uint32) Budget {
	return a.budget.Get(heapIndex)
}

// MemoryProperties returns the device's physical memory properties, as
// queried at construction time.
func (a *Allocator) MemoryProperties() driver.PhysicalDeviceMemoryProperties {
	return a.memProps
}

// MakeAllocationsLost evicts lost-eligible, stale allocations across every
// default BlockList and user pool, returning the total evicted.
func (a *Allocator) MakeAllocationsLost() int {
	frame := a.CurrentFrameIndex()
	total := 0

	for _, bl := range a.defaultLists {
		bl.mu.RLock()
		blocks := append([]*MemoryBlock(nil), bl.blocks...)
		bl.mu.RUnlock()
		for _, b := range blocks {
			b.mu.Lock()
			total += b.meta.MakeAllocationsLost(frame, a.frameInUseCount)
			b.mu.Unlock()
		}
	}

	a.poolsMu.Lock()
	pools := append([]*Pool(nil), a.pools...)
	a.poolsMu.Unlock()
	for _, p := range pools {
		total += p.MakeAllocationsLost(frame)
	}

	return total
}

// Dispose releases every default BlockList's blocks. It is an error to
// call Dispose while allocations remain outstanding or user pools remain
// undestroyed.
func (a *Allocator) Dispose() error {
	if a.slots.Len() > 0 {
		return fmt.Errorf("%w: %d allocations still outstanding", ErrAllocatorNotEmpty, a.slots.Len())
	}
	a.poolsMu.Lock()
	poolCount := len(a.pools)
	a.poolsMu.Unlock()
	if poolCount > 0 {
		return fmt.Errorf("%w: %d pools still exist", ErrAllocatorNotEmpty, poolCount)
	}

	for _, bl := range a.defaultLists {
		bl.destroy()
	}
	return nil
}
