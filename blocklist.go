// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/vma/driver"
)

// BlockListConfig configures one BlockList's growth policy and placement
// strategy, per spec.md §4.3. The zero value is not usable; NewAllocator
// builds one per memory type, and a user Pool builds one from its
// PoolCreateInfo.
type BlockListConfig struct {
	MemoryTypeIndex     uint32
	HeapIndex           uint32
	PreferredBlockSize  uint64
	MinBlockCount       int
	MaxBlockCount       int
	BufferImageGranularity uint64
	Strategy            AllocationStrategy
	IgnoreGranularity   bool
}

// BlockList owns the set of MemoryBlocks of one memory type (or one user
// pool's configuration of it): it grows, shrinks, and searches blocks for
// a placement, per spec.md §4.3.
type BlockList struct {
	cfg    BlockListConfig
	dev    driver.Device
	budget *budgetTracker

	mu     sync.RWMutex
	blocks []*MemoryBlock
}

func newBlockList(dev driver.Device, budget *budgetTracker, cfg BlockListConfig) *BlockList {
	return &BlockList{cfg: cfg, dev: dev, budget: budget}
}

// requestSize picks the size for a freshly grown block: the configured
// preferred size, or allocSize if the request itself exceeds it. The
// heap/8 clamp below is raised back to allocSize, so the result is never
// smaller than the request and no upper bound takes effect.
func (bl *BlockList) requestSize(allocSize uint64) uint64 {
	size := bl.cfg.PreferredBlockSize
	if allocSize > size {
		huge := bl.budget.heaps[bl.cfg.HeapIndex].heapSize / 8
		size = allocSize
		if size > huge {
			size = huge
		}
		if size < allocSize {
			size = allocSize
		}
	}
	return size
}

// orderedBlocks returns block indices in the search order spec.md §4.3
// step 2 calls for: ascending by remaining free size for BestFit, else
// insertion order.
func (bl *BlockList) orderedBlocks() []int {
	order := make([]int, len(bl.blocks))
	for i := range order {
		order[i] = i
	}
	if bl.cfg.Strategy == StrategyBestFit {
		sort.Slice(order, func(i, j int) bool {
			return bl.blocks[order[i]].meta.SumFreeSize() < bl.blocks[order[j]].meta.SumFreeSize()
		})
	}
	return order
}

// Allocate finds or creates a block able to host the request, committing
// the placement and returning the resulting Allocation, per spec.md
// §4.3's allocate algorithm.
func (bl *BlockList) Allocate(currentFrame int64, frameInUseCount int64, size, alignment uint64, opts AllocationOptions, subType SuballocationType) (*Allocation, error) {
	if opts.NeverAllocate {
		bl.mu.RLock()
		empty := len(bl.blocks) == 0
		bl.mu.RUnlock()
		if empty && bl.cfg.MinBlockCount == 0 {
			return nil, fmt.Errorf("%w: NeverAllocate set and BlockList is empty", ErrOutOfDeviceMemory)
		}
	}

	ctx := RequestContext{
		Size: size, Alignment: alignment, SuballocType: subType,
		Strategy: opts.Strategy, CurrentFrame: currentFrame, FrameInUseCount: frameInUseCount,
	}

	if alloc, err, ok := bl.tryExistingBlocks(ctx, opts, false); ok {
		return alloc, err
	}

	bl.mu.Lock()
	canGrow := len(bl.blocks) < bl.cfg.MaxBlockCount && !opts.NeverAllocate
	var growErr error
	if canGrow {
		growErr = bl.growLocked(bl.requestSize(size))
	}
	bl.mu.Unlock()

	if canGrow && growErr == nil {
		if alloc, err, ok := bl.tryExistingBlocks(ctx, opts, false); ok {
			return alloc, err
		}
	}

	if opts.CanMakeOtherLost {
		ctx.CanMakeOtherLost = true
		if alloc, err, ok := bl.tryExistingBlocks(ctx, opts, true); ok {
			return alloc, err
		}
	}

	return nil, fmt.Errorf("%w: memory type %d exhausted", ErrOutOfDeviceMemory, bl.cfg.MemoryTypeIndex)
}

// tryExistingBlocks walks the current blocks in strategy order looking
// for a hit. ok is false when no block produced even a candidate request
// (the caller should then try growing or allowing lost victims).
func (bl *BlockList) tryExistingBlocks(ctx RequestContext, opts AllocationOptions, allowLost bool) (*Allocation, error, bool) {
	bl.mu.RLock()
	order := bl.orderedBlocks()
	blocks := bl.blocks
	bl.mu.RUnlock()

	for _, i := range order {
		block := blocks[i]

		block.mu.Lock()
		req, found := block.meta.TryCreateRequest(ctx)
		if !found {
			block.mu.Unlock()
			continue
		}

		if req.ItemsToMakeLostCount() > 0 {
			if !allowLost {
				block.mu.Unlock()
				continue
			}
			if !block.meta.MakeRequestedLost(req, ctx.CurrentFrame, ctx.FrameInUseCount) {
				// Lost-race: a victim was touched since. Re-verify by
				// asking again (spec.md §4.3 step 2: "re-verify
				// placement, lost-race safe").
				req, found = block.meta.TryCreateRequest(ctx)
				if !found || (req.ItemsToMakeLostCount() > 0 && !block.meta.MakeRequestedLost(req, ctx.CurrentFrame, ctx.FrameInUseCount)) {
					block.mu.Unlock()
					continue
				}
			}
		}

		alloc := &Allocation{
			kind:            AllocationBlock,
			size:            ctx.Size,
			alignment:       ctx.Alignment,
			memoryTypeIndex: bl.cfg.MemoryTypeIndex,
			suballocType:    ctx.SuballocType,
			blockList:       bl,
			block:           block,
			offset:          req.Offset(),
			canBecomeLost:   opts.CanBecomeLost,
		}
		alloc.lastUseFrameIndex.Store(ctx.CurrentFrame)

		block.meta.Alloc(req, ctx.SuballocType, alloc)
		block.mu.Unlock()

		bl.budget.addAllocBytes(bl.cfg.HeapIndex, int64(ctx.Size))
		Logger().Debug("vma: suballocated", "memoryType", bl.cfg.MemoryTypeIndex, "size", ctx.Size, "offset", alloc.offset)
		return alloc, nil, true
	}

	return nil, nil, false
}

// growLocked creates a new block sized to at least allocSize and appends
// it to the end, per spec.md §4.3's growth policy. Caller must hold mu
// for write.
func (bl *BlockList) growLocked(size uint64) error {
	if bl.budget.extMemoryBudget && !bl.budget.WithinBudget(bl.cfg.HeapIndex, size) {
		return fmt.Errorf("%w: heap %d budget exceeded", ErrOutOfDeviceMemory, bl.cfg.HeapIndex)
	}

	mem, result := bl.dev.AllocateDeviceMemory(driver.MemoryAllocateInfo{Size: size, MemoryTypeIndex: bl.cfg.MemoryTypeIndex})
	if result != driver.Success {
		return fmt.Errorf("%w: vkAllocateMemory returned %d", ErrOutOfDeviceMemory, result)
	}

	granularity := bl.cfg.BufferImageGranularity
	if bl.cfg.IgnoreGranularity {
		granularity = 1
	}
	block := newMemoryBlock(mem, size, bl.cfg.MemoryTypeIndex, granularity)
	bl.blocks = append(bl.blocks, block)
	bl.budget.addBlockBytes(bl.cfg.HeapIndex, int64(size))

	Logger().Debug("vma: block grown", "memoryType", bl.cfg.MemoryTypeIndex, "size", size, "blockCount", len(bl.blocks))
	return nil
}

// Free routes alloc back to its owning block's metadata; if the block
// becomes empty, shrinkIfExcess destroys empty blocks beyond MinBlockCount
// right away; blocks are not queued for later destruction.
func (bl *BlockList) Free(alloc *Allocation) {
	block := alloc.block

	block.mu.Lock()
	block.meta.Free(alloc)
	empty := block.meta.IsEmpty()
	block.mu.Unlock()

	bl.budget.addAllocBytes(bl.cfg.HeapIndex, -int64(alloc.size))

	if empty {
		bl.shrinkIfExcess()
	}
}

// shrinkIfExcess destroys empty blocks beyond MinBlockCount, newest-empty
// first, per spec.md §4.3's lazy shrink policy.
func (bl *BlockList) shrinkIfExcess() {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	for i := len(bl.blocks) - 1; i >= 0 && len(bl.blocks) > bl.cfg.MinBlockCount; i-- {
		block := bl.blocks[i]
		block.mu.Lock()
		empty := block.meta.IsEmpty()
		block.mu.Unlock()
		if !empty {
			continue
		}

		bl.dev.FreeDeviceMemory(block.memory)
		bl.budget.addBlockBytes(bl.cfg.HeapIndex, -int64(block.size))
		bl.blocks = append(bl.blocks[:i], bl.blocks[i+1:]...)
		Logger().Debug("vma: block shrunk", "memoryType", bl.cfg.MemoryTypeIndex, "blockCount", len(bl.blocks))
	}
}

// BlockCount reports the number of live blocks, for stats/tests.
func (bl *BlockList) BlockCount() int {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return len(bl.blocks)
}

// IsEmpty reports whether the list owns no blocks.
func (bl *BlockList) IsEmpty() bool {
	return bl.BlockCount() == 0
}

// destroy frees every owned block unconditionally, for pool/allocator
// teardown.
func (bl *BlockList) destroy() {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	for _, block := range bl.blocks {
		bl.dev.FreeDeviceMemory(block.memory)
		bl.budget.addBlockBytes(bl.cfg.HeapIndex, -int64(block.size))
	}
	bl.blocks = nil
}
