// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import "fmt"

// PoolCreateInfo configures a user-created Pool, per spec.md §4.4 "Allocator
// tracks user-created pools". A pool confines its allocations to one memory
// type and lets the caller override the allocation strategy, block sizing,
// and granularity handling independent of the Allocator's defaults.
type PoolCreateInfo struct {
	MemoryTypeIndex    uint32
	Flags              PoolFlags
	BlockSize          uint64
	MinBlockCount      int
	MaxBlockCount      int
	FrameInUseCount    int64
	Strategy           AllocationStrategy
}

// Pool is a user-created, independently configured BlockList, per
// spec.md §4.4. Allocations made with AllocationOptions.Pool set are routed
// to the pool's own BlockList instead of the Allocator's per-memory-type
// default one.
type Pool struct {
	allocator       *Allocator
	blockList       *BlockList
	frameInUseCount int64
	name            string
}

func (a *Allocator) newPool(info PoolCreateInfo) (*Pool, error) {
	if int(info.MemoryTypeIndex) >= len(a.memProps.MemoryTypes) {
		return nil, fmt.Errorf("%w: memory type index %d out of range", ErrInvalidArgument, info.MemoryTypeIndex)
	}

	heapIndex := a.memProps.MemoryTypes[info.MemoryTypeIndex].HeapIndex
	cfg := BlockListConfig{
		MemoryTypeIndex:        info.MemoryTypeIndex,
		HeapIndex:              heapIndex,
		PreferredBlockSize:     info.BlockSize,
		MinBlockCount:          info.MinBlockCount,
		MaxBlockCount:          info.MaxBlockCount,
		BufferImageGranularity: a.bufferImageGranularity,
		Strategy:               info.Strategy,
		IgnoreGranularity:      info.Flags&PoolIgnoreBufferImageGranularity != 0,
	}
	if cfg.PreferredBlockSize == 0 {
		cfg.PreferredBlockSize = a.preferredBlockSize(heapIndex)
	}
	if cfg.MaxBlockCount == 0 {
		cfg.MaxBlockCount = 1 << 31 >> 1 // effectively unbounded
	}

	return &Pool{
		allocator:       a,
		blockList:       newBlockList(a.device, a.budget, cfg),
		frameInUseCount: info.FrameInUseCount,
	}, nil
}

// Allocate requests size bytes with alignment from the pool's own
// BlockList, bypassing the Allocator's default per-type lists.
func (p *Pool) Allocate(size, alignment uint64, opts AllocationOptions, subType SuballocationType) (*Allocation, error) {
	frame := p.allocator.CurrentFrameIndex()
	return p.blockList.Allocate(frame, p.frameInUseCount, size, alignment, opts, subType)
}

// Name returns a user-assigned diagnostic label, empty by default.
func (p *Pool) Name() string { return p.name }

// SetName assigns a diagnostic label surfaced in Validate errors.
func (p *Pool) SetName(name string) { p.name = name }

// BlockCount reports the number of live blocks owned by the pool.
func (p *Pool) BlockCount() int { return p.blockList.BlockCount() }

// MakeAllocationsLost evicts all lost-eligible, not-recently-touched
// allocations across the pool's blocks, returning the count evicted.
func (p *Pool) MakeAllocationsLost(currentFrame int64) int {
	total := 0
	p.blockList.mu.RLock()
	blocks := append([]*MemoryBlock(nil), p.blockList.blocks...)
	p.blockList.mu.RUnlock()

	for _, b := range blocks {
		b.mu.Lock()
		total += b.meta.MakeAllocationsLost(currentFrame, p.frameInUseCount)
		b.mu.Unlock()
	}
	return total
}

// Validate checks every block's metadata invariants, per spec.md §8.
func (p *Pool) Validate() error {
	p.blockList.mu.RLock()
	defer p.blockList.mu.RUnlock()
	for i, b := range p.blockList.blocks {
		b.mu.Lock()
		err := b.meta.Validate(fmt.Sprintf("%s[%d]", p.name, i))
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// destroy releases every block owned by the pool. The caller must ensure
// no allocations remain outstanding.
func (p *Pool) destroy() {
	p.blockList.destroy()
}
