// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import "testing"

func newTestBlockList(t *testing.T, dev *fakeDevice, cfg BlockListConfig) *BlockList {
	t.Helper()
	budget := newBudgetTracker(dev, []uint64{4 << 30, 4 << 30}, false)
	return newBlockList(dev, budget, cfg)
}

func TestBlockListGrowsOnDemand(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	bl := newTestBlockList(t, dev, BlockListConfig{
		PreferredBlockSize: 1024,
		MinBlockCount:      0,
		MaxBlockCount:      4,
		Strategy:           StrategyFirstFit,
	})

	if bl.BlockCount() != 0 {
		t.Fatalf("BlockCount = %d, want 0 before first allocation", bl.BlockCount())
	}

	alloc, err := bl.Allocate(0, 0, 256, 16, AllocationOptions{}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if bl.BlockCount() != 1 {
		t.Fatalf("BlockCount = %d, want 1 after first allocation", bl.BlockCount())
	}
	if alloc.Size() != 256 {
		t.Errorf("Size = %d, want 256", alloc.Size())
	}
}

func TestBlockListRequestSizeGrowsForOversizedAllocation(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	bl := newTestBlockList(t, dev, BlockListConfig{
		PreferredBlockSize: 1024,
		HeapIndex:          0,
		MinBlockCount:      0,
		MaxBlockCount:      4,
		Strategy:           StrategyFirstFit,
	})

	const big = 10 << 20 // far larger than PreferredBlockSize
	size := bl.requestSize(big)
	if size < big {
		t.Errorf("requestSize(%d) = %d, want >= requested size", big, size)
	}
}

func TestBlockListMaxBlockCountExhausted(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	bl := newTestBlockList(t, dev, BlockListConfig{
		PreferredBlockSize: 256,
		MinBlockCount:      0,
		MaxBlockCount:      1,
		Strategy:           StrategyFirstFit,
	})

	if _, err := bl.Allocate(0, 0, 256, 16, AllocationOptions{}, SuballocationBuffer); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	// The single block is now full; a second allocation can't grow past
	// MaxBlockCount and must fail.
	if _, err := bl.Allocate(0, 0, 256, 16, AllocationOptions{}, SuballocationBuffer); err == nil {
		t.Error("second Allocate should fail once MaxBlockCount is reached")
	}
}

func TestBlockListFreeShrinksExcessBlocks(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	bl := newTestBlockList(t, dev, BlockListConfig{
		PreferredBlockSize: 256,
		MinBlockCount:      0,
		MaxBlockCount:      4,
		Strategy:           StrategyFirstFit,
	})

	a, err := bl.Allocate(0, 0, 256, 16, AllocationOptions{}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("Allocate a: %v", err)
	}
	b, err := bl.Allocate(0, 0, 256, 16, AllocationOptions{}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("Allocate b: %v", err)
	}
	if bl.BlockCount() != 2 {
		t.Fatalf("BlockCount = %d, want 2", bl.BlockCount())
	}

	bl.Free(a)
	bl.Free(b)

	if bl.BlockCount() != 0 {
		t.Errorf("BlockCount = %d, want 0 after freeing everything (MinBlockCount=0)", bl.BlockCount())
	}
}

func TestBlockListMinBlockCountKeepsEmptyBlocks(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	bl := newTestBlockList(t, dev, BlockListConfig{
		PreferredBlockSize: 256,
		MinBlockCount:      1,
		MaxBlockCount:      4,
		Strategy:           StrategyFirstFit,
	})

	a, err := bl.Allocate(0, 0, 256, 16, AllocationOptions{}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	bl.Free(a)

	if bl.BlockCount() != 1 {
		t.Errorf("BlockCount = %d, want 1 (MinBlockCount keeps the empty block)", bl.BlockCount())
	}
}

func TestBlockListCanMakeOtherLostEvictsStaleVictim(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	bl := newTestBlockList(t, dev, BlockListConfig{
		PreferredBlockSize: 256,
		MinBlockCount:      0,
		MaxBlockCount:      1,
		Strategy:           StrategyFirstFit,
	})

	victim, err := bl.Allocate(0, 0, 256, 16, AllocationOptions{CanBecomeLost: true}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("Allocate victim: %v", err)
	}

	// At frame 10 with frameInUseCount 2, the victim (last touched at
	// frame 0) is stale and should be evicted to make room.
	opts := AllocationOptions{CanMakeOtherLost: true}
	alloc, err := bl.Allocate(10, 2, 256, 16, opts, SuballocationBuffer)
	if err != nil {
		t.Fatalf("Allocate with CanMakeOtherLost: %v", err)
	}
	if !victim.IsLost() {
		t.Error("victim should have been marked lost")
	}
	if alloc.Offset() != victim.Offset() {
		t.Errorf("new allocation offset %d, want %d (reusing the evicted range)", alloc.Offset(), victim.Offset())
	}
}
