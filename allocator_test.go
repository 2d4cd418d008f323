// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"errors"
	"testing"

	"github.com/gogpu/vma/driver"
)

func newTestAllocator(t *testing.T, dev *fakeDevice) *Allocator {
	t.Helper()
	a, err := NewAllocator(AllocatorCreateInfo{Device: dev})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return a
}

func TestNewAllocatorRejectsNilDevice(t *testing.T) {
	if _, err := NewAllocator(AllocatorCreateInfo{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestAllocatorFindMemoryTypeIndex(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)

	ty, err := a.FindMemoryTypeIndex(^uint32(0), UsageGPUOnly)
	if err != nil {
		t.Fatalf("FindMemoryTypeIndex: %v", err)
	}
	if int(ty) >= len(a.memProps.MemoryTypes) {
		t.Errorf("memory type index %d out of range", ty)
	}
}

func TestAllocatorAllocateAndFreeRoundTrip(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)

	h, err := a.AllocateMemory(0, 1024, 256, UsageGPUOnly, AllocationOptions{}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if !h.IsValid() {
		t.Fatal("handle should be valid")
	}

	info := a.GetAllocationInfo(h)
	if info == nil {
		t.Fatal("GetAllocationInfo returned nil for a live handle")
	}
	if info.Size() != 1024 {
		t.Errorf("Size = %d, want 1024", info.Size())
	}

	a.FreeMemory(h)
	if a.GetAllocationInfo(h) != nil {
		t.Error("GetAllocationInfo should return nil after FreeMemory")
	}

	// Freeing an already-freed (now stale) handle must be a no-op, not a
	// panic or double-free.
	a.FreeMemory(h)
}

func TestAllocatorStaleHandleAfterReuse(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)

	h1, err := a.AllocateMemory(0, 256, 16, UsageGPUOnly, AllocationOptions{}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	a.FreeMemory(h1)

	h2, err := a.AllocateMemory(0, 256, 16, UsageGPUOnly, AllocationOptions{}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}

	if a.GetAllocationInfo(h1) != nil {
		t.Error("stale handle h1 should not resolve even if its slot was reused")
	}
	if a.GetAllocationInfo(h2) == nil {
		t.Error("h2 should resolve")
	}
}

func TestAllocatorRejectsInvalidOptionCombinations(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)

	_, err := a.AllocateMemory(0, 256, 16, UsageGPUOnly, AllocationOptions{DedicatedMemory: true, NeverAllocate: true}, SuballocationBuffer)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestAllocatorFallsBackToDedicatedWhenBlockListFails(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)
	// Force the default BlockList to be unable to grow so AllocateMemory
	// must fall back to a dedicated allocation instead.
	a.defaultLists[0].cfg.MaxBlockCount = 0

	h, err := a.AllocateMemory(0, 256, 16, UsageGPUOnly, AllocationOptions{}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	info := a.GetAllocationInfo(h)
	if !info.IsDedicated() {
		t.Error("allocation should have fallen back to dedicated")
	}
}

func TestAllocatorNeverAllocateDoesNotFallBack(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)
	a.defaultLists[0].cfg.MaxBlockCount = 0

	_, err := a.AllocateMemory(0, 256, 16, UsageGPUOnly, AllocationOptions{NeverAllocate: true}, SuballocationBuffer)
	if !errors.Is(err, ErrOutOfDeviceMemory) {
		t.Errorf("err = %v, want ErrOutOfDeviceMemory", err)
	}
}

func TestAllocatorCreateBufferRollsBackOnAllocationFailure(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)
	dev.failAllocate = true
	a.defaultLists[0].cfg.MaxBlockCount = 0 // forces dedicated path, which then fails too

	_, _, err := a.CreateBuffer(driver.BufferCreateInfo{Size: 1024}, UsageGPUOnly, AllocationOptions{})
	if err == nil {
		t.Fatal("CreateBuffer should fail when the driver is out of memory")
	}
	if len(dev.buffers) != 0 {
		t.Error("CreateBuffer should have destroyed the buffer after the allocation failed")
	}
}

func TestAllocatorCreateBufferAndDestroy(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)

	buf, h, err := a.CreateBuffer(driver.BufferCreateInfo{Size: 1024}, UsageGPUOnly, AllocationOptions{})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if len(dev.buffers) != 1 {
		t.Fatalf("expected one live buffer, got %d", len(dev.buffers))
	}

	a.DestroyBuffer(buf, h)
	if len(dev.buffers) != 0 {
		t.Error("DestroyBuffer should have destroyed the underlying buffer")
	}
	if a.GetAllocationInfo(h) != nil {
		t.Error("DestroyBuffer should have freed the allocation")
	}
}

func TestAllocatorCreatePoolAndDestroy(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)

	p, err := a.CreatePool(PoolCreateInfo{MemoryTypeIndex: 0, BlockSize: 4096, MaxBlockCount: 4})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	alloc, err := p.Allocate(256, 16, AllocationOptions{Pool: p}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("pool Allocate: %v", err)
	}

	if err := a.DestroyPool(p); !errors.Is(err, ErrPoolNotEmpty) {
		t.Errorf("DestroyPool with live allocations: err = %v, want ErrPoolNotEmpty", err)
	}

	p.blockList.Free(alloc)
	if err := a.DestroyPool(p); err != nil {
		t.Errorf("DestroyPool after freeing: %v", err)
	}
}

func TestAllocatorDisposeRefusesWithOutstandingAllocations(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)

	h, err := a.AllocateMemory(0, 256, 16, UsageGPUOnly, AllocationOptions{}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}

	if err := a.Dispose(); !errors.Is(err, ErrAllocatorNotEmpty) {
		t.Errorf("Dispose with outstanding allocation: err = %v, want ErrAllocatorNotEmpty", err)
	}

	a.FreeMemory(h)
	if err := a.Dispose(); err != nil {
		t.Errorf("Dispose after freeing everything: %v", err)
	}
}

func TestAllocatorMakeAllocationsLost(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	a := newTestAllocator(t, dev)

	h, err := a.AllocateMemory(0, 256, 16, UsageGPUOnly, AllocationOptions{CanBecomeLost: true}, SuballocationBuffer)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}

	a.SetCurrentFrameIndex(100)
	n := a.MakeAllocationsLost()
	if n != 1 {
		t.Errorf("MakeAllocationsLost = %d, want 1", n)
	}

	info := a.GetAllocationInfo(h)
	if info == nil || !info.IsLost() {
		t.Error("allocation should be marked lost")
	}
}
