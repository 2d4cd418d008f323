// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/vma/driver"
)

// heapBudget tracks one heap's committed block bytes, in-use allocation
// bytes, and the last fetched usage/budget snapshot, per spec.md §3.
// Counters are updated with atomic add, so the allocate/free accounting
// never takes mu. mu is the RW lock guarding the snapshot: Get (and so
// WithinBudget) takes it for reading, maybeRefresh for writing.
type heapBudget struct {
	blockBytes atomic.Int64
	allocBytes atomic.Int64
	opsSinceFetch atomic.Uint64

	mu          sync.RWMutex
	usageBytes  uint64
	budgetBytes uint64
	heapSize    uint64
}

// Budget is the caller-visible snapshot of one heap's usage.
type Budget struct {
	BlockBytes  uint64
	AllocBytes  uint64
	UsageBytes  uint64
	BudgetBytes uint64
}

// budgetTracker owns one heapBudget per Vulkan memory heap.
type budgetTracker struct {
	heaps            []*heapBudget
	extMemoryBudget  bool
	dev              driver.Device
}

func newBudgetTracker(dev driver.Device, heapSizes []uint64, extMemoryBudget bool) *budgetTracker {
	t := &budgetTracker{dev: dev, extMemoryBudget: extMemoryBudget}
	t.heaps = make([]*heapBudget, len(heapSizes))
	for i, sz := range heapSizes {
		hb := &heapBudget{heapSize: sz}
		hb.budgetBytes = uint64(float64(sz) * BudgetFallbackFraction)
		t.heaps[i] = hb
	}
	return t
}

func (t *budgetTracker) addBlockBytes(heapIndex uint32, delta int64) {
	t.heaps[heapIndex].blockBytes.Add(delta)
}

func (t *budgetTracker) addAllocBytes(heapIndex uint32, delta int64) {
	hb := t.heaps[heapIndex]
	hb.allocBytes.Add(delta)
	hb.opsSinceFetch.Add(1)
}

// Get returns heapIndex's current snapshot, refreshing it first if the
// extension is enabled and enough operations have elapsed since the last
// fetch (spec.md §6: refresh cadence is >=30 ops).
func (t *budgetTracker) Get(heapIndex uint32) Budget {
	hb := t.heaps[heapIndex]
	t.maybeRefresh(heapIndex)

	hb.mu.RLock()
	defer hb.mu.RUnlock()
	return Budget{
		BlockBytes:  uint64(hb.blockBytes.Load()),
		AllocBytes:  uint64(hb.allocBytes.Load()),
		UsageBytes:  hb.usageBytes,
		BudgetBytes: hb.budgetBytes,
	}
}

// WithinBudget reports whether adding extraBytes of block allocation to
// heapIndex would stay within its budget.
func (t *budgetTracker) WithinBudget(heapIndex uint32, extraBytes uint64) bool {
	b := t.Get(heapIndex)
	return b.BlockBytes+extraBytes <= b.BudgetBytes
}

func (t *budgetTracker) maybeRefresh(heapIndex uint32) {
	if !t.extMemoryBudget {
		return
	}
	hb := t.heaps[heapIndex]
	if hb.opsSinceFetch.Load() < BudgetRefreshOpThreshold {
		return
	}

	props := t.dev.GetPhysicalDeviceMemoryProperties()
	if int(heapIndex) >= len(props.HeapBudget) {
		return
	}

	hb.mu.Lock()
	hb.usageBytes = props.HeapUsage[heapIndex]
	hb.budgetBytes = props.HeapBudget[heapIndex]
	hb.mu.Unlock()
	hb.opsSinceFetch.Store(0)
}
