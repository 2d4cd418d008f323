// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/vma/driver"
)

// AllocationKind distinguishes the two Allocation variants named in
// spec.md §3: an allocation suballocated from a shared block, or one that
// owns an entire device memory allocation of its own. Modeled as a tagged
// union (a Kind discriminant plus both variants' fields) rather than an
// interface, per spec.md §9's design note.
type AllocationKind int

const (
	AllocationBlock AllocationKind = iota
	AllocationDedicated
)

// mapCountPersistent is the sentinel mapCount value meaning "persistently
// mapped", which acts as one extra reference per spec.md §3.
const mapCountPersistent int32 = -1

// Allocation is the client-visible handle to one committed region.
type Allocation struct {
	kind AllocationKind

	size            uint64
	alignment       uint64
	memoryTypeIndex uint32
	suballocType    SuballocationType
	userData        any

	// Block-variant fields. blockList/block identify the owner for Free;
	// offset is the absolute byte offset within block.memory.
	blockList *BlockList
	block     *MemoryBlock
	offset    uint64

	// Dedicated-variant fields.
	memory driver.DeviceMemory

	canBecomeLost     bool
	lastUseFrameIndex atomic.Int64

	mu        sync.Mutex
	mapCount  int32
	mappedPtr uintptr
}

// IsDedicated reports whether this allocation owns a whole device memory
// allocation rather than a suballocated range of a shared block.
func (a *Allocation) IsDedicated() bool { return a.kind == AllocationDedicated }

// Size returns the allocation's size in bytes.
func (a *Allocation) Size() uint64 { return a.size }

// MemoryTypeIndex returns the memory type this allocation was placed in.
func (a *Allocation) MemoryTypeIndex() uint32 { return a.memoryTypeIndex }

// Offset returns the byte offset into the owning device memory: always 0
// for a dedicated allocation, per spec.md §3's invariant.
func (a *Allocation) Offset() uint64 {
	if a.kind == AllocationDedicated {
		return 0
	}
	return a.offset
}

// DeviceMemory returns the underlying device memory handle this allocation
// is bound to (the block's memory for a block allocation).
func (a *Allocation) DeviceMemory() driver.DeviceMemory {
	if a.kind == AllocationDedicated {
		return a.memory
	}
	return a.block.memory
}

// UserData returns caller-attached metadata set via SetUserData.
func (a *Allocation) UserData() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userData
}

// SetUserData attaches caller metadata to the allocation.
func (a *Allocation) SetUserData(data any) {
	a.mu.Lock()
	a.userData = data
	a.mu.Unlock()
}

// LastUseFrameIndex returns the frame this allocation was last touched in,
// or FrameIndexLost if it has been reclaimed.
func (a *Allocation) LastUseFrameIndex() int64 {
	return a.lastUseFrameIndex.Load()
}

// IsLost reports whether the allocation has been reclaimed.
func (a *Allocation) IsLost() bool {
	return a.lastUseFrameIndex.Load() == FrameIndexLost
}

// Touch records that the allocation was used in currentFrame, preventing
// it from being reclaimed as lost this frame. It races safely against a
// concurrent make-lost scan via compare-and-swap: only one of "touch" or
// "make lost" wins for any given prior value.
//
// Returns false if the allocation was already lost (a lost allocation can
// never be touched back to life).
func (a *Allocation) Touch(currentFrame int64) bool {
	if !a.canBecomeLost {
		a.lastUseFrameIndex.Store(currentFrame)
		return true
	}
	for {
		prev := a.lastUseFrameIndex.Load()
		if prev == FrameIndexLost {
			return false
		}
		if prev == currentFrame {
			return true
		}
		if a.lastUseFrameIndex.CompareAndSwap(prev, currentFrame) {
			return true
		}
	}
}

// tryMakeLost attempts to CAS the allocation from its current
// lastUseFrameIndex to FrameIndexLost. It only succeeds if the allocation
// is eligible and has not been touched since observed (the last-use frame
// the scanning caller read), so a racing Touch cannot be clobbered.
func (a *Allocation) tryMakeLost(observed int64) bool {
	if !a.canBecomeLost {
		return false
	}
	return a.lastUseFrameIndex.CompareAndSwap(observed, FrameIndexLost)
}

// isStale reports whether, as of currentFrame, the allocation has gone
// unused for at least frameInUseCount frames and is eligible to be
// reclaimed.
func (a *Allocation) isStale(currentFrame, frameInUseCount int64) (int64, bool) {
	if !a.canBecomeLost {
		return 0, false
	}
	observed := a.lastUseFrameIndex.Load()
	if observed == FrameIndexLost {
		return observed, false
	}
	return observed, currentFrame-observed >= frameInUseCount
}

// Map returns a CPU-visible pointer to the allocation's memory, mapping
// the owning block (or, for a dedicated allocation, the memory itself) on
// first use and reference-counting nested calls. n additional references
// are added; n == 0 is a no-op that just returns the current pointer.
func (a *Allocation) Map(dev driver.Device, n int32) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mapCount == mapCountPersistent {
		if a.kind == AllocationBlock {
			return a.mappedPtr + uintptr(a.offset), nil
		}
		return a.mappedPtr, nil
	}

	if n == 0 && a.mapCount == 0 {
		return 0, nil
	}

	if a.mapCount == 0 {
		var ptr uintptr
		var err error
		if a.kind == AllocationDedicated {
			ptr, err = mapDeviceMemory(dev, a.memory, 0, a.size)
		} else {
			ptr, err = a.block.Map(dev, 1)
		}
		if err != nil {
			return 0, err
		}
		a.mappedPtr = ptr
	}

	a.mapCount += n
	if a.kind == AllocationBlock {
		return a.mappedPtr + uintptr(a.offset), nil
	}
	return a.mappedPtr, nil
}

// Unmap releases n references taken by Map, unmapping the underlying
// memory once the refcount returns to zero. Unmapping more than was
// mapped is a misuse fault, matching spec.md §4.2.
func (a *Allocation) Unmap(dev driver.Device, n int32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mapCount == mapCountPersistent {
		return
	}
	if a.mapCount < n {
		panic(fmt.Sprintf("vma: Unmap(%d) underflows mapCount=%d", n, a.mapCount))
	}
	a.mapCount -= n
	if a.mapCount == 0 {
		if a.kind == AllocationDedicated {
			dev.UnmapMemory(a.memory)
		} else {
			a.block.Unmap(dev, 1)
		}
		a.mappedPtr = 0
	}
}

// mapPersistent maps the allocation once and marks it as persistently
// mapped, independent of the refcounted Map/Unmap pair: it is driven by
// AllocationOptions.Mapped at allocation time rather than by a caller's
// own Map call.
func (a *Allocation) mapPersistent(dev driver.Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mapCount == mapCountPersistent {
		return nil
	}

	var ptr uintptr
	var err error
	if a.kind == AllocationDedicated {
		ptr, err = mapDeviceMemory(dev, a.memory, 0, a.size)
	} else {
		ptr, err = a.block.Map(dev, 1)
	}
	if err != nil {
		return err
	}
	a.mappedPtr = ptr
	a.mapCount = mapCountPersistent
	return nil
}

// releaseMapping undoes a mapPersistent mapping before the allocation is
// freed. A no-op if the allocation was never persistently mapped.
func (a *Allocation) releaseMapping(dev driver.Device) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mapCount != mapCountPersistent {
		return
	}
	if a.kind == AllocationDedicated {
		dev.UnmapMemory(a.memory)
	} else {
		a.block.Unmap(dev, 1)
	}
	a.mapCount = 0
	a.mappedPtr = 0
}

func mapDeviceMemory(dev driver.Device, mem driver.DeviceMemory, offset, size uint64) (uintptr, error) {
	ptr, result := dev.MapMemory(mem, offset, size)
	if result != driver.Success {
		return 0, fmt.Errorf("%w: driver returned %d", ErrMapFailure, result)
	}
	return ptr, nil
}
