// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"fmt"
	"sync"

	"github.com/gogpu/vma/driver"
)

// MemoryBlock pairs one device memory handle with its metadata, a
// map-reference counter, and the exclusive lock that serializes map/unmap/
// bind against each other, per spec.md §4.2.
type MemoryBlock struct {
	memory          driver.DeviceMemory
	size            uint64
	memoryTypeIndex uint32

	mu           sync.Mutex
	meta         *BlockMetadata
	mapRefCount  int32
	mappedPtr    uintptr
}

func newMemoryBlock(memory driver.DeviceMemory, size uint64, memoryTypeIndex uint32, granularity uint64) *MemoryBlock {
	return &MemoryBlock{
		memory:          memory,
		size:            size,
		memoryTypeIndex: memoryTypeIndex,
		meta:            NewBlockMetadata(size, granularity),
	}
}

// Map ensures the block's entire device memory is mapped and returns the
// base pointer, adding n to the block-level reference count. n == 0 is a
// no-op that just returns the current pointer (or 0 if unmapped).
func (b *MemoryBlock) Map(dev driver.Device, n int32) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n == 0 {
		return b.mappedPtr, nil
	}

	if b.mapRefCount == 0 {
		ptr, result := dev.MapMemory(b.memory, 0, b.size)
		if result != driver.Success {
			return 0, fmt.Errorf("%w: driver returned %d", ErrMapFailure, result)
		}
		b.mappedPtr = ptr
	}

	b.mapRefCount += n
	return b.mappedPtr, nil
}

// Unmap releases n block-level map references, unmapping the device
// memory once the count returns to zero. Underflowing below zero is a
// fatal misuse per spec.md §4.2.
func (b *MemoryBlock) Unmap(dev driver.Device, n int32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mapRefCount < n {
		panic(fmt.Sprintf("vma: block Unmap(%d) underflows mapRefCount=%d", n, b.mapRefCount))
	}
	b.mapRefCount -= n
	if b.mapRefCount == 0 {
		dev.UnmapMemory(b.memory)
		b.mappedPtr = 0
	}
}

// BindBuffer computes the absolute offset (alloc.Offset() + localOffset)
// and binds buf to this block's memory there, under the block lock so it
// serializes with a concurrent remap.
func (b *MemoryBlock) BindBuffer(dev driver.Device, alloc *Allocation, localOffset uint64, buf driver.Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := dev.BindBufferMemory(buf, b.memory, alloc.Offset()+localOffset)
	if result != driver.Success {
		return fmt.Errorf("%w: vkBindBufferMemory returned %d", ErrDriverError, result)
	}
	return nil
}

// BindImage is the image analogue of BindBuffer.
func (b *MemoryBlock) BindImage(dev driver.Device, alloc *Allocation, localOffset uint64, img driver.Image) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := dev.BindImageMemory(img, b.memory, alloc.Offset()+localOffset)
	if result != driver.Success {
		return fmt.Errorf("%w: vkBindImageMemory returned %d", ErrDriverError, result)
	}
	return nil
}
