// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package vma implements a GPU device memory suballocator modeled on the
// segregated free-list design used by production Vulkan memory
// allocators: it carves large device memory blocks into smaller
// suballocations so callers don't pay the cost (and the driver's limited
// allocation count) of one vkAllocateMemory call per resource.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│                      Allocator                          │
//	│  (memory-type selection, budget, pools, dedicated set)  │
//	├─────────────────────────────────────────────────────────┤
//	│   BlockList            │   BlockList (user Pool)         │
//	│  (one per memory type) │  (one per user-created Pool)    │
//	├─────────────────────────────────────────────────────────┤
//	│                     MemoryBlock                         │
//	│        (one VkDeviceMemory, map refcount, bind)         │
//	├─────────────────────────────────────────────────────────┤
//	│                    BlockMetadata                        │
//	│   (intrusive suballocation list, sorted free index)     │
//	├─────────────────────────────────────────────────────────┤
//	│                    driver.Device                        │
//	│  (vkAllocateMemory, vkBindBufferMemory, vkWaitForFences) │
//	└─────────────────────────────────────────────────────────┘
//
// # Suballocation
//
// BlockMetadata tracks one block's layout as a doubly-linked, offset-
// ordered sequence of suballocations plus a size-sorted index of the Free
// ones, giving BestFit a binary search instead of a linear scan. Adjacent
// Free suballocations are always merged, so the list never contains two
// consecutive Free nodes.
//
// # Lost allocations
//
// An Allocation created with CanBecomeLost may be evicted by a later,
// conflicting request from an allocation with CanMakeOtherLost if it has
// gone untouched for at least the FrameInUseCount frames of its pool or
// Allocator. Eviction races are resolved with a compare-and-swap on the
// allocation's last-use frame index: of a concurrent Touch and a racing
// eviction attempt, whichever swaps first wins and the other fails.
//
// # Thread safety
//
// Allocator, BlockList, MemoryBlock, and Pool are all safe for concurrent
// use by default. Locks are acquired in a fixed order — Allocator, then
// BlockList, then MemoryBlock — to avoid deadlock between a caller
// allocating and another caller freeing concurrently. The
// ExternallySynchronized option is recorded but does not change this: the
// locks are taken either way.
package vma
