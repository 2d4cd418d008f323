// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import "sort"

// RequestContext describes one allocation attempt against a single block's
// metadata, matching the ctx parameter of spec.md §4.1's
// try_create_request.
type RequestContext struct {
	Size             uint64
	Alignment        uint64
	SuballocType     SuballocationType
	Strategy         AllocationStrategy
	CanMakeOtherLost bool
	CurrentFrame     int64
	FrameInUseCount  int64
}

// Request is a candidate placement returned by TryCreateRequest. It must
// be committed via Alloc (or MakeRequestedLost first, if
// ItemsToMakeLostCount > 0) with no intervening mutation of the owning
// BlockMetadata, per spec.md §4.1's precondition.
type Request struct {
	item                 int32
	offset               uint64
	sumFreeSize          uint64
	sumItemSize          uint64
	itemsToMakeLostCount int
}

func (r Request) Offset() uint64               { return r.offset }
func (r Request) SumItemSize() uint64           { return r.sumItemSize }
func (r Request) ItemsToMakeLostCount() int     { return r.itemsToMakeLostCount }

// BlockMetadata tracks the free/used layout of one device memory block: a
// doubly-linked ordered sequence of suballocations (ascending by offset)
// plus an ascending-by-size index of the Free ones large enough to
// register, per spec.md §4.1.
type BlockMetadata struct {
	blockSize   uint64
	granularity uint64

	nodes     []suballocNode
	freeSlots []int32 // recycled node indices available for reuse
	head      int32
	tail      int32

	// byOffset lets Free locate the owning node in O(1) given only the
	// offset an Allocation remembers, avoiding the cyclic
	// allocation<->metadata references spec.md §9 flags as worth removing.
	byOffset map[uint64]int32

	// freeIndex holds node indices of Free suballocations whose size is at
	// least MinFreeSuballocationSizeToRegister, kept sorted ascending by
	// size to support the leftmost binary search BestFit needs.
	freeIndex []int32

	sumFreeSize     uint64
	allocationCount int
}

// NewBlockMetadata creates the metadata for a freshly allocated block: one
// Free suballocation spanning the whole block.
func NewBlockMetadata(blockSize, granularity uint64) *BlockMetadata {
	m := &BlockMetadata{
		blockSize:   blockSize,
		granularity: granularity,
		byOffset:    make(map[uint64]int32, 16),
	}
	root := m.newNode(0, blockSize, SuballocationFree, nil)
	m.head, m.tail = root, root
	m.byOffset[0] = root
	m.sumFreeSize = blockSize
	m.registerFree(root)
	return m
}

func (m *BlockMetadata) newNode(offset, size uint64, sType SuballocationType, alloc *Allocation) int32 {
	n := suballocNode{offset: offset, size: size, sType: sType, alloc: alloc, prev: nilNode, next: nilNode}
	if k := len(m.freeSlots); k > 0 {
		idx := m.freeSlots[k-1]
		m.freeSlots = m.freeSlots[:k-1]
		m.nodes[idx] = n
		return idx
	}
	m.nodes = append(m.nodes, n)
	return int32(len(m.nodes) - 1)
}

func (m *BlockMetadata) releaseNode(idx int32) {
	m.nodes[idx] = suballocNode{}
	m.freeSlots = append(m.freeSlots, idx)
}

// Stats accessors.

func (m *BlockMetadata) SumFreeSize() uint64    { return m.sumFreeSize }
func (m *BlockMetadata) AllocationCount() int   { return m.allocationCount }
func (m *BlockMetadata) IsEmpty() bool          { return m.allocationCount == 0 }
func (m *BlockMetadata) BlockSize() uint64      { return m.blockSize }

// UnusedRangeSizeMax returns the size of the largest Free suballocation.
func (m *BlockMetadata) UnusedRangeSizeMax() uint64 {
	var max uint64
	for cur := m.head; cur != nilNode; cur = m.nodes[cur].next {
		if n := m.nodes[cur]; n.isFree() && n.size > max {
			max = n.size
		}
	}
	return max
}

// --- free-size index -------------------------------------------------

func (m *BlockMetadata) registerFree(idx int32) {
	size := m.nodes[idx].size
	if size < MinFreeSuballocationSizeToRegister {
		return
	}
	i := sort.Search(len(m.freeIndex), func(i int) bool {
		return m.nodes[m.freeIndex[i]].size >= size
	})
	m.freeIndex = append(m.freeIndex, 0)
	copy(m.freeIndex[i+1:], m.freeIndex[i:])
	m.freeIndex[i] = idx
}

func (m *BlockMetadata) unregisterFree(idx int32) {
	size := m.nodes[idx].size
	if size < MinFreeSuballocationSizeToRegister {
		return
	}
	lo := sort.Search(len(m.freeIndex), func(i int) bool {
		return m.nodes[m.freeIndex[i]].size >= size
	})
	for i := lo; i < len(m.freeIndex); i++ {
		if m.freeIndex[i] == idx {
			m.freeIndex = append(m.freeIndex[:i], m.freeIndex[i+1:]...)
			return
		}
		if m.nodes[m.freeIndex[i]].size != size {
			break
		}
	}
}

// --- linked-list surgery ----------------------------------------------

// splitAt carves [off, off+size) out of the Free node idx (which must
// fully contain that range), leaving up to two smaller Free nodes (leading
// and trailing padding) linked in its place, and returns the node now
// covering exactly [off, off+size) with sType assigned.
func (m *BlockMetadata) splitAt(idx int32, off, size uint64, sType SuballocationType, alloc *Allocation) int32 {
	n := m.nodes[idx]
	m.unregisterFree(idx)
	delete(m.byOffset, n.offset)

	lead := off - n.offset
	trail := (n.offset + n.size) - (off + size)

	prev, next := n.prev, n.next

	cur := idx
	m.nodes[cur] = suballocNode{offset: off, size: size, sType: sType, alloc: alloc, prev: prev, next: next}
	m.byOffset[off] = cur

	if lead > 0 {
		leadIdx := m.newNode(n.offset, lead, SuballocationFree, nil)
		m.byOffset[n.offset] = leadIdx
		if prev != nilNode {
			m.nodes[prev].next = leadIdx
		} else {
			m.head = leadIdx
		}
		m.nodes[leadIdx].prev = prev
		m.nodes[leadIdx].next = cur
		m.nodes[cur].prev = leadIdx
		m.registerFree(leadIdx)
	} else if prev != nilNode {
		m.nodes[prev].next = cur
	} else {
		m.head = cur
	}

	if trail > 0 {
		trailOff := off + size
		trailIdx := m.newNode(trailOff, trail, SuballocationFree, nil)
		m.byOffset[trailOff] = trailIdx
		if next != nilNode {
			m.nodes[next].prev = trailIdx
		} else {
			m.tail = trailIdx
		}
		m.nodes[trailIdx].next = next
		m.nodes[trailIdx].prev = cur
		m.nodes[cur].next = trailIdx
		m.registerFree(trailIdx)
	} else if next != nilNode {
		m.nodes[next].prev = cur
	} else {
		m.tail = cur
	}

	return cur
}

// mergeFree merges idx (which must be Free) with an adjacent Free
// neighbor, at most once in each direction, maintaining the invariant
// that no two consecutive suballocations are both Free.
func (m *BlockMetadata) mergeFree(idx int32) int32 {
	if prev := m.nodes[idx].prev; prev != nilNode && m.nodes[prev].isFree() {
		idx = m.absorbNext(prev)
	}
	if next := m.nodes[idx].next; next != nilNode && m.nodes[next].isFree() {
		idx = m.absorbNext(idx)
	}
	return idx
}

// absorbNext merges node `next(idx)` into idx, both already known Free.
func (m *BlockMetadata) absorbNext(idx int32) int32 {
	nxt := m.nodes[idx].next
	m.unregisterFree(idx)
	m.unregisterFree(nxt)
	delete(m.byOffset, m.nodes[nxt].offset)

	m.nodes[idx].size += m.nodes[nxt].size
	m.nodes[idx].next = m.nodes[nxt].next
	if m.nodes[nxt].next != nilNode {
		m.nodes[m.nodes[nxt].next].prev = idx
	} else {
		m.tail = idx
	}
	m.releaseNode(nxt)
	m.registerFree(idx)
	return idx
}

// --- placement ----------------------------------------------------------

// placement is the outcome of checking whether a candidate starting node
// can host a request.
type placement struct {
	ok                   bool
	offset               uint64
	sumFreeSize          uint64
	sumItemSize          uint64
	itemsToMakeLostCount int
}

// checkPlacement evaluates placing [size] bytes aligned to alignment
// starting from candidate node idx, per spec.md §4.1's per-candidate
// placement check: backward/forward buffer-image granularity conflicts,
// and (when canMakeOtherLost) spanning lost-eligible occupied neighbors.
func (m *BlockMetadata) checkPlacement(idx int32, ctx RequestContext) placement {
	n := m.nodes[idx]
	offset := alignUp(n.offset, ctx.Alignment)

	if m.granularity > 1 {
		// Walk backward over prior suballocations while they still share
		// the candidate's granularity page: bumping offset past one
		// conflicting neighbor can land it on the page of the neighbor
		// before that, so each bump must be re-checked against the next
		// predecessor rather than stopping after a single neighbor.
		for prev := n.prev; prev != nilNode; prev = m.nodes[prev].prev {
			pn := m.nodes[prev]
			if !blocksOnSamePage(pn.offset, pn.size, offset, m.granularity) {
				break
			}
			if granularityConflicts(pn.sType, ctx.SuballocType) {
				offset = alignUp(pn.offset+pn.size, m.granularity)
			}
		}
	}

	if offset+ctx.Size > m.blockSize {
		return placement{}
	}

	var sumFree, sumItem uint64
	var itemsLost int

	// Walk forward from idx accumulating enough suballocations to cover
	// [offset, offset+size). Each must be Free, or (if canMakeOtherLost) a
	// stale lost-eligible occupant.
	end := offset + ctx.Size
	cur := idx
	// If alignment pushed offset past the start of n, and n doesn't reach
	// offset, walk forward to find the node actually containing offset.
	for cur != nilNode && m.nodes[cur].offset+m.nodes[cur].size <= offset {
		cur = m.nodes[cur].next
	}
	if cur == nilNode {
		return placement{}
	}

	for cur != nilNode && m.nodes[cur].offset < end {
		c := m.nodes[cur]
		if c.isFree() {
			sumFree += c.size
		} else {
			if !ctx.CanMakeOtherLost {
				return placement{}
			}
			if _, stale := c.alloc.isStale(ctx.CurrentFrame, ctx.FrameInUseCount); !stale {
				return placement{}
			}
			sumItem += c.size
			itemsLost++
		}
		cur = m.nodes[cur].next
	}

	// Forward granularity conflict: further neighbors that merely share a
	// page with our range, without overlapping it in bytes, still
	// conflict if their suballocation type is incompatible.
	if m.granularity > 1 {
		for cur != nilNode {
			c := m.nodes[cur]
			if !blocksOnSamePage(offset, ctx.Size, c.offset, m.granularity) {
				break
			}
			if !c.isFree() && granularityConflicts(c.sType, ctx.SuballocType) {
				if !ctx.CanMakeOtherLost {
					return placement{}
				}
				if _, stale := c.alloc.isStale(ctx.CurrentFrame, ctx.FrameInUseCount); !stale {
					return placement{}
				}
				itemsLost++
			}
			cur = m.nodes[cur].next
		}
	}

	return placement{ok: true, offset: offset, sumFreeSize: sumFree, sumItemSize: sumItem, itemsToMakeLostCount: itemsLost}
}

// TryCreateRequest determines whether ctx's request fits somewhere in this
// block without mutating any state, returning the winning candidate.
func (m *BlockMetadata) TryCreateRequest(ctx RequestContext) (Request, bool) {
	if !ctx.CanMakeOtherLost && m.sumFreeSize < ctx.Size {
		return Request{}, false
	}

	var best *placement
	var bestItem int32

	// Candidates below are visited in strategy-defined order (smallest
	// free range first for BestFit, largest first otherwise); the first
	// one that fits wins, so consider only needs to record it once.
	consider := func(idx int32) {
		if best != nil {
			return
		}
		p := m.checkPlacement(idx, ctx)
		if !p.ok {
			return
		}
		best = &p
		bestItem = idx
	}

	switch ctx.Strategy {
	case StrategyBestFit:
		lo := sort.Search(len(m.freeIndex), func(i int) bool {
			return m.nodes[m.freeIndex[i]].size >= ctx.Size
		})
		for i := lo; i < len(m.freeIndex) && best == nil; i++ {
			consider(m.freeIndex[i])
		}
	case strategyMinOffset:
		for cur := m.head; cur != nilNode && best == nil; cur = m.nodes[cur].next {
			if m.nodes[cur].isFree() {
				consider(cur)
			}
		}
	default: // StrategyFirstFit, StrategyWorstFit
		for i := len(m.freeIndex) - 1; i >= 0 && best == nil; i-- {
			consider(m.freeIndex[i])
		}
	}

	if ctx.CanMakeOtherLost {
		// Additionally scan every suballocation in offset order, keeping
		// the minimum-cost candidate (or the first success for FirstFit).
		for cur := m.head; cur != nilNode; cur = m.nodes[cur].next {
			p := m.checkPlacement(cur, ctx)
			if !p.ok {
				continue
			}
			cost := p.sumItemSize + uint64(p.itemsToMakeLostCount)*LostAllocationCost
			if best == nil {
				best = &p
				bestItem = cur
				continue
			}
			if ctx.Strategy == StrategyFirstFit {
				continue
			}
			bestCost := best.sumItemSize + uint64(best.itemsToMakeLostCount)*LostAllocationCost
			if cost < bestCost {
				best = &p
				bestItem = cur
			}
		}
	}

	if best == nil {
		return Request{}, false
	}

	return Request{
		item:                 bestItem,
		offset:               best.offset,
		sumFreeSize:          best.sumFreeSize,
		sumItemSize:          best.sumItemSize,
		itemsToMakeLostCount: best.itemsToMakeLostCount,
	}, true
}

// MakeRequestedLost walks forward from req.item evicting the
// itemsToMakeLostCount occupants the earlier TryCreateRequest counted as
// stale, failing if any of them was touched since. Call this before Alloc
// whenever req.ItemsToMakeLostCount() > 0.
func (m *BlockMetadata) MakeRequestedLost(req Request, currentFrame, frameInUseCount int64) bool {
	if req.itemsToMakeLostCount == 0 {
		return true
	}
	remaining := req.itemsToMakeLostCount

	cur := req.item
	for cur != nilNode && remaining > 0 {
		n := m.nodes[cur]
		if !n.isFree() {
			observed, stale := n.alloc.isStale(currentFrame, frameInUseCount)
			if !stale {
				return false
			}
			if !n.alloc.tryMakeLost(observed) {
				return false
			}
			remaining--
		}
		cur = m.nodes[cur].next
	}
	if remaining > 0 {
		return false
	}

	cur = req.item
	for cur != nilNode {
		n := m.nodes[cur]
		next := n.next
		if n.isFree() {
			cur = next
			continue
		}
		if n.alloc.IsLost() {
			m.freeNode(cur)
		}
		cur = next
	}
	return true
}

// Alloc commits a previously returned Request: splitting the target Free
// suballocation into up to three pieces (leading padding, used, trailing
// padding) and re-indexing the Free pieces.
func (m *BlockMetadata) Alloc(req Request, sType SuballocationType, alloc *Allocation) {
	used := m.splitAt(req.item, req.offset, alloc.size, sType, alloc)
	_ = used
	alloc.offset = req.offset

	m.sumFreeSize -= alloc.size
	m.allocationCount++
}

// Free flips the suballocation backing alloc to Free and merges with
// adjacent Free neighbors.
func (m *BlockMetadata) Free(alloc *Allocation) {
	m.FreeAtOffset(alloc.Offset())
}

// FreeAtOffset is Free's by-offset form, used when only the offset (not
// the Allocation) is known.
func (m *BlockMetadata) FreeAtOffset(offset uint64) {
	idx, ok := m.byOffset[offset]
	if !ok {
		return
	}
	n := m.nodes[idx]
	if n.isFree() {
		return
	}

	m.sumFreeSize += n.size
	m.allocationCount--

	m.nodes[idx].sType = SuballocationFree
	m.nodes[idx].alloc = nil
	m.registerFree(idx)
	m.mergeFree(idx)
}

// freeNode is the internal counterpart of FreeAtOffset used while
// evicting lost allocations discovered mid-scan (the node's offset key is
// still whatever it was assigned at Alloc time).
func (m *BlockMetadata) freeNode(idx int32) {
	n := m.nodes[idx]
	m.sumFreeSize += n.size
	m.allocationCount--
	m.nodes[idx].sType = SuballocationFree
	m.nodes[idx].alloc = nil
	m.registerFree(idx)
	m.mergeFree(idx)
}

// MakeAllocationsLost scans every non-Free suballocation and frees those
// whose allocation is lost-eligible and has gone unused for at least
// frameInUseCount frames, returning the count reclaimed. Idempotent within
// a frame: a second call with the same currentFrame reclaims nothing new.
func (m *BlockMetadata) MakeAllocationsLost(currentFrame, frameInUseCount int64) int {
	count := 0
	cur := m.head
	for cur != nilNode {
		n := m.nodes[cur]
		next := n.next
		if !n.isFree() {
			if observed, stale := n.alloc.isStale(currentFrame, frameInUseCount); stale {
				if n.alloc.tryMakeLost(observed) {
					m.freeNode(cur)
					count++
				}
			}
		}
		cur = next
	}
	return count
}

// Validate confirms the invariants spec.md §3 and §8 name. It is only
// intended for debug builds / tests, never the hot allocate/free path.
func (m *BlockMetadata) Validate(blockName string) error {
	var offset uint64
	var sumFree uint64
	var allocCount int
	prevFree := false
	seen := 0

	for cur := m.head; cur != nilNode; cur = m.nodes[cur].next {
		n := m.nodes[cur]
		seen++
		if n.offset != offset {
			return newValidationError(blockName, "gap or overlap in suballocation sequence")
		}
		if n.isFree() {
			if prevFree {
				return newValidationError(blockName, "two adjacent Free suballocations")
			}
			sumFree += n.size
			if n.alloc != nil {
				return newValidationError(blockName, "Free suballocation has a non-nil allocation back-pointer")
			}
		} else {
			allocCount++
			if n.alloc == nil {
				return newValidationError(blockName, "non-Free suballocation has a nil allocation back-pointer")
			}
		}
		prevFree = n.isFree()
		offset += n.size
	}

	if offset != m.blockSize {
		return newValidationError(blockName, "suballocations do not partition the full block size")
	}
	if sumFree != m.sumFreeSize {
		return newValidationError(blockName, "sumFreeSize accounting mismatch")
	}
	if allocCount != m.allocationCount {
		return newValidationError(blockName, "allocationCount accounting mismatch")
	}

	prevSize := uint64(0)
	for i, idx := range m.freeIndex {
		n := m.nodes[idx]
		if !n.isFree() {
			return newValidationError(blockName, "freeIndex references a non-Free node")
		}
		if n.size < MinFreeSuballocationSizeToRegister {
			return newValidationError(blockName, "freeIndex contains an undersized entry")
		}
		if i > 0 && n.size < prevSize {
			return newValidationError(blockName, "freeIndex is not sorted ascending by size")
		}
		prevSize = n.size
	}

	return nil
}
