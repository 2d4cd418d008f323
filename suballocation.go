// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

// suballocNode is one entry of a block's intrusive doubly-linked
// suballocation list. Nodes live in a slot-allocated slice so a node index
// is a stable handle (used as Request.item) until the next mutation of the
// owning BlockMetadata, matching spec.md §9's recommendation to avoid a
// hash map for this list.
type suballocNode struct {
	offset uint64
	size   uint64
	sType  SuballocationType
	alloc  *Allocation // non-nil iff sType != SuballocationFree

	prev, next int32 // index into BlockMetadata.nodes, -1 for none
}

const nilNode int32 = -1

func (n *suballocNode) isFree() bool { return n.sType == SuballocationFree }
