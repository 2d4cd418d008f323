// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

// isPowerOfTwo reports whether n is a power of two. Zero is not.
func isPowerOfTwo(n uint64) bool {
	return n > 0 && n&(n-1) == 0
}

// alignUp rounds v up to the next multiple of a, where a must be a power
// of two. alignUp(v, a) == v when v is already aligned.
func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// alignDown rounds v down to the previous multiple of a power-of-two a.
func alignDown(v, a uint64) uint64 {
	return v &^ (a - 1)
}

// blocksOnSamePage reports whether the byte ranges [aOffset, aOffset+aSize)
// and [bOffset, ...) share a page of the given page size, per spec.md
// §4.1: "blocks on same page" means the last byte of a and the first byte
// of b fall in the same pageSize-aligned page.
func blocksOnSamePage(aOffset, aSize, bOffset, pageSize uint64) bool {
	if pageSize == 0 {
		return false
	}
	aEndPage := alignDown(aOffset+aSize-1, pageSize)
	bStartPage := alignDown(bOffset, pageSize)
	return aEndPage == bStartPage
}
