// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import "testing"

func TestIsPowerOfTwo(t *testing.T) {
	cases := map[uint64]bool{0: false, 1: true, 2: true, 3: false, 4: true, 1024: true, 1023: false}
	for n, want := range cases {
		if got := isPowerOfTwo(n); got != want {
			t.Errorf("isPowerOfTwo(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		v, a, want uint64
	}{
		{0, 256, 0},
		{1, 256, 256},
		{256, 256, 256},
		{257, 256, 512},
		{1000, 16, 1008},
	}
	for _, tc := range tests {
		if got := alignUp(tc.v, tc.a); got != tc.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", tc.v, tc.a, got, tc.want)
		}
	}
}

func TestAlignDown(t *testing.T) {
	tests := []struct {
		v, a, want uint64
	}{
		{0, 256, 0},
		{255, 256, 0},
		{256, 256, 256},
		{300, 256, 256},
	}
	for _, tc := range tests {
		if got := alignDown(tc.v, tc.a); got != tc.want {
			t.Errorf("alignDown(%d, %d) = %d, want %d", tc.v, tc.a, got, tc.want)
		}
	}
}

func TestBlocksOnSamePage(t *testing.T) {
	const page = 256

	if !blocksOnSamePage(0, 100, 150, page) {
		t.Error("a range ending at 100 and one starting at 150 within one page should share it")
	}
	if blocksOnSamePage(0, 256, 256, page) {
		t.Error("adjacent ranges starting exactly at the next page boundary should not share a page")
	}
	if !blocksOnSamePage(0, 257, 256, page) {
		t.Error("a range spilling one byte into the next page should share that page with something starting there")
	}
}
