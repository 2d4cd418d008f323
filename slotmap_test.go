// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import "testing"

func TestSlotMapInsertGetRemove(t *testing.T) {
	s := newSlotMap()
	a := &Allocation{size: 1}

	h := s.Insert(a)
	if !h.IsValid() {
		t.Fatal("handle from Insert should be valid")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	if got := s.Get(h); got != a {
		t.Errorf("Get returned %v, want %v", got, a)
	}

	removed := s.Remove(h)
	if removed != a {
		t.Errorf("Remove returned %v, want %v", removed, a)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0 after Remove", s.Len())
	}
	if s.Get(h) != nil {
		t.Error("Get should return nil after Remove")
	}
}

func TestSlotMapStaleHandleAfterReuse(t *testing.T) {
	s := newSlotMap()
	a1 := &Allocation{size: 1}
	a2 := &Allocation{size: 2}

	h1 := s.Insert(a1)
	s.Remove(h1)
	h2 := s.Insert(a2)

	if h1.index != h2.index {
		t.Fatalf("expected h2 to reuse h1's slot index; h1.index=%d h2.index=%d", h1.index, h2.index)
	}
	if h1.generation == h2.generation {
		t.Error("reused slot should have a bumped generation")
	}
	if s.Get(h1) != nil {
		t.Error("stale handle h1 should not resolve to the reused slot")
	}
	if s.Get(h2) != a2 {
		t.Error("h2 should resolve to a2")
	}
}

func TestSlotMapRemoveUnknownHandleIsNoop(t *testing.T) {
	s := newSlotMap()
	if got := s.Remove(AllocationHandle{index: 5, generation: 1}); got != nil {
		t.Errorf("Remove on an unknown handle returned %v, want nil", got)
	}
	if got := s.Get(AllocationHandle{index: 5, generation: 1}); got != nil {
		t.Errorf("Get on an unknown handle returned %v, want nil", got)
	}
}

func TestSlotMapInvalidHandleIsInvalid(t *testing.T) {
	if InvalidAllocationHandle.IsValid() {
		t.Error("InvalidAllocationHandle should never be valid")
	}
}
