// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import "errors"

// Sentinel errors covering the taxonomy of failures this package raises.
// Callers should match with errors.Is rather than comparing error strings.
var (
	// ErrInvalidArgument indicates malformed caller input: zero size, an
	// alignment that isn't a power of two, an invalid memory type index,
	// or an incompatible combination of allocation option flags.
	ErrInvalidArgument = errors.New("vma: invalid argument")

	// ErrOutOfDeviceMemory indicates the request could not be satisfied:
	// every applicable BlockList is full, growth was denied, or the
	// relevant heap budget would be exceeded.
	ErrOutOfDeviceMemory = errors.New("vma: out of device memory")

	// ErrMapFailure indicates the underlying driver rejected a map request.
	ErrMapFailure = errors.New("vma: failed to map memory")

	// ErrFeatureNotPresent indicates no memory type satisfies the
	// requested properties.
	ErrFeatureNotPresent = errors.New("vma: no matching memory type")

	// ErrDriverError wraps an unexpected status from the underlying
	// graphics driver that isn't one of the above well-known conditions.
	ErrDriverError = errors.New("vma: driver error")

	// ErrAllocationLost names the state of an Allocation whose
	// lastUseFrameIndex has transitioned to Lost. No function in this
	// package returns it; Allocation.IsLost reports that state.
	ErrAllocationLost = errors.New("vma: allocation is lost")

	// ErrPoolNotEmpty is returned by Allocator.DestroyPool when allocations
	// drawn from the pool are still outstanding.
	ErrPoolNotEmpty = errors.New("vma: pool still has live allocations")

	// ErrAllocatorNotEmpty is returned by Allocator.Dispose when pools or
	// allocations (dedicated or block) remain.
	ErrAllocatorNotEmpty = errors.New("vma: allocator still has live pools or allocations")

	// ErrSchedulerClosed is returned by WaitScheduler.Wait once the
	// scheduler has recorded a fatal driver error or has been disposed.
	ErrSchedulerClosed = errors.New("vma: wait scheduler is closed")
)

// ErrValidationFailure is the sentinel wrapped by every validation error
// produced by BlockMetadata.Validate, so callers can test with
// errors.Is(err, vma.ErrValidationFailure) without caring about the
// offending block.
var ErrValidationFailure = errors.New("vma: internal invariant violated")

// validationError reports an internal invariant violation discovered by
// BlockMetadata.Validate. It is only ever produced by debug-time checks,
// never by the hot allocate/free paths.
type validationError struct {
	block string // identifies the owning block, for logging
	msg   string
}

func (e *validationError) Error() string {
	return "vma: validation failed for block " + e.block + ": " + e.msg
}

func (e *validationError) Unwrap() error { return ErrValidationFailure }

func newValidationError(block, msg string) error {
	return &validationError{block: block, msg: msg}
}
