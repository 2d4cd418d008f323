// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import "fmt"

// SuballocationType tags what a non-free range of a block is used for. The
// granularity-conflict table in BlockMetadata keys off these values.
type SuballocationType int

const (
	SuballocationFree SuballocationType = iota
	SuballocationUnknown
	SuballocationBuffer
	SuballocationImageUnknown
	SuballocationImageLinear
	SuballocationImageOptimal
)

func (t SuballocationType) String() string {
	switch t {
	case SuballocationFree:
		return "Free"
	case SuballocationUnknown:
		return "Unknown"
	case SuballocationBuffer:
		return "Buffer"
	case SuballocationImageUnknown:
		return "ImageUnknown"
	case SuballocationImageLinear:
		return "ImageLinear"
	case SuballocationImageOptimal:
		return "ImageOptimal"
	default:
		return "Invalid"
	}
}

// granularityConflicts reports whether two suballocation types placed
// adjacently on the same buffer-image-granularity page are forbidden from
// sharing it, per spec.md §4.1's conflict table. Free never conflicts, and
// Unknown conflicts with everything (including itself).
func granularityConflicts(a, b SuballocationType) bool {
	if a == SuballocationFree || b == SuballocationFree {
		return false
	}
	if a == SuballocationUnknown || b == SuballocationUnknown {
		return true
	}
	// Normalize so the pair-membership check below only needs one order.
	if a > b {
		a, b = b, a
	}
	switch {
	case a == SuballocationBuffer && b == SuballocationImageUnknown:
		return true
	case a == SuballocationBuffer && b == SuballocationImageOptimal:
		return true
	case a == SuballocationImageUnknown && b == SuballocationImageUnknown:
		return true
	case a == SuballocationImageUnknown && b == SuballocationImageLinear:
		return true
	case a == SuballocationImageUnknown && b == SuballocationImageOptimal:
		return true
	case a == SuballocationImageLinear && b == SuballocationImageOptimal:
		return true
	default:
		return false
	}
}

// AllocationStrategy selects how BlockMetadata picks among candidate free
// ranges. FirstFit is the default and matches spec.md's reading of the
// source's WorstFit loop bug as "largest first, first acceptable wins".
type AllocationStrategy int

const (
	// StrategyFirstFit (alias MinTime) scans free ranges largest-first and
	// takes the first that fits. Fastest to satisfy, default strategy.
	StrategyFirstFit AllocationStrategy = iota
	// StrategyBestFit (alias MinMemory) scans free ranges smallest-first
	// (via the size index) and takes the first that fits, minimizing
	// leftover space.
	StrategyBestFit
	// StrategyWorstFit (alias MinFragmentation) scans free ranges
	// largest-first and keeps the cheapest candidate when canMakeOtherLost
	// scanning is active; otherwise behaves like StrategyFirstFit.
	StrategyWorstFit

	// strategyMinOffset is handled by BlockMetadata.TryCreateRequest but
	// is not exposed as a caller-selectable strategy; nothing in this
	// package selects it.
	strategyMinOffset
)

// Aliases matching spec.md §6's documented strategy names.
const (
	StrategyMinMemory       = StrategyBestFit
	StrategyMinTime         = StrategyFirstFit
	StrategyMinFragmentation = StrategyWorstFit
)

// AllocationOptions are the per-request flags from spec.md §6.
type AllocationOptions struct {
	DedicatedMemory bool
	NeverAllocate   bool
	// Mapped requests that the allocation be persistently mapped as part of
	// AllocateMemory, per spec.md §4.4. Cleared automatically for a memory
	// type that isn't host-visible, per spec.md §4.3 step 1.
	Mapped           bool
	CanBecomeLost    bool
	CanMakeOtherLost bool
	UpperAddress     bool
	DontBind         bool
	WithinBudget     bool

	Strategy AllocationStrategy

	// Pool restricts allocation to a specific user pool's BlockList. Nil
	// means "use the default BlockList for the selected memory type".
	Pool *Pool
}

// validate rejects the option combinations spec.md §4.4 calls out as
// invalid up front, before any memory type selection is attempted.
func (o AllocationOptions) validate() error {
	if o.DedicatedMemory && o.NeverAllocate {
		return fmt.Errorf("%w: DedicatedMemory and NeverAllocate are mutually exclusive", ErrInvalidArgument)
	}
	if o.Mapped && o.CanBecomeLost {
		return fmt.Errorf("%w: Mapped and CanBecomeLost are mutually exclusive", ErrInvalidArgument)
	}
	if o.DedicatedMemory && o.Pool != nil {
		return fmt.Errorf("%w: DedicatedMemory cannot be combined with an explicit pool", ErrInvalidArgument)
	}
	return nil
}

// PoolFlags configure a user-created Pool's BlockList.
type PoolFlags int

const (
	PoolIgnoreBufferImageGranularity PoolFlags = 1 << iota
	PoolLinearAlgorithm
	PoolBuddyAlgorithm
)

// MemoryUsage is the caller's declared intent for a requested allocation,
// driving memory type selection per spec.md §4.4's table.
type MemoryUsage int

const (
	UsageUnknown MemoryUsage = iota
	UsageGPUOnly
	UsageCPUOnly
	UsageCPUToGPU
	UsageGPUToCPU
	UsageCPUCopy
	UsageGPULazilyAllocated
)

// FrameIndexLost is the sentinel value lastUseFrameIndex takes on once an
// allocation has been reclaimed as lost. It never leaves this value.
const FrameIndexLost int64 = -1

// Bit-exact constants from spec.md §6.
const (
	MinFreeSuballocationSizeToRegister uint64 = 16
	LostAllocationCost                uint64 = 1_048_576
	DefaultPreferredLargeHeapBlockSize uint64 = 256 << 20
	SmallHeapCutoff                    uint64 = 1 << 30
	BudgetFallbackFraction             float64 = 0.8
	BudgetRefreshOpThreshold           uint64  = 30
)
