// Package hpa implements the process-wide hugepage provider ("eden")
// that per-shard huge-page allocators pull from (spec.md §4.1),
// grounded exactly on hpa_central.c's hpa_central_extract, and
// structurally on the teacher's mheap.grow (an OS-call-guarded-by-its-
// own-lock bump region that hands out fixed-size slabs one at a time).
package hpa

import (
	"sync"

	"github.com/aaaapai/jemalloc/hooks"
)

// Hugepage is the size of a single hugepage slab this module carves
// eden into. 2 MiB matches the glossary's x86_64 example; hosts with a
// different hugepage size construct a Central with CentralOpts.Hugepage
// set accordingly.
const Hugepage = 2 << 20

// EdenHugepages is the default eden region size in hugepages (spec.md
// §6 "HPA central eden: 128*HUGEPAGE").
const EdenHugepages = 128

// HpData is the opaque per-hugepage descriptor this spec treats as a
// black box beyond the fields Extract must fill in (spec.md §3/§9:
// "the hpdata state machine... is only the external contract that
// batcher consumes"). DefaultHpData in this package is one
// implementation; NewCentral's newDesc factory may supply others.
// purge.Batcher needs the purge.PurgeNexter methods (PurgeNext, Addr,
// RunCount) on top of Init.
type HpData interface {
	// Init is called exactly once, immediately after Extract carves
	// addr off eden, to record addr, age, and whether the slab should
	// start treated as already-huge.
	Init(addr []byte, age uint64, startAsHuge bool)
}

// CentralOpts configures Central construction.
type CentralOpts struct {
	// Hugepage is the size, in bytes, of one hugepage slab. Defaults
	// to Hugepage.
	Hugepage uintptr
	// EdenSize is the size, in bytes, mapped each time eden must grow.
	// Must be a multiple of Hugepage. Defaults to EdenHugepages*Hugepage.
	EdenSize uintptr
	// StartHugeIfTHPAlways mirrors opt_experimental_hpa_start_huge_if_thp_always
	// from hpa_central.c: when true and SystemTHPAlways is also true,
	// freshly extracted hugepages start tagged as already-huge even
	// without an explicit hugifyEager request (see start_as_huge's
	// derivation, spec.md §4.1).
	StartHugeIfTHPAlways bool
	// SystemTHPAlways mirrors init_system_thp_mode == system_thp_mode_always;
	// callers populate this from /sys/kernel/mm/transparent_hugepage/enabled
	// (a detail hpa_central.c assumes is supplied externally).
	SystemTHPAlways bool
}

// DefaultCentralOpts returns the §6 option defaults.
func DefaultCentralOpts() CentralOpts {
	return CentralOpts{
		Hugepage: Hugepage,
		EdenSize: EdenHugepages * Hugepage,
	}
}

// Central is the single eden arena of hugepage-aligned address space
// (HpaCentral, spec.md §4.1/§3). It is touched only when a shard's own
// eden is exhausted (spec.md §2).
type Central struct {
	opts  CentralOpts
	hooks hooks.Hooks

	growMtx sync.Mutex // guards eden only; held across the OS map call (spec.md §5)
	eden    []byte     // nil iff edenLen == 0
	edenLen uintptr

	newDesc func() HpData // constructs a fresh HpData for Extract to Init

	hugepagesExtractedTotal uint64
	oomTotal                uint64
}

// NewCentral constructs a Central. newDesc must return a fresh HpData
// each call (or nil, simulating descriptor-allocation OOM); Central
// calls its Init exactly once per extracted hugepage.
func NewCentral(h hooks.Hooks, opts CentralOpts, newDesc func() HpData) *Central {
	if opts.Hugepage == 0 {
		opts.Hugepage = Hugepage
	}
	if opts.EdenSize == 0 {
		opts.EdenSize = EdenHugepages * opts.Hugepage
	}
	return &Central{
		opts:    opts,
		hooks:   h,
		newDesc: newDesc,
	}
}

// EdenBytesRemaining reports how many bytes of the current eden region
// have not yet been carved off. Exposed for the metrics package.
func (c *Central) EdenBytesRemaining() uintptr {
	c.growMtx.Lock()
	defer c.growMtx.Unlock()
	return c.edenLen
}

// Extract hands out one hugepage-sized descriptor, growing eden first
// if necessary. The caller must hold its own shard's grow lock of
// strictly lower witness rank before calling (spec.md §4.1/§5) — this
// module cannot enforce that across process boundaries, so it is
// documented rather than asserted.
//
// size must be <= the configured hugepage size. hugifyEager requests
// the slab start (or be promoted to) huge pages immediately.
//
// Extract returns (nil, true) on OOM: either the OS map call failed or
// descriptor allocation failed. Central is never left with a
// non-hugepage-aligned-length eden, even on partial failure.
func (c *Central) Extract(size uintptr, age uint64, hugifyEager bool) (hp HpData, oom bool) {
	if size > c.opts.Hugepage {
		panic("hpa: Extract size exceeds configured hugepage size")
	}

	c.growMtx.Lock()
	defer c.growMtx.Unlock()

	startAsHuge := hugifyEager || (c.opts.SystemTHPAlways && c.opts.StartHugeIfTHPAlways)

	// Eden is an exact fit: hand it out whole, no further mapping.
	if c.eden != nil && c.edenLen == c.opts.Hugepage {
		data := c.newDesc()
		if data == nil {
			c.oomTotal++
			return nil, true
		}
		data.Init(c.eden, age, startAsHuge)
		c.eden = nil
		c.edenLen = 0
		c.hugepagesExtractedTotal++
		return data, false
	}

	if c.eden == nil {
		newEden := c.hooks.Map(c.opts.EdenSize)
		if newEden == nil {
			c.oomTotal++
			return nil, true
		}

		// Allocate the descriptor before committing newEden as eden: on
		// failure we must unmap the fresh mapping and leave eden empty,
		// not half-adopt a region we can no longer hand out (spec.md
		// §4.1 step 2).
		data := c.newDesc()
		if data == nil {
			c.hooks.Unmap(newEden)
			c.oomTotal++
			return nil, true
		}

		if hugifyEager {
			c.hooks.Hugify(newEden, false)
		}

		carved := newEden[:c.opts.Hugepage]
		data.Init(carved, age, startAsHuge)
		c.eden = newEden[c.opts.Hugepage:]
		c.edenLen = c.opts.EdenSize - c.opts.Hugepage
		if c.edenLen == 0 {
			c.eden = nil
		}
		c.hugepagesExtractedTotal++

		return data, false
	}

	// Carve one hugepage off the front of eden.
	data := c.newDesc()
	if data == nil {
		c.oomTotal++
		return nil, true
	}
	carved := c.eden[:c.opts.Hugepage]
	data.Init(carved, age, startAsHuge)
	c.eden = c.eden[c.opts.Hugepage:]
	c.edenLen -= c.opts.Hugepage
	c.hugepagesExtractedTotal++

	return data, false
}

// HugepagesExtractedTotal reports the lifetime count of hugepages
// handed out by Extract (hpa_hugepages_extracted_total).
func (c *Central) HugepagesExtractedTotal() uint64 {
	c.growMtx.Lock()
	defer c.growMtx.Unlock()
	return c.hugepagesExtractedTotal
}

// OOMTotal reports the lifetime count of Extract calls that failed
// (hpa_oom_total).
func (c *Central) OOMTotal() uint64 {
	c.growMtx.Lock()
	defer c.growMtx.Unlock()
	return c.oomTotal
}
