// Package purge implements vectorized madvise-purge batching, grounded
// exactly on hpa_utils.c/hpa_utils.h: RangeAccum mirrors
// hpa_range_accum_t, and Batcher mirrors hpa_purge_batch_t plus
// hpa_purge_batch (spec.md §4.2/§4.3).
package purge

import "github.com/aaaapai/jemalloc/hooks"

// MinVectorSize is HPA_MIN_VAR_VEC_SIZE: the vector capacity used when
// no explicit batch-size override is configured.
const MinVectorSize = 8

// MaxBatchLimit is the hard ceiling on configurable batch sizes,
// mirroring PROCESS_MADVISE_MAX_BATCH_LIMIT (spec.md §6/§12.3). Values
// above this are rejected by NewRangeAccum/NewBatcher.
const MaxBatchLimit = 1024

// PurgeNexter is the hugepage-descriptor contract RangeAccum/Batcher
// need: a cursor that walks a hugepage's dirty runs one at a time.
// hpa.HpData implementations that want to be purged supply this
// alongside hpa.HpData.Init.
type PurgeNexter interface {
	// PurgeNext advances state and reports the next dirty run's
	// (addr, len); ok is false once the hugepage has no more runs to
	// purge (mirrors hpdata_purge_next's bool return, comma-ok style).
	PurgeNext(state *PurgeState) (addr []byte, size uintptr, ok bool)
	// Addr returns the hugepage's base address, passed to Dehugify.
	Addr() []byte
	// RunCount reports how many dirty runs a fresh walk (starting from
	// a zero-value PurgeState) will yield. Batcher.Admit uses this to
	// keep its range-watermark count live at admission time, since the
	// real hpdata_t's dirty-run count is tracked by its own bitmap
	// rather than recomputed by walking PurgeNext early.
	RunCount() int
}

// PurgeState is an opaque per-hugepage purge cursor, reset to its zero
// value at the start of each hugepage's walk.
type PurgeState struct {
	// Cursor is free for PurgeNexter implementations to use however
	// they track progress through a hugepage's dirty bitmap; this
	// package never reads it.
	Cursor uintptr
}

// RangeAccum accumulates (addr, len) purge ranges and flushes them
// through hooks.VectorizedPurge once it fills, falling back to
// per-range hooks.Purge on vectorized failure (hpa_try_vectorized_purge,
// spec.md §4.2).
type RangeAccum struct {
	hooks    hooks.Hooks
	capacity int
	disabled bool
	ranges   []hooks.Range
	total    uintptr

	// VectorizedCalls and FallbackCalls count flush attempts for
	// callers (Batcher) that want to expose them as metrics; BytesDone
	// sums every byte actually handed to a hooks call, vectorized or
	// not.
	VectorizedCalls int
	FallbackCalls   int
	BytesDone       uintptr
}

// NewRangeAccum constructs a RangeAccum with the given vector capacity.
// capacity must be > 0 and <= MaxBatchLimit.
func NewRangeAccum(h hooks.Hooks, capacity int) *RangeAccum {
	if capacity <= 0 || capacity > MaxBatchLimit {
		panic("purge: invalid RangeAccum capacity")
	}
	return &RangeAccum{
		hooks:    h,
		capacity: capacity,
		ranges:   make([]hooks.Range, 0, capacity),
	}
}

// NewDisabledRangeAccum returns a RangeAccum that never calls
// hooks.VectorizedPurge: every Add purges its range immediately via
// hooks.Purge. This mirrors hpa_try_vectorized_purge's
// opt_process_madvise_max_batch == 0 case (hpa_utils.h), which skips
// the vectorized hook entirely rather than calling it and expecting
// failure — so purge_vectorized_calls_total must stay untouched in
// this mode.
func NewDisabledRangeAccum(h hooks.Hooks) *RangeAccum {
	return &RangeAccum{hooks: h, disabled: true}
}

// Add appends one purge range, flushing automatically once the vector
// reaches capacity (hpa_range_accum_add). A disabled RangeAccum purges
// addr immediately instead of accumulating it.
func (ra *RangeAccum) Add(addr []byte, size uintptr) {
	if ra.disabled {
		ra.hooks.Purge(addr)
		ra.BytesDone += size
		return
	}
	ra.ranges = append(ra.ranges, hooks.Range{Base: addr, Len: size})
	ra.total += size
	if len(ra.ranges) == ra.capacity {
		ra.flush()
	}
}

// Finish flushes any partially-filled vector (hpa_range_accum_finish).
// Call once after the last Add in a pass. No-op on a disabled
// RangeAccum, which never buffers anything to flush.
func (ra *RangeAccum) Finish() {
	if ra.disabled {
		return
	}
	if len(ra.ranges) > 0 {
		ra.flush()
	}
}

func (ra *RangeAccum) flush() {
	ra.VectorizedCalls++
	failed := ra.hooks.VectorizedPurge(ra.ranges, ra.total)
	if failed {
		ra.FallbackCalls++
		for _, r := range ra.ranges {
			ra.hooks.Purge(r.Base)
		}
	}
	ra.BytesDone += ra.total
	ra.ranges = ra.ranges[:0]
	ra.total = 0
}

// Item is one hugepage queued for purging in the current batch,
// mirroring hpa_purge_item_t.
type Item struct {
	HP       PurgeNexter
	State    PurgeState
	Dehugify bool
}

// BatchOpts configures a Batcher's admission limits.
type BatchOpts struct {
	// ItemsCapacity bounds how many hugepages one batch may hold
	// (hpa_purge_batch_t.items_capacity). Must be > 0 and <=
	// MaxBatchLimit.
	ItemsCapacity int
	// MaxHugepages bounds the lifetime total of hugepages ever purged
	// through this Batcher (hpa_purge_batch_t.max_hp); 0 means
	// unlimited.
	MaxHugepages int
	// RangeWatermark bounds total accumulated ranges per pass
	// (hpa_purge_batch_t.range_watermark): once reached, the batch
	// reports itself Full even if item/hugepage capacity remain, so a
	// few very fragmented hugepages can't starve allocation for too
	// long (spec.md §4.3 invariant).
	RangeWatermark int
	// VectorizedPurgeDisabled mirrors opt_process_madvise_max_batch ==
	// 0 (hpa_utils.h): when true, RunPass never calls
	// hooks.VectorizedPurge, purging every dirty run directly instead.
	VectorizedPurgeDisabled bool
}

// Batcher admits hugepages into a bounded purge pass and executes the
// pass's actual madvise work, mirroring hpa_purge_batch_t and
// hpa_purge_batch.
type Batcher struct {
	hooks hooks.Hooks
	opts  BatchOpts

	items          []Item
	nranges        int
	ndirtyInBatch  uintptr
	npurgedHPTotal int

	// Lifetime counters surfaced by the metrics package.
	bytesPurgedTotal     uintptr
	vectorizedCallsTotal int
	fallbackCallsTotal   int
}

// NewBatcher constructs a Batcher. opts.ItemsCapacity must be > 0 and
// <= MaxBatchLimit.
func NewBatcher(h hooks.Hooks, opts BatchOpts) *Batcher {
	if opts.ItemsCapacity <= 0 || opts.ItemsCapacity > MaxBatchLimit {
		panic("purge: BatchOpts.ItemsCapacity must be > 0 and <= MaxBatchLimit")
	}
	return &Batcher{
		hooks: h,
		opts:  opts,
		items: make([]Item, 0, opts.ItemsCapacity),
	}
}

// Full reports whether the batch has reached an admission limit and
// should not accept more hugepages this pass (hpa_batch_full).
func (b *Batcher) Full() bool {
	if b.opts.MaxHugepages != 0 && b.npurgedHPTotal == b.opts.MaxHugepages {
		return true
	}
	return len(b.items) == b.opts.ItemsCapacity ||
		(b.opts.RangeWatermark != 0 && b.nranges >= b.opts.RangeWatermark)
}

// StartPass resets the per-pass counters (hpa_batch_pass_start). Call
// before admitting hugepages into a new batch.
func (b *Batcher) StartPass() {
	b.items = b.items[:0]
	b.nranges = 0
	b.ndirtyInBatch = 0
}

// Empty reports whether the current pass has admitted nothing
// (hpa_batch_empty).
func (b *Batcher) Empty() bool {
	return len(b.items) == 0
}

// Admit adds a hugepage to the current pass. Callers must check Full
// before calling Admit; Admit does not itself enforce capacity.
// nranges is updated immediately from hp.RunCount() so a subsequent
// Full() call reflects range_watermark without waiting for RunPass.
func (b *Batcher) Admit(hp PurgeNexter, dehugify bool) {
	b.items = append(b.items, Item{HP: hp, Dehugify: dehugify})
	b.npurgedHPTotal++
	b.nranges += hp.RunCount()
}

// RunPass purges every hugepage admitted since the last StartPass,
// vectorizing ranges through a RangeAccum of the given capacity
// (hpa_purge_batch, spec.md §4.2/§4.3). Dirty hugepages are dehugified
// before their runs are purged, matching the C loop's ordering.
func (b *Batcher) RunPass(vectorCapacity int) {
	if len(b.items) == 0 {
		return
	}
	var accum *RangeAccum
	if b.opts.VectorizedPurgeDisabled {
		accum = NewDisabledRangeAccum(b.hooks)
	} else {
		accum = NewRangeAccum(b.hooks, vectorCapacity)
	}
	for i := range b.items {
		item := &b.items[i]
		if item.Dehugify {
			b.hooks.Dehugify(item.HP.Addr())
		}
		var totalOnHP uintptr
		for {
			addr, size, ok := item.HP.PurgeNext(&item.State)
			if !ok {
				break
			}
			totalOnHP += size
			accum.Add(addr, size)
		}
		b.ndirtyInBatch += totalOnHP
	}
	accum.Finish()

	b.bytesPurgedTotal += accum.BytesDone
	b.vectorizedCallsTotal += accum.VectorizedCalls
	b.fallbackCallsTotal += accum.FallbackCalls
}

// BytesPurgedTotal reports the lifetime bytes handed to the hooks
// layer for purging across every RunPass (spec.md metric
// purge_bytes_total).
func (b *Batcher) BytesPurgedTotal() uintptr { return b.bytesPurgedTotal }

// VectorizedCallsTotal reports how many times RunPass attempted a
// vectorized purge flush (purge_vectorized_calls_total).
func (b *Batcher) VectorizedCallsTotal() int { return b.vectorizedCallsTotal }

// FallbackCallsTotal reports how many flushes fell back to per-range
// purge after a vectorized attempt failed (purge_fallback_calls_total).
func (b *Batcher) FallbackCallsTotal() int { return b.fallbackCallsTotal }
