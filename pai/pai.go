// Package pai specifies the Page Allocation Interface contract that
// sec.Sec composes in front of. It is deliberately a pure contract:
// spec.md §1 scopes the downstream page allocator out of this module,
// and §6 describes it only as "a capability contract the SEC composes
// over." No implementation lives here or anywhere in this module.
package pai

import (
	"context"

	"github.com/aaaapai/jemalloc/edata"
)

// Allocator is the downstream capability set, translated from the
// C function-pointer struct pai_t into a Go interface per idiomatic
// convention ("accept interfaces"). Every method except
// TimeUntilDeferredWork forwards a deferredWorkGenerated signal
// faithfully (spec.md §5, "Signals from
// downstream"); callers that don't interpret it must still propagate
// it to their own callers rather than discard it.
type Allocator interface {
	// Alloc returns a fresh extent of size bytes aligned to alignment,
	// or nil on failure (OOM). zero requests zeroed memory; guarded
	// requests guard-page isolation; frequentReuse is a hint that this
	// extent is likely to be short-lived and reused.
	Alloc(ctx context.Context, size, alignment uintptr, zero, guarded, frequentReuse bool) (e *edata.Edata, deferredWorkGenerated bool)

	// Expand grows edata in place from oldSize to newSize, returning
	// true on FAILURE to expand (the extent is unchanged in that case).
	Expand(ctx context.Context, e *edata.Edata, oldSize, newSize uintptr, zero bool) (failed bool, deferredWorkGenerated bool)

	// Shrink shrinks edata in place from oldSize to newSize, returning
	// true on failure.
	Shrink(ctx context.Context, e *edata.Edata, oldSize, newSize uintptr) (failed bool, deferredWorkGenerated bool)

	// Dalloc returns edata to the downstream allocator.
	Dalloc(ctx context.Context, e *edata.Edata) (deferredWorkGenerated bool)

	// TimeUntilDeferredWork reports how many milliseconds remain until
	// this allocator wants to run deferred background work (purge,
	// hugify decisions, ...).
	TimeUntilDeferredWork(ctx context.Context) uint64
}
