package sec

import "math/rand/v2"

// Affinity is the per-caller shard-sticky handle sec_shard_pick reads
// out of thread-local storage in sec.c. Go has no goroutine-local
// storage, so this module makes the handle explicit: callers that want
// sticky shard affinity across repeated Alloc/Dalloc/Fill calls (e.g.
// once per worker goroutine) create one Affinity and reuse it; callers
// that don't care pass nil, which always resolves to shard 0 (mirroring
// sec_shard_pick's tsdn_null(tsdn) fast path) — see SPEC_FULL.md §12.2
// for the Open Question resolution this implements.
type Affinity struct {
	idx int8 // -1 sentinel: not yet picked
}

// NewAffinity returns a handle with no shard picked yet.
func NewAffinity() *Affinity {
	return &Affinity{idx: -1}
}

// shardFor resolves aff to a shard index in [0, nshards), picking and
// latching one via Lemire's multiply-shift reduction on first use
// (sec_shard_pick). A nil aff always resolves to 0.
func shardFor(aff *Affinity, nshards int) uint8 {
	if aff == nil {
		return 0
	}
	if aff.idx == -1 {
		rand32 := rand.Uint32()
		idx := uint32((uint64(rand32) * uint64(nshards)) >> 32)
		aff.idx = int8(idx)
	}
	return uint8(aff.idx)
}
