// Package sec implements the small extent cache: a sharded, per-size
// freelist in front of a downstream pai.Allocator, grounded exactly on
// sec.c (spec.md §4.5). Structurally it mirrors the teacher's
// mcache/mcentral split — a cheap, contended-free fast path backed by
// a shared resource only touched on miss — adapted here to a bounded
// number of explicit shards rather than one cache per P.
package sec

import (
	"sync"
	"sync/atomic"

	"github.com/aaaapai/jemalloc/edata"
)

// BinStats counts one bin's lifetime traffic (sec_bin_stats_t).
type BinStats struct {
	NMisses        uint64
	NHits          uint64
	NDallocFlush   uint64
	NDallocNoFlush uint64
	NOverfills     uint64
}

func (s *BinStats) accum(o BinStats) {
	s.NMisses += o.NMisses
	s.NHits += o.NHits
	s.NDallocFlush += o.NDallocFlush
	s.NDallocNoFlush += o.NDallocNoFlush
	s.NOverfills += o.NOverfills
}

// Stats aggregates every bin's BinStats plus total cached bytes
// (sec_stats_t).
type Stats struct {
	Bytes uintptr
	Total BinStats
}

type bin struct {
	mtx                sync.Mutex
	bytesCur           uintptr
	freelist           edata.List
	stats              BinStats
	contendedRotations uint64
}

// Sec is the small extent cache (sec_t). Zero value is not usable;
// construct with New.
type Sec struct {
	opts    Opts
	bins    []bin
	npsizes int
}

// New constructs a Sec. Passing Opts{} (NShards == 0) is valid and
// produces a disabled cache, matching sec_init's early return when
// opts->nshards == 0.
func New(opts Opts) *Sec {
	s := &Sec{opts: opts}
	if opts.NShards == 0 {
		return s
	}
	if opts.MaxAlloc < PageSize {
		panic("sec: MaxAlloc must be >= PageSize")
	}
	maxAlloc := pageCeil(opts.MaxAlloc)
	s.npsizes = psz2ind(maxAlloc) + 1
	s.bins = make([]bin, opts.NShards*s.npsizes)
	for i := range s.bins {
		s.bins[i].freelist.Init()
	}
	return s
}

// IsUsed reports whether this Sec actually caches anything.
func (s *Sec) IsUsed() bool {
	return s.opts.NShards != 0
}

func (s *Sec) sizeSupported(size uintptr) bool {
	return s.IsUsed() && size <= s.opts.MaxAlloc
}

func (s *Sec) binPick(shard uint8, pszind int) *bin {
	return &s.bins[int(shard)*s.npsizes+pszind]
}

func binAllocLocked(b *bin) *edata.Edata {
	if b.freelist.Empty() {
		return nil
	}
	e := b.freelist.First()
	b.freelist.Remove(e)
	sz := e.Size()
	b.bytesCur -= sz
	b.stats.NHits++
	return e
}

// Alloc returns a cached extent of exactly size bytes, or nil on a
// cache miss (sizes the cache doesn't support are always a miss; the
// caller is expected to fall through to its downstream pai.Allocator
// and then Fill the cache). aff may be nil.
func (s *Sec) Alloc(aff *Affinity, size uintptr) *edata.Edata {
	if !s.sizeSupported(size) {
		return nil
	}
	if size%PageSize != 0 {
		panic("sec: size must be page-aligned")
	}
	pszind := psz2ind(size)

	if s.opts.NShards == 1 {
		b := s.binPick(0, pszind)
		b.mtx.Lock()
		e := binAllocLocked(b)
		if e == nil {
			b.stats.NMisses++
		}
		b.mtx.Unlock()
		return e
	}

	prefShard := shardFor(aff, s.opts.NShards)
	curShard := prefShard
	for i := 0; i < s.opts.NShards; i++ {
		b := s.binPick(curShard, pszind)
		if b.mtx.TryLock() {
			e := binAllocLocked(b)
			b.mtx.Unlock()
			if e != nil {
				return e
			}
		} else {
			atomic.AddUint64(&b.contendedRotations, 1)
		}
		curShard++
		if int(curShard) == s.opts.NShards {
			curShard = 0
		}
	}
	// Every shard was either locked or empty; fall back to a blocking
	// lock on the caller's own shard so miss accounting stays
	// deterministic (sec_multishard_trylock_alloc).
	b := s.binPick(prefShard, pszind)
	b.mtx.Lock()
	e := binAllocLocked(b)
	if e == nil {
		b.stats.NMisses++
	}
	b.mtx.Unlock()
	return e
}

func binDallocLocked(b *bin, sec *Sec, size uintptr, dallocList *edata.List) {
	b.bytesCur += size
	e := dallocList.First()
	dallocList.Remove(e)
	b.freelist.Prepend(e)

	if b.bytesCur <= sec.opts.MaxBytes {
		b.stats.NDallocNoFlush++
		return
	}
	b.stats.NDallocFlush++
	// Flush down to 3/4 of MaxBytes, evicting the coldest (tail) extents
	// first so the just-freed (head) extent stays cache-hot.
	bytesTarget := sec.opts.MaxBytes - (sec.opts.MaxBytes >> 2)
	for b.bytesCur > bytesTarget && !b.freelist.Empty() {
		cur := b.freelist.Last()
		sz := cur.Size()
		b.bytesCur -= sz
		b.freelist.Remove(cur)
		dallocList.Append(cur)
	}
}

// Dalloc returns the single extent in dallocList to the cache. On
// return, dallocList holds whatever must still be released to the
// downstream allocator: empty if the cache absorbed it, or a (usually
// disjoint) set of colder victims evicted to make room. Sizes larger
// than MaxAlloc, or a disabled Sec, pass the list through unchanged.
func (s *Sec) Dalloc(aff *Affinity, dallocList *edata.List) {
	if !s.IsUsed() {
		return
	}
	e := dallocList.First()
	size := e.Size()
	if size > s.opts.MaxAlloc {
		return
	}
	pszind := psz2ind(size)

	if s.opts.NShards == 1 {
		b := s.binPick(0, pszind)
		b.mtx.Lock()
		binDallocLocked(b, s, size, dallocList)
		b.mtx.Unlock()
		return
	}

	prefShard := shardFor(aff, s.opts.NShards)
	curShard := prefShard
	for i := 0; i < s.opts.NShards; i++ {
		b := s.binPick(curShard, pszind)
		if b.mtx.TryLock() {
			binDallocLocked(b, s, size, dallocList)
			b.mtx.Unlock()
			return
		}
		atomic.AddUint64(&b.contendedRotations, 1)
		curShard++
		if int(curShard) == s.opts.NShards {
			curShard = 0
		}
	}
	b := s.binPick(prefShard, pszind)
	b.mtx.Lock()
	binDallocLocked(b, s, size, dallocList)
	b.mtx.Unlock()
}

// MutexStatsRead reports the lifetime count of trylock misses
// encountered while rotating across shards in Alloc/Dalloc
// (sec_mutex_stats_read). Go's sync.Mutex exposes no wait-time
// instrumentation, so this is the only contention signal available
// without reaching into runtime internals.
func (s *Sec) MutexStatsRead() uint64 {
	var total uint64
	for i := range s.bins {
		total += atomic.LoadUint64(&s.bins[i].contendedRotations)
	}
	return total
}

// Fill seeds the cache with nallocs extents of size, all taken from
// result (sec_fill). result must be non-empty and every extent in it
// must be exactly size bytes. If admitting all of them would exceed
// MaxBytes, Fill admits as many as fit and leaves the rest in result
// for the caller to release downstream, recording an overfill.
func (s *Sec) Fill(aff *Affinity, size uintptr, result *edata.List, nallocs int) {
	if !s.IsUsed() {
		return
	}
	if size%PageSize != 0 {
		panic("sec: size must be page-aligned")
	}
	pszind := psz2ind(size)
	b := s.binPick(shardFor(aff, s.opts.NShards), pszind)

	b.mtx.Lock()
	defer b.mtx.Unlock()

	newCachedBytes := uintptr(nallocs) * size
	if b.bytesCur+newCachedBytes <= s.opts.MaxBytes {
		b.freelist.Concat(result)
		b.bytesCur += newCachedBytes
		return
	}
	b.stats.NOverfills++
	for b.bytesCur+size <= s.opts.MaxBytes {
		e := result.First()
		if e == nil {
			break
		}
		result.Remove(e)
		b.freelist.Append(e)
		b.bytesCur += size
	}
}

// Flush empties every bin into toFlush, for releasing the whole cache
// back downstream (e.g. on shutdown or memory pressure).
func (s *Sec) Flush(toFlush *edata.List) {
	if !s.IsUsed() {
		return
	}
	for i := range s.bins {
		b := &s.bins[i]
		b.mtx.Lock()
		b.bytesCur = 0
		toFlush.Concat(&b.freelist)
		b.mtx.Unlock()
	}
}

// StatsMerge adds this Sec's current totals into stats.
func (s *Sec) StatsMerge(stats *Stats) {
	if !s.IsUsed() {
		return
	}
	var sum uintptr
	for i := range s.bins {
		b := &s.bins[i]
		b.mtx.Lock()
		sum += b.bytesCur
		stats.Total.accum(b.stats)
		b.mtx.Unlock()
	}
	stats.Bytes += sum
}

// Prefork2 acquires every bin's mutex (sec_prefork2), called
// immediately before a fork so no other goroutine can be mid-update on
// a bin while the child's address space is copied. Go has no native
// fork(); this and the two methods below model the C allocator's
// three-phase fork protocol as plain methods per SPEC_FULL.md §13, for
// hosts that embed this package behind their own fork-like primitive
// (e.g. a checkpoint/restore path).
func (s *Sec) Prefork2() {
	if !s.IsUsed() {
		return
	}
	for i := range s.bins {
		s.bins[i].mtx.Lock()
	}
}

// PostforkParent releases every bin's mutex in the parent after fork
// (sec_postfork_parent), symmetric with Prefork2.
func (s *Sec) PostforkParent() {
	if !s.IsUsed() {
		return
	}
	for i := range s.bins {
		s.bins[i].mtx.Unlock()
	}
}

// PostforkChild reinitializes every bin's mutex in the child
// (sec_postfork_child). The child has no other goroutines that could
// still be waiting on a lock Prefork2 acquired, so each mutex is reset
// to a fresh zero value rather than unlocked.
func (s *Sec) PostforkChild() {
	if !s.IsUsed() {
		return
	}
	for i := range s.bins {
		s.bins[i].mtx = sync.Mutex{}
	}
}
