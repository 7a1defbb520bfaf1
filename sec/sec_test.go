package sec

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aaaapai/jemalloc/edata"
)

func oneExtentList(size uintptr) *edata.List {
	l := &edata.List{}
	l.Init()
	l.Append(edata.New(size))
	return l
}

func TestDisabledSecIsNoOp(t *testing.T) {
	s := New(Opts{})
	assert.False(t, s.IsUsed())
	assert.Nil(t, s.Alloc(nil, PageSize))

	dl := oneExtentList(PageSize)
	s.Dalloc(nil, dl)
	assert.Equal(t, 1, dl.Len()) // passed through untouched
}

func TestFillThenAllocHits(t *testing.T) {
	s := New(Opts{NShards: 1, MaxAlloc: 4 * PageSize, MaxBytes: 16 * PageSize, BatchFillExtra: 1})

	result := &edata.List{}
	result.Init()
	result.Append(edata.New(PageSize))
	result.Append(edata.New(PageSize))
	s.Fill(nil, PageSize, result, 2)

	e := s.Alloc(nil, PageSize)
	assert.NotNil(t, e)

	var stats Stats
	s.StatsMerge(&stats)
	assert.Equal(t, uint64(1), stats.Total.NHits)
	assert.Equal(t, uintptr(PageSize), stats.Bytes)
}

func TestAllocMissRecordsMiss(t *testing.T) {
	s := New(Opts{NShards: 1, MaxAlloc: 4 * PageSize, MaxBytes: 16 * PageSize})
	e := s.Alloc(nil, PageSize)
	assert.Nil(t, e)

	var stats Stats
	s.StatsMerge(&stats)
	assert.Equal(t, uint64(1), stats.Total.NMisses)
}

func TestDallocBelowMaxBytesCachesWithoutFlush(t *testing.T) {
	s := New(Opts{NShards: 1, MaxAlloc: 4 * PageSize, MaxBytes: 16 * PageSize})
	dl := oneExtentList(PageSize)
	s.Dalloc(nil, dl)
	assert.Equal(t, 0, dl.Len())

	var stats Stats
	s.StatsMerge(&stats)
	assert.Equal(t, uint64(1), stats.Total.NDallocNoFlush)
	assert.Equal(t, uintptr(PageSize), stats.Bytes)
}

func TestDallocAboveMaxBytesFlushesToThreeQuarters(t *testing.T) {
	maxBytes := uintptr(4 * PageSize)
	s := New(Opts{NShards: 1, MaxAlloc: 4 * PageSize, MaxBytes: maxBytes})

	// Fill with 4 extents (== maxBytes), then dalloc one more to push
	// past the high-water mark and trigger a flush back to 3/4.
	result := &edata.List{}
	result.Init()
	for i := 0; i < 4; i++ {
		result.Append(edata.New(PageSize))
	}
	s.Fill(nil, PageSize, result, 4)

	dl := oneExtentList(PageSize)
	s.Dalloc(nil, dl)

	// bytesTarget = maxBytes - maxBytes/4 = 3*PageSize; total before
	// flush was 5*PageSize, so enough victims are evicted to land at
	// or below 3*PageSize, and they come back in dl for release.
	assert.True(t, dl.Len() > 0)

	var stats Stats
	s.StatsMerge(&stats)
	assert.Equal(t, uint64(1), stats.Total.NDallocFlush)
	assert.True(t, stats.Bytes <= 3*PageSize)
}

func TestDallocOversizeSkipsCache(t *testing.T) {
	s := New(Opts{NShards: 1, MaxAlloc: PageSize, MaxBytes: 16 * PageSize})
	dl := oneExtentList(2 * PageSize)
	s.Dalloc(nil, dl)
	assert.Equal(t, 1, dl.Len()) // untouched, still needs downstream release
}

func TestFlushEmptiesAllBins(t *testing.T) {
	s := New(Opts{NShards: 2, MaxAlloc: 2 * PageSize, MaxBytes: 16 * PageSize})
	dl := oneExtentList(PageSize)
	s.Dalloc(nil, dl)

	toFlush := &edata.List{}
	toFlush.Init()
	s.Flush(toFlush)
	assert.Equal(t, 1, toFlush.Len())

	var stats Stats
	s.StatsMerge(&stats)
	assert.Equal(t, uintptr(0), stats.Bytes)
}

func TestAffinityStickyShardIsStable(t *testing.T) {
	aff := NewAffinity()
	first := shardFor(aff, 8)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, shardFor(aff, 8))
	}
}

func TestNilAffinityAlwaysShardZero(t *testing.T) {
	assert.Equal(t, uint8(0), shardFor(nil, 8))
}

func TestMutexStatsReadCountsTrylockMisses(t *testing.T) {
	s := New(Opts{NShards: 2, MaxAlloc: 2 * PageSize, MaxBytes: 16 * PageSize})
	assert.Equal(t, uint64(0), s.MutexStatsRead())

	// A separate goroutine holds shard 0's lock for pszind(PageSize), so
	// a rotating Alloc must skip past it via TryLock and record a
	// contended rotation before landing on shard 1.
	pszind := psz2ind(PageSize)
	// Seed shard 1 so the rotation finds a hit there; with every bin
	// empty, Alloc would fall back to a blocking lock on shard 0.
	s.Dalloc(&Affinity{idx: 1}, oneExtentList(PageSize))
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		s.binPick(0, pszind).mtx.Lock()
		close(held)
		<-release
		s.binPick(0, pszind).mtx.Unlock()
	}()
	<-held

	s.Alloc(nil, PageSize)
	close(release)
	assert.True(t, s.MutexStatsRead() > 0)
}

func TestFillOnDisabledSecIsNoOp(t *testing.T) {
	s := New(Opts{})
	result := &edata.List{}
	result.Init()
	result.Append(edata.New(PageSize))
	s.Fill(nil, PageSize, result, 1)
	assert.Equal(t, 1, result.Len()) // untouched; no bins to index into
}

func TestForkPhasesLockUnlockAndReinit(t *testing.T) {
	s := New(Opts{NShards: 2, MaxAlloc: 2 * PageSize, MaxBytes: 16 * PageSize})

	s.Prefork2()
	for i := range s.bins {
		assert.False(t, s.bins[i].mtx.TryLock(), "bin %d should be held after Prefork2", i)
	}
	s.PostforkParent()
	for i := range s.bins {
		assert.True(t, s.bins[i].mtx.TryLock(), "bin %d should be released after PostforkParent", i)
		s.bins[i].mtx.Unlock()
	}

	s.Prefork2()
	s.PostforkChild()
	for i := range s.bins {
		assert.True(t, s.bins[i].mtx.TryLock(), "bin %d should be unlocked after PostforkChild reinit", i)
		s.bins[i].mtx.Unlock()
	}
}

func TestForkPhasesOnDisabledSecAreNoOps(t *testing.T) {
	s := New(Opts{})
	s.Prefork2()
	s.PostforkParent()
	s.PostforkChild()
}

// TestConcurrentShardedAllocDalloc exercises 32 goroutines hammering a
// shared, sharded Sec concurrently (spec.md §8 S3), each with its own
// sticky Affinity, verifying no panic/deadlock and that every Alloc
// call is counted as exactly one hit or one miss.
func TestConcurrentShardedAllocDalloc(t *testing.T) {
	s := New(Opts{NShards: 4, MaxAlloc: 2 * PageSize, MaxBytes: 64 * PageSize})

	const nworkers = 32
	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(nworkers)
	for w := 0; w < nworkers; w++ {
		go func() {
			defer wg.Done()
			aff := NewAffinity()
			for i := 0; i < iterations; i++ {
				dl := oneExtentList(PageSize)
				s.Dalloc(aff, dl)
				if e := s.Alloc(aff, PageSize); e == nil {
					// cache miss: nothing more to release downstream in
					// this synthetic test, same as a real pai.Allocator
					// fallthrough.
					_ = e
				}
			}
		}()
	}
	wg.Wait()

	var stats Stats
	s.StatsMerge(&stats)
	assert.Equal(t, uint64(nworkers*iterations), stats.Total.NHits+stats.Total.NMisses)
}

func TestFillOverfillLeavesRemainderInResult(t *testing.T) {
	s := New(Opts{NShards: 1, MaxAlloc: 2 * PageSize, MaxBytes: 2 * PageSize})

	result := &edata.List{}
	result.Init()
	result.Append(edata.New(PageSize))
	result.Append(edata.New(PageSize))
	result.Append(edata.New(PageSize))
	s.Fill(nil, PageSize, result, 3)

	assert.Equal(t, 1, result.Len())

	var stats Stats
	s.StatsMerge(&stats)
	assert.Equal(t, uint64(1), stats.Total.NOverfills)
}
