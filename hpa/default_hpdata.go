package hpa

import (
	"github.com/aaaapai/jemalloc/fixalloc"
	"github.com/aaaapai/jemalloc/purge"
)

// DefaultHpData is a ready-to-use HpData/purge.PurgeNexter
// implementation for callers that don't need a custom descriptor (the
// real hpdata_t state machine being out of scope per spec.md §3/§9).
// It treats an entire hugepage as a single dirty run, which PurgeNext
// yields once and then reports exhausted — good enough for the demo
// and for tests that don't care about partial-hugepage dirty
// tracking.
type DefaultHpData struct {
	addr        []byte
	age         uint64
	startAsHuge bool
}

func (d *DefaultHpData) Init(addr []byte, age uint64, startAsHuge bool) {
	d.addr = addr
	d.age = age
	d.startAsHuge = startAsHuge
}

func (d *DefaultHpData) Addr() []byte { return d.addr }

func (d *DefaultHpData) Age() uint64 { return d.age }

func (d *DefaultHpData) StartedAsHuge() bool { return d.startAsHuge }

func (d *DefaultHpData) PurgeNext(state *purge.PurgeState) (addr []byte, size uintptr, ok bool) {
	if state.Cursor != 0 {
		return nil, 0, false
	}
	state.Cursor = 1
	return d.addr, uintptr(len(d.addr)), true
}

// RunCount always reports 1: a fresh walk always yields the whole
// hugepage as its single dirty run (see PurgeNext).
func (d *DefaultHpData) RunCount() int { return 1 }

var (
	_ HpData            = (*DefaultHpData)(nil)
	_ purge.PurgeNexter = (*DefaultHpData)(nil)
)

// DefaultHpDataPool backs Central's default descriptor factory with a
// fixalloc bump allocator, so repeated extract/release cycles reuse
// descriptor memory the way the teacher's mfixalloc-backed mspan pool
// does for mheap.grow.
type DefaultHpDataPool struct {
	alloc *fixalloc.Fixalloc[DefaultHpData]
}

// NewDefaultHpDataPool constructs an empty pool.
func NewDefaultHpDataPool() *DefaultHpDataPool {
	return &DefaultHpDataPool{alloc: fixalloc.New[DefaultHpData]()}
}

// NewDesc is a newDesc factory for NewCentral backed by this pool.
func (p *DefaultHpDataPool) NewDesc() HpData {
	return p.alloc.Alloc()
}

// Release returns hp's memory to the pool once its hugepage has been
// fully purged and is no longer tracked by the caller.
func (p *DefaultHpDataPool) Release(hp *DefaultHpData) {
	p.alloc.Free(hp)
}

// InUse reports how many descriptors are currently checked out.
func (p *DefaultHpDataPool) InUse() int {
	return p.alloc.InUse()
}
