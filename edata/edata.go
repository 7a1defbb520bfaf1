// Package edata defines the extent descriptor and its intrusive
// doubly-linked list, the unit of cache residency shared by sec, hpa,
// and purge.
package edata

// Edata describes a contiguous run of pages. It is opaque outside of
// its size and list membership: callers attach whatever payload they
// need (an address, a hugepage descriptor, ...) via Payload.
//
// An Edata is in at most one List at a time; moving it between lists
// is always done by splice (Remove from one, Append/Prepend to
// another), never by copy, so outstanding pointers to an Edata stay
// valid across the move.
type Edata struct {
	next, prev *Edata
	list       *List // list currently holding this edata, for Remove's sanity check

	size    uintptr
	payload any
}

// New returns a freshly allocated, unlinked Edata of the given size.
func New(size uintptr) *Edata {
	return &Edata{size: size}
}

// Size returns the extent's byte size.
func (e *Edata) Size() uintptr { return e.size }

// SetSize updates the extent's byte size. Used by callers that reuse
// an Edata across carve operations.
func (e *Edata) SetSize(size uintptr) { e.size = size }

// Payload returns the caller-attached value, or nil if none was set.
func (e *Edata) Payload() any { return e.payload }

// SetPayload attaches a caller-owned value to the extent.
func (e *Edata) SetPayload(p any) { e.payload = p }

// List heads a doubly-linked list of Edata, newest-insertion-aware:
// Prepend puts an entry at the head (LIFO use), Append at the tail
// (FIFO use), mirroring mSpanList's insert/insertBack in the teacher.
type List struct {
	first, last *Edata
	n           int
}

// Init resets list to empty. The zero value of List is already empty;
// Init exists for reuse after Clear-equivalent operations.
func (l *List) Init() {
	l.first = nil
	l.last = nil
	l.n = 0
}

// Empty reports whether the list holds no extents.
func (l *List) Empty() bool { return l.first == nil }

// Len returns the number of extents currently on the list.
func (l *List) Len() int { return l.n }

// First returns the head of the list, or nil if empty.
func (l *List) First() *Edata { return l.first }

// Last returns the tail of the list, or nil if empty.
func (l *List) Last() *Edata { return l.last }

// Prepend inserts e at the head of the list (LIFO "hottest" position).
func (l *List) Prepend(e *Edata) {
	assertUnlinked(e)
	e.next = l.first
	e.prev = nil
	if l.first != nil {
		l.first.prev = e
	} else {
		l.last = e
	}
	l.first = e
	e.list = l
	l.n++
}

// Append inserts e at the tail of the list (FIFO "coldest" position).
func (l *List) Append(e *Edata) {
	assertUnlinked(e)
	e.prev = l.last
	e.next = nil
	if l.last != nil {
		l.last.next = e
	} else {
		l.first = e
	}
	l.last = e
	e.list = l
	l.n++
}

// Remove unlinks e from the list. It panics if e is not on this list.
func (l *List) Remove(e *Edata) {
	if e.list != l {
		panic("edata: Remove of extent not on this list")
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.first = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.last = e.prev
	}
	e.next, e.prev, e.list = nil, nil, nil
	l.n--
}

// Concat moves every extent of src onto the tail of l, in order,
// leaving src empty. The nodes are relinked, not copied, but each moved
// node's owning-list tag is rewritten, so Concat takes O(len(src)) time
// rather than constant time.
func (l *List) Concat(src *List) {
	if src.Empty() {
		return
	}
	for e := src.first; e != nil; e = e.next {
		e.list = l
	}
	if l.last != nil {
		l.last.next = src.first
		src.first.prev = l.last
	} else {
		l.first = src.first
	}
	l.last = src.last
	l.n += src.n
	src.first, src.last, src.n = nil, nil, 0
}

func assertUnlinked(e *Edata) {
	if e.list != nil {
		panic("edata: extent already linked in a list")
	}
}
