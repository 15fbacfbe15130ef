// Package segment implements the segment table.
//
// A segment is a maximal run of one thread's events between two
// synchronization boundaries. It is immutable once minted: the owning
// tid, the vector-clock snapshot, the lockset, and the captured call
// stack never change. Shadow cells reference segments by compact ID and
// hold a reference count; a segment returns to the free list when the
// owning thread has moved on and no cell references it.
package segment

import (
	"math"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/hybridsan/internal/race/lockset"
	"github.com/kolkov/hybridsan/internal/race/vectorclock"
)

// ID is a compact handle into the segment table. Zero is never a valid
// segment.
type ID uint32

// None is the null segment handle.
const None ID = 0

// Segment is one unit of thread execution. VC and LS are interned
// snapshots taken at mint time; Stack is a depot handle for the thread's
// shadow call stack at the same moment.
type Segment struct {
	Tid   uint32
	VC    vectorclock.ID
	LS    lockset.ID
	Stack StackID

	refs int32
	live bool
}

// Table owns every segment. Owned exclusively by the analyzer; not safe
// for concurrent use.
type Table struct {
	segs    []Segment
	free    []ID
	liveCnt int

	// minted counts every segment ever created, for the stats block.
	minted uint64
}

// NewTable returns an empty table. Index 0 is reserved for None.
func NewTable() *Table {
	return &Table{segs: make([]Segment, 1)}
}

// Mint creates a segment and returns its handle with one reference held
// by the owning thread. The thread releases that reference when it mints
// its next segment.
func (t *Table) Mint(tid uint32, vc vectorclock.ID, ls lockset.ID, stack StackID) ID {
	var id ID
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if len(t.segs) >= math.MaxUint32 {
			panic(errors.AssertionFailedf("out of segment IDs"))
		}
		t.segs = append(t.segs, Segment{})
		id = ID(len(t.segs) - 1)
	}
	t.segs[id] = Segment{Tid: tid, VC: vc, LS: ls, Stack: stack, refs: 1, live: true}
	t.liveCnt++
	t.minted++
	return id
}

// Get returns the segment for id. Panics on a dead or null handle: the
// caller holding a reference is an invariant, not a recoverable state.
func (t *Table) Get(id ID) *Segment {
	s := &t.segs[id]
	if id == None || !s.live {
		panic(errors.AssertionFailedf("use of dead segment %d", id))
	}
	return s
}

// Acquire adds a reference, typically when a shadow cell stores id.
func (t *Table) Acquire(id ID) {
	if id == None {
		return
	}
	t.segs[id].refs++
}

// Release drops a reference. The segment is recycled once the count
// reaches zero.
func (t *Table) Release(id ID) {
	if id == None {
		return
	}
	s := &t.segs[id]
	s.refs--
	if s.refs < 0 {
		panic(errors.AssertionFailedf("segment %d over-released", id))
	}
	if s.refs == 0 {
		s.live = false
		t.liveCnt--
		t.free = append(t.free, id)
	}
}

// Live returns the number of segments currently referenced.
func (t *Table) Live() int { return t.liveCnt }

// Minted returns the total number of segments ever created.
func (t *Table) Minted() uint64 { return t.minted }
