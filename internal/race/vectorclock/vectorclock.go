// Package vectorclock implements the logical-time machinery of the
// analyzer: growable per-thread clock vectors and a hash-consed table of
// immutable snapshots.
//
// A Clock is the mutable working vector owned by a live thread. Segments
// never hold a Clock directly; they hold an ID obtained by interning a
// snapshot into a Table. Interned snapshots are compared by ID for
// equality and componentwise for order, which keeps memory proportional
// to the number of distinct synchronization topologies rather than to the
// event count.
package vectorclock

import (
	"hash/fnv"
	"math"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/hybridsan/internal/race/numfmt"
)

// Clock is a growable vector of per-thread logical times, indexed by Tid.
// Missing components are zero. Clock values are 32-bit with overflow
// detection: the analyzer cannot recover from a wrapped clock, so Tick
// panics on saturation.
type Clock []uint32

// NewClock returns an empty clock (all components zero).
func NewClock() Clock { return nil }

// Get returns the component for tid, zero if the clock has never seen it.
func (c Clock) Get(tid uint32) uint32 {
	if int(tid) >= len(c) {
		return 0
	}
	return c[tid]
}

// grow extends the vector so tid is addressable.
func (c *Clock) grow(tid uint32) {
	if int(tid) < len(*c) {
		return
	}
	grown := make(Clock, tid+1)
	copy(grown, *c)
	*c = grown
}

// Set assigns the component for tid.
func (c *Clock) Set(tid uint32, v uint32) {
	c.grow(tid)
	(*c)[tid] = v
}

// Tick increments the component for tid.
func (c *Clock) Tick(tid uint32) {
	c.grow(tid)
	if (*c)[tid] == math.MaxUint32 {
		panic(errors.AssertionFailedf("vector clock overflow for tid %d", tid))
	}
	(*c)[tid]++
}

// Join folds other into c componentwise: c = c ⊔ other.
func (c *Clock) Join(other Clock) {
	if len(other) > len(*c) {
		c.grow(uint32(len(other) - 1))
	}
	for i, v := range other {
		if v > (*c)[i] {
			(*c)[i] = v
		}
	}
}

// LessOrEqual reports c ⊑ other: every component of c is <= the matching
// component of other. This is the happens-before order on snapshots.
func (c Clock) LessOrEqual(other Clock) bool {
	for i, v := range c {
		if v == 0 {
			continue
		}
		if i >= len(other) || v > other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (c Clock) Clone() Clock {
	if len(c) == 0 {
		return nil
	}
	out := make(Clock, len(c))
	copy(out, c)
	return out
}

// String renders non-zero components as "{tid:clock, ...}".
func (c Clock) String() string {
	var parts []string
	for i, v := range c {
		if v != 0 {
			parts = append(parts, numfmt.Utoa(uint64(i))+":"+numfmt.Utoa(uint64(v)))
		}
	}
	if len(parts) == 0 {
		return "{}"
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ID names an interned snapshot. Zero is the empty clock.
type ID uint32

// Zero is the ID of the all-zero clock. It is always interned.
const Zero ID = 0

// Table hash-conses clock snapshots. Not safe for concurrent use; the
// analyzer owns it exclusively under its serialization lock.
type Table struct {
	clocks []Clock         // ID -> snapshot; index 0 is the empty clock
	byHash map[uint64][]ID // FNV-1a of components -> candidate IDs
}

// NewTable returns a table preloaded with the empty clock at ID 0.
func NewTable() *Table {
	return &Table{
		clocks: []Clock{nil},
		byHash: make(map[uint64][]ID),
	}
}

// Len returns the number of distinct snapshots interned, the empty clock
// included.
func (t *Table) Len() int { return len(t.clocks) }

// Intern stores a snapshot of c and returns its ID. Equal contents always
// map to the same ID. Trailing zero components are not significant.
func (t *Table) Intern(c Clock) ID {
	// Strip trailing zeros so content addressing is canonical.
	n := len(c)
	for n > 0 && c[n-1] == 0 {
		n--
	}
	if n == 0 {
		return Zero
	}
	c = c[:n]

	h := hashClock(c)
	for _, id := range t.byHash[h] {
		if clockEqual(t.clocks[id], c) {
			return id
		}
	}
	if len(t.clocks) >= math.MaxUint32 {
		panic(errors.AssertionFailedf("vector clock table exhausted"))
	}
	id := ID(len(t.clocks))
	t.clocks = append(t.clocks, c.Clone())
	t.byHash[h] = append(t.byHash[h], id)
	return id
}

// Get returns the snapshot for id. The returned slice is shared and must
// not be mutated.
func (t *Table) Get(id ID) Clock {
	return t.clocks[id]
}

// LessOrEqual reports whether snapshot a happens-before-or-equals b.
// Equal IDs short-circuit: interning guarantees content equality.
func (t *Table) LessOrEqual(a, b ID) bool {
	if a == b {
		return true
	}
	return t.clocks[a].LessOrEqual(t.clocks[b])
}

// Concurrent reports that neither snapshot is ordered before the other.
func (t *Table) Concurrent(a, b ID) bool {
	if a == b {
		return false
	}
	return !t.clocks[a].LessOrEqual(t.clocks[b]) && !t.clocks[b].LessOrEqual(t.clocks[a])
}

func hashClock(c Clock) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, v := range c {
		buf[0] = byte(v)
		buf[1] = byte(v >> 8)
		buf[2] = byte(v >> 16)
		buf[3] = byte(v >> 24)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func clockEqual(a, b Clock) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
