// Package lockset implements interned lock sets for the hybrid race
// judgment.
//
// A set tracks the locks a thread holds, writer-held and reader-held
// separately. Sets are canonicalized (sorted, deduplicated) and interned,
// so the analyzer stores one 32-bit ID per segment and answers
// intersection queries through a small cache instead of walking maps on
// every access.
//
// Intersection semantics: two sets protect a pair of accesses iff some
// lock is held as a writer in one set and held at all (writer or reader)
// in the other. Reader∩reader does not count as protection.
package lockset

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/hybridsan/internal/race/numfmt"
)

// ID names an interned set. Zero is the empty set.
type ID uint32

// Empty is the ID of the set holding no locks.
const Empty ID = 0

// Set is a canonical lock set: sorted lock addresses, writers and readers
// disjoint. Sets stored in the table are immutable.
type Set struct {
	Writers []uint64
	Readers []uint64
}

func (s Set) empty() bool { return len(s.Writers) == 0 && len(s.Readers) == 0 }

// String renders the set as "W{...} R{...}" with hex lock addresses.
func (s Set) String() string {
	var b strings.Builder
	b.WriteString("W{")
	for i, mu := range s.Writers {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(numfmt.Hex(mu))
	}
	b.WriteString("} R{")
	for i, mu := range s.Readers {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(numfmt.Hex(mu))
	}
	b.WriteString("}")
	return b.String()
}

// Table interns canonical sets and caches pairwise intersection answers.
// Owned exclusively by the analyzer; not safe for concurrent use.
type Table struct {
	sets      []Set
	byHash    map[uint64][]ID
	intersect map[uint64]bool // packed (min,max) ID pair -> sets intersect
}

// NewTable returns a table preloaded with the empty set at ID 0.
func NewTable() *Table {
	return &Table{
		sets:      []Set{{}},
		byHash:    make(map[uint64][]ID),
		intersect: make(map[uint64]bool),
	}
}

// Len returns the number of distinct interned sets, the empty set included.
func (t *Table) Len() int { return len(t.sets) }

// Get returns the canonical set for id. The slices are shared; callers
// must not mutate them.
func (t *Table) Get(id ID) Set { return t.sets[id] }

// Intern canonicalizes s and returns its ID.
func (t *Table) Intern(s Set) ID {
	s = Set{Writers: canon(s.Writers), Readers: canon(s.Readers)}
	if s.empty() {
		return Empty
	}
	h := hashSet(s)
	for _, id := range t.byHash[h] {
		if setEqual(t.sets[id], s) {
			return id
		}
	}
	if len(t.sets) >= math.MaxUint32 {
		panic(errors.AssertionFailedf("lockset table exhausted"))
	}
	id := ID(len(t.sets))
	t.sets = append(t.sets, s)
	t.byHash[h] = append(t.byHash[h], id)
	return id
}

// AddWriter returns the set id with mu added as writer-held. A lock moves
// from the reader side if it was there (upgrade).
func (t *Table) AddWriter(id ID, mu uint64) ID {
	s := t.sets[id]
	return t.Intern(Set{
		Writers: append(append([]uint64(nil), s.Writers...), mu),
		Readers: remove(s.Readers, mu),
	})
}

// AddReader returns the set id with mu added as reader-held. Writer
// holdings win over reader holdings for the same lock.
func (t *Table) AddReader(id ID, mu uint64) ID {
	s := t.sets[id]
	if contains(s.Writers, mu) {
		return id
	}
	return t.Intern(Set{
		Writers: append([]uint64(nil), s.Writers...),
		Readers: append(append([]uint64(nil), s.Readers...), mu),
	})
}

// Remove returns the set id with mu dropped from both sides.
func (t *Table) Remove(id ID, mu uint64) ID {
	s := t.sets[id]
	return t.Intern(Set{
		Writers: remove(s.Writers, mu),
		Readers: remove(s.Readers, mu),
	})
}

// HoldsWriter reports whether mu is writer-held in set id.
func (t *Table) HoldsWriter(id ID, mu uint64) bool {
	return contains(t.sets[id].Writers, mu)
}

// Intersect reports whether the two sets protect a common access pair:
// some lock writer-held in one appears (as writer or reader) in the
// other. The answer is cached per unordered ID pair.
func (t *Table) Intersect(a, b ID) bool {
	if a == Empty || b == Empty {
		return false
	}
	key := pairKey(a, b)
	if v, ok := t.intersect[key]; ok {
		return v
	}
	sa, sb := t.sets[a], t.sets[b]
	v := overlaps(sa.Writers, sb.Writers) ||
		overlaps(sa.Writers, sb.Readers) ||
		overlaps(sa.Readers, sb.Writers)
	t.intersect[key] = v
	return v
}

func pairKey(a, b ID) uint64 {
	if a > b {
		a, b = b, a
	}
	return uint64(a)<<32 | uint64(b)
}

// overlaps assumes both slices are sorted.
func overlaps(a, b []uint64) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return true
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return false
}

func canon(xs []uint64) []uint64 {
	if len(xs) == 0 {
		return nil
	}
	out := append([]uint64(nil), xs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	// Dedup in place.
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func contains(xs []uint64, x uint64) bool {
	i := sort.Search(len(xs), func(i int) bool { return xs[i] >= x })
	return i < len(xs) && xs[i] == x
}

func remove(xs []uint64, x uint64) []uint64 {
	if !contains(xs, x) {
		if len(xs) == 0 {
			return nil
		}
		return append([]uint64(nil), xs...)
	}
	out := make([]uint64, 0, len(xs)-1)
	for _, v := range xs {
		if v != x {
			out = append(out, v)
		}
	}
	return out
}

func setEqual(a, b Set) bool {
	return u64Equal(a.Writers, b.Writers) && u64Equal(a.Readers, b.Readers)
}

func u64Equal(a, b []uint64) bool {
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

func hashSet(s Set) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	write := func(v uint64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	for _, v := range s.Writers {
		write(v)
	}
	write(math.MaxUint64) // separator between writer and reader runs
	for _, v := range s.Readers {
		write(v)
	}
	return h.Sum64()
}
