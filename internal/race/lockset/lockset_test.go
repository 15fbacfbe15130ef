package lockset

import "testing"

func TestInternCanonical(t *testing.T) {
	tbl := NewTable()
	a := tbl.Intern(Set{Writers: []uint64{2, 1, 2}})
	b := tbl.Intern(Set{Writers: []uint64{1, 2}})
	if a != b {
		t.Errorf("order/dup differences interned to %d and %d", a, b)
	}
	if tbl.Intern(Set{}) != Empty {
		t.Error("empty set must intern to Empty")
	}
}

func TestAddRemove(t *testing.T) {
	tbl := NewTable()
	id := tbl.AddWriter(Empty, 0x10)
	id = tbl.AddReader(id, 0x20)

	s := tbl.Get(id)
	if len(s.Writers) != 1 || s.Writers[0] != 0x10 {
		t.Errorf("writers = %v", s.Writers)
	}
	if len(s.Readers) != 1 || s.Readers[0] != 0x20 {
		t.Errorf("readers = %v", s.Readers)
	}
	if !tbl.HoldsWriter(id, 0x10) {
		t.Error("HoldsWriter(0x10) = false")
	}
	if tbl.HoldsWriter(id, 0x20) {
		t.Error("HoldsWriter(0x20) = true for reader-held lock")
	}

	id = tbl.Remove(id, 0x10)
	id = tbl.Remove(id, 0x20)
	if id != Empty {
		t.Errorf("after removing everything, id = %d, want Empty", id)
	}
}

func TestReaderUpgradeToWriter(t *testing.T) {
	tbl := NewTable()
	id := tbl.AddReader(Empty, 0x10)
	id = tbl.AddWriter(id, 0x10)
	s := tbl.Get(id)
	if len(s.Readers) != 0 || len(s.Writers) != 1 {
		t.Errorf("upgrade left writers=%v readers=%v", s.Writers, s.Readers)
	}
	// Reader-add on a writer-held lock is a no-op.
	if tbl.AddReader(id, 0x10) != id {
		t.Error("reader add on writer-held lock changed the set")
	}
}

func TestIntersectSemantics(t *testing.T) {
	tbl := NewTable()
	wM := tbl.AddWriter(Empty, 0xA)
	rM := tbl.AddReader(Empty, 0xA)
	wN := tbl.AddWriter(Empty, 0xB)

	cases := []struct {
		name string
		a, b ID
		want bool
	}{
		{"writer vs writer same lock", wM, wM, true},
		{"writer vs reader same lock", wM, rM, true},
		{"reader vs writer same lock", rM, wM, true},
		{"reader vs reader same lock", rM, rM, false}, // readers protect nothing
		{"writer vs writer different locks", wM, wN, false},
		{"anything vs empty", wM, Empty, false},
		{"empty vs empty", Empty, Empty, false},
	}
	for _, c := range cases {
		if got := tbl.Intersect(c.a, c.b); got != c.want {
			t.Errorf("%s: Intersect = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestIntersectCacheStable(t *testing.T) {
	tbl := NewTable()
	a := tbl.AddWriter(Empty, 1)
	b := tbl.AddReader(Empty, 1)
	first := tbl.Intersect(a, b)
	for i := 0; i < 3; i++ {
		if tbl.Intersect(b, a) != first {
			t.Fatal("cached answer differs between calls or orders")
		}
	}
}
