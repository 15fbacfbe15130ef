package shadow

import (
	"testing"

	"github.com/kolkov/hybridsan/internal/race/lockset"
	"github.com/kolkov/hybridsan/internal/race/segment"
	"github.com/kolkov/hybridsan/internal/race/vectorclock"
)

type raceHit struct {
	prev Record
	cur  Access
	addr uint64
	mask uint8
}

type env struct {
	segs  *segment.Table
	vcs   *vectorclock.Table
	locks *lockset.Table
	mem   *Memory
	hits  []raceHit
}

func newEnv(t *testing.T, pureHB bool) *env {
	t.Helper()
	e := &env{
		segs:  segment.NewTable(),
		vcs:   vectorclock.NewTable(),
		locks: lockset.NewTable(),
	}
	e.mem = New(e.segs, e.vcs, e.locks, pureHB, func(prev Record, cur Access, addr uint64, mask uint8) {
		e.hits = append(e.hits, raceHit{prev, cur, addr, mask})
	})
	return e
}

// seg mints a segment whose clock has the given (tid, value) components.
func (e *env) seg(tid uint32, ls lockset.ID, comps ...uint32) segment.ID {
	c := vectorclock.NewClock()
	for i := 0; i+1 < len(comps); i += 2 {
		c.Set(comps[i], comps[i+1])
	}
	return e.segs.Mint(tid, e.vcs.Intern(c), ls, 0)
}

func TestConcurrentWriteReadRaces(t *testing.T) {
	e := newEnv(t, false)
	s1 := e.seg(1, lockset.Empty, 1, 2)
	s2 := e.seg(2, lockset.Empty, 2, 2)

	e.mem.OnAccess(Access{Tid: 1, PC: 100, Addr: 0x1000, Size: 4, Write: true, Seg: s1})
	e.mem.OnAccess(Access{Tid: 2, PC: 200, Addr: 0x1000, Size: 4, Write: false, Seg: s2})

	if len(e.hits) != 1 {
		t.Fatalf("races = %d, want 1", len(e.hits))
	}
	h := e.hits[0]
	if h.prev.PC != 100 || h.cur.PC != 200 {
		t.Errorf("pcs = (%#x, %#x), want (0x64, 0xc8)", h.prev.PC, h.cur.PC)
	}
	if !h.prev.Write || h.cur.Write {
		t.Errorf("directions wrong: prev.Write=%v cur.Write=%v", h.prev.Write, h.cur.Write)
	}
	if h.addr != 0x1000 {
		t.Errorf("race addr = %#x, want 0x1000", h.addr)
	}
}

func TestReadReadNoRace(t *testing.T) {
	e := newEnv(t, false)
	s1 := e.seg(1, lockset.Empty, 1, 2)
	s2 := e.seg(2, lockset.Empty, 2, 2)
	e.mem.OnAccess(Access{Tid: 1, Addr: 0x1000, Size: 4, Seg: s1})
	e.mem.OnAccess(Access{Tid: 2, Addr: 0x1000, Size: 4, Seg: s2})
	if len(e.hits) != 0 {
		t.Fatalf("races = %d, want 0 (both reads)", len(e.hits))
	}
}

func TestOrderedAccessPrunes(t *testing.T) {
	e := newEnv(t, false)
	s1 := e.seg(1, lockset.Empty, 1, 2)
	// s2 dominates s1: it has seen 1:2.
	s2 := e.seg(2, lockset.Empty, 1, 2, 2, 2)

	e.mem.OnAccess(Access{Tid: 1, Addr: 0x2000, Size: 8, Write: true, Seg: s1})
	e.mem.OnAccess(Access{Tid: 2, Addr: 0x2000, Size: 8, Write: true, Seg: s2})
	if len(e.hits) != 0 {
		t.Fatalf("races = %d, want 0 (HB ordered)", len(e.hits))
	}
	// s1 was pruned from the cell: only s2's record holds a reference,
	// so releasing the minting references leaves s1 dead.
	e.segs.Release(s1)
	if e.segs.Live() != 1 {
		t.Errorf("live segments = %d, want 1 (pruned record released s1)", e.segs.Live())
	}
}

func TestLocksetProtects(t *testing.T) {
	e := newEnv(t, false)
	wM := e.locks.AddWriter(lockset.Empty, 0xAA)
	s1 := e.seg(1, wM, 1, 2)
	s2 := e.seg(2, wM, 2, 2)
	e.mem.OnAccess(Access{Tid: 1, Addr: 0x3000, Size: 4, Write: true, Seg: s1})
	e.mem.OnAccess(Access{Tid: 2, Addr: 0x3000, Size: 4, Write: true, Seg: s2})
	if len(e.hits) != 0 {
		t.Fatalf("races = %d, want 0 (common writer lock)", len(e.hits))
	}
}

func TestPureHBIgnoresLocksets(t *testing.T) {
	e := newEnv(t, true)
	wM := e.locks.AddWriter(lockset.Empty, 0xAA)
	s1 := e.seg(1, wM, 1, 2)
	s2 := e.seg(2, wM, 2, 2)
	e.mem.OnAccess(Access{Tid: 1, Addr: 0x3000, Size: 4, Write: true, Seg: s1})
	e.mem.OnAccess(Access{Tid: 2, Addr: 0x3000, Size: 4, Write: true, Seg: s2})
	if len(e.hits) != 1 {
		t.Fatalf("races = %d, want 1 (pure HB skips lockset test)", len(e.hits))
	}
}

func TestPartialOverlapDetected(t *testing.T) {
	e := newEnv(t, false)
	s1 := e.seg(1, lockset.Empty, 1, 2)
	s2 := e.seg(2, lockset.Empty, 2, 2)

	// 4-byte write at 0x1000 vs 1-byte read of its second byte.
	e.mem.OnAccess(Access{Tid: 1, Addr: 0x1000, Size: 4, Write: true, Seg: s1})
	e.mem.OnAccess(Access{Tid: 2, Addr: 0x1001, Size: 1, Seg: s2})
	if len(e.hits) != 1 {
		t.Fatalf("races = %d, want 1", len(e.hits))
	}
	if e.hits[0].addr != 0x1001 {
		t.Errorf("race addr = %#x, want 0x1001", e.hits[0].addr)
	}
	if e.hits[0].mask != 0x02 {
		t.Errorf("overlap mask = %#x, want 0x02", e.hits[0].mask)
	}
}

func TestDisjointBytesNoRace(t *testing.T) {
	e := newEnv(t, false)
	s1 := e.seg(1, lockset.Empty, 1, 2)
	s2 := e.seg(2, lockset.Empty, 2, 2)
	e.mem.OnAccess(Access{Tid: 1, Addr: 0x1000, Size: 2, Write: true, Seg: s1})
	e.mem.OnAccess(Access{Tid: 2, Addr: 0x1004, Size: 2, Write: true, Seg: s2})
	if len(e.hits) != 0 {
		t.Fatalf("races = %d, want 0 (disjoint bytes of one cell)", len(e.hits))
	}
}

func TestStraddlingAccessSplits(t *testing.T) {
	e := newEnv(t, false)
	s1 := e.seg(1, lockset.Empty, 1, 2)
	s2 := e.seg(2, lockset.Empty, 2, 2)

	// 8 bytes at 0x1004 straddle cells 0x1000 and 0x1008.
	e.mem.OnAccess(Access{Tid: 1, Addr: 0x1004, Size: 8, Write: true, Seg: s1})
	e.mem.OnAccess(Access{Tid: 2, Addr: 0x1008, Size: 1, Seg: s2})
	if len(e.hits) != 1 {
		t.Fatalf("races = %d, want 1 (second half of straddling write)", len(e.hits))
	}
	if e.hits[0].addr != 0x1008 {
		t.Errorf("race addr = %#x, want 0x1008", e.hits[0].addr)
	}
}

func TestClearRangeForgets(t *testing.T) {
	e := newEnv(t, false)
	s1 := e.seg(1, lockset.Empty, 1, 2)
	s2 := e.seg(2, lockset.Empty, 2, 2)
	e.mem.OnAccess(Access{Tid: 1, Addr: 0x4000, Size: 8, Write: true, Seg: s1})
	e.mem.ClearRange(0x4000, 8)
	e.mem.OnAccess(Access{Tid: 2, Addr: 0x4000, Size: 8, Write: true, Seg: s2})
	if len(e.hits) != 0 {
		t.Fatalf("races = %d, want 0 after ClearRange", len(e.hits))
	}
}

func TestClearRangePartialByte(t *testing.T) {
	e := newEnv(t, false)
	s1 := e.seg(1, lockset.Empty, 1, 2)
	s2 := e.seg(2, lockset.Empty, 2, 2)
	e.mem.OnAccess(Access{Tid: 1, Addr: 0x4000, Size: 8, Write: true, Seg: s1})
	e.mem.ClearRange(0x4000, 4) // only the low half
	e.mem.OnAccess(Access{Tid: 2, Addr: 0x4006, Size: 1, Write: true, Seg: s2})
	if len(e.hits) != 1 {
		t.Fatalf("races = %d, want 1 (high half still recorded)", len(e.hits))
	}
}

func TestSameSegmentWidensMask(t *testing.T) {
	e := newEnv(t, false)
	s1 := e.seg(1, lockset.Empty, 1, 2)
	e.mem.OnAccess(Access{Tid: 1, Addr: 0x5000, Size: 1, Write: true, Seg: s1})
	e.mem.OnAccess(Access{Tid: 1, Addr: 0x5001, Size: 1, Write: true, Seg: s1})
	// One record, two mint references (thread + one cell slot).
	e.segs.Release(s1)
	if e.segs.Live() != 1 {
		t.Errorf("live segments = %d, want 1 (single widened record)", e.segs.Live())
	}

	s2 := e.seg(2, lockset.Empty, 2, 2)
	e.mem.OnAccess(Access{Tid: 2, Addr: 0x5001, Size: 1, Seg: s2})
	if len(e.hits) != 1 {
		t.Fatalf("races = %d, want 1 against the widened record", len(e.hits))
	}
}

func TestEvictionKeepsCellBounded(t *testing.T) {
	e := newEnv(t, false)
	// More concurrent readers than MaxRecords; all pairwise unordered.
	for i := uint32(1); i <= MaxRecords+2; i++ {
		s := e.seg(i, lockset.Empty, i, 2)
		e.mem.OnAccess(Access{Tid: i, Addr: 0x6000, Size: 1, Seg: s})
	}
	if len(e.hits) != 0 {
		t.Fatalf("races = %d, want 0 (reads only)", len(e.hits))
	}
	// A concurrent writer races with at most MaxRecords survivors.
	w := e.seg(100, lockset.Empty, 100, 2)
	e.mem.OnAccess(Access{Tid: 100, Addr: 0x6000, Size: 1, Write: true, Seg: w})
	if len(e.hits) == 0 || len(e.hits) > MaxRecords {
		t.Fatalf("races = %d, want between 1 and %d", len(e.hits), MaxRecords)
	}
}

func BenchmarkOnAccessSameSegment(b *testing.B) {
	e := &env{
		segs:  segment.NewTable(),
		vcs:   vectorclock.NewTable(),
		locks: lockset.NewTable(),
	}
	e.mem = New(e.segs, e.vcs, e.locks, false, func(Record, Access, uint64, uint8) {})
	s := e.seg(1, lockset.Empty, 1, 2)
	a := Access{Tid: 1, Addr: 0x1000, Size: 8, Write: true, Seg: s}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.mem.OnAccess(a)
	}
}
