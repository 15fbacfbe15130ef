// Package shadow implements shadow memory and the race decision.
//
// Every observed application byte maps to a cell covering an 8-byte
// aligned word, with a per-byte mask. The mapping is sparse and
// two-level: a page table keyed by the high bits of the cell index, and a
// dense cell array per page. Pages for never-touched memory do not exist.
//
// Each cell holds up to four recent access records. Records are pairwise
// HB-unordered: an incoming access prunes every overlapping record whose
// segment clock it dominates, so the cell only ever remembers the
// concurrent frontier of the access history.
package shadow

import (
	"github.com/kolkov/hybridsan/internal/race/lockset"
	"github.com/kolkov/hybridsan/internal/race/segment"
	"github.com/kolkov/hybridsan/internal/race/vectorclock"
)

const (
	// granShift selects the 8-byte cell granularity.
	granShift = 3
	// CellBytes is the number of application bytes one cell covers.
	CellBytes = 1 << granShift

	// pageShift selects 1024 cells (8KB of application memory) per page.
	pageShift = 10
	pageCells = 1 << pageShift

	// MaxRecords is K, the access-history depth per cell.
	MaxRecords = 4
)

// Record is one remembered access: the segment it belongs to, the pc of
// the instruction, which bytes of the cell it touched, and its direction.
type Record struct {
	Seg   segment.ID
	PC    uint64
	Mask  uint8
	Write bool
}

type cell struct {
	recs [MaxRecords]Record
	// evict rotates over slots when the cell is full of concurrent
	// records and none is dominated.
	evict uint8
}

type page struct {
	cells [pageCells]cell
}

// Access describes the incoming operation being checked.
type Access struct {
	Tid   uint32
	PC    uint64
	Addr  uint64
	Size  uint64
	Write bool
	Seg   segment.ID
}

// RaceFunc receives every conflicting pair found. addr is the base
// address of the cell and mask marks the overlapping bytes within it.
type RaceFunc func(prev Record, cur Access, addr uint64, mask uint8)

// Memory is the sparse shadow store plus the tables needed to judge a
// pair of records. Owned exclusively by the analyzer.
type Memory struct {
	pages map[uint64]*page

	segs   *segment.Table
	vcs    *vectorclock.Table
	locks  *lockset.Table
	pureHB bool

	onRace RaceFunc

	cellsLive uint64
}

// New returns an empty shadow memory wired to the analyzer's tables.
// pureHB disables the lockset half of the race predicate.
func New(segs *segment.Table, vcs *vectorclock.Table, locks *lockset.Table, pureHB bool, onRace RaceFunc) *Memory {
	return &Memory{
		pages:  make(map[uint64]*page),
		segs:   segs,
		vcs:    vcs,
		locks:  locks,
		pureHB: pureHB,
		onRace: onRace,
	}
}

// OnAccess records a and reports races against the stored history. An
// access wider than one cell is split into per-cell sub-accesses, so a
// 4-byte write racing a 1-byte read of its second byte is still caught.
func (m *Memory) OnAccess(a Access) {
	if a.Size == 0 {
		return
	}
	end := a.Addr + a.Size
	for addr := a.Addr; addr < end; {
		base := addr &^ uint64(CellBytes-1)
		lo := addr - base
		hi := uint64(CellBytes)
		if end-base < hi {
			hi = end - base
		}
		mask := byteMask(lo, hi)
		m.cellAccess(a, base, mask)
		addr = base + CellBytes
	}
}

// byteMask sets bits [lo, hi) of the per-byte mask.
func byteMask(lo, hi uint64) uint8 {
	return uint8(((1 << hi) - 1) &^ ((1 << lo) - 1))
}

func (m *Memory) cellAccess(a Access, base uint64, mask uint8) {
	c := m.cellFor(base, true)

	cur := m.segs.Get(a.Seg)

	sameSlot := -1
	freeSlot := -1
	for i := range c.recs {
		r := &c.recs[i]
		if r.Seg == segment.None {
			freeSlot = i
			continue
		}
		if r.Seg == a.Seg && r.Write == a.Write {
			// Same segment, same direction: the record will absorb the
			// new mask, but any other stored record still needs judging.
			sameSlot = i
			continue
		}
		if r.Mask&mask == 0 {
			continue
		}
		prev := m.segs.Get(r.Seg)
		switch {
		case m.vcs.LessOrEqual(prev.VC, cur.VC):
			// Dominated: the new access happens-after it. Prune.
			m.segs.Release(r.Seg)
			*r = Record{}
			freeSlot = i
		case m.vcs.LessOrEqual(cur.VC, prev.VC):
			// Ordered the other way round; no race, keep the record.
		case (r.Write || a.Write) && (m.pureHB || !m.locks.Intersect(prev.LS, cur.LS)):
			m.onRace(*r, a, base, r.Mask&mask)
		}
	}

	if sameSlot >= 0 {
		c.recs[sameSlot].Mask |= mask
		return
	}

	// Insert the new record. If the cell is full of concurrent history,
	// the slot under the rotating eviction cursor is overwritten; that
	// slot is not necessarily the oldest record.
	slot := freeSlot
	if slot < 0 {
		slot = int(c.evict) % MaxRecords
		c.evict++
		m.segs.Release(c.recs[slot].Seg)
	}
	c.recs[slot] = Record{Seg: a.Seg, PC: a.PC, Mask: mask, Write: a.Write}
	m.segs.Acquire(a.Seg)
}

// ClearRange forgets all history for [addr, addr+size). Used on
// MALLOC/FREE/MMAP/MUNMAP: freshly mapped or freed memory carries no
// provenance.
func (m *Memory) ClearRange(addr, size uint64) {
	if size == 0 {
		return
	}
	end := addr + size
	for a := addr; a < end; {
		base := a &^ uint64(CellBytes-1)
		lo := a - base
		hi := uint64(CellBytes)
		if end-base < hi {
			hi = end - base
		}
		if c := m.cellFor(base, false); c != nil {
			m.clearCell(c, byteMask(lo, hi))
		}
		a = base + CellBytes
	}
}

func (m *Memory) clearCell(c *cell, mask uint8) {
	for i := range c.recs {
		r := &c.recs[i]
		if r.Seg == segment.None {
			continue
		}
		r.Mask &^= mask
		if r.Mask == 0 {
			m.segs.Release(r.Seg)
			*r = Record{}
		}
	}
}

func (m *Memory) cellFor(base uint64, create bool) *cell {
	ci := base >> granShift
	pg := ci >> pageShift
	p := m.pages[pg]
	if p == nil {
		if !create {
			return nil
		}
		p = &page{}
		m.pages[pg] = p
		m.cellsLive += pageCells
	}
	return &p.cells[ci&(pageCells-1)]
}

// Pages returns the number of shadow pages materialized so far.
func (m *Memory) Pages() int { return len(m.pages) }
