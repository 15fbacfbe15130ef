package analyzer

import (
	"math/bits"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/hybridsan/internal/race/event"
	"github.com/kolkov/hybridsan/internal/race/numfmt"
	"github.com/kolkov/hybridsan/internal/race/report"
	"github.com/kolkov/hybridsan/internal/race/shadow"
	"github.com/kolkov/hybridsan/internal/race/vectorclock"
)

// --- memory accesses ---------------------------------------------------

func (a *Analyzer) onAccess(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	write := e.Kind == event.Write
	if write {
		a.Stats.Writes++
	} else {
		a.Stats.Reads++
	}

	if t.sampledOut {
		a.Stats.SampledOut++
		return nil
	}
	if a.ignored(t, e.Addr, write) {
		return nil
	}

	size := e.Info
	if size == 0 {
		size = 1
	}

	// Reads from a published range happen-after the publish.
	if !write {
		if vc := a.publishedVC(e.Addr, size); vc != nil && !vc.LessOrEqual(t.clock) {
			t.clock.Join(vc)
			t.markSync()
		}
	}

	a.ensureSegment(t)

	if a.traced[e.Addr] {
		a.log.Info("traced access",
			"tid", e.Tid, "pc", numfmt.Hex(e.PC), "addr", numfmt.Hex(e.Addr),
			"size", size, "write", write, "segment", t.seg)
	}

	a.mem.OnAccess(shadow.Access{
		Tid:   e.Tid,
		PC:    e.PC,
		Addr:  e.Addr,
		Size:  size,
		Write: write,
		Seg:   t.seg,
	})
	t.dirty = true
	return nil
}

func (a *Analyzer) ignored(t *threadState, addr uint64, write bool) bool {
	if a.globalIgnore {
		return true
	}
	if write && t.ignoreWrites > 0 {
		return true
	}
	if !write && t.ignoreReads > 0 {
		return true
	}
	for _, r := range a.ranges {
		if !r.covers(addr) {
			continue
		}
		if r.policy == policyIgnoreReads && !write {
			return true
		}
		if r.policy == policyIgnoreWrites && write {
			return true
		}
	}
	return false
}

func (a *Analyzer) onSBlockEnter(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	t.tracePC = e.PC
	t.sampledOut = a.sampler.skip(e.PC)
	if t.dirty {
		// The old segment accumulated accesses; the next access under
		// this trace gets a fresh one.
		t.segStale = true
	}
	return nil
}

// --- thread lifecycle --------------------------------------------------

func (a *Analyzer) onThrStart(e event.Event) error {
	tid := e.Tid
	if t := a.thread(tid); t != nil && t.alive {
		return errors.Newf("THR_START for already-live tid %d", tid)
	}
	for int(tid) >= len(a.threads) {
		a.threads = append(a.threads, nil)
	}

	t := &threadState{tid: tid, alive: true}
	if vc, ok := a.childInit[tid]; ok {
		// The parent announced this thread via THR_CREATE_AFTER.
		t.clock = vc.Clone()
		delete(a.childInit, tid)
	} else if e.Addr != 0 && e.Addr != uint64(tid) {
		// Some producers put the parent tid in addr instead.
		if p := a.thread(uint32(e.Addr)); p != nil {
			t.parent = uint32(e.Addr)
			t.clock = p.clock.Clone()
			p.clock.Tick(p.tid)
			p.markSync()
		}
	}
	t.clock.Tick(tid)
	a.threads[tid] = t
	a.Stats.Threads++
	return nil
}

func (a *Analyzer) onThrEnd(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	t.alive = false
	t.finished = true
	a.finalVC[t.tid] = t.clock.Clone()
	if t.seg != 0 {
		a.segs.Release(t.seg)
		t.seg = 0
	}
	return nil
}

func (a *Analyzer) onThrCreateAfter(e event.Event) error {
	parent, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	child := uint32(e.Addr)
	if child == 0 {
		child = uint32(e.Info)
	}
	if child == 0 {
		return errors.Newf("THR_CREATE_AFTER without child tid (parent %d)", e.Tid)
	}
	if c := a.thread(child); c != nil && c.alive {
		// Child raced ahead of the parent's create event; join directly.
		c.clock.Join(parent.clock)
		c.markSync()
	} else {
		a.childInit[child] = parent.clock.Clone()
	}
	parent.clock.Tick(parent.tid)
	parent.markSync()
	return nil
}

func (a *Analyzer) onThrJoinAfter(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	child := uint32(e.Addr)
	vc, ok := a.finalVC[child]
	if !ok {
		a.log.Warn("join of thread with no recorded end", "joiner", e.Tid, "child", child)
		return nil
	}
	t.clock.Join(vc)
	t.markSync()
	return nil
}

// --- call stack --------------------------------------------------------

func (a *Analyzer) onRtnCall(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	f := frame{pc: e.PC, sp: e.Addr}
	if e.Info != 0 {
		// Routine tagged ignore_below: everything underneath is skipped.
		f.ignore = true
		t.ignoreReads++
		t.ignoreWrites++
	}
	t.stack = append(t.stack, f)
	return nil
}

func (a *Analyzer) onRtnExit(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	if len(t.stack) == 0 {
		// Producers that attach mid-run can deliver unbalanced exits.
		a.log.Debug("RTN_EXIT on empty stack", "tid", e.Tid)
		return nil
	}
	f := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	if f.ignore {
		t.ignoreReads--
		t.ignoreWrites--
		if t.ignoreReads < 0 || t.ignoreWrites < 0 {
			return errors.Newf("negative ignore depth on tid %d after RTN_EXIT", e.Tid)
		}
	}
	return nil
}

// --- locks -------------------------------------------------------------

func (a *Analyzer) onWriterLock(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	if t.ignoreSync > 0 {
		return nil
	}
	mu, reused := a.syncs.LockAt(e.Addr)
	if reused {
		a.log.Warn("lock used after destroy", "addr", numfmt.Hex(e.Addr), "tid", e.Tid)
	}
	if mu.Recursion > 0 && mu.Owner == t.tid {
		// Nested acquire: no HB or lockset effect.
		mu.Recursion++
		return nil
	}
	mu.Owner = t.tid
	mu.Recursion = 1
	if a.cfg.PureHappensBefore || mu.PureHB {
		t.clock.Join(mu.Release)
		t.clock.Join(mu.ReaderRelease)
	}
	t.ls = a.locks.AddWriter(t.ls, e.Addr)
	t.markSync()
	return nil
}

func (a *Analyzer) onReaderLock(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	if t.ignoreSync > 0 {
		return nil
	}
	mu, reused := a.syncs.LockAt(e.Addr)
	if reused {
		a.log.Warn("lock used after destroy", "addr", numfmt.Hex(e.Addr), "tid", e.Tid)
	}
	if a.cfg.PureHappensBefore || mu.PureHB {
		// Readers synchronize with the previous writer release only;
		// joining ReaderRelease here would order two readers.
		t.clock.Join(mu.Release)
	}
	t.ls = a.locks.AddReader(t.ls, e.Addr)
	t.markSync()
	return nil
}

func (a *Analyzer) onUnlock(e event.Event, orInit bool) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	if t.ignoreSync > 0 {
		return nil
	}
	mu, _ := a.syncs.LockAt(e.Addr)

	heldWriter := a.locks.HoldsWriter(t.ls, e.Addr)
	if orInit && !heldWriter && mu.Recursion == 0 {
		// UNLOCK_OR_INIT on an unheld lock initializes it.
		return nil
	}
	if heldWriter && mu.Recursion > 1 && mu.Owner == t.tid {
		mu.Recursion--
		return nil
	}

	if heldWriter {
		mu.Release = t.clock.Clone()
		mu.Recursion = 0
		mu.Owner = 0
	} else {
		// Reader unlocks accumulate; only writer acquires consume them.
		mu.ReaderRelease.Join(t.clock)
	}
	t.clock.Tick(t.tid)
	t.ls = a.locks.Remove(t.ls, e.Addr)
	t.markSync()
	return nil
}

// --- condvars, semaphores ---------------------------------------------

func (a *Analyzer) onSignal(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	if t.ignoreSync > 0 {
		return nil
	}
	sig := a.syncs.SignalAt(e.Addr)
	sig.VC.Join(t.clock)
	t.clock.Tick(t.tid)
	t.markSync()
	return nil
}

func (a *Analyzer) onWait(e event.Event, addr uint64) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	if t.ignoreSync > 0 {
		return nil
	}
	sig := a.syncs.SignalAt(addr)
	t.clock.Join(sig.VC)
	t.markSync()
	return nil
}

// --- barriers ----------------------------------------------------------

func (a *Analyzer) onBarrierBefore(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	if t.ignoreSync > 0 {
		return nil
	}
	b := a.syncs.BarrierAt(e.Addr)
	b.Pending.Join(t.clock)
	b.Arrived++
	t.clock.Tick(t.tid)
	t.markSync()
	if b.Count > 0 && b.Arrived >= b.Count {
		b.Phase = b.Pending.Clone()
		b.Pending = vectorclock.NewClock()
		b.Arrived = 0
	}
	return nil
}

func (a *Analyzer) onBarrierAfter(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	if t.ignoreSync > 0 {
		return nil
	}
	b := a.syncs.BarrierAt(e.Addr)
	t.clock.Join(b.Phase)
	t.markSync()
	return nil
}

// --- producer-consumer queues -------------------------------------------

func (a *Analyzer) onPCQPut(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	if t.ignoreSync > 0 {
		return nil
	}
	q := a.syncs.PCQAt(e.Addr)
	q.FIFO = append(q.FIFO, t.clock.Clone())
	t.clock.Tick(t.tid)
	t.markSync()
	return nil
}

func (a *Analyzer) onPCQGet(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	if t.ignoreSync > 0 {
		return nil
	}
	q := a.syncs.PCQAt(e.Addr)
	if len(q.FIFO) == 0 {
		a.log.Warn("PCQ_GET on empty queue", "addr", numfmt.Hex(e.Addr), "tid", e.Tid)
		return nil
	}
	vc := q.FIFO[0]
	q.FIFO = q.FIFO[1:]
	t.clock.Join(vc)
	t.markSync()
	return nil
}

// --- publish ranges ----------------------------------------------------

func (a *Analyzer) onPublish(e event.Event) error {
	t, err := a.liveThread(e.Tid)
	if err != nil {
		return err
	}
	a.published = append(a.published, pubRange{
		lo: e.Addr, hi: rangeEnd(e.Addr, e.Info), vc: t.clock.Clone(),
	})
	t.clock.Tick(t.tid)
	t.markSync()
	return nil
}

func (a *Analyzer) unpublish(lo, hi uint64) {
	out := a.published[:0]
	for _, p := range a.published {
		if p.lo >= hi || p.hi <= lo {
			out = append(out, p)
		}
	}
	a.published = out
}

func (a *Analyzer) publishedVC(addr, size uint64) vectorclock.Clock {
	for i := range a.published {
		p := &a.published[i]
		if addr < p.hi && addr+size > p.lo {
			return p.vc
		}
	}
	return nil
}

// --- race reporting ----------------------------------------------------

// onRace is the shadow memory callback: a concurrent, unprotected,
// overlapping pair was found. Suppression order: annotation ranges first
// (the earliest-installed benign or expect range covering the address
// decides), then per-(pc,pc) dedup.
func (a *Analyzer) onRace(prev shadow.Record, cur shadow.Access, base uint64, mask uint8) {
	addr := raceAddr(base, mask)

	for _, r := range a.ranges {
		if !r.covers(addr) {
			continue
		}
		switch r.policy {
		case policyBenign:
			a.Stats.Suppressed++
			return
		case policyExpect:
			if !r.fired {
				r.fired = true
				a.Stats.Expectation++
			}
			a.Stats.Suppressed++
			return
		}
	}

	pair := [2]uint64{cur.PC, prev.PC}
	if pair[0] > pair[1] {
		pair[0], pair[1] = pair[1], pair[0]
	}
	if a.seenPairs[pair] {
		a.Stats.Suppressed++
		return
	}
	a.seenPairs[pair] = true

	prevSeg := a.segs.Get(prev.Seg)
	curSeg := a.segs.Get(cur.Seg)
	r := &report.Race{
		Addr:     addr,
		ByteMask: mask,
		Current: report.Access{
			Tid:        cur.Tid,
			ThreadName: a.threadName(cur.Tid),
			PC:         cur.PC,
			Write:      cur.Write,
			Size:       cur.Size,
			SegID:      uint32(cur.Seg),
			Stack:      a.depot.Get(curSeg.Stack),
			LockSet:    a.locks.Get(curSeg.LS).String(),
		},
		Previous: report.Access{
			Tid:        prevSeg.Tid,
			ThreadName: a.threadName(prevSeg.Tid),
			PC:         prev.PC,
			Write:      prev.Write,
			Size:       uint64(bits.OnesCount8(prev.Mask)),
			SegID:      uint32(prev.Seg),
			Stack:      a.depot.Get(prevSeg.Stack),
			LockSet:    a.locks.Get(prevSeg.LS).String(),
		},
	}
	a.raceFired = true
	a.Stats.RacesFound++
	a.sink.Race(r)
}

// raceAddr returns the address of the lowest overlapping byte.
func raceAddr(base uint64, mask uint8) uint64 {
	if mask == 0 {
		return base
	}
	return base + uint64(bits.TrailingZeros8(mask))
}

func (a *Analyzer) threadName(tid uint32) string {
	if t := a.thread(tid); t != nil {
		return t.name
	}
	return ""
}
