// Package analyzer implements the logically single-threaded core of the
// detector. It consumes events in flush order, maintains per-thread
// segments, vector clocks and locksets, drives shadow memory, and emits
// race reports through the sink.
//
// The analyzer itself is not safe for concurrent use: all entry points
// must run under the pipeline's global serialization lock. That contract
// is what makes every table here lock-free internally.
package analyzer

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/hybridsan/internal/race/config"
	"github.com/kolkov/hybridsan/internal/race/event"
	"github.com/kolkov/hybridsan/internal/race/lockset"
	"github.com/kolkov/hybridsan/internal/race/logging"
	"github.com/kolkov/hybridsan/internal/race/numfmt"
	"github.com/kolkov/hybridsan/internal/race/report"
	"github.com/kolkov/hybridsan/internal/race/segment"
	"github.com/kolkov/hybridsan/internal/race/shadow"
	"github.com/kolkov/hybridsan/internal/race/stats"
	"github.com/kolkov/hybridsan/internal/race/syncobj"
	"github.com/kolkov/hybridsan/internal/race/vectorclock"
)

type frame struct {
	pc     uint64
	sp     uint64
	ignore bool // entering this routine bumped the ignore depths
}

// threadState is everything the analyzer knows about one thread. Owned by
// the analyzer; producers only ever see the Tid.
type threadState struct {
	tid    uint32
	parent uint32
	name   string

	alive    bool
	finished bool

	clock vectorclock.Clock
	ls    lockset.ID

	seg      segment.ID
	segStale bool // clock or lockset changed since seg was minted
	dirty    bool // seg has accumulated accesses

	ignoreReads  int
	ignoreWrites int
	ignoreSync   int

	stack      []frame
	stackTop   uint64
	tracePC    uint64
	sampledOut bool // current trace skipped by literace sampling

	pendingWait uint64 // sync address recorded by WAIT_BEFORE
}

type rangePolicy uint8

const (
	policyExpect rangePolicy = iota
	policyBenign
	policyIgnoreReads
	policyIgnoreWrites
)

type annRange struct {
	lo, hi uint64
	policy rangePolicy
	fired  bool
}

func (r *annRange) covers(addr uint64) bool { return addr >= r.lo && addr < r.hi }

type pubRange struct {
	lo, hi uint64
	vc     vectorclock.Clock
}

// Analyzer is the single consumer of all event batches.
type Analyzer struct {
	cfg  config.Options
	log  *slog.Logger
	sink report.Sink

	vcs   *vectorclock.Table
	locks *lockset.Table
	segs  *segment.Table
	depot *segment.StackDepot
	mem   *shadow.Memory
	syncs *syncobj.Map

	threads []*threadState // dense by tid

	childInit map[uint32]vectorclock.Clock // THR_CREATE_AFTER snapshots awaiting THR_START
	finalVC   map[uint32]vectorclock.Clock // THR_END snapshots awaiting THR_JOIN_AFTER

	ranges    []*annRange
	published []pubRange
	traced    map[uint64]bool
	seenPairs map[[2]uint64]bool // canonicalized (pcA, pcB) already reported

	globalIgnore bool
	sampler      *sampler
	mallocSize   map[uint64]uint64

	dump io.Writer

	Stats     stats.Stats
	raceFired bool
	finished  bool
}

// New builds an analyzer with the given options, logger, and report
// sink. A nil logger discards; a nil sink panics at the first race.
func New(cfg config.Options, log *slog.Logger, sink report.Sink) *Analyzer {
	if log == nil {
		log = logging.Discard()
	}
	a := &Analyzer{
		cfg:        cfg,
		log:        log,
		sink:       sink,
		vcs:        vectorclock.NewTable(),
		locks:      lockset.NewTable(),
		segs:       segment.NewTable(),
		depot:      segment.NewStackDepot(),
		syncs:      syncobj.NewMap(),
		childInit:  make(map[uint32]vectorclock.Clock),
		finalVC:    make(map[uint32]vectorclock.Clock),
		traced:     make(map[uint64]bool),
		seenPairs:  make(map[[2]uint64]bool),
		mallocSize: make(map[uint64]uint64),
		sampler:    newSampler(cfg.LiteraceSampling),
	}
	a.mem = shadow.New(a.segs, a.vcs, a.locks, cfg.PureHappensBefore, a.onRace)
	if cfg.TraceAddr != 0 {
		a.traced[cfg.TraceAddr] = true
	}
	return a
}

// SetDumpWriter echoes every consumed event as plain text to w.
func (a *Analyzer) SetDumpWriter(w io.Writer) { a.dump = w }

// SetGlobalIgnore toggles the global ignore switch: while on, memory
// accesses are not analyzed.
func (a *Analyzer) SetGlobalIgnore(on bool) { a.globalIgnore = on }

// SetThreadName assigns a display name used in reports.
func (a *Analyzer) SetThreadName(tid uint32, name string) {
	if t := a.thread(tid); t != nil {
		t.name = name
	}
}

// IgnoreSyncBegin makes tid's subsequent synchronization events inert
// (no HB edges, no lockset changes) until the matching IgnoreSyncEnd.
// Hosts use this around synchronization the program retries in loops.
func (a *Analyzer) IgnoreSyncBegin(tid uint32) error {
	t, err := a.liveThread(tid)
	if err != nil {
		return err
	}
	t.ignoreSync++
	return nil
}

// IgnoreSyncEnd closes an IgnoreSyncBegin window.
func (a *Analyzer) IgnoreSyncEnd(tid uint32) error {
	t, err := a.liveThread(tid)
	if err != nil {
		return err
	}
	t.ignoreSync--
	if t.ignoreSync < 0 {
		return errors.Newf("negative ignore-sync depth on tid %d", tid)
	}
	return nil
}

// RaceFired reports whether any race has been reported so far.
func (a *Analyzer) RaceFired() bool { return a.raceFired }

// ConsumeBatch feeds one flushed TLEB to the analyzer. It implements the
// pipeline's consumer contract.
func (a *Analyzer) ConsumeBatch(tid uint32, evs []event.Event) error {
	a.Stats.Flushes++
	for i := range evs {
		if err := a.HandleEvent(evs[i]); err != nil {
			return err
		}
	}
	return nil
}

// HandleEvent interprets one event. Protocol violations return an error;
// the analyzer's state must be considered corrupt afterwards and the
// process should abort.
func (a *Analyzer) HandleEvent(e event.Event) error {
	if a.finished {
		return errors.Newf("event %s for tid %d after finalization", e.Kind, e.Tid)
	}
	a.Stats.Events++
	if a.dump != nil {
		fmt.Fprintf(a.dump, "%s %x %x %x %x\n", e.Kind, e.Tid, e.PC, e.Addr, e.Info)
	}
	if e.IsSync() {
		a.Stats.SyncEvents++
	}

	switch e.Kind {
	case event.Noop, event.ThrFirstInsn:
		return nil

	case event.Read, event.Write:
		return a.onAccess(e)

	case event.SBlockEnter:
		return a.onSBlockEnter(e)

	case event.ThrStart:
		return a.onThrStart(e)
	case event.ThrEnd:
		return a.onThrEnd(e)
	case event.ThrCreateBefore:
		// The child tid is unknown until THR_CREATE_AFTER; nothing to do
		// beyond validating the parent.
		_, err := a.liveThread(e.Tid)
		return err
	case event.ThrCreateAfter:
		return a.onThrCreateAfter(e)
	case event.ThrJoinBefore:
		_, err := a.liveThread(e.Tid)
		return err
	case event.ThrJoinAfter:
		return a.onThrJoinAfter(e)
	case event.ThrSetPtid:
		t, err := a.liveThread(e.Tid)
		if err != nil {
			return err
		}
		t.parent = uint32(e.Addr)
		return nil
	case event.ThrStackTop:
		t, err := a.liveThread(e.Tid)
		if err != nil {
			return err
		}
		t.stackTop = e.Addr
		return nil
	case event.SetThreadName:
		t, err := a.liveThread(e.Tid)
		if err != nil {
			return err
		}
		t.name = "thr-" + numfmt.Hex(e.Info)
		return nil

	case event.RtnCall:
		return a.onRtnCall(e)
	case event.RtnExit:
		return a.onRtnExit(e)
	case event.StackTrace:
		t, err := a.liveThread(e.Tid)
		if err != nil {
			return err
		}
		a.log.Debug("stack trace", "tid", e.Tid, "depth", len(t.stack))
		return nil

	case event.WriterLock:
		return a.onWriterLock(e)
	case event.ReaderLock:
		return a.onReaderLock(e)
	case event.Unlock:
		return a.onUnlock(e, false)
	case event.UnlockOrInit:
		return a.onUnlock(e, true)
	case event.LockCreate:
		a.syncs.LockAt(e.Addr)
		return nil
	case event.LockDestroy:
		a.syncs.Destroy(e.Addr)
		return nil
	case event.HBLock, event.NonHBLock:
		ls, _ := a.syncs.LockAt(e.Addr)
		ls.PureHB = e.Kind == event.HBLock
		return nil

	case event.Signal:
		return a.onSignal(e)
	case event.Wait:
		return a.onWait(e, e.Addr)
	case event.WaitBefore:
		t, err := a.liveThread(e.Tid)
		if err != nil {
			return err
		}
		t.pendingWait = e.Addr
		return nil
	case event.WaitAfter:
		t, err := a.liveThread(e.Tid)
		if err != nil {
			return err
		}
		addr := e.Addr
		if addr == 0 {
			addr = t.pendingWait
		}
		t.pendingWait = 0
		if addr == 0 {
			return nil
		}
		return a.onWait(e, addr)

	case event.CyclicBarrierInit:
		b := a.syncs.BarrierAt(e.Addr)
		b.Count = int(e.Info)
		return nil
	case event.CyclicBarrierWaitBefore:
		return a.onBarrierBefore(e)
	case event.CyclicBarrierWaitAfter:
		return a.onBarrierAfter(e)

	case event.PCQCreate:
		a.syncs.PCQAt(e.Addr)
		return nil
	case event.PCQDestroy:
		a.syncs.Destroy(e.Addr)
		return nil
	case event.PCQPut:
		return a.onPCQPut(e)
	case event.PCQGet:
		return a.onPCQGet(e)

	case event.Malloc, event.Mmap:
		a.mallocSize[e.Addr] = e.Info
		a.mem.ClearRange(e.Addr, e.Info)
		return nil
	case event.Free, event.Munmap:
		size := e.Info
		if size == 0 {
			size = a.mallocSize[e.Addr]
		}
		delete(a.mallocSize, e.Addr)
		a.mem.ClearRange(e.Addr, size)
		return nil

	case event.PublishRange:
		return a.onPublish(e)
	case event.UnpublishRange:
		a.unpublish(e.Addr, rangeEnd(e.Addr, e.Info))
		return nil

	case event.ExpectRace:
		a.ranges = append(a.ranges, &annRange{
			lo: e.Addr, hi: rangeEnd(e.Addr, e.Info), policy: policyExpect,
		})
		return nil
	case event.BenignRace:
		a.ranges = append(a.ranges, &annRange{
			lo: e.Addr, hi: rangeEnd(e.Addr, e.Info), policy: policyBenign,
		})
		return nil
	case event.FlushState:
		a.seenPairs = make(map[[2]uint64]bool)
		return nil
	case event.IgnoreReadsBeg:
		t, err := a.liveThread(e.Tid)
		if err != nil {
			return err
		}
		t.ignoreReads++
		return nil
	case event.IgnoreReadsEnd:
		t, err := a.liveThread(e.Tid)
		if err != nil {
			return err
		}
		t.ignoreReads--
		if t.ignoreReads < 0 {
			return errors.Newf("negative ignore-reads depth on tid %d", e.Tid)
		}
		return nil
	case event.IgnoreWritesBeg:
		t, err := a.liveThread(e.Tid)
		if err != nil {
			return err
		}
		t.ignoreWrites++
		return nil
	case event.IgnoreWritesEnd:
		t, err := a.liveThread(e.Tid)
		if err != nil {
			return err
		}
		t.ignoreWrites--
		if t.ignoreWrites < 0 {
			return errors.Newf("negative ignore-writes depth on tid %d", e.Tid)
		}
		return nil
	case event.TraceMem:
		a.traced[e.Addr] = true
		return nil
	}

	return errors.Newf("unknown event kind %d for tid %d", e.Kind, e.Tid)
}

func rangeEnd(addr, size uint64) uint64 {
	if size == 0 {
		size = 1
	}
	return addr + size
}

// thread returns the state for tid, nil if never started.
func (a *Analyzer) thread(tid uint32) *threadState {
	if int(tid) >= len(a.threads) {
		return nil
	}
	return a.threads[tid]
}

// liveThread returns the state for tid, failing if the thread never
// started or already ended. Events on dead threads are protocol errors.
func (a *Analyzer) liveThread(tid uint32) (*threadState, error) {
	t := a.thread(tid)
	if t == nil {
		return nil, errors.Newf("event for unknown tid %d", tid)
	}
	if !t.alive {
		return nil, errors.Newf("event for finished tid %d", tid)
	}
	return t, nil
}

// ensureSegment mints a fresh segment when the thread has none or its
// clock/lockset moved since the last mint. Minting ticks the thread's own
// component first, so every segment strictly dominates its predecessor.
func (a *Analyzer) ensureSegment(t *threadState) {
	if t.seg != segment.None && !t.segStale {
		return
	}
	t.clock.Tick(t.tid)
	vcID := a.vcs.Intern(t.clock)
	stackID := a.depot.Put(t.stackPCs())
	next := a.segs.Mint(t.tid, vcID, t.ls, stackID)
	if t.seg != segment.None {
		a.segs.Release(t.seg)
	}
	t.seg = next
	t.segStale = false
	t.dirty = false
}

func (t *threadState) stackPCs() []uint64 {
	pcs := make([]uint64, 0, len(t.stack)+1)
	for _, f := range t.stack {
		pcs = append(pcs, f.pc)
	}
	if t.tracePC != 0 {
		pcs = append(pcs, t.tracePC)
	}
	return pcs
}

// markSync notes that the thread's happens-before position changed, so
// the next access needs a new segment.
func (t *threadState) markSync() { t.segStale = true }
