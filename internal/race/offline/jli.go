package offline

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/hybridsan/internal/race/event"
)

// jliCallPC is the synthetic call-site pc used for RTN_ENTER rewrites;
// the interned routine pc carries the real identity.
const jliCallPC = 0x1234

// jliAddPC interns an arbitrary routine string to a synthetic pc.
func (r *Reader) jliAddPC(s string) uint64 {
	if pc, ok := r.jliPCs[s]; ok {
		return pc
	}
	pc := uint64(len(r.syms.jliRtns))
	r.jliPCs[s] = pc
	r.syms.jliRtns = append(r.syms.jliRtns, s)
	return pc
}

// readJLI consumes a java.lang.instrument stream. Line shape:
//
//	NAME tid pc_string a info      (tid, a, info decimal; tid is 1-based)
//
// Composite java events are rewritten into the core vocabulary the way
// the instrumenting agent expects: RTN_ENTER opens a routine and a
// trace, THR_CREATE announces and starts the child and records the
// creator as its parent, THR_JOIN ends and joins the target, WAIT
// expands to its before/after pair, and LOCK becomes a writer lock.
func (r *Reader) readJLI(sc *bufio.Scanner) (int, error) {
	// The primordial thread never gets an explicit start in jli streams.
	if err := r.emit(event.Event{Kind: event.ThrStart, Tid: 0}); err != nil {
		return 0, err
	}
	if err := r.emit(event.Event{Kind: event.ThrFirstInsn, Tid: 0}); err != nil {
		return 0, err
	}

	n := 0
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line[0] == '#' || line[0] == '=' {
			continue
		}
		f := strings.Fields(line)
		if len(f) != 5 {
			return n, errors.Newf("jli line %d: want 5 fields, got %d", lineNo, len(f))
		}
		name := f[0]
		tid64, err1 := strconv.ParseUint(f[1], 10, 32)
		a, err2 := strconv.ParseUint(f[3], 10, 64)
		info, err3 := strconv.ParseUint(f[4], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return n, errors.Newf("jli line %d: bad numeric field", lineNo)
		}
		if tid64 == 0 {
			return n, errors.Newf("jli line %d: tid must be 1-based", lineNo)
		}
		tid := uint32(tid64 - 1)
		pc := r.jliAddPC(f[2])
		n++

		var evs []event.Event
		switch name {
		case "RTN_ENTER":
			evs = []event.Event{
				{Kind: event.RtnCall, Tid: tid, PC: jliCallPC, Addr: pc},
				{Kind: event.SBlockEnter, Tid: tid, PC: pc},
			}
		case "RTN_EXIT":
			evs = []event.Event{{Kind: event.RtnExit, Tid: tid}}
		case "THR_CREATE":
			child := uint32(a - 1)
			evs = []event.Event{
				{Kind: event.ThrCreateAfter, Tid: tid, PC: pc, Addr: uint64(child)},
				{Kind: event.ThrStart, Tid: child, PC: pc},
				{Kind: event.ThrFirstInsn, Tid: child, PC: pc},
				{Kind: event.ThrSetPtid, Tid: child, PC: pc, Addr: uint64(tid)},
			}
		case "THR_START", "THR_END":
			// Starts arrive via THR_CREATE, ends via THR_JOIN.
		case "THR_JOIN":
			child := uint32(a - 1)
			evs = []event.Event{
				{Kind: event.ThrEnd, Tid: child},
				{Kind: event.ThrJoinBefore, Tid: tid, PC: pc, Addr: uint64(child)},
				{Kind: event.ThrJoinAfter, Tid: tid, PC: pc, Addr: uint64(child)},
			}
		case "WAIT":
			evs = []event.Event{
				{Kind: event.WaitBefore, Tid: tid, PC: pc, Addr: a},
				{Kind: event.WaitAfter, Tid: tid, PC: pc},
			}
		case "LOCK":
			evs = []event.Event{{Kind: event.WriterLock, Tid: tid, PC: pc, Addr: a}}
		default:
			kind, ok := event.KindByName(name)
			if !ok {
				return n, errors.Newf("jli line %d: unknown event name %q", lineNo, name)
			}
			evs = []event.Event{{Kind: kind, Tid: tid, PC: pc, Addr: a, Info: info}}
		}
		for _, e := range evs {
			if err := r.emit(e); err != nil {
				return n, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return n, errors.Wrap(err, "reading jli event log")
	}
	r.log.Info("offline: events read", "events", n, "syntax", "jli")
	return n, nil
}
