// Package offline reads program events from a text log and feeds them
// through the TLEB pipeline.
//
// The default dialect is line-oriented:
//
//	EVENT_NAME tid pc addr info      (all numeric fields hex, no 0x)
//
// Lines starting with '#' or '=' are comments. A comment of the form
// "#PC pc img rtn file line" installs a PC-to-symbol mapping used when
// formatting reports.
//
// The "jli" dialect accepts streams generated through
// java.lang.instrument: tids are 1-based decimal, the pc field is an
// arbitrary string interned to a synthetic pc, and several composite
// events are rewritten into the core vocabulary.
package offline

import (
	"bufio"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/hybridsan/internal/race/config"
	"github.com/kolkov/hybridsan/internal/race/event"
	"github.com/kolkov/hybridsan/internal/race/tleb"
)

// PCInfo is one entry of the #PC symbol table.
type PCInfo struct {
	Img  string
	Rtn  string
	File string
	Line int
}

// SymbolTable implements report.Symbolizer over the #PC comments of the
// log (default dialect) or the interned pc strings (jli dialect).
type SymbolTable struct {
	pcs     map[uint64]PCInfo
	jliRtns []string // jli: pc is an index into this slice
}

// PcToStrings implements report.Symbolizer.
func (s *SymbolTable) PcToStrings(pc uint64) (img, rtn, file string, line int) {
	if s.jliRtns != nil {
		if pc < uint64(len(s.jliRtns)) {
			return "", s.jliRtns[pc], "", 0
		}
		return "", "", "", 0
	}
	info, ok := s.pcs[pc]
	if !ok {
		return "", "", "", 0
	}
	if info.File == "unknown" {
		info.File = ""
	}
	return info.Img, info.Rtn, info.File, info.Line
}

// PcToRtnName implements report.Symbolizer.
func (s *SymbolTable) PcToRtnName(pc uint64) string {
	_, rtn, _, _ := s.PcToStrings(pc)
	return rtn
}

// Reader parses one log and routes events through per-thread buffers.
type Reader struct {
	cfg  config.Options
	log  *slog.Logger
	pipe *tleb.Pipeline
	bufs map[uint32]*tleb.Buffer
	syms *SymbolTable

	jliPCs map[string]uint64

	haveLast bool
	lastTid  uint32
}

// NewReader builds a reader feeding pipe.
func NewReader(cfg config.Options, log *slog.Logger, pipe *tleb.Pipeline) *Reader {
	r := &Reader{
		cfg:  cfg,
		log:  log,
		pipe: pipe,
		bufs: make(map[uint32]*tleb.Buffer),
		syms: &SymbolTable{pcs: make(map[uint64]PCInfo)},
	}
	if cfg.OfflineSyntax == config.SyntaxJLI {
		r.jliPCs = map[string]uint64{"unknown": 0}
		r.syms.jliRtns = []string{"unknown"}
	}
	return r
}

// Symbolizer returns the table built from the log so far. Safe to hand
// to the report sink before reading: the table fills as comments are
// parsed, and reports are only formatted after the events around them.
func (r *Reader) Symbolizer() *SymbolTable { return r.syms }

// ReadAll consumes the whole log. It returns the number of event records
// read from the log (in the jli dialect, before rewriting). Parse
// failures and unknown event names are protocol errors.
func (r *Reader) ReadAll(input io.Reader) (int, error) {
	sc := bufio.NewScanner(input)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	if r.cfg.OfflineSyntax == config.SyntaxJLI {
		return r.readJLI(sc)
	}
	return r.readDefault(sc)
}

func (r *Reader) readDefault(sc *bufio.Scanner) (int, error) {
	n := 0
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line[0] == '#' || line[0] == '=' {
			r.parseComment(line)
			continue
		}
		f := strings.Fields(line)
		if len(f) != 5 {
			return n, errors.Newf("line %d: want 5 fields, got %d", lineNo, len(f))
		}
		kind, ok := event.KindByName(f[0])
		if !ok {
			return n, errors.Newf("line %d: unknown event name %q", lineNo, f[0])
		}
		nums, err := parseHex(f[1:])
		if err != nil {
			return n, errors.Wrapf(err, "line %d", lineNo)
		}
		e := event.Event{
			Kind: kind,
			Tid:  uint32(nums[0]),
			PC:   nums[1],
			Addr: nums[2],
			Info: nums[3],
		}
		if err := r.emit(e); err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, errors.Wrap(err, "reading event log")
	}
	r.log.Info("offline: events read", "events", n)
	return n, nil
}

// parseComment handles "#PC pc img rtn file line" symbol entries; other
// comments are skipped.
func (r *Reader) parseComment(line string) {
	body := strings.TrimSpace(strings.TrimLeft(line, "#="))
	if !strings.HasPrefix(body, "PC ") {
		return
	}
	f := strings.Fields(body)
	if len(f) != 6 {
		return
	}
	pc, err := strconv.ParseUint(f[1], 16, 64)
	if err != nil || pc == 0 {
		return
	}
	line6, err := strconv.Atoi(f[5])
	if err != nil || line6 <= 0 {
		return
	}
	r.syms.pcs[pc] = PCInfo{Img: f[2], Rtn: f[3], File: f[4], Line: line6}
}

func parseHex(fields []string) ([4]uint64, error) {
	var out [4]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimPrefix(f, "0x"), 16, 64)
		if err != nil {
			return out, errors.Wrapf(err, "field %q", f)
		}
		out[i] = v
	}
	return out, nil
}

// emit routes one event to its thread's buffer, creating the buffer on
// first sight of the tid. Sync events flush immediately: the log is a
// total order, and a WAIT must not reach the analyzer before the SIGNAL
// that precedes it in the log but lives in another thread's buffer.
func (r *Reader) emit(e event.Event) error {
	// A thread switch in the log is a scheduling boundary: the previous
	// thread flushes as if it hit a syscall. In ON_SYSCALL mode this is
	// what makes it release the analyzer lock; the reader impersonates
	// every producer from one goroutine and must not deadlock on itself.
	if r.haveLast && r.lastTid != e.Tid {
		if err := r.bufs[r.lastTid].FlushSyscall(); err != nil {
			return err
		}
	}
	r.haveLast = true
	r.lastTid = e.Tid

	b, ok := r.bufs[e.Tid]
	if !ok {
		b = r.pipe.NewBuffer(e.Tid)
		r.bufs[e.Tid] = b
	}
	if err := b.Append(e); err != nil {
		return err
	}
	if !e.IsThreadLocal() && !e.IsLifecycle() {
		// Lifecycle events flush inside Append already.
		return b.Flush()
	}
	return nil
}

// Close drains every buffer and the pipeline queue. Must be called once
// after ReadAll, before analyzer finalization.
func (r *Reader) Close() error {
	// The most recent thread may still hold the analyzer lock in
	// ON_SYSCALL mode; release it before closing the rest.
	if r.haveLast {
		if err := r.bufs[r.lastTid].FlushSyscall(); err != nil {
			return err
		}
	}
	for _, b := range r.bufs {
		if err := b.Close(); err != nil {
			return err
		}
	}
	return r.pipe.Drain()
}
