// Package report defines race reports, the sink interface they flow
// through, and the symbolizer hook used to turn PCs into source
// locations.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Symbolizer resolves program counters to human-readable locations. The
// host injects one; offline runs use the #PC table from the log. A nil
// Symbolizer leaves PCs as raw hex.
type Symbolizer interface {
	// PcToStrings returns the image, routine, file, and line for pc.
	// Empty strings and zero line mean unknown.
	PcToStrings(pc uint64) (img, rtn, file string, line int)

	// PcToRtnName returns just the routine name for pc.
	PcToRtnName(pc uint64) string
}

// Access describes one side of a detected race.
type Access struct {
	Tid        uint32
	ThreadName string
	PC         uint64
	Write      bool
	Size       uint64
	SegID      uint32
	Stack      []uint64 // captured segment stack, outermost first
	LockSet    string   // rendered lockset of the segment
}

func (a Access) dir() string {
	if a.Write {
		return "Write"
	}
	return "Read"
}

// Race is the full payload of one detected race. Both sides carry their
// segment's captured stack and lockset; Addr/ByteMask locate the
// overlapping bytes.
type Race struct {
	Addr     uint64
	ByteMask uint8

	Current  Access
	Previous Access

	// Annotation carries the description of a matching expectation or
	// benign-race annotation, when one exists but does not suppress.
	Annotation string
}

// Sink receives race reports as they are found, and the finalization
// summary. Implementations must tolerate being called from the analyzer
// goroutine only; no internal ordering is imposed beyond call order.
type Sink interface {
	Race(r *Race)
	// Summary receives the end-of-run text block (stats, unmet
	// expectations).
	Summary(text string)
}

// WriterSink formats races in the classic sanitizer style onto one
// writer.
type WriterSink struct {
	mu  sync.Mutex
	w   io.Writer
	sym Symbolizer

	races int
}

// NewWriterSink returns a sink writing to w, symbolizing through sym if
// non-nil.
func NewWriterSink(w io.Writer, sym Symbolizer) *WriterSink {
	return &WriterSink{w: w, sym: sym}
}

// SetSymbolizer installs sym after construction. Useful when the
// symbol source (an offline reader's #PC table) is built later in the
// wiring than the sink.
func (s *WriterSink) SetSymbolizer(sym Symbolizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sym = sym
}

// Races returns how many races this sink has received.
func (s *WriterSink) Races() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.races
}

// Race implements Sink.
func (s *WriterSink) Race(r *Race) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.races++
	fmt.Fprint(s.w, FormatRace(r, s.sym))
}

// Summary implements Sink.
func (s *WriterSink) Summary(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, text)
}

// FormatRace renders one race in the classic two-block style:
//
//	==================
//	WARNING: DATA RACE
//	Write of size 4 at 0x000000001000 by thread T2 {segment 7, locks W{} R{}}:
//	  #0 worker src/w.c:12
//	Previous read of size 4 at 0x000000001000 by thread T1 {segment 3, locks W{} R{}}:
//	  #0 reader src/r.c:40
//	==================
func FormatRace(r *Race, sym Symbolizer) string {
	var b strings.Builder
	b.WriteString("==================\n")
	b.WriteString("WARNING: DATA RACE\n")
	formatAccess(&b, &r.Current, r.Addr, "", sym)
	formatAccess(&b, &r.Previous, r.Addr, "Previous ", sym)
	if r.Annotation != "" {
		fmt.Fprintf(&b, "  Annotation: %s\n", r.Annotation)
	}
	b.WriteString("==================\n")
	return b.String()
}

func formatAccess(b *strings.Builder, a *Access, addr uint64, prefix string, sym Symbolizer) {
	name := a.ThreadName
	if name == "" {
		name = fmt.Sprintf("T%d", a.Tid)
	}
	dir := a.dir()
	if prefix != "" {
		dir = strings.ToLower(dir)
	}
	fmt.Fprintf(b, "%s%s of size %d at 0x%012x by thread %s {segment %d, locks %s}:\n",
		prefix, dir, a.Size, addr, name, a.SegID, a.LockSet)
	pcs := a.Stack
	if len(pcs) == 0 && a.PC != 0 {
		pcs = []uint64{a.PC}
	}
	if len(pcs) == 0 {
		b.WriteString("  (no stack available)\n")
		return
	}
	// Innermost frame first, the sanitizer convention.
	for i := len(pcs) - 1; i >= 0; i-- {
		fmt.Fprintf(b, "  #%d %s\n", len(pcs)-1-i, formatPC(pcs[i], sym))
	}
}

func formatPC(pc uint64, sym Symbolizer) string {
	if sym != nil {
		img, rtn, file, line := sym.PcToStrings(pc)
		switch {
		case rtn != "" && file != "":
			return fmt.Sprintf("%s %s:%d", rtn, file, line)
		case rtn != "" && img != "":
			return fmt.Sprintf("%s (%s)", rtn, img)
		case rtn != "":
			return rtn
		}
	}
	return fmt.Sprintf("0x%x", pc)
}

// CollectingSink retains everything for tests.
type CollectingSink struct {
	mu        sync.Mutex
	RacesSeen []*Race
	Summaries []string
}

// Race implements Sink.
func (s *CollectingSink) Race(r *Race) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RacesSeen = append(s.RacesSeen, r)
}

// Summary implements Sink.
func (s *CollectingSink) Summary(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Summaries = append(s.Summaries, text)
}

// Count returns the number of races collected.
func (s *CollectingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.RacesSeen)
}
