// Package stats counts what the analyzer does. The counters feed the
// finalization summary and can optionally be exported through a
// Prometheus registry for long-running hosts.
package stats

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a plain counter block. The analyzer mutates it under its
// serialization lock, so the fields need no atomics; Prometheus export
// reads them through GaugeFuncs, which is racy only in the benign
// monitoring sense.
type Stats struct {
	Events      uint64
	Reads       uint64
	Writes      uint64
	SyncEvents  uint64
	Flushes     uint64
	SampledOut  uint64
	RacesFound  uint64
	Suppressed  uint64
	Expectation uint64 // expectations satisfied

	SegmentsMinted uint64
	SegmentsLive   uint64
	VCsInterned    uint64
	LocksetsIntern uint64
	ShadowPages    uint64
	Threads        uint64
}

// Format renders the classic end-of-run statistics block.
func (s *Stats) Format() string {
	var b strings.Builder
	b.WriteString("--- statistics ---\n")
	fmt.Fprintf(&b, "events: %d (reads %d, writes %d, sync %d)\n",
		s.Events, s.Reads, s.Writes, s.SyncEvents)
	fmt.Fprintf(&b, "flushes: %d, sampled out: %d\n", s.Flushes, s.SampledOut)
	fmt.Fprintf(&b, "threads: %d, segments minted: %d (live %d)\n",
		s.Threads, s.SegmentsMinted, s.SegmentsLive)
	fmt.Fprintf(&b, "interned: %d vector clocks, %d locksets\n",
		s.VCsInterned, s.LocksetsIntern)
	fmt.Fprintf(&b, "shadow pages: %d\n", s.ShadowPages)
	fmt.Fprintf(&b, "races: %d reported, %d suppressed, %d expected\n",
		s.RacesFound, s.Suppressed, s.Expectation)
	return b.String()
}

// MustRegister exposes the counters on reg. Gauges are backed by the
// live struct, so registration is enough; no update calls are needed.
func (s *Stats) MustRegister(reg prometheus.Registerer) {
	gauge := func(name, help string, f func() uint64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "hybridsan",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(f()) }))
	}
	gauge("events_total", "Events consumed by the analyzer.", func() uint64 { return s.Events })
	gauge("reads_total", "Memory read events.", func() uint64 { return s.Reads })
	gauge("writes_total", "Memory write events.", func() uint64 { return s.Writes })
	gauge("sync_events_total", "Synchronization events.", func() uint64 { return s.SyncEvents })
	gauge("flushes_total", "TLEB flushes committed.", func() uint64 { return s.Flushes })
	gauge("races_total", "Races reported.", func() uint64 { return s.RacesFound })
	gauge("races_suppressed_total", "Races suppressed by annotations or dedup.", func() uint64 { return s.Suppressed })
	gauge("segments_live", "Segments currently referenced.", func() uint64 { return s.SegmentsLive })
	gauge("segments_minted_total", "Segments ever minted.", func() uint64 { return s.SegmentsMinted })
	gauge("vector_clocks_interned", "Distinct vector clock snapshots.", func() uint64 { return s.VCsInterned })
	gauge("locksets_interned", "Distinct locksets.", func() uint64 { return s.LocksetsIntern })
	gauge("shadow_pages", "Shadow pages materialized.", func() uint64 { return s.ShadowPages })
	gauge("threads_total", "Threads ever started.", func() uint64 { return s.Threads })
}
