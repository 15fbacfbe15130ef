package analyzer

import (
	"strings"

	"github.com/kolkov/hybridsan/internal/race/numfmt"
)

// Finalize closes the run: it reconciles the derived counters, emits the
// expectation summary and statistics block through the sink, and returns
// whether any race was reported. The pipeline must have drained every
// live thread before calling this; events arriving afterwards are
// protocol errors.
func (a *Analyzer) Finalize() bool {
	if a.finished {
		return a.raceFired
	}
	a.finished = true

	a.Stats.SegmentsMinted = a.segs.Minted()
	a.Stats.SegmentsLive = uint64(a.segs.Live())
	a.Stats.VCsInterned = uint64(a.vcs.Len())
	a.Stats.LocksetsIntern = uint64(a.locks.Len())
	a.Stats.ShadowPages = uint64(a.mem.Pages())

	var b strings.Builder
	for _, r := range a.ranges {
		if r.policy == policyExpect && !r.fired {
			b.WriteString("WARNING: expected race did not happen at ")
			b.WriteString(numfmt.Hex(r.lo))
			b.WriteString("\n")
		}
	}
	b.WriteString(a.Stats.Format())
	a.sink.Summary(b.String())
	return a.raceFired
}
