package analyzer

// sampler implements LiteRace-style trace sampling: the hotter a trace
// gets, the more of its executions are skipped. The first executions of
// every trace are always analyzed, which is where most races surface.
//
// rate is the configured literace_sampling level (0 disables). A trace
// that has run h times is analyzed only every 2^tier-th execution, where
// tier grows with log2(h) and is capped by rate.
type sampler struct {
	rate int
	hits map[uint64]uint64
}

func newSampler(rate int) *sampler {
	return &sampler{rate: rate, hits: make(map[uint64]uint64)}
}

// skip reports whether this execution of the trace at pc should be
// dropped. It always counts the hit.
func (s *sampler) skip(pc uint64) bool {
	if s.rate == 0 {
		return false
	}
	h := s.hits[pc]
	s.hits[pc] = h + 1

	// Cold traces are fully analyzed.
	const coldThreshold = 32
	if h < coldThreshold {
		return false
	}
	tier := 0
	for v := h / coldThreshold; v > 1 && tier < s.rate; v >>= 1 {
		tier++
	}
	return h&(1<<tier-1) != 0
}
