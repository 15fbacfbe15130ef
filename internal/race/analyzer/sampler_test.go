package analyzer

import "testing"

func TestSamplerDisabled(t *testing.T) {
	s := newSampler(0)
	for i := 0; i < 1000; i++ {
		if s.skip(0x100) {
			t.Fatal("rate 0 must never skip")
		}
	}
}

func TestSamplerColdTracesAlwaysAnalyzed(t *testing.T) {
	s := newSampler(4)
	for i := 0; i < 32; i++ {
		if s.skip(0x100) {
			t.Fatalf("hit %d of a cold trace skipped", i)
		}
	}
}

func TestSamplerHotTracesThinned(t *testing.T) {
	s := newSampler(4)
	skipped := 0
	for i := 0; i < 100000; i++ {
		if s.skip(0x200) {
			skipped++
		}
	}
	if skipped == 0 {
		t.Error("hot trace never thinned")
	}
	if skipped >= 100000 {
		t.Error("hot trace fully dropped")
	}
}

func TestSamplerPerTrace(t *testing.T) {
	s := newSampler(4)
	for i := 0; i < 100000; i++ {
		s.skip(0x300)
	}
	// A different, cold trace is unaffected by 0x300's heat.
	if s.skip(0x400) {
		t.Error("cold trace thinned by another trace's heat")
	}
}
