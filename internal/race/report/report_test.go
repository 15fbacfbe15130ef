package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSym map[uint64][4]string

func (m mapSym) PcToStrings(pc uint64) (string, string, string, int) {
	s, ok := m[pc]
	if !ok {
		return "", "", "", 0
	}
	return s[0], s[1], s[2], 7
}

func (m mapSym) PcToRtnName(pc uint64) string {
	_, rtn, _, _ := m.PcToStrings(pc)
	return rtn
}

func sampleRace() *Race {
	return &Race{
		Addr: 0x1000,
		Current: Access{
			Tid: 2, PC: 0xC8, Write: false, Size: 4, SegID: 9,
			Stack:   []uint64{0x10, 0xC8},
			LockSet: "W{} R{}",
		},
		Previous: Access{
			Tid: 1, PC: 0x64, Write: true, Size: 4, SegID: 3,
			ThreadName: "worker",
			Stack:      []uint64{0x64},
			LockSet:    "W{0xa0} R{}",
		},
	}
}

func TestFormatRaceRawPCs(t *testing.T) {
	out := FormatRace(sampleRace(), nil)
	assert.Contains(t, out, "WARNING: DATA RACE")
	assert.Contains(t, out, "Read of size 4 at 0x000000001000 by thread T2")
	assert.Contains(t, out, "Previous write of size 4 at 0x000000001000 by thread worker")
	assert.Contains(t, out, "segment 9")
	assert.Contains(t, out, "segment 3")
	assert.Contains(t, out, "W{0xa0}")
	assert.Contains(t, out, "0xc8")
	// Innermost frame first.
	i0 := strings.Index(out, "#0 0xc8")
	i1 := strings.Index(out, "#1 0x10")
	require.GreaterOrEqual(t, i0, 0)
	require.GreaterOrEqual(t, i1, 0)
	assert.Less(t, i0, i1)
}

func TestFormatRaceSymbolized(t *testing.T) {
	sym := mapSym{
		0xC8: {"app", "reader", "src/r.c"},
		0x64: {"app", "writer", "src/w.c"},
	}
	out := FormatRace(sampleRace(), sym)
	assert.Contains(t, out, "reader src/r.c:7")
	assert.Contains(t, out, "writer src/w.c:7")
}

func TestWriterSinkCountsAndWrites(t *testing.T) {
	var b strings.Builder
	s := NewWriterSink(&b, nil)
	s.Race(sampleRace())
	s.Race(sampleRace())
	s.Summary("--- statistics ---\n")
	assert.Equal(t, 2, s.Races())
	assert.Equal(t, 2, strings.Count(b.String(), "WARNING: DATA RACE"))
	assert.Contains(t, b.String(), "--- statistics ---")
}

func TestCollectingSink(t *testing.T) {
	s := &CollectingSink{}
	s.Race(sampleRace())
	s.Summary("done")
	assert.Equal(t, 1, s.Count())
	require.Len(t, s.Summaries, 1)
}

func TestAccessWithoutStackFallsBackToPC(t *testing.T) {
	r := sampleRace()
	r.Current.Stack = nil
	out := FormatRace(r, nil)
	assert.Contains(t, out, "#0 0xc8")
}
