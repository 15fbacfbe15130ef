package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const raceLog = `
THR_START 1 0 0 0
WRITE 1 64 1000 4
THR_START 2 0 0 0
READ 2 c8 1000 4
`

const cleanLog = `
THR_START 1 0 0 0
WRITER_LOCK 1 0 a0 0
WRITE 1 64 2000 4
UNLOCK 1 0 a0 0
THR_START 2 0 0 0
WRITER_LOCK 2 0 a0 0
WRITE 2 c8 2000 4
UNLOCK 2 0 a0 0
`

func TestRunReportsRaceAndExitCode(t *testing.T) {
	log := writeLog(t, raceLog)
	out := filepath.Join(t.TempDir(), "report.log")

	code, err := run([]string{"--error-exitcode", "66", "--log-file", out, log})
	require.NoError(t, err)
	assert.Equal(t, 66, code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "WARNING: DATA RACE")
	assert.Contains(t, string(data), "--- statistics ---")
}

func TestRunCleanLogExitsZero(t *testing.T) {
	log := writeLog(t, cleanLog)
	out := filepath.Join(t.TempDir(), "report.log")

	code, err := run([]string{"--error-exitcode", "66", "--log-file", out, log})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunSeparateThreadScheme(t *testing.T) {
	log := writeLog(t, raceLog)
	out := filepath.Join(t.TempDir(), "report.log")

	code, err := run([]string{
		"--locking-scheme", "SEPARATE_THREAD",
		"--error-exitcode", "1",
		"--log-file", out,
		log,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestRunBadSchemeFails(t *testing.T) {
	log := writeLog(t, cleanLog)
	_, err := run([]string{"--locking-scheme", "WHENEVER", log})
	require.Error(t, err)
}

func TestRunMissingLogFileFails(t *testing.T) {
	_, err := run([]string{filepath.Join(t.TempDir(), "missing.log")})
	require.Error(t, err)
}

func TestRunYAMLConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("error_exitcode: 9\n"), 0o644))
	log := writeLog(t, raceLog)
	out := filepath.Join(t.TempDir(), "report.log")

	code, err := run([]string{"--config", cfgPath, "--log-file", out, log})
	require.NoError(t, err)
	assert.Equal(t, 9, code)
}

func TestRunDumpEvents(t *testing.T) {
	log := writeLog(t, cleanLog)
	dump := filepath.Join(t.TempDir(), "dump.txt")
	out := filepath.Join(t.TempDir(), "report.log")

	_, err := run([]string{"--dump-events", dump, "--log-file", out, log})
	require.NoError(t, err)

	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(data), "WRITER_LOCK")
	assert.Contains(t, string(data), "THR_START")
}

func TestRunSymbolizedReport(t *testing.T) {
	log := writeLog(t, `
#PC 64 app writer src/w.c 12
#PC c8 app reader src/r.c 40
`+raceLog)
	out := filepath.Join(t.TempDir(), "report.log")

	_, err := run([]string{"--symbolize", "--log-file", out, log})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "writer src/w.c:12")
	assert.Contains(t, string(data), "reader src/r.c:40")
}
