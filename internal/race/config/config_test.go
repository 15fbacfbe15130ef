package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, OnFlush, cfg.LockingScheme)
	assert.Equal(t, SyntaxDefault, cfg.OfflineSyntax)
}

func TestValidateRejectsBadEnums(t *testing.T) {
	cfg := Default()
	cfg.LockingScheme = "SOMETIMES"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.OfflineSyntax = "xml"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LiteraceSampling = -1
	assert.Error(t, cfg.Validate())
	cfg.LiteraceSampling = 32
	assert.Error(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pure_happens_before: true
locking_scheme: SEPARATE_THREAD
literace_sampling: 3
error_exitcode: 42
log_file: "races-%p.log"
offline_syntax: jli
`), 0o644))

	cfg := Default()
	require.NoError(t, cfg.LoadYAML(path))
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.PureHappensBefore)
	assert.Equal(t, SeparateThread, cfg.LockingScheme)
	assert.Equal(t, 3, cfg.LiteraceSampling)
	assert.Equal(t, 42, cfg.ErrorExitcode)
	assert.Equal(t, SyntaxJLI, cfg.OfflineSyntax)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.LoadYAML(filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestExpandLogFile(t *testing.T) {
	cfg := Default()
	cfg.LogFile = "races-%p.log"
	got := cfg.ExpandLogFile()
	assert.False(t, strings.Contains(got, "%p"))
	assert.Contains(t, got, strconv.Itoa(os.Getpid()))
}
