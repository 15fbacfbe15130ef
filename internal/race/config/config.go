// Package config holds the immutable option set captured at analyzer
// construction. Options can come from flags, a YAML file, or both; the
// merged value is validated once and never mutated afterwards.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// LockingScheme selects how producers hand event batches to the
// analyzer.
type LockingScheme string

// The three supported schemes.
const (
	// OnFlush acquires the analyzer lock once per flush. Simplest;
	// producers may contend.
	OnFlush LockingScheme = "ON_FLUSH"

	// SeparateThread enqueues copied buffers onto a bounded queue
	// drained by a dedicated consumer.
	SeparateThread LockingScheme = "SEPARATE_THREAD"

	// OnSyscall keeps the lock across many events, releasing at syscall
	// boundaries or after an event budget.
	OnSyscall LockingScheme = "ON_SYSCALL"
)

// OfflineSyntax selects the offline log dialect.
type OfflineSyntax string

// Supported offline dialects.
const (
	SyntaxDefault OfflineSyntax = "default"
	SyntaxJLI     OfflineSyntax = "jli" // java.lang.instrument encoded streams
)

// Options is the recognized configuration surface.
type Options struct {
	// PureHappensBefore disables lockset-based filtering: every lock
	// operation creates happens-before edges and races are judged on HB
	// alone.
	PureHappensBefore bool `yaml:"pure_happens_before"`

	// LockingScheme is one of ON_FLUSH, SEPARATE_THREAD, ON_SYSCALL.
	LockingScheme LockingScheme `yaml:"locking_scheme"`

	// LiteraceSampling, when >0, samples hot traces to reduce analysis
	// cost. Larger values skip more aggressively.
	LiteraceSampling int `yaml:"literace_sampling"`

	// Symbolize enables symbolizer calls when formatting reports.
	Symbolize bool `yaml:"symbolize"`

	// TraceAddr logs every access to this literal address (0 disables).
	TraceAddr uint64 `yaml:"trace_addr"`

	// ErrorExitcode is the process exit code when any race was
	// reported; 0 keeps the exit code at 0 regardless.
	ErrorExitcode int `yaml:"error_exitcode"`

	// DumpEvents, when non-empty, echoes every event as plain text to
	// this path ("-" for stderr).
	DumpEvents string `yaml:"dump_events"`

	// LogFile is the report sink path; %p expands to the PID. Empty
	// means stderr.
	LogFile string `yaml:"log_file"`

	// TraceChildren follows child processes on exec. Only meaningful to
	// instrumentation front-ends; the offline reader accepts and
	// ignores it.
	TraceChildren bool `yaml:"trace_children"`

	// OfflineSyntax is "default" or "jli".
	OfflineSyntax OfflineSyntax `yaml:"offline_syntax"`
}

// Default returns the options used when nothing is specified.
func Default() Options {
	return Options{
		LockingScheme: OnFlush,
		OfflineSyntax: SyntaxDefault,
	}
}

// Validate rejects unknown enum values.
func (o *Options) Validate() error {
	switch o.LockingScheme {
	case OnFlush, SeparateThread, OnSyscall:
	default:
		return errors.Newf("unknown locking_scheme %q", o.LockingScheme)
	}
	switch o.OfflineSyntax {
	case SyntaxDefault, SyntaxJLI:
	default:
		return errors.Newf("unknown offline_syntax %q", o.OfflineSyntax)
	}
	if o.LiteraceSampling < 0 || o.LiteraceSampling > 31 {
		return errors.Newf("literace_sampling %d out of range [0,31]", o.LiteraceSampling)
	}
	return nil
}

// LoadYAML overlays the YAML file at path onto o.
func (o *Options) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return errors.Wrapf(err, "parsing config %s", path)
	}
	return nil
}

// ExpandLogFile resolves the %p placeholder against the current PID.
func (o *Options) ExpandLogFile() string {
	return strings.ReplaceAll(o.LogFile, "%p", strconv.Itoa(os.Getpid()))
}
