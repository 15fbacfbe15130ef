package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", W: &buf})
	log.Info("dropped")
	log.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info message passed a warn filter")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn message filtered out")
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{JSON: true, W: &buf})
	log.Info("hello", "tid", 7)
	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) || !strings.Contains(out, `"tid":7`) {
		t.Errorf("unexpected JSON output: %s", out)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if parseLevel("nonsense") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
	if parseLevel("DEBUG") != slog.LevelDebug {
		t.Error("levels should be case-insensitive")
	}
}

func TestDiscardDoesNotPanic(t *testing.T) {
	Discard().Error("nothing to see")
}
