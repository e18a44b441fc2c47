package log

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	original := Logger()
	ReplaceLogger(NewWriterLogger(buf))
	t.Cleanup(func() {
		ReplaceLogger(original)
		_ = SetLevel("info")
	})
	return buf
}

func TestWarnProducesLogfmtLine(t *testing.T) {
	buf := captureLogs(t)

	Warn(context.Background(), "missing component", "recipe_id", "rcp-1")

	line := strings.TrimSpace(buf.String())
	for _, want := range []string{"ts=", "level=warn", "msg=\"missing component\"", "recipe_id=rcp-1"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in log line, got %q", want, line)
		}
	}
}

func TestSetLevelFiltersDebug(t *testing.T) {
	buf := captureLogs(t)

	if err := SetLevel("info"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	Debug(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug line to be filtered, got %q", buf.String())
	}

	if err := SetLevel("debug"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	Debug(context.Background(), "shown")
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}
}

func TestSetLevelRejectsUnknown(t *testing.T) {
	if err := SetLevel("verbose"); err == nil {
		t.Fatalf("expected unknown level to be rejected")
	}
}
