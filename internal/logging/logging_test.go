package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("id", "run-1")
	logger.Debug("hidden")
	logger.WithGroup("frame").Info("written", "n", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %q", out)
	}
	if !strings.Contains(out, "[INFO] written [id=run-1 frame.n=3]") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestNewWriterFormats(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "debug", "json").Debug("hello", "k", 1)
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}
	buf.Reset()
	NewWriter(&buf, "warn", "text").Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
}
