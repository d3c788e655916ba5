package observability

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestDefaultLoggerIsNoop(t *testing.T) {
	SetLogger(nil)
	Log().Info("discarded", F("key", "value"))
}

func TestSetLoggerRoutesOutput(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewStdLogger(log.New(&buf, "", 0)))
	t.Cleanup(func() { SetLogger(nil) })

	Log().Error("publish failed", F("subject", "something-happened"), F("attempt", 3))

	out := buf.String()
	if !strings.Contains(out, "ERROR publish failed") {
		t.Fatalf("expected level and message, got %q", out)
	}
	if !strings.Contains(out, "subject=something-happened") {
		t.Fatalf("expected string field, got %q", out)
	}
	if !strings.Contains(out, "attempt=3") {
		t.Fatalf("expected numeric field, got %q", out)
	}
}

func TestNilStdLoggerFallsBack(t *testing.T) {
	logger := NewStdLogger(nil)
	if logger.inner == nil {
		t.Fatal("expected process default logger")
	}
}
