package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestLoggerWithFieldsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))

	log.Debug("hidden")
	log.Info("trigger scheduled", Int64("trigger_id", 7), Err(errors.New("boom")))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "trigger scheduled" {
		t.Fatalf("message = %v", line["message"])
	}
	if line["comp"] != "scheduler" {
		t.Fatalf("comp = %v", line["comp"])
	}
	if line["trigger_id"] != float64(7) {
		t.Fatalf("trigger_id = %v", line["trigger_id"])
	}
	if line["err"] != "boom" {
		t.Fatalf("err = %v", line["err"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Info("dropped")
	log.With(String("k", "v")).Warn("dropped")
}

func TestParseLevelFallback(t *testing.T) {
	t.Parallel()

	if got := parseLevel("warning", LevelInfo); got != LevelWarn {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("nope", LevelError); got != LevelError {
		t.Fatalf("parseLevel(nope) = %v", got)
	}
}
