package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestConfigure_JSONChannel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "debug", JSON: true, Output: &buf})
	t.Cleanup(func() { Configure(Options{}) })

	Channel("local", "pipeline", "p1").Debug("row set created")

	out := buf.String()
	if !strings.Contains(out, `"channel":"local"`) || !strings.Contains(out, `"pipeline":"p1"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestParseLevel_DefaultsToInfo(t *testing.T) {
	if got := parseLevel("  WARN "); got.String() != "WARN" {
		t.Fatalf("want WARN, got %s", got)
	}
	if got := parseLevel("verbose"); got.String() != "INFO" {
		t.Fatalf("want INFO, got %s", got)
	}
}

func TestInitFromEnv_Level(t *testing.T) {
	t.Setenv("HOPFLOW_LOG_LEVEL", "error")
	t.Setenv("HOPFLOW_LOG_JSON", "true")
	InitFromEnv()
	t.Cleanup(func() { Configure(Options{}) })

	if L().Enabled(context.Background(), slog.LevelWarn) {
		t.Fatal("warn should be disabled at error level")
	}
	if !L().Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should be enabled")
	}
}
