package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"json":  FormatJSON,
		"JSON":  FormatJSON,
		"text":  FormatText,
		"tint":  FormatText,
		"human": FormatText,
		"":      FormatAuto,
		"xml":   FormatAuto,
	} {
		if got := ParseFormat(in); got != want {
			t.Errorf("ParseFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if l, ok := ParseLevel("warn"); !ok || l != slog.LevelWarn {
		t.Errorf("ParseLevel(warn) = %v, %v", l, ok)
	}
	if l, ok := ParseLevel("nonsense"); ok || l != slog.LevelInfo {
		t.Errorf("ParseLevel(nonsense) = %v, %v", l, ok)
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve(true, ""); got != slog.LevelDebug {
		t.Errorf("interactive default = %v", got)
	}
	if got := Resolve(false, ""); got != slog.LevelInfo {
		t.Errorf("service default = %v", got)
	}
	if got := Resolve(true, "error"); got != slog.LevelError {
		t.Errorf("explicit level = %v", got)
	}
}

func TestAutoIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, FormatAuto, slog.LevelInfo))
	log.Info("peer connected", "session", "abc")
	log.Debug("hidden")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("not one JSON record: %v\n%s", err, buf.String())
	}
	if rec["msg"] != "peer connected" || rec["session"] != "abc" {
		t.Errorf("record = %v", rec)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, FormatText, slog.LevelDebug))
	log.Debug("clipboard text", "preview", "hello")
	if !strings.Contains(buf.String(), "clipboard text") || !strings.Contains(buf.String(), "hello") {
		t.Errorf("text output = %q", buf.String())
	}
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Error("text format produced JSON")
	}
}

func TestIsTTYNonFile(t *testing.T) {
	if IsTTY(&bytes.Buffer{}) {
		t.Fatal("buffer reported as terminal")
	}
}
