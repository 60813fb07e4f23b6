package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildLevels(t *testing.T) {
	cases := []struct {
		level   string
		logged  func(b *bytes.Buffer)
		wantHit bool
	}{
		{"DEBUG", func(b *bytes.Buffer) {}, true},
		{"WARN", func(b *bytes.Buffer) {}, false},
		{"bogus", func(b *bytes.Buffer) {}, true}, // falls back to INFO
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		l := build(&buf, tc.level, "json")
		l.Info("hello")
		got := buf.Len() > 0
		if got != tc.wantHit {
			t.Errorf("level %q: info logged=%v, want %v", tc.level, got, tc.wantHit)
		}
	}
}

func TestBuildJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := build(&buf, "INFO", "json")
	l.Info("framed", "count", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "framed" {
		t.Errorf("msg = %v, want framed", entry["msg"])
	}
}

func TestBuildTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := build(&buf, "INFO", "text")
	l.Info("framed")
	if !strings.Contains(buf.String(), "msg=framed") {
		t.Errorf("text output missing msg: %q", buf.String())
	}
}

func TestWithHelpers(t *testing.T) {
	// Smoke test: helpers must not panic before Setup.
	WithComponent("server").Debug("x")
	WithSession("s1").Debug("x")
	WithPlugin("sysinfo").Debug("x")
	WithRequest("r1").Debug("x")
}
