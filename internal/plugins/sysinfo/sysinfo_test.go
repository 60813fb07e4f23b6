package sysinfo

import (
	"context"
	"runtime"
	"testing"

	"github.com/mattjoyce/castellan/internal/plugin"
)

func TestDescriptorShape(t *testing.T) {
	desc := New()
	if desc.Name != "sysinfo" {
		t.Fatalf("name = %q", desc.Name)
	}
	if len(desc.Capabilities) != 0 {
		t.Fatalf("sysinfo must not require capabilities, got %v", desc.Capabilities)
	}
	if !desc.SupportsCommand("report") || !desc.SupportsCommand("time") {
		t.Fatal("descriptor missing commands")
	}
}

func TestReport(t *testing.T) {
	desc := New()
	result, err := desc.Handler.Handle(context.Background(), &plugin.Call{Command: "report"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	facts, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if facts["os"] != runtime.GOOS {
		t.Fatalf("os = %v, want %s", facts["os"], runtime.GOOS)
	}
	if facts["num_cpu"].(int) < 1 {
		t.Fatalf("num_cpu = %v", facts["num_cpu"])
	}
}

func TestTime(t *testing.T) {
	desc := New()
	result, err := desc.Handler.Handle(context.Background(), &plugin.Call{Command: "time"})
	if err != nil {
		t.Fatalf("time: %v", err)
	}
	now, ok := result.(map[string]any)
	if !ok || now["unix_ms"].(int64) <= 0 {
		t.Fatalf("unexpected result %#v", result)
	}
}
