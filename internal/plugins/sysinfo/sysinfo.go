// Package sysinfo is a built-in plugin reporting basic host facts. It
// declares no capabilities and serves as the smoke-test target for new
// client integrations.
package sysinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/mattjoyce/castellan/internal/plugin"
)

var startedAt = time.Now()

// New returns the sysinfo plugin descriptor.
func New() *plugin.Descriptor {
	return &plugin.Descriptor{
		Name:        "sysinfo",
		Version:     "1.0.0",
		Description: "basic host facts, no capabilities required",
		Commands:    []string{"report", "time"},
		Handler:     plugin.HandlerFunc(handle),
	}
}

func handle(ctx context.Context, call *plugin.Call) (any, error) {
	switch call.Command {
	case "report":
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		return map[string]any{
			"hostname":       hostname,
			"os":             runtime.GOOS,
			"arch":           runtime.GOARCH,
			"num_cpu":        runtime.NumCPU(),
			"go_version":     runtime.Version(),
			"pid":            os.Getpid(),
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
		}, nil
	case "time":
		return map[string]any{
			"unix_ms": time.Now().UnixMilli(),
			"rfc3339": time.Now().UTC().Format(time.RFC3339),
		}, nil
	default:
		return nil, fmt.Errorf("unhandled command %q", call.Command)
	}
}
