// Package fileops is a built-in plugin for workspace file access. It is
// the reference consumer of the filesystem capability: every access
// goes through the sandbox's workspace-rooted facet.
package fileops

import (
	"context"
	"fmt"

	"github.com/mattjoyce/castellan/internal/capability"
	"github.com/mattjoyce/castellan/internal/plugin"
)

// New returns the fileops plugin descriptor.
func New() *plugin.Descriptor {
	return &plugin.Descriptor{
		Name:         "fileops",
		Version:      "1.0.0",
		Description:  "read, write and list files inside the server workspace",
		Commands:     []string{"read", "write", "list"},
		Capabilities: capability.NewSet(capability.Filesystem),
		Handler:      plugin.HandlerFunc(handle),
	}
}

func handle(ctx context.Context, call *plugin.Call) (any, error) {
	fs, err := call.Host.Filesystem()
	if err != nil {
		return nil, err
	}

	switch call.Command {
	case "read":
		path, err := stringArg(call.Args, "path")
		if err != nil {
			return nil, err
		}
		data, err := fs.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "content": string(data)}, nil

	case "write":
		path, err := stringArg(call.Args, "path")
		if err != nil {
			return nil, err
		}
		content, err := stringArg(call.Args, "content")
		if err != nil {
			return nil, err
		}
		if err := fs.WriteFile(ctx, path, []byte(content)); err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "bytes": len(content)}, nil

	case "list":
		dir, err := stringArg(call.Args, "dir")
		if err != nil {
			return nil, err
		}
		names, err := fs.List(ctx, dir)
		if err != nil {
			return nil, err
		}
		return map[string]any{"dir": dir, "entries": names}, nil

	default:
		return nil, fmt.Errorf("unhandled command %q", call.Command)
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}
