// Package plugin defines the contract between the dispatch core and the
// capability providers registered at startup, and the registry that
// indexes them. The dispatcher depends only on these types, never on a
// concrete plugin implementation.
package plugin

import (
	"context"
	"fmt"

	"github.com/mattjoyce/castellan/internal/capability"
)

// Call carries one command invocation into a handler. Host is the
// capability-restricted view of the machine built for this call; it
// exposes only the facets the plugin's descriptor declared.
type Call struct {
	Command string
	Args    map[string]any
	Host    Host
}

// Handler executes commands for one host application. Handle must
// observe ctx cancellation at its next blocking operation; the sandbox
// enforces the deadline regardless.
type Handler interface {
	Handle(ctx context.Context, call *Call) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// Host is the restricted context object a handler receives. Each facet
// accessor fails with a CapabilityDenied error unless the plugin
// declared the corresponding capability — there is no ambient-authority
// path to the machine.
type Host interface {
	// Filesystem requires capability.Filesystem.
	Filesystem() (FS, error)

	// Processes requires capability.ProcessControl.
	Processes() (ProcessControl, error)

	// UI requires capability.UIAutomation.
	UI() (UIAutomation, error)

	// Clipboard requires capability.Clipboard.
	Clipboard() (ClipboardAccess, error)
}

// FS is the filesystem facet, rooted at the server's workspace.
type FS interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, dir string) ([]string, error)
}

// ProcessControl is the host application process facet.
type ProcessControl interface {
	Launch(ctx context.Context, name string, args []string) (pid int, err error)
	Signal(ctx context.Context, pid int, signal string) error
	Running(ctx context.Context, name string) (bool, error)
}

// UIAutomation is the window/input facet.
type UIAutomation interface {
	Activate(ctx context.Context, app string) error
	SendKeys(ctx context.Context, app, keys string) error
}

// ClipboardAccess is the clipboard facet.
type ClipboardAccess interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, text string) error
}

// Descriptor declares a plugin to the registry: its unique name, the
// commands it answers, the capabilities it needs, and its entry point.
type Descriptor struct {
	Name        string
	Version     string
	Description string

	// Commands is the closed set of command names this plugin answers.
	Commands []string

	// Capabilities is the declared requirement set. A Sandbox Grant
	// never exposes anything outside it.
	Capabilities capability.Set

	// MaxConcurrent caps concurrent invocations of this plugin across
	// all sessions. 0 uses the registry default.
	MaxConcurrent int

	Handler Handler

	// Init, when set, runs during registration so the plugin can set up
	// external resources. A failure aborts the registration.
	Init func() error

	// Shutdown, when set, runs on unregistration to release whatever
	// Init acquired.
	Shutdown func() error
}

// SupportsCommand reports whether the descriptor declares the command.
func (d *Descriptor) SupportsCommand(cmd string) bool {
	for _, c := range d.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor has no name")
	}
	if d.Handler == nil {
		return fmt.Errorf("descriptor %q has no handler", d.Name)
	}
	if len(d.Commands) == 0 {
		return fmt.Errorf("descriptor %q declares no commands", d.Name)
	}
	if d.MaxConcurrent < 0 {
		return fmt.Errorf("descriptor %q has negative max_concurrent", d.Name)
	}
	return nil
}

// Info is a read-only snapshot of a registered plugin, used by the
// admin API and the monitor.
type Info struct {
	Name          string   `json:"name"`
	Version       string   `json:"version,omitempty"`
	Description   string   `json:"description,omitempty"`
	Commands      []string `json:"commands"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent"`
	InFlight      int      `json:"in_flight"`
}
