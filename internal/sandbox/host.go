package sandbox

import (
	"github.com/mattjoyce/castellan/internal/capability"
	"github.com/mattjoyce/castellan/internal/plugin"
	"github.com/mattjoyce/castellan/internal/protocol"
)

// Env bundles the full-authority host facets configured at startup.
// A nil facet means the machine does not offer that capability at all;
// handlers granted it still cannot reach it.
type Env struct {
	FS        plugin.FS
	Processes plugin.ProcessControl
	UI        plugin.UIAutomation
	Clipboard plugin.ClipboardAccess
}

// restrictedHost is the only plugin.Host implementation. Restriction is
// by construction: the handler holds this value, not Env, so there is
// no path to an undeclared facet.
type restrictedHost struct {
	env   Env
	grant *Grant
}

func newRestrictedHost(env Env, grant *Grant) plugin.Host {
	return &restrictedHost{env: env, grant: grant}
}

func (h *restrictedHost) denied(c capability.Capability) *protocol.Error {
	return protocol.NewError(protocol.KindCapabilityDenied,
		"capability %q not declared by this plugin", c)
}

func (h *restrictedHost) unavailable(c capability.Capability) *protocol.Error {
	return protocol.NewError(protocol.KindPluginFault,
		"capability %q is not available on this host", c)
}

func (h *restrictedHost) Filesystem() (plugin.FS, error) {
	if !h.grant.Allows(capability.Filesystem) {
		return nil, h.denied(capability.Filesystem)
	}
	if h.env.FS == nil {
		return nil, h.unavailable(capability.Filesystem)
	}
	return h.env.FS, nil
}

func (h *restrictedHost) Processes() (plugin.ProcessControl, error) {
	if !h.grant.Allows(capability.ProcessControl) {
		return nil, h.denied(capability.ProcessControl)
	}
	if h.env.Processes == nil {
		return nil, h.unavailable(capability.ProcessControl)
	}
	return h.env.Processes, nil
}

func (h *restrictedHost) UI() (plugin.UIAutomation, error) {
	if !h.grant.Allows(capability.UIAutomation) {
		return nil, h.denied(capability.UIAutomation)
	}
	if h.env.UI == nil {
		return nil, h.unavailable(capability.UIAutomation)
	}
	return h.env.UI, nil
}

func (h *restrictedHost) Clipboard() (plugin.ClipboardAccess, error) {
	if !h.grant.Allows(capability.Clipboard) {
		return nil, h.denied(capability.Clipboard)
	}
	if h.env.Clipboard == nil {
		return nil, h.unavailable(capability.Clipboard)
	}
	return h.env.Clipboard, nil
}
