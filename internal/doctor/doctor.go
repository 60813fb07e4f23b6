// Package doctor validates castellan configuration against the machine
// it will run on: certificate files, writable state paths, and plugin
// references.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/castellan/internal/config"
	"github.com/mattjoyce/castellan/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the registered plugin set.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
}

// New creates a Doctor from a loaded config and plugin registry.
func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTLS(r)
	d.validateFailureDB(r)
	d.validatePluginRefs(r)
	d.validateWorkspaces(r)
	d.validateAPIConfig(r)
	d.warnLoopback(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTLS checks the certificate pair exists and is readable.
func (d *Doctor) validateTLS(r *Result) {
	tls := d.cfg.Server.TLS
	if tls.CertFile == "" && tls.KeyFile == "" {
		d.addWarning(r, "tls", "server.tls",
			"no TLS certificate configured; the command socket will be plaintext")
		return
	}
	for field, path := range map[string]string{
		"server.tls.cert_file": tls.CertFile,
		"server.tls.key_file":  tls.KeyFile,
	} {
		if path == "" {
			d.addError(r, "tls", field, "required when the other half of the pair is set")
			continue
		}
		if _, err := os.Stat(path); err != nil {
			d.addError(r, "tls", field, fmt.Sprintf("cannot stat %q: %v", path, err))
		}
	}
}

// validateFailureDB checks the auth failure database directory exists
// or can be created.
func (d *Doctor) validateFailureDB(r *Result) {
	dir := filepath.Dir(d.cfg.Auth.FailureDB)
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		d.addError(r, "auth", "auth.failure_db", fmt.Sprintf("%q is not a directory", dir))
	case os.IsNotExist(err):
		d.addWarning(r, "auth", "auth.failure_db",
			fmt.Sprintf("directory %q does not exist; it will be created at startup", dir))
	case err != nil:
		d.addError(r, "auth", "auth.failure_db", fmt.Sprintf("cannot stat %q: %v", dir, err))
	}
}

// validatePluginRefs checks that enabled plugins in config are
// actually registered.
func (d *Doctor) validatePluginRefs(r *Result) {
	registered := make(map[string]bool)
	for _, name := range d.registry.Names() {
		registered[name] = true
	}
	for name, pc := range d.cfg.Plugins {
		if !pc.Enabled {
			continue
		}
		if !registered[name] {
			d.addError(r, "plugin_refs", fmt.Sprintf("plugins.%s", name),
				fmt.Sprintf("plugin %q enabled in config but not built into this server", name))
		}
	}
}

// validateWorkspaces checks the fileops workspace is writable when the
// plugin is enabled.
func (d *Doctor) validateWorkspaces(r *Result) {
	pc, ok := d.cfg.Plugins["fileops"]
	if !ok || !pc.Enabled {
		return
	}
	wsValue, ok := pc.Config["workspace"]
	if !ok {
		d.addError(r, "workspace", "plugins.fileops.config.workspace",
			"fileops requires a workspace directory")
		return
	}
	ws, ok := wsValue.(string)
	if !ok || strings.TrimSpace(ws) == "" {
		d.addError(r, "workspace", "plugins.fileops.config.workspace",
			"workspace must be a non-empty string")
		return
	}
	if info, err := os.Stat(ws); err == nil {
		if !info.IsDir() {
			d.addError(r, "workspace", "plugins.fileops.config.workspace",
				fmt.Sprintf("%q is not a directory", ws))
			return
		}
		probe := filepath.Join(ws, ".castellan-doctor")
		if err := os.WriteFile(probe, nil, 0o600); err != nil {
			d.addError(r, "workspace", "plugins.fileops.config.workspace",
				fmt.Sprintf("%q is not writable: %v", ws, err))
			return
		}
		os.Remove(probe)
	} else if os.IsNotExist(err) {
		d.addWarning(r, "workspace", "plugins.fileops.config.workspace",
			fmt.Sprintf("directory %q does not exist; it will be created at startup", ws))
	} else {
		d.addError(r, "workspace", "plugins.fileops.config.workspace",
			fmt.Sprintf("cannot stat %q: %v", ws, err))
	}
}

// validateAPIConfig checks admin API settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Token == "" {
		d.addError(r, "api", "api.token", "API enabled but no token configured")
	}
}

// warnLoopback flags listen addresses that expose the server beyond
// the local machine.
func (d *Doctor) warnLoopback(r *Result) {
	for field, listen := range map[string]string{
		"server.listen": d.cfg.Server.Listen,
		"api.listen":    d.cfg.API.Listen,
	} {
		if listen == "" {
			continue
		}
		host := listen
		if idx := strings.LastIndex(listen, ":"); idx >= 0 {
			host = listen[:idx]
		}
		switch host {
		case "127.0.0.1", "localhost", "::1", "[::1]":
		default:
			d.addWarning(r, "exposure", field,
				fmt.Sprintf("%q is not a loopback address; castellan is designed for local clients", listen))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
