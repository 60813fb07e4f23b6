package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mattjoyce/castellan/internal/dispatch"
	"github.com/mattjoyce/castellan/internal/plugin"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PluginsLoaded int    `json:"plugins_loaded"`
	Sessions      int    `json:"sessions"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Version           string `json:"version"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ConfigFingerprint string `json:"config_fingerprint"`
	PluginsLoaded     int    `json:"plugins_loaded"`
	Connections       int    `json:"connections"`
	Sessions          int    `json:"sessions"`
	InFlight          int    `json:"in_flight"`
}

// PluginsResponse is returned by GET /v1/plugins.
type PluginsResponse struct {
	Plugins []plugin.Info `json:"plugins"`
}

// SessionsResponse is returned by GET /v1/sessions.
type SessionsResponse struct {
	Sessions []dispatch.SessionInfo `json:"sessions"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		PluginsLoaded: len(s.registry.Snapshot()),
		Sessions:      len(s.sessions.Sessions()),
	})
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	inFlight := 0
	for _, sess := range sessions {
		inFlight += sess.InFlight
	}

	respondJSON(w, http.StatusOK, StatusResponse{
		Version:           s.config.Version,
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		ConfigFingerprint: s.config.ConfigFingerprint,
		PluginsLoaded:     len(s.registry.Snapshot()),
		Connections:       s.sessions.Connections(),
		Sessions:          len(sessions),
		InFlight:          inFlight,
	})
}

// handlePlugins handles GET /v1/plugins.
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PluginsResponse{Plugins: s.registry.Snapshot()})
}

// handleSessions handles GET /v1/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, SessionsResponse{Sessions: s.sessions.Sessions()})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
