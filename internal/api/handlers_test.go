package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mattjoyce/castellan/internal/dispatch"
	"github.com/mattjoyce/castellan/internal/events"
	"github.com/mattjoyce/castellan/internal/plugin"
)

const testToken = "test-api-token"

type fakeRegistry []plugin.Info

func (r fakeRegistry) Snapshot() []plugin.Info { return r }

type fakeSessions struct {
	sessions []dispatch.SessionInfo
	conns    int
}

func (f *fakeSessions) Sessions() []dispatch.SessionInfo { return f.sessions }
func (f *fakeSessions) Connections() int                 { return f.conns }

func newTestServer(t *testing.T) (*Server, *fakeSessions) {
	t.Helper()
	sessions := &fakeSessions{
		sessions: []dispatch.SessionInfo{
			{ID: "s1", ClientID: "cli-1", State: dispatch.StateReady, InFlight: 2, StartedAt: time.Now()},
			{ID: "s2", ClientID: "cli-2", State: dispatch.StateDispatching, InFlight: 1, StartedAt: time.Now()},
		},
		conns: 2,
	}
	registry := fakeRegistry{
		{Name: "sysinfo", Version: "1.0.0", Commands: []string{"report"}, Capabilities: []string{}, MaxConcurrent: 4},
	}
	srv := New(Config{
		Listen:            "127.0.0.1:0",
		Token:             testToken,
		ConfigFingerprint: "abc123",
		Version:           "1.2.3",
	}, registry, sessions, events.NewHub(16), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return srv, sessions
}

func doRequest(t *testing.T, srv *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthzResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.PluginsLoaded != 1 || resp.Sessions != 2 {
		t.Fatalf("unexpected healthz: %+v", resp)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/v1/status", "/v1/plugins", "/v1/sessions"} {
		if rec := doRequest(t, srv, http.MethodGet, path, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", path, rec.Code)
		}
		if rec := doRequest(t, srv, http.MethodGet, path, "wrong"); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: status = %d, want 401", path, rec.Code)
		}
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/status", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != "1.2.3" || resp.ConfigFingerprint != "abc123" {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if resp.Sessions != 2 || resp.Connections != 2 || resp.InFlight != 3 {
		t.Fatalf("unexpected counters: %+v", resp)
	}
}

func TestPlugins(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/plugins", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp PluginsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Plugins) != 1 || resp.Plugins[0].Name != "sysinfo" {
		t.Fatalf("unexpected plugins: %+v", resp.Plugins)
	}
}

func TestSessions(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/sessions", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp SessionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Sessions) != 2 || resp.Sessions[0].ClientID != "cli-1" {
		t.Fatalf("unexpected sessions: %+v", resp.Sessions)
	}
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc", "abc", false},
		{"missing header", "", "", true},
		{"wrong scheme", "Basic abc", "", true},
		{"empty token", "Bearer   ", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got, err := ExtractToken(req)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got token %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("token = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	if !ValidateToken("abc", "abc") {
		t.Fatal("matching tokens should validate")
	}
	if ValidateToken("abc", "abd") {
		t.Fatal("mismatched tokens should not validate")
	}
	if ValidateToken("", "") {
		t.Fatal("empty config token must never validate")
	}
	if ValidateToken("ab", "abc") {
		t.Fatal("length mismatch should not validate")
	}
}
