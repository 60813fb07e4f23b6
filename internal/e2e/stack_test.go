// Package e2e wires the full server stack, storage included, and
// drives it over a real TCP socket the way a client binary would.
package e2e

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/castellan/internal/admission"
	"github.com/mattjoyce/castellan/internal/auth"
	"github.com/mattjoyce/castellan/internal/config"
	"github.com/mattjoyce/castellan/internal/dispatch"
	"github.com/mattjoyce/castellan/internal/log"
	"github.com/mattjoyce/castellan/internal/plugin"
	"github.com/mattjoyce/castellan/internal/plugins/fileops"
	"github.com/mattjoyce/castellan/internal/plugins/sysinfo"
	"github.com/mattjoyce/castellan/internal/protocol"
	"github.com/mattjoyce/castellan/internal/sandbox"
	"github.com/mattjoyce/castellan/internal/server"
	"github.com/mattjoyce/castellan/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("error", "text")
	os.Exit(m.Run())
}

const (
	clientID = "ops-cli"
	token    = "stack-test-token"
)

// startStack assembles every production component against temp
// directories and returns the listen address.
func startStack(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "failures.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	failures := storage.NewFailureLog(db, storage.DefaultFailureWindow)

	reg := plugin.NewRegistry(0)
	for _, desc := range []*plugin.Descriptor{sysinfo.New(), fileops.New()} {
		if err := reg.Register(desc); err != nil {
			t.Fatalf("register %s: %v", desc.Name, err)
		}
	}

	ws, err := sandbox.NewWorkspaceFS(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}

	cfg := config.ServerConfig{
		MaxConnections:         8,
		MaxFrameSize:           1 << 20,
		SessionIdleTimeout:     5 * time.Second,
		MaxInFlightPerSession:  4,
		RequestDeadlineCeiling: 30 * time.Second,
	}
	store := auth.NewStaticStore([]auth.Credential{
		{ClientID: clientID, TokenHash: auth.HashToken(token)},
	})
	d := dispatch.New(reg,
		sandbox.NewInvoker(sandbox.Env{FS: ws}, nil),
		auth.NewAuthenticator(store, failures, nil),
		admission.NewLimiter(admission.Config{Capacity: 100, RefillPerSec: 100}),
		cfg)
	srv := server.New(d, cfg, failures)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, ln)
		close(serveErr)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-serveErr:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})

	return ln.Addr().String()
}

type client struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
}

func connect(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, dec: protocol.NewDecoder(1 << 20)}
}

func (c *client) send(v any) {
	c.t.Helper()
	frame, err := protocol.EncodeFrame(v, 1<<20)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) recv() *protocol.Response {
	c.t.Helper()
	buf := make([]byte, 4096)
	for {
		payload, err := c.dec.Next()
		if err != nil {
			c.t.Fatalf("decode frame: %v", err)
		}
		if payload != nil {
			resp, err := protocol.DecodeResponse(payload)
			if err != nil {
				c.t.Fatalf("decode response: %v", err)
			}
			return resp
		}
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
		}
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
	}
}

func (c *client) authenticate() {
	c.t.Helper()
	c.send(&protocol.AuthRequest{RequestID: "auth", ClientID: clientID, Token: token})
	if resp := c.recv(); resp.Status != protocol.StatusOK {
		c.t.Fatalf("auth failed: %+v", resp.Err)
	}
}

func (c *client) call(id, pluginName, command string, args map[string]any) *protocol.Response {
	c.t.Helper()
	c.send(&protocol.Request{RequestID: id, Plugin: pluginName, Command: command, Args: args})
	resp := c.recv()
	if resp.RequestID != id {
		c.t.Fatalf("response for %q, want %q", resp.RequestID, id)
	}
	return resp
}

func resultMap(t *testing.T, resp *protocol.Response) map[string]any {
	t.Helper()
	if resp.Status != protocol.StatusOK {
		t.Fatalf("request failed: %+v", resp.Err)
	}
	m, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is %T, want map", resp.Result)
	}
	return m
}

func TestFileRoundTripOverSocket(t *testing.T) {
	addr := startStack(t)
	c := connect(t, addr)
	c.authenticate()

	wrote := resultMap(t, c.call("w1", "fileops", "write", map[string]any{
		"path":    "notes/hello.txt",
		"content": "written over the wire",
	}))
	if wrote["path"] != "notes/hello.txt" {
		t.Fatalf("write result = %v", wrote)
	}

	read := resultMap(t, c.call("r1", "fileops", "read", map[string]any{
		"path": "notes/hello.txt",
	}))
	if read["content"] != "written over the wire" {
		t.Fatalf("read back %q", read["content"])
	}

	listed := resultMap(t, c.call("l1", "fileops", "list", map[string]any{"dir": "notes"}))
	entries, ok := listed["entries"].([]any)
	if !ok || len(entries) != 1 || entries[0] != "hello.txt" {
		t.Fatalf("list result = %v", listed)
	}
}

func TestSysinfoReportOverSocket(t *testing.T) {
	addr := startStack(t)
	c := connect(t, addr)
	c.authenticate()

	report := resultMap(t, c.call("s1", "sysinfo", "report", nil))
	for _, key := range []string{"hostname", "os", "arch", "go_version"} {
		if _, ok := report[key]; !ok {
			t.Errorf("report missing %q: %v", key, report)
		}
	}
}

func TestAuthFailuresPersistAcrossConnections(t *testing.T) {
	addr := startStack(t)

	// Burn through the failure allowance with bad tokens. Each attempt
	// is a fresh connection; the count must survive in storage.
	for i := 0; i < server.DefaultMaxRecentAuthFailures; i++ {
		c := connect(t, addr)
		c.send(&protocol.AuthRequest{RequestID: "bad", ClientID: clientID, Token: "wrong"})
		resp := c.recv()
		if resp.Err == nil || resp.Err.Kind != protocol.KindAuthenticationFailed {
			t.Fatalf("attempt %d: expected auth failure, got %+v", i, resp)
		}
		c.conn.Close()
	}

	// The next connection is refused before it can even try.
	c := connect(t, addr)
	resp := c.recv()
	if resp.Err == nil || resp.Err.Kind != protocol.KindAuthenticationFailed {
		t.Fatalf("expected history refusal, got %+v", resp)
	}

	// A correct token from the same host stays locked out until the
	// window expires. That is the intended tradeoff for a local server.
}
