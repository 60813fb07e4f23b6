package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// doEventsRequest runs the stream handler with an already-cancelled
// context so it returns right after replaying buffered events.
func doEventsRequest(t *testing.T, srv *Server, lastEventID string) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	rec := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestEventsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/events", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestEventsReplayBuffered(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.events.Publish("session_opened", map[string]string{"session_id": "s1"})
	srv.events.Publish("session_closed", map[string]string{"session_id": "s1"})

	rec := doEventsRequest(t, srv, "")
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"id: 1\n", "event: session_opened\n", "id: 2\n", "event: session_closed\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

// streamRecorder is a ResponseWriter safe to read while the stream
// handler is still writing on another goroutine.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (r *streamRecorder) Header() http.Header { return r.header }
func (r *streamRecorder) WriteHeader(int)     {}
func (r *streamRecorder) Flush()              {}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *streamRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func TestLiveStreamNeverDuplicatesOrReorders(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.events.Publish("session_opened", nil)
	srv.events.Publish("session_closed", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.setupRoutes().ServeHTTP(rec, req)
	}()

	// Publish while the handler races between its replay and its live
	// subscription; every event must still come out exactly once.
	for i := 0; i < 40; i++ {
		srv.events.Publish("request_completed", nil)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(rec.String(), "id: 42\n") {
		if time.Now().After(deadline) {
			t.Fatalf("stream never carried the last event:\n%s", rec.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	var last int64
	for _, line := range strings.Split(rec.String(), "\n") {
		if !strings.HasPrefix(line, "id: ") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
		if err != nil {
			t.Fatalf("bad id line %q: %v", line, err)
		}
		if id <= last {
			t.Fatalf("id %d arrived after %d; event duplicated or reordered", id, last)
		}
		last = id
	}
	if last != 42 {
		t.Fatalf("last id = %d, want 42", last)
	}
}

func TestEventsResumeSkipsSeen(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.events.Publish("session_opened", nil)
	srv.events.Publish("session_closed", nil)

	body := doEventsRequest(t, srv, "1").Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Fatalf("resumed stream replayed seen event:\n%s", body)
	}
	if !strings.Contains(body, "id: 2\n") {
		t.Fatalf("resumed stream missing newer event:\n%s", body)
	}
}
