package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"yamanaka/syncd/internal/events"
)

// streamRecorder is a Flusher-capable response writer safe for concurrent
// inspection while the stream handler is still running.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
	wrote  chan struct{}
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header), wrote: make(chan struct{}, 64)}
}

func (r *streamRecorder) Header() http.Header  { return r.header }
func (r *streamRecorder) WriteHeader(code int) {}
func (r *streamRecorder) Flush()               {}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	n, err := r.buf.Write(p)
	r.mu.Unlock()
	select {
	case r.wrote <- struct{}{}:
	default:
	}
	return n, err
}

func (r *streamRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *streamRecorder) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if strings.Contains(r.String(), substr) {
			return
		}
		select {
		case <-r.wrote:
		case <-deadline:
			t.Fatalf("timed out waiting for %q in stream, have:\n%s", substr, r.String())
		}
	}
}

func cancelledRequest(target string) *http.Request {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
}

func TestEventsRequiresDeviceID(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handlers.EventsHandler()(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without device_id, got %d", rec.Code)
	}
}

func TestEventsSetsStreamHeaders(t *testing.T) {
	f := newFixture(t)
	rec := newStreamRecorder()
	f.handlers.EventsHandler()(rec, cancelledRequest("/api/events?device_id=device-b"))

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("unexpected cache control %q", got)
	}
}

func TestEventsReplaysBacklogInOrder(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"one.md", "two.md"} {
		if err := f.spool.Append("device-b", events.FileUpdated("device-a", path, "AA==")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := f.spool.Append("device-b", events.FileDeleted("device-a", "three.md")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec := newStreamRecorder()
	f.handlers.EventsHandler()(rec, cancelledRequest("/api/events?device_id=device-b"))

	body := rec.String()
	first := strings.Index(body, `"path":"one.md"`)
	second := strings.Index(body, `"path":"two.md"`)
	third := strings.Index(body, "event: file_deleted\ndata: {\"path\":\"three.md\"}")
	if first < 0 || second < first || third < second {
		t.Fatalf("backlog not replayed in order:\n%s", body)
	}

	// A second connection starts with a clean slate.
	rec = newStreamRecorder()
	f.handlers.EventsHandler()(rec, cancelledRequest("/api/events?device_id=device-b"))
	if strings.Contains(rec.String(), "one.md") {
		t.Fatalf("backlog replayed twice:\n%s", rec.String())
	}
}

func TestEventsOverThresholdRequestsFullSync(t *testing.T) {
	f := newFixture(t)
	f.handlers.resyncThreshold = 2
	for _, path := range []string{"a.md", "b.md", "c.md"} {
		if err := f.spool.Append("device-b", events.FileUpdated("device-a", path, "AA==")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	rec := newStreamRecorder()
	f.handlers.EventsHandler()(rec, cancelledRequest("/api/events?device_id=device-b"))

	body := rec.String()
	if !strings.Contains(body, "event: full_sync_required\n") {
		t.Fatalf("expected full_sync_required, got:\n%s", body)
	}
	if !strings.Contains(body, "3 missed updates; please perform a full sync") {
		t.Fatalf("expected missed count in message, got:\n%s", body)
	}
	if strings.Contains(body, "a.md") {
		t.Fatalf("individual events leaked past the threshold:\n%s", body)
	}

	// The oversized backlog is discarded, not replayed later.
	backlog, err := f.spool.Drain("device-b")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(backlog) != 0 {
		t.Fatalf("backlog survived the full-sync signal: %+v", backlog)
	}
}

func TestEventsLiveRelayAndHeartbeat(t *testing.T) {
	f := newFixture(t)
	f.handlers.heartbeatInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events?device_id=device-b", nil).WithContext(ctx)
	rec := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		f.handlers.EventsHandler()(rec, req)
		close(done)
	}()

	waitForActive(t, f, "device-b")
	f.handlers.broadcaster.Broadcast(events.FileUpdated("device-a", "live.md", "AA=="))

	rec.waitFor(t, "event: file_updated\ndata: {\"path\":\"live.md\",\"content\":\"AA==\"}\n\n")
	rec.waitFor(t, ":heartbeat\n\n")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not exit on context cancel")
	}
	if f.registry.IsActive("device-b") {
		t.Fatalf("device should be inactive after disconnect")
	}
}

func TestEventsSupersededByNewConnection(t *testing.T) {
	f := newFixture(t)

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	rec1 := newStreamRecorder()
	done1 := make(chan struct{})
	go func() {
		f.handlers.EventsHandler()(rec1,
			httptest.NewRequest(http.MethodGet, "/api/events?device_id=device-b", nil).WithContext(ctx1))
		close(done1)
	}()
	waitForActive(t, f, "device-b")

	// A second connection for the same device evicts the first.
	ctx2, cancel2 := context.WithCancel(context.Background())
	rec2 := newStreamRecorder()
	done2 := make(chan struct{})
	go func() {
		f.handlers.EventsHandler()(rec2,
			httptest.NewRequest(http.MethodGet, "/api/events?device_id=device-b", nil).WithContext(ctx2))
		close(done2)
	}()

	select {
	case <-done1:
	case <-time.After(2 * time.Second):
		t.Fatalf("superseded handler did not exit")
	}
	if !f.registry.IsActive("device-b") {
		t.Fatalf("replacement connection was dropped")
	}

	cancel2()
	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatalf("second handler did not exit on cancel")
	}
}

func waitForActive(t *testing.T, f *fixture, deviceID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.registry.IsActive(deviceID) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("device %s never became active", deviceID)
}
