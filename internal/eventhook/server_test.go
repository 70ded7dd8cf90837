package eventhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gantryci/gantry/internal/trigger"
)

func postEvent(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthReportsProtocolVersion(t *testing.T) {
	server := NewServer(Settings{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["protocol_version"] != ProtocolVersion {
		t.Fatalf("unexpected health payload %v", payload)
	}
}

func TestEventAcceptedLaunchesRun(t *testing.T) {
	var launched trigger.Event
	server := NewServer(Settings{}, WithLauncher(LauncherFunc(func(_ context.Context, ev trigger.Event) (string, error) {
		launched = ev
		return "run-123", nil
	})))
	rec := postEvent(t, server.Router(), `{"type":"Push","ref":"refs/heads/main"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["run_id"] != "run-123" || payload["status"] != "accepted" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if launched.Type != trigger.EventPush {
		t.Fatalf("event type not normalized: %q", launched.Type)
	}
	if launched.Branch != "main" {
		t.Fatalf("branch not derived from ref: %q", launched.Branch)
	}
}

func TestMalformedJSONRejected(t *testing.T) {
	server := NewServer(Settings{})
	rec := postEvent(t, server.Router(), `{"type":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestInvalidEventRejected(t *testing.T) {
	server := NewServer(Settings{}, WithLauncher(LauncherFunc(func(context.Context, trigger.Event) (string, error) {
		t.Fatalf("invalid events must not reach the launcher")
		return "", nil
	})))
	rec := postEvent(t, server.Router(), `{"type":"teleport"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestLaunchFailureRejected(t *testing.T) {
	server := NewServer(Settings{}, WithLauncher(LauncherFunc(func(context.Context, trigger.Event) (string, error) {
		return "", fmt.Errorf("manifest is broken")
	})))
	rec := postEvent(t, server.Router(), `{"type":"push"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", rec.Code)
	}
	payload := decodeBody(t, rec)
	if !strings.Contains(payload["error"].(string), "manifest is broken") {
		t.Fatalf("launch error not surfaced: %v", payload)
	}
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	launches := 0
	server := NewServer(Settings{}, WithLauncher(LauncherFunc(func(context.Context, trigger.Event) (string, error) {
		launches++
		return fmt.Sprintf("run-%d", launches), nil
	})))
	handler := server.Router()
	body := `{"event_id":"dlv-1","type":"push","ref":"refs/heads/main"}`
	if rec := postEvent(t, handler, body); rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery: status %d, want 202", rec.Code)
	}
	rec := postEvent(t, handler, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate delivery: status %d, want 200", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["status"] != "duplicate" {
		t.Fatalf("unexpected duplicate payload %v", payload)
	}
	if launches != 1 {
		t.Fatalf("duplicate delivery launched a run: %d launches", launches)
	}
}

func TestFailedLaunchLeavesDeliveryRetryable(t *testing.T) {
	launches := 0
	server := NewServer(Settings{}, WithLauncher(LauncherFunc(func(context.Context, trigger.Event) (string, error) {
		launches++
		if launches == 1 {
			return "", fmt.Errorf("manifest is broken")
		}
		return "run-2", nil
	})))
	handler := server.Router()
	body := `{"event_id":"dlv-9","type":"push","ref":"refs/heads/main"}`
	if rec := postEvent(t, handler, body); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("failed launch: status %d, want 422", rec.Code)
	}
	rec := postEvent(t, handler, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("redelivery after a failed launch must run: status %d, body %s", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["run_id"] != "run-2" {
		t.Fatalf("unexpected payload %v", payload)
	}
	// Only the launched delivery enters the dedupe window.
	if rec := postEvent(t, handler, body); rec.Code != http.StatusOK {
		t.Fatalf("third delivery: status %d, want 200 duplicate", rec.Code)
	}
	if launches != 2 {
		t.Fatalf("expected 2 launch attempts, got %d", launches)
	}
}

func TestDedupeWindowEviction(t *testing.T) {
	server := NewServer(Settings{DedupeWindow: 2}, WithLauncher(LauncherFunc(func(context.Context, trigger.Event) (string, error) {
		return "run", nil
	})))
	handler := server.Router()
	for _, id := range []string{"a", "b", "c"} {
		body := fmt.Sprintf(`{"event_id":%q,"type":"push"}`, id)
		if rec := postEvent(t, handler, body); rec.Code != http.StatusAccepted {
			t.Fatalf("delivery %s: status %d, want 202", id, rec.Code)
		}
	}
	// "a" was evicted from the window, so its redelivery is accepted again.
	rec := postEvent(t, handler, `{"event_id":"a","type":"push"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("evicted id must be accepted again, got %d", rec.Code)
	}
}

// freePort reserves an ephemeral port for the lifecycle test.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestStartAndShutdown(t *testing.T) {
	server := NewServer(Settings{Host: "127.0.0.1", Port: freePort(t)})
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if server.Status() != StatusReady {
		t.Fatalf("status %s, want ready", server.Status())
	}
	addr := server.Addr()
	if addr == "" {
		t.Fatalf("missing listen address")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", resp.StatusCode)
	}
	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if server.Status() != StatusDraining {
		t.Fatalf("status %s, want draining", server.Status())
	}
}

func TestSettingsNormalized(t *testing.T) {
	s := Settings{Port: 9000}.Normalized()
	if s.Host != "127.0.0.1" || s.Port != 9000 {
		t.Fatalf("unexpected settings %+v", s)
	}
	if s.DedupeWindow <= 0 || s.ReadTimeout <= 0 {
		t.Fatalf("defaults not filled: %+v", s)
	}
	if s.Address() != "127.0.0.1:9000" {
		t.Fatalf("unexpected address %s", s.Address())
	}
}
