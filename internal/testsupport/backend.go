package testsupport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// BackendRequest captures one call received by FakeBackend.
type BackendRequest struct {
	Method string
	Path   string
	Kind   string
	Header http.Header
	Body   map[string]any
	// Outcome is "accepted" or "rejected" for creation requests.
	Outcome string
}

// FakeBackend is an in-process stand-in for the REST API.
type FakeBackend struct {
	*httptest.Server

	mu       sync.Mutex
	requests []BackendRequest
	reject   func(body map[string]any) string
	down     bool
	backup   []byte
}

// NewFakeBackend starts a backend that accepts every creation request.
func NewFakeBackend(t testing.TB) *FakeBackend {
	t.Helper()

	fb := &FakeBackend{backup: []byte("PK\x03\x04fake-zip")}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		if fb.isDown() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/{kind}/nuevo", fb.handleCreate)
	mux.HandleFunc("POST /api/notificaciones/save-subscription", fb.handleRecord)
	mux.HandleFunc("GET /api/respaldo", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r, nil, "")
		w.Header().Set("Content-Type", "application/zip")
		fb.mu.Lock()
		data := fb.backup
		fb.mu.Unlock()
		_, _ = w.Write(data)
	})
	fb.Server = httptest.NewServer(mux)
	t.Cleanup(fb.Close)
	return fb
}

// RejectWhen installs a predicate; a non-empty return becomes the "message"
// field of an HTTP 200 response, the way the real API reports logical errors.
func (fb *FakeBackend) RejectWhen(fn func(body map[string]any) string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.reject = fn
}

// SetDown makes every creation request fail with 503.
func (fb *FakeBackend) SetDown(down bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.down = down
}

// Requests returns a copy of every recorded request.
func (fb *FakeBackend) Requests() []BackendRequest {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]BackendRequest(nil), fb.requests...)
}

// Created returns the bodies of accepted creation requests in arrival order.
func (fb *FakeBackend) Created() []map[string]any {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []map[string]any
	for _, req := range fb.requests {
		if req.Outcome == "accepted" {
			out = append(out, req.Body)
		}
	}
	return out
}

func (fb *FakeBackend) isDown() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.down
}

func (fb *FakeBackend) record(r *http.Request, body map[string]any, outcome string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.requests = append(fb.requests, BackendRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Kind:    r.PathValue("kind"),
		Header:  r.Header.Clone(),
		Body:    body,
		Outcome: outcome,
	})
}

func (fb *FakeBackend) handleRecord(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	fb.record(r, body, "")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (fb *FakeBackend) handleCreate(w http.ResponseWriter, r *http.Request) {
	if fb.isDown() {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "invalid json"})
		return
	}

	fb.mu.Lock()
	reject := fb.reject
	fb.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if reject != nil {
		if msg := reject(body); msg != "" {
			fb.record(r, body, "rejected")
			_ = json.NewEncoder(w).Encode(map[string]any{"message": msg})
			return
		}
	}
	fb.record(r, body, "accepted")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(body)
}
