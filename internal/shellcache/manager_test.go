package shellcache_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"routinesync/internal/config"
	"routinesync/internal/shellcache"
	"routinesync/internal/testsupport"
)

type fakeOrigin struct {
	*httptest.Server
	mu      sync.Mutex
	pages   map[string]string
	down    atomic.Bool
	methods []string
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{pages: map[string]string{
		"/":                   "<html>shell v1</html>",
		"/manifest.json":      `{"name":"Smart Routine"}`,
		"/icons/icon-192.png": "png192",
		"/icons/icon-512.png": "png512",
		"/habitos":            "<html>habitos</html>",
	}}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.methods = append(o.methods, r.Method+" "+r.URL.Path)
		body, ok := o.pages[r.URL.Path]
		o.mu.Unlock()
		if o.down.Load() {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
				return
			}
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *fakeOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[path] = body
}

func (o *fakeOrigin) remove(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pages, path)
}

func (o *fakeOrigin) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.methods...)
}

type fixture struct {
	cfg    *config.Config
	origin *fakeOrigin
	fb     *testsupport.FakeBackend
	store  *shellcache.Store
	mgr    *shellcache.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	origin := newFakeOrigin(t)
	fb := testsupport.NewFakeBackend(t)
	cfg := testsupport.NewConfig(t, testsupport.WithOrigin(origin.URL), testsupport.WithBackendURL(fb.URL))
	store, err := shellcache.OpenFromConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenFromConfig: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	mgr, err := shellcache.NewManager(cfg, store, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &fixture{cfg: cfg, origin: origin, fb: fb, store: store, mgr: mgr}
}

func (f *fixture) ready(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := f.mgr.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := f.mgr.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}

func get(t *testing.T, h http.Handler, path string) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	resp := rec.Result()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestInstallStoresShell(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	status, err := f.mgr.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.Generations) != 1 || status.Generations[0].Name != "appShell_v1.1" || status.Generations[0].Entries != 4 {
		t.Fatalf("unexpected generations %+v", status.Generations)
	}
	if !status.Installed || !status.Activated {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestInstallFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.origin.remove("/icons/icon-512.png")

	if err := f.mgr.Install(context.Background()); err == nil {
		t.Fatal("expected install failure")
	}
	gens, err := f.store.Generations(context.Background())
	if err != nil {
		t.Fatalf("Generations: %v", err)
	}
	if len(gens) != 0 {
		t.Fatalf("expected nothing stored, got %+v", gens)
	}
	if f.mgr.Installed() {
		t.Fatal("manager reports installed after failure")
	}
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, gen := range []string{"appShell_v1.0", "dynamic_v0.1", "dynamic_v1.1", "otra"} {
		if err := f.store.Put(ctx, gen, shellcache.Entry{URL: "/", Status: 200, Body: []byte("x")}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := f.mgr.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	deleted, err := f.mgr.Activate(ctx)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(deleted) != 3 {
		t.Fatalf("expected 3 generations deleted, got %v", deleted)
	}
	gens, _ := f.store.Generations(ctx)
	if len(gens) != 2 || gens[0].Name != "appShell_v1.1" || gens[1].Name != "dynamic_v1.1" {
		t.Fatalf("unexpected remaining generations %+v", gens)
	}
}

func TestServeBeforeActivationBypassesCache(t *testing.T) {
	f := newFixture(t)
	resp, body := get(t, f.mgr, "/habitos")
	if resp.Header.Get(shellcache.CacheHeader) != "bypass" || body != "<html>habitos</html>" {
		t.Fatalf("unexpected response %q %q", resp.Header.Get(shellcache.CacheHeader), body)
	}
	gens, _ := f.store.Generations(context.Background())
	if len(gens) != 0 {
		t.Fatalf("bypass should not cache, got %+v", gens)
	}
}

func TestServeCacheFirst(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.origin.set("/", "<html>shell v2</html>")

	before := countRequests(f.origin.seen(), "GET /")
	resp, body := get(t, f.mgr, "/")
	if body != "<html>shell v1</html>" || resp.Header.Get(shellcache.CacheHeader) != "hit-shell" {
		t.Fatalf("expected cached shell, got %q (%s)", body, resp.Header.Get(shellcache.CacheHeader))
	}
	if after := countRequests(f.origin.seen(), "GET /"); after != before {
		t.Fatalf("shell hit reached the network: %d -> %d", before, after)
	}
}

func countRequests(seen []string, want string) int {
	n := 0
	for _, s := range seen {
		if s == want {
			n++
		}
	}
	return n
}

func TestServeMissStoresDynamic(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	resp, body := get(t, f.mgr, "/habitos")
	if resp.Header.Get(shellcache.CacheHeader) != "miss" || body != "<html>habitos</html>" {
		t.Fatalf("unexpected miss response %q", body)
	}

	f.origin.down.Store(true)
	resp, body = get(t, f.mgr, "/habitos")
	if resp.Header.Get(shellcache.CacheHeader) != "hit-dynamic" || body != "<html>habitos</html>" {
		t.Fatalf("expected dynamic hit, got %q %q", resp.Header.Get(shellcache.CacheHeader), body)
	}
}

func TestServeDoesNotCacheErrors(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	resp, _ := get(t, f.mgr, "/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected upstream 404, got %d", resp.StatusCode)
	}
	entry, err := f.store.Match(context.Background(), f.mgr.DynamicName(), "/missing")
	if err != nil || entry != nil {
		t.Fatalf("expected 404 not cached, got %+v %v", entry, err)
	}
}

func TestServeFallbackWhenOffline(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.origin.down.Store(true)

	resp, body := get(t, f.mgr, "/rutinas")
	if resp.Header.Get(shellcache.CacheHeader) != "fallback" || body != "<html>shell v1</html>" {
		t.Fatalf("expected fallback document, got %q", body)
	}
}

func TestServeGatewayTimeoutWithoutFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.mgr.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	f.origin.down.Store(true)

	resp, _ := get(t, f.mgr, "/rutinas")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
}

func TestServeRoutesAPIToBackend(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	resp, body := get(t, f.mgr, "/api/respaldo")
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(body, "PK") {
		t.Fatalf("expected backend response, got %d %q", resp.StatusCode, body)
	}
	reqs := f.fb.Requests()
	if len(reqs) != 1 || reqs[0].Path != "/api/respaldo" {
		t.Fatalf("expected request at backend, got %+v", reqs)
	}
}

func TestServePassesThroughNonGET(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	rec := httptest.NewRecorder()
	f.mgr.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/habitos", strings.NewReader("x")))
	if rec.Header().Get(shellcache.CacheHeader) != "bypass" {
		t.Fatalf("expected bypass for POST, got %q", rec.Header().Get(shellcache.CacheHeader))
	}
	seen := f.origin.seen()
	if seen[len(seen)-1] != "POST /habitos" {
		t.Fatalf("expected POST forwarded, got %v", seen)
	}
}
