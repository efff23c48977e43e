package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"routinesync/internal/api"
	"routinesync/internal/config"
	"routinesync/internal/connectivity"
	"routinesync/internal/notifications"
	"routinesync/internal/outbox"
	"routinesync/internal/push"
	"routinesync/internal/shellcache"
	"routinesync/internal/syncer"
	"routinesync/internal/testsupport"
)

const userID = "0123456789abcdef01234567"

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (r *recordingNotifier) Show(context.Context, notifications.Notification) error { return nil }

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingNotifier) seen() []notifications.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifications.Event(nil), r.events...)
}

type recordingOpener struct {
	mu     sync.Mutex
	opened []string
}

func (o *recordingOpener) Open(_ context.Context, url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, url)
	return nil
}

func (o *recordingOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

type fixture struct {
	cfg      *config.Config
	fb       *testsupport.FakeBackend
	online   atomic.Bool
	notifier *recordingNotifier
	opener   *recordingOpener
	agent    *Agent
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "asset "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	fb := testsupport.NewFakeBackend(t)
	origin := newOrigin(t)
	opts = append([]testsupport.ConfigOption{
		testsupport.WithBackendURL(fb.URL),
		testsupport.WithOrigin(origin.URL),
		testsupport.WithSession(userID, "tok"),
	}, opts...)
	f := &fixture{cfg: testsupport.NewConfig(t, opts...), fb: fb, notifier: &recordingNotifier{}, opener: &recordingOpener{}}
	f.online.Store(true)

	prober := connectivity.ProberFunc(func(context.Context, string) error {
		if f.online.Load() {
			return nil
		}
		return io.ErrUnexpectedEOF
	})
	a, err := New(context.Background(), f.cfg, Options{Prober: prober, Notifier: f.notifier, Opener: f.opener})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	f.agent = a
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.agent.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if f.cfg.Agent.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Agent.Token)
	}
	w := httptest.NewRecorder()
	f.agent.Handler().ServeHTTP(w, req)
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAgentStartStopAndLock(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	status := f.agent.Status(context.Background())
	if !status.Running || !status.Online {
		t.Fatalf("expected running online agent, got %+v", status)
	}
	if !status.Cache.Activated || !status.Cache.Installed {
		t.Fatalf("expected installed and activated cache, got %+v", status.Cache)
	}
	if !status.Session.Valid || status.LockFilePath != f.cfg.LockPath() {
		t.Fatalf("unexpected status %+v", status)
	}

	second, err := New(context.Background(), f.cfg, Options{Prober: connectivity.ProberFunc(func(context.Context, string) error { return nil })})
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	defer second.Close()
	if err := second.Start(context.Background()); err == nil {
		t.Fatal("expected second agent start to fail while the lock is held")
	}

	f.agent.Stop()
	if f.agent.Status(context.Background()).Running {
		t.Fatal("expected stopped agent")
	}
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("expected start after release: %v", err)
	}
	second.Stop()
}

func TestInterceptDeliversWhenOnline(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	w := f.do(t, http.MethodPost, "/api/habito/nuevo", map[string]any{"titulo": "Meditar"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected backend status echoed, got %d: %s", w.Code, w.Body.String())
	}
	created := f.fb.Created()
	if len(created) != 1 {
		t.Fatalf("expected one delivery, got %d", len(created))
	}
	if created[0]["usuarioId"] != userID || created[0]["titulo"] != "Meditar" {
		t.Fatalf("unexpected delivered body %v", created[0])
	}
	if reqs := f.fb.Requests(); reqs[len(reqs)-1].Kind != "habitos" {
		t.Fatalf("expected normalized kind, got %q", reqs[len(reqs)-1].Kind)
	}
}

func TestInterceptQueuesOfflineAndDrainsOnReconnect(t *testing.T) {
	f := newFixture(t)
	f.online.Store(false)
	f.start(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/api/habito/nuevo", map[string]any{"descripcion": "sin red"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while offline, got %d: %s", w.Code, w.Body.String())
	}
	var outcome syncer.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !outcome.Queued || outcome.Operation == nil || outcome.Operation.Payload["titulo"] != "Sin título" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if tags, _ := f.agent.store.SyncTags(ctx); len(tags) != 1 || tags[0] != f.cfg.Sync.Tag {
		t.Fatalf("expected sync tag registered, got %v", tags)
	}

	f.online.Store(true)
	f.agent.conn.SetOnline(ctx, true)
	waitFor(t, "drain after reconnect", func() bool {
		ops, err := f.agent.store.ListAll(ctx)
		return err == nil && len(ops) == 0
	})
	waitFor(t, "sync notification", func() bool {
		for _, e := range f.notifier.seen() {
			if e == notifications.EventSyncCompleted {
				return true
			}
		}
		return false
	})
}

func TestInterceptRejectsInvalidSession(t *testing.T) {
	f := newFixture(t, testsupport.WithSession("", ""))
	f.start(t)

	w := f.do(t, http.MethodPost, "/api/habitos/nuevo", map[string]any{"titulo": "x"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	ops, _ := f.agent.store.ListAll(context.Background())
	if len(ops) != 0 {
		t.Fatalf("expected nothing stored, got %d records", len(ops))
	}
}

func TestOutboxEndpoints(t *testing.T) {
	f := newFixture(t)
	first := testsupport.Enqueue(t, f.agent.store, "uno")
	testsupport.Enqueue(t, f.agent.store, "dos")

	w := f.do(t, http.MethodGet, "/agent/outbox", nil)
	var list api.OutboxList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Records) != 2 || list.Records[0].Title != "uno" || list.Stats.Queued != 2 {
		t.Fatalf("unexpected list %+v", list)
	}

	for i := 0; i < 2; i++ {
		w = f.do(t, http.MethodDelete, "/agent/outbox/"+jsonNumber(first.ID), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("remove %d: status %d", i, w.Code)
		}
	}
	var removed api.RemoveResponse
	_ = json.Unmarshal(w.Body.Bytes(), &removed)
	if removed.Removed {
		t.Fatal("expected second remove to report nothing deleted")
	}

	w = f.do(t, http.MethodDelete, "/agent/outbox", nil)
	var count api.CountResponse
	_ = json.Unmarshal(w.Body.Bytes(), &count)
	if count.Count != 1 {
		t.Fatalf("expected one record cleared, got %d", count.Count)
	}

	if w := f.do(t, http.MethodDelete, "/agent/outbox/abc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", w.Code)
	}
}

func TestDrainEndpointAndDeadNotification(t *testing.T) {
	f := newFixture(t, testsupport.WithMaxAttempts(1))
	f.fb.RejectWhen(func(body map[string]any) string {
		if body["titulo"] == "malo" {
			return "titulo inválido"
		}
		return ""
	})
	testsupport.Enqueue(t, f.agent.store, "malo")
	testsupport.Enqueue(t, f.agent.store, "bueno")
	f.agent.conn.SetOnline(context.Background(), true)

	w := f.do(t, http.MethodPost, "/agent/outbox/drain?force=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("drain: %d %s", w.Code, w.Body.String())
	}
	var res syncer.DrainResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Delivered != 1 || res.Dead != 1 {
		t.Fatalf("unexpected drain result %+v", res)
	}
	events := f.notifier.seen()
	if len(events) != 2 || events[0] != notifications.EventSyncCompleted || events[1] != notifications.EventRecordsDead {
		t.Fatalf("unexpected notifications %v", events)
	}

	f.fb.RejectWhen(nil)
	w = f.do(t, http.MethodPost, "/agent/outbox/retry", api.RetryRequest{})
	var count api.CountResponse
	_ = json.Unmarshal(w.Body.Bytes(), &count)
	if count.Count != 1 {
		t.Fatalf("expected one revived record, got %d", count.Count)
	}
	waitFor(t, "revived record delivered", func() bool {
		ops, err := f.agent.store.ListAll(context.Background())
		return err == nil && len(ops) == 0
	})
}

func TestSyncEndpoint(t *testing.T) {
	f := newFixture(t)
	testsupport.Enqueue(t, f.agent.store, "tarde")
	f.agent.conn.SetOnline(context.Background(), true)

	w := f.do(t, http.MethodPost, "/agent/sync/sync-posts", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	waitFor(t, "dispatched sync", func() bool {
		tags, err := f.agent.store.SyncTags(context.Background())
		return err == nil && len(tags) == 0 && len(f.fb.Created()) == 1
	})
}

func TestAuthGuardsControlRoutes(t *testing.T) {
	f := newFixture(t)
	f.cfg.Agent.Token = "s3cret"
	f.agent.server = newAPIServer(f.cfg, f.agent, nil)

	req := httptest.NewRequest(http.MethodGet, "/agent/status", nil)
	w := httptest.NewRecorder()
	f.agent.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/agent/status", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
}

func TestCacheServesShellAfterStart(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	w := f.do(t, http.MethodGet, "/manifest.json", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get(shellcache.CacheHeader); got != "hit-shell" {
		t.Fatalf("expected shell hit, got %q", got)
	}
	if !strings.Contains(w.Body.String(), "/manifest.json") {
		t.Fatalf("unexpected body %q", w.Body.String())
	}
}

func TestNotificationClickRedirects(t *testing.T) {
	f := newFixture(t)
	note, err := f.agent.Push().HandlePush(context.Background(), []byte(`{"title":"Hola","body":"b","url":"/habitos"}`))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/agent/notifications/"+note.ID+"/click", nil)
	req.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	f.agent.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); !strings.HasSuffix(loc, "/habitos") {
		t.Fatalf("unexpected location %q", loc)
	}

	if n := f.opener.count(); n != 0 {
		t.Fatalf("expected the redirected tab to be the only window, got %d launches", n)
	}

	w = f.do(t, http.MethodGet, "/agent/notifications/"+note.ID+"/click", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected consumed notification to be unknown, got %d", w.Code)
	}
}

func TestNotificationClickFocusesTrackedPage(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	page := httptest.NewRequest(http.MethodGet, "/habitos?dia=lunes", nil)
	page.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := httptest.NewRecorder()
	f.agent.Handler().ServeHTTP(w, page)
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == windowCookie {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("expected a window cookie on the first page view")
	}
	wins := f.agent.Push().Windows().List()
	if len(wins) != 1 || wins[0].ID != cookie.Value || !strings.HasSuffix(wins[0].URL, "/habitos?dia=lunes") {
		t.Fatalf("expected page view tracked as a window, got %+v", wins)
	}

	note, err := f.agent.Push().HandlePush(context.Background(), []byte(`{"url":"/habitos"}`))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/agent/notifications/"+note.ID+"/click", nil)
	req.Header.Set("Accept", "text/html")
	w = httptest.NewRecorder()
	f.agent.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected focus page instead of a redirect, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "window.close()") {
		t.Fatalf("unexpected focus page %q", w.Body.String())
	}

	note, _ = f.agent.Push().HandlePush(context.Background(), []byte(`{"url":"/habitos"}`))
	w = f.do(t, http.MethodGet, "/agent/notifications/"+note.ID+"/click", nil)
	var res push.ClickResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Action != push.ClickFocused || res.WindowID != cookie.Value {
		t.Fatalf("unexpected click result %+v", res)
	}
	if n := f.opener.count(); n != 0 {
		t.Fatalf("expected no window launched, got %d", n)
	}
}

func TestTransitionsDuringShutdown(t *testing.T) {
	// An unreachable origin keeps the shell uninstalled, so every online
	// transition schedules an install retry.
	f := newFixture(t, testsupport.WithOrigin("http://127.0.0.1:1"))
	f.online.Store(false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.start(t)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 20; j++ {
				f.agent.conn.SetOnline(ctx, j%2 == 0)
			}
		}()
		f.agent.Stop()
		<-done
	}
	if f.agent.Status(ctx).Running {
		t.Fatal("expected stopped agent")
	}
}

func TestClientAgainstRunningAgent(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	testsupport.Enqueue(t, f.agent.store, "cliente")

	client, err := api.NewClient(f.agent.Addr(), f.cfg.Agent.Token)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	list, err := client.Outbox(context.Background())
	if err != nil {
		t.Fatalf("Outbox: %v", err)
	}
	if len(list.Records) != 1 || list.Records[0].Kind != "habitos" {
		t.Fatalf("unexpected records %+v", list.Records)
	}
	out, err := client.Submit(context.Background(), syncer.Request{Kind: "posts", Payload: outbox.Payload{"titulo": "api"}})
	if err != nil || !out.Delivered {
		t.Fatalf("Submit: %+v %v", out, err)
	}
}

func jsonNumber(id int64) string {
	data, _ := json.Marshal(id)
	return string(data)
}
