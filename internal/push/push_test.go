package push_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"routinesync/internal/backend"
	"routinesync/internal/config"
	"routinesync/internal/notifications"
	"routinesync/internal/push"
	"routinesync/internal/services"
	"routinesync/internal/session"
	"routinesync/internal/testsupport"
)

var sess = session.Session{UserID: "0123456789abcdef01234567"}

type recordingNotifier struct {
	mu    sync.Mutex
	shown []notifications.Notification
	seen  chan notifications.Notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{seen: make(chan notifications.Notification, 8)}
}

func (r *recordingNotifier) Show(_ context.Context, n notifications.Notification) error {
	r.mu.Lock()
	r.shown = append(r.shown, n)
	r.mu.Unlock()
	r.seen <- n
	return nil
}

func (r *recordingNotifier) Publish(context.Context, notifications.Event, notifications.Payload) error {
	return nil
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

type fixedPrompter struct {
	answer push.Permission
	asked  int
}

func (p *fixedPrompter) Ask(string) (push.Permission, bool) {
	p.asked++
	return p.answer, true
}

type flakyForwarder struct {
	fail  bool
	calls int
}

func (f *flakyForwarder) SaveSubscription(context.Context, session.Session, any) error {
	f.calls++
	if f.fail {
		return errors.New("backend unreachable")
	}
	return nil
}

func newPushConfig(t *testing.T, permission string) *config.Config {
	cfg := testsupport.NewConfig(t, testsupport.WithOrigin("http://app.local"))
	cfg.Push.Enabled = true
	cfg.Push.Permission = permission
	return cfg
}

func TestDecodeApplicationServerKey(t *testing.T) {
	raw, err := push.DecodeApplicationServerKey(config.Default().Push.ApplicationServerKey)
	if err != nil {
		t.Fatalf("default key rejected: %v", err)
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		t.Fatalf("unexpected key bytes: %d", len(raw))
	}
	for _, bad := range []string{"", "not base64!!", "AAAA", strings.Repeat("A", 87)} {
		if _, err := push.DecodeApplicationServerKey(bad); !errors.Is(err, services.ErrConfiguration) {
			t.Fatalf("expected configuration error for %q, got %v", bad, err)
		}
	}
}

func TestSubscribeCreatesForwardsAndReuses(t *testing.T) {
	fb := testsupport.NewFakeBackend(t)
	cfg := newPushConfig(t, "granted")
	cfg.Backend.BaseURL = fb.URL
	client, err := backend.NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	mgr := push.NewManager(cfg, push.Options{Forwarder: client})
	ctx := context.Background()

	sub, err := mgr.Subscribe(ctx, sess)
	if err != nil || sub == nil {
		t.Fatalf("Subscribe: %v %v", sub, err)
	}
	if !strings.HasPrefix(sub.Endpoint, "https://ntfy.sh/routinesync-") {
		t.Fatalf("unexpected endpoint %q", sub.Endpoint)
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		t.Fatalf("expected keys, got %+v", sub.Keys)
	}

	again, err := mgr.Subscribe(ctx, sess)
	if err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	if again.Endpoint != sub.Endpoint {
		t.Fatal("expected subscription reuse")
	}

	reqs := fb.Requests()
	if len(reqs) != 1 || reqs[0].Path != "/api/notificaciones/save-subscription" {
		t.Fatalf("expected a single forward, got %+v", reqs)
	}
	if reqs[0].Body["endpoint"] != sub.Endpoint {
		t.Fatalf("unexpected forwarded body %v", reqs[0].Body)
	}
	if _, err := os.Stat(cfg.SubscriptionPath()); err != nil {
		t.Fatalf("subscription not persisted: %v", err)
	}
}

func TestSubscribeNewKeyReplacesSubscription(t *testing.T) {
	cfg := newPushConfig(t, "granted")
	fwd := &flakyForwarder{}
	ctx := context.Background()

	first, err := push.NewManager(cfg, push.Options{Forwarder: fwd}).Subscribe(ctx, sess)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	cfg.Push.ApplicationServerKey = config.Default().Push.ApplicationServerKey + "="
	padded, err := push.NewManager(cfg, push.Options{Forwarder: fwd}).Subscribe(ctx, sess)
	if err != nil {
		t.Fatalf("Subscribe with padded key: %v", err)
	}
	if padded.Endpoint != first.Endpoint {
		t.Fatal("expected the same key in another encoding to reuse the subscription")
	}

	cfg.Push.ApplicationServerKey = "BA" + strings.Repeat("A", 85)
	if _, err := push.NewManager(cfg, push.Options{Forwarder: fwd}).Subscribe(ctx, sess); err == nil {
		t.Fatal("expected off-curve key to fail")
	}

	other, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cfg.Push.ApplicationServerKey = base64.RawURLEncoding.EncodeToString(other.PublicKey().Bytes())
	second, err := push.NewManager(cfg, push.Options{Forwarder: fwd}).Subscribe(ctx, sess)
	if err != nil {
		t.Fatalf("Subscribe with new key: %v", err)
	}
	if second.Endpoint == first.Endpoint {
		t.Fatal("expected a new subscription for a new key")
	}
	if fwd.calls != 2 {
		t.Fatalf("expected two forwards, got %d", fwd.calls)
	}
}

func TestSubscribeDenied(t *testing.T) {
	cfg := newPushConfig(t, "denied")
	fwd := &flakyForwarder{}
	sub, err := push.NewManager(cfg, push.Options{Forwarder: fwd}).Subscribe(context.Background(), sess)
	if err != nil || sub != nil {
		t.Fatalf("expected nil, nil; got %v %v", sub, err)
	}
	if fwd.calls != 0 {
		t.Fatal("denied permission should not forward")
	}
}

func TestSubscribePromptRemembersAnswer(t *testing.T) {
	cfg := newPushConfig(t, "prompt")
	prompter := &fixedPrompter{answer: push.PermissionGranted}
	mgr := push.NewManager(cfg, push.Options{Prompter: prompter, Forwarder: &flakyForwarder{}})
	ctx := context.Background()

	if sub, err := mgr.Subscribe(ctx, sess); err != nil || sub == nil {
		t.Fatalf("Subscribe: %v %v", sub, err)
	}
	if _, err := mgr.Subscribe(ctx, sess); err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	if prompter.asked != 1 {
		t.Fatalf("expected a single prompt, got %d", prompter.asked)
	}
	st, err := mgr.State()
	if err != nil || st.Permission != push.PermissionGranted {
		t.Fatalf("expected remembered permission, got %+v %v", st, err)
	}
}

func TestSubscribeRetriesForwardFailures(t *testing.T) {
	cfg := newPushConfig(t, "granted")
	fwd := &flakyForwarder{fail: true}
	mgr := push.NewManager(cfg, push.Options{Forwarder: fwd})
	ctx := context.Background()

	if _, err := mgr.Subscribe(ctx, sess); err != nil {
		t.Fatalf("forward failure must not fail Subscribe: %v", err)
	}
	st, _ := mgr.State()
	if st.Forwarded {
		t.Fatal("expected forwarded=false after failure")
	}
	fwd.fail = false
	if _, err := mgr.Subscribe(ctx, sess); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	st, _ = mgr.State()
	if !st.Forwarded || fwd.calls != 2 {
		t.Fatalf("expected retried forward, got %+v calls=%d", st, fwd.calls)
	}
}

func TestParseMessage(t *testing.T) {
	mgr := push.NewManager(newPushConfig(t, "granted"), push.Options{})
	cases := []struct {
		name string
		data []byte
		want push.Message
	}{
		{"full", []byte(`{"title":"Hora de correr","body":"5 km","url":"/habitos"}`), push.Message{Title: "Hora de correr", Body: "5 km", URL: "/habitos"}},
		{"defaults", []byte(`{}`), push.Message{Title: "Smart Routine", Body: "Tienes una nueva notificación.", URL: "/"}},
		{"plain text", []byte("Recuerda tu rutina"), push.Message{Title: "Smart Routine", Body: "Recuerda tu rutina", URL: "/"}},
		{"no data", nil, push.Message{Title: "Smart Routine", Body: "Tienes un nuevo mensaje 💡", URL: "/"}},
		{"json string", []byte(`"hola"`), push.Message{Title: "Smart Routine", Body: "Tienes una nueva notificación.", URL: "/"}},
		{"markup", []byte(`{"title":"<b>Logro</b>","body":"<script>x()</script>Bien & listo"}`), push.Message{Title: "Logro", Body: "Bien & listo", URL: "/"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mgr.ParseMessage(tc.data); got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestHandlePushAlwaysDisplays(t *testing.T) {
	notifier := newRecordingNotifier()
	mgr := push.NewManager(newPushConfig(t, "granted"), push.Options{Notifier: notifier, ClickBase: "http://127.0.0.1:7488"})

	note, err := mgr.HandlePush(context.Background(), []byte("{broken"))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if note.Body != "{broken" || note.Title != "Smart Routine" {
		t.Fatalf("unexpected notification %+v", note)
	}
	if !strings.HasPrefix(note.Click, "http://127.0.0.1:7488/agent/notifications/"+note.ID+"/click") {
		t.Fatalf("unexpected click link %q", note.Click)
	}
	if len(mgr.Displayed()) != 1 {
		t.Fatal("expected notification registered for clicks")
	}
}

func TestHandleClickFocusesMatchingWindow(t *testing.T) {
	opener := &recordingOpener{}
	mgr := push.NewManager(newPushConfig(t, "granted"), push.Options{Opener: opener})
	mgr.Windows().Touch("w1", "http://app.local/principal")
	mgr.Windows().Touch("w2", "http://app.local/habitos?dia=lunes")
	note, _ := mgr.HandlePush(context.Background(), []byte(`{"url":"/habitos"}`))

	res, err := mgr.HandleClick(context.Background(), note.ID, "", push.ClickDirect)
	if err != nil {
		t.Fatalf("HandleClick: %v", err)
	}
	if res.Action != push.ClickFocused || res.WindowID != "w2" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(opener.opened) != 0 {
		t.Fatalf("focusing must not launch a window, got %v", opener.opened)
	}
	if len(mgr.Displayed()) != 0 {
		t.Fatal("expected notification closed")
	}
	if wins := mgr.Windows().List(); len(wins) != 2 {
		t.Fatalf("expected no new window, got %v", wins)
	}
}

func TestHandleClickNavigationRedirectsWithoutLaunching(t *testing.T) {
	opener := &recordingOpener{}
	mgr := push.NewManager(newPushConfig(t, "granted"), push.Options{Opener: opener})
	note, _ := mgr.HandlePush(context.Background(), []byte(`{"url":"/logros"}`))

	res, err := mgr.HandleClick(context.Background(), note.ID, "", push.ClickNavigation)
	if err != nil {
		t.Fatalf("HandleClick: %v", err)
	}
	if res.Action != push.ClickRedirected || res.URL != "http://app.local/logros" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(opener.opened) != 0 {
		t.Fatalf("expected no launch for a browser click, got %v", opener.opened)
	}
}

func TestTrackPageFeedsFocus(t *testing.T) {
	opener := &recordingOpener{}
	mgr := push.NewManager(newPushConfig(t, "granted"), push.Options{Opener: opener})
	mgr.TrackPage("", "/ignored")
	mgr.TrackPage("browser-1", "/habitos?dia=martes")
	note, _ := mgr.HandlePush(context.Background(), []byte(`{"url":"/habitos"}`))

	res, err := mgr.HandleClick(context.Background(), note.ID, "", push.ClickDirect)
	if err != nil {
		t.Fatalf("HandleClick: %v", err)
	}
	if res.Action != push.ClickFocused || res.WindowID != "browser-1" || res.URL != "http://app.local/habitos?dia=martes" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(opener.opened) != 0 {
		t.Fatalf("unexpected opens %v", opener.opened)
	}
}

func TestDisplayedIsBounded(t *testing.T) {
	mgr := push.NewManager(newPushConfig(t, "granted"), push.Options{Opener: &recordingOpener{}})
	first, _ := mgr.HandlePush(context.Background(), []byte(`{"title":"primera"}`))
	for i := 0; i < push.DisplayedLimit+10; i++ {
		if _, err := mgr.HandlePush(context.Background(), []byte(`{"title":"otra"}`)); err != nil {
			t.Fatalf("HandlePush: %v", err)
		}
	}
	shown := mgr.Displayed()
	if len(shown) != push.DisplayedLimit {
		t.Fatalf("expected %d notifications kept, got %d", push.DisplayedLimit, len(shown))
	}
	for _, n := range shown {
		if n.ID == first.ID {
			t.Fatal("expected the oldest notification evicted")
		}
	}
}

func TestHandleClickOpensWindow(t *testing.T) {
	opener := &recordingOpener{}
	mgr := push.NewManager(newPushConfig(t, "granted"), push.Options{Opener: opener})
	note, _ := mgr.HandlePush(context.Background(), []byte(`{"url":"/logros"}`))

	res, err := mgr.HandleClick(context.Background(), note.ID, "", push.ClickDirect)
	if err != nil {
		t.Fatalf("HandleClick: %v", err)
	}
	if res.Action != push.ClickOpened || res.URL != "http://app.local/logros" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(opener.opened) != 1 || opener.opened[0] != "http://app.local/logros" {
		t.Fatalf("unexpected opens %v", opener.opened)
	}
	if wins := mgr.Windows().List(); len(wins) != 1 {
		t.Fatalf("expected the new window registered, got %v", wins)
	}
}

func TestHandleClickUnknownNotification(t *testing.T) {
	mgr := push.NewManager(newPushConfig(t, "granted"), push.Options{Opener: &recordingOpener{}})
	if _, err := mgr.HandleClick(context.Background(), "missing", "", push.ClickDirect); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	res, err := mgr.HandleClick(context.Background(), "missing", "/rutinas", push.ClickDirect)
	if err != nil || res.URL != "http://app.local/rutinas" {
		t.Fatalf("expected fallback url, got %+v %v", res, err)
	}
}

func TestWindowsPrune(t *testing.T) {
	w := push.NewWindows(time.Nanosecond)
	w.Touch("old", "http://app.local/")
	time.Sleep(time.Millisecond)
	if len(w.List()) != 0 {
		t.Fatal("expected stale window pruned")
	}
}

func TestStreamURL(t *testing.T) {
	cases := map[string]string{
		"https://ntfy.sh/topic":    "wss://ntfy.sh/topic/ws",
		"http://127.0.0.1:8080/t/": "ws://127.0.0.1:8080/t/ws",
	}
	for in, want := range cases {
		got, err := push.StreamURL(in)
		if err != nil || got != want {
			t.Fatalf("StreamURL(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := push.StreamURL("ftp://x"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestListenDisplaysStreamMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/ws") {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		frames := []map[string]string{
			{"event": "open"},
			{"event": "keepalive"},
			{"event": "message", "message": `{"title":"Racha","body":"7 días","url":"/logros"}`},
		}
		for _, f := range frames {
			data, _ := json.Marshal(f)
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	cfg := newPushConfig(t, "granted")
	cfg.Push.ServerURL = srv.URL
	notifier := newRecordingNotifier()
	mgr := push.NewManager(cfg, push.Options{Notifier: notifier})
	if _, err := mgr.Subscribe(context.Background(), sess); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Listen(ctx) }()

	select {
	case note := <-notifier.seen:
		if note.Title != "Racha" || note.URL != "/logros" {
			t.Fatalf("unexpected notification %+v", note)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no notification from stream")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestTerminalPrompter(t *testing.T) {
	p := &push.TerminalPrompter{
		In:          strings.NewReader("sí\n"),
		Out:         &strings.Builder{},
		Interactive: func() bool { return true },
	}
	if got, asked := p.Ask("?"); got != push.PermissionGranted || !asked {
		t.Fatalf("expected granted, got %v %v", got, asked)
	}
	p = &push.TerminalPrompter{Interactive: func() bool { return false }}
	if got, asked := p.Ask("?"); got != push.PermissionDenied || asked {
		t.Fatalf("expected denied without asking, got %v %v", got, asked)
	}
}
