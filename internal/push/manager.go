package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"routinesync/internal/config"
	"routinesync/internal/logging"
	"routinesync/internal/notifications"
	"routinesync/internal/services"
	"routinesync/internal/session"
)

const noDataBody = "Tienes un nuevo mensaje 💡"

// Unclicked notifications are forgotten after displayTTL, and at most
// DisplayedLimit are kept.
const (
	DisplayedLimit = 256
	displayTTL     = 24 * time.Hour
)

// ErrUnknownNotification is returned when a click names no displayed
// notification and carries no fallback URL.
var ErrUnknownNotification = errors.New("unknown notification")

// Forwarder sends a subscription descriptor to the backend.
type Forwarder interface {
	SaveSubscription(ctx context.Context, sess session.Session, subscription any) error
}

// Opener opens url in a new browser window.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// CommandOpener runs a desktop open command such as xdg-open.
type CommandOpener struct {
	Command string
}

func (o CommandOpener) Open(ctx context.Context, target string) error {
	if strings.TrimSpace(o.Command) == "" {
		return nil
	}
	fields := strings.Fields(o.Command)
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], target)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("run %s: %w", fields[0], err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// Message is the decoded push payload.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// ClickSource says how a notification click reached the agent.
type ClickSource int

const (
	// ClickDirect has no browser attached; a new window is launched when no
	// open window matches.
	ClickDirect ClickSource = iota
	// ClickNavigation is a browser tab that followed the notification link.
	// That tab becomes the window, so nothing is launched.
	ClickNavigation
)

// Click actions.
const (
	ClickFocused    = "focused"
	ClickOpened     = "opened"
	ClickRedirected = "redirected"
)

// ClickResult reports how a click was routed.
type ClickResult struct {
	Action   string `json:"action"`
	URL      string `json:"url"`
	WindowID string `json:"window_id,omitempty"`
}

// Options collects Manager collaborators.
type Options struct {
	Forwarder Forwarder
	Notifier  notifications.Service
	Windows   *Windows
	Opener    Opener
	Prompter  Prompter
	// ClickBase is the agent URL notification clicks are sent to.
	ClickBase string
	Logger    *slog.Logger
}

// Manager owns the push subscription.
type Manager struct {
	permission   Permission
	serverURL    string
	appKey       string
	defaultTitle string
	defaultBody  string
	icon         string
	origin       string

	forwarder Forwarder
	notifier  notifications.Service
	windows   *Windows
	opener    Opener
	prompter  Prompter
	clickBase string
	state     *stateFile
	policy    *bluemonday.Policy
	logger    *slog.Logger

	mu        sync.Mutex
	displayed map[string]shownNotification
	shownSeq  uint64
}

type shownNotification struct {
	note notifications.Notification
	at   time.Time
	seq  uint64
}

// NewManager builds a manager from the [push] and [cache] sections.
func NewManager(cfg *config.Config, opts Options) *Manager {
	windows := opts.Windows
	if windows == nil {
		windows = NewWindows(30 * time.Minute)
	}
	opener := opts.Opener
	if opener == nil {
		opener = CommandOpener{Command: cfg.Push.OpenCommand}
	}
	return &Manager{
		permission:   Permission(cfg.Push.Permission),
		serverURL:    strings.TrimRight(cfg.Push.ServerURL, "/"),
		appKey:       cfg.Push.ApplicationServerKey,
		defaultTitle: cfg.Push.DefaultTitle,
		defaultBody:  cfg.Push.DefaultBody,
		icon:         cfg.Push.Icon,
		origin:       strings.TrimRight(cfg.Cache.Origin, "/"),
		forwarder:    opts.Forwarder,
		notifier:     opts.Notifier,
		windows:      windows,
		opener:       opener,
		prompter:     opts.Prompter,
		clickBase:    strings.TrimRight(opts.ClickBase, "/"),
		state:        newStateFile(cfg.SubscriptionPath()),
		policy:       bluemonday.StrictPolicy(),
		logger:       logging.NewComponentLogger(opts.Logger, "push"),
		displayed:    make(map[string]shownNotification),
	}
}

// Windows returns the window registry.
func (m *Manager) Windows() *Windows { return m.windows }

// TrackPage records that window id navigated to requestURI on the app origin.
func (m *Manager) TrackPage(id, requestURI string) {
	if strings.TrimSpace(id) == "" {
		return
	}
	m.windows.Touch(id, m.absolute(requestURI))
}

// State returns the persisted subscription state.
func (m *Manager) State() (State, error) { return m.state.load() }

// resolvePermission returns the effective permission, asking when the
// configuration says prompt and no earlier answer was stored.
func (m *Manager) resolvePermission(st *State) Permission {
	switch m.permission {
	case PermissionGranted, PermissionDenied:
		return m.permission
	}
	if st.Permission == PermissionGranted || st.Permission == PermissionDenied {
		return st.Permission
	}
	if m.prompter == nil {
		return PermissionDenied
	}
	answer, asked := m.prompter.Ask("¿Permitir notificaciones de Smart Routine?")
	if asked {
		st.Permission = answer
	}
	return answer
}

// Subscribe ensures a subscription exists and has been forwarded to the
// backend. A denied permission is logged and returns nil, nil. Forward
// failures are logged and retried on the next Subscribe.
func (m *Manager) Subscribe(ctx context.Context, sess session.Session) (*Subscription, error) {
	st, err := m.state.load()
	if err != nil {
		return nil, err
	}
	prevPermission := st.Permission

	if m.resolvePermission(&st) != PermissionGranted {
		logging.WarnWithContext(m.logger, "notification permission denied", "push_permission_denied",
			logging.String(logging.FieldErrorHint, "set push.permission = \"granted\" or answer the prompt"),
			logging.String(logging.FieldImpact, "no push subscription"),
		)
		if st.Permission != prevPermission {
			if err := m.state.save(st); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	rawKey, err := DecodeApplicationServerKey(m.appKey)
	if err != nil {
		return nil, err
	}
	key := base64.RawURLEncoding.EncodeToString(rawKey)

	if st.Subscription == nil || st.ApplicationServerKey != key {
		sub, err := m.newSubscription()
		if err != nil {
			return nil, err
		}
		st.Subscription = sub
		st.ApplicationServerKey = key
		st.Forwarded = false
		m.logger.Info("push subscription created",
			logging.String(logging.FieldEventType, "push_subscription_created"),
			logging.String("endpoint", sub.Endpoint),
		)
	}

	if !st.Forwarded && m.forwarder != nil {
		if err := m.forwarder.SaveSubscription(ctx, sess, st.Subscription); err != nil {
			logging.WarnWithContext(m.logger, "forwarding push subscription failed", "push_forward_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check backend connectivity"),
				logging.String(logging.FieldImpact, "backend cannot push until the next subscribe"),
			)
		} else {
			st.Forwarded = true
		}
	}

	if err := m.state.save(st); err != nil {
		return nil, err
	}
	return st.Subscription, nil
}

func (m *Manager) newSubscription() (*Subscription, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate subscription key: %w", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	topic := "routinesync-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return &Subscription{
		Endpoint: m.serverURL + "/" + topic,
		Keys: Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}, nil
}

// ParseMessage decodes a push payload. nil data means the push carried no
// data; text that is not JSON becomes the body.
func (m *Manager) ParseMessage(data []byte) Message {
	var msg Message
	if data == nil {
		msg = Message{Title: m.defaultTitle, Body: noDataBody, URL: "/"}
	} else if err := json.Unmarshal(data, &msg); err != nil {
		var probe any
		if json.Unmarshal(data, &probe) != nil {
			msg = Message{Title: m.defaultTitle, Body: string(data), URL: "/"}
		} else {
			msg = Message{}
		}
	}
	msg.Title = m.clean(msg.Title)
	msg.Body = m.clean(msg.Body)
	if msg.Title == "" {
		msg.Title = m.defaultTitle
	}
	if msg.Body == "" {
		msg.Body = m.defaultBody
	}
	if strings.TrimSpace(msg.URL) == "" {
		msg.URL = "/"
	}
	return msg
}

// HandlePush displays a notification for data. A notification is always
// shown; display errors are returned after it was registered for clicks.
func (m *Manager) HandlePush(ctx context.Context, data []byte) (notifications.Notification, error) {
	msg := m.ParseMessage(data)
	id := uuid.NewString()
	note := notifications.Notification{
		ID:    id,
		Title: msg.Title,
		Body:  msg.Body,
		URL:   msg.URL,
		Icon:  m.icon,
		Tags:  []string{"routinesync", "push"},
	}
	if m.clickBase != "" {
		note.Click = m.clickBase + "/agent/notifications/" + id + "/click?url=" + url.QueryEscape(msg.URL)
	}

	m.mu.Lock()
	m.expireDisplayedLocked(time.Now())
	m.evictDisplayedLocked()
	m.shownSeq++
	m.displayed[id] = shownNotification{note: note, at: time.Now(), seq: m.shownSeq}
	m.mu.Unlock()

	m.logger.Info("push received",
		logging.String(logging.FieldEventType, "push_received"),
		logging.String("notification_id", id),
		logging.String("url", msg.URL),
	)
	if m.notifier == nil {
		return note, nil
	}
	if err := m.notifier.Show(ctx, note); err != nil {
		return note, fmt.Errorf("display notification: %w", err)
	}
	return note, nil
}

// Displayed returns notifications that have not been clicked.
func (m *Manager) Displayed() []notifications.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireDisplayedLocked(time.Now())
	out := make([]notifications.Notification, 0, len(m.displayed))
	for _, n := range m.displayed {
		out = append(out, n.note)
	}
	return out
}

func (m *Manager) expireDisplayedLocked(now time.Time) {
	cutoff := now.Add(-displayTTL)
	for id, n := range m.displayed {
		if n.at.Before(cutoff) {
			delete(m.displayed, id)
		}
	}
}

// evictDisplayedLocked drops the oldest entries until there is room for one
// more.
func (m *Manager) evictDisplayedLocked() {
	for len(m.displayed) >= DisplayedLimit {
		var oldestID string
		var oldest uint64
		for id, n := range m.displayed {
			if oldestID == "" || n.seq < oldest {
				oldestID, oldest = id, n.seq
			}
		}
		delete(m.displayed, oldestID)
	}
}

// HandleClick closes notification id and routes to its URL. The first open
// window whose URL contains it is marked focused and nothing is launched.
// Otherwise a navigation click is redirected in place and a direct click
// launches one new window. fallbackURL is used when id is not known, e.g.
// after an agent restart.
func (m *Manager) HandleClick(ctx context.Context, id, fallbackURL string, source ClickSource) (ClickResult, error) {
	m.mu.Lock()
	shown, ok := m.displayed[id]
	delete(m.displayed, id)
	m.mu.Unlock()

	target := shown.note.URL
	if !ok {
		target = fallbackURL
	}
	if target == "" {
		if !ok {
			return ClickResult{}, services.Wrap(services.ErrNotFound, "push", "click", id, ErrUnknownNotification)
		}
		target = "/"
	}

	if win, found := m.windows.Focus(target); found {
		return ClickResult{Action: ClickFocused, URL: win.URL, WindowID: win.ID}, nil
	}

	full := m.absolute(target)
	if source == ClickNavigation {
		return ClickResult{Action: ClickRedirected, URL: full}, nil
	}
	if err := m.opener.Open(ctx, full); err != nil {
		return ClickResult{}, err
	}
	windowID := uuid.NewString()
	m.windows.Touch(windowID, full)
	return ClickResult{Action: ClickOpened, URL: full, WindowID: windowID}, nil
}

func (m *Manager) absolute(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return m.origin + target
}

func (m *Manager) clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(m.policy.Sanitize(s)))
}
