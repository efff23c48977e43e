package notifications

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"routinesync/internal/config"
	"routinesync/internal/logging"
)

const userAgent = "routinesync/0.1"

// Event identifies a notification template.
type Event string

const (
	EventSyncCompleted Event = "sync_completed"
	EventRecordsDead   Event = "records_dead"
	EventBackupSaved   Event = "backup_saved"
	EventTest          Event = "test"
)

// Payload carries template values.
type Payload map[string]any

// Notification is one displayable message.
type Notification struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	URL      string   `json:"url,omitempty"`
	Icon     string   `json:"icon,omitempty"`
	Click    string   `json:"click,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Priority string   `json:"priority,omitempty"`
}

// Service displays notifications.
type Service interface {
	Show(ctx context.Context, n Notification) error
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a service backed by ntfy when a topic is configured and
// a log-only service otherwise.
func NewService(cfg *config.Config, logger *slog.Logger) Service {
	logger = logging.NewComponentLogger(logger, "notifications")
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return logService{logger: logger}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Render turns an event into a notification. ok is false for events that
// are not displayed.
func Render(event Event, payload Payload) (Notification, bool) {
	switch event {
	case EventSyncCompleted:
		delivered := intValue(payload["delivered"])
		if delivered == 0 {
			return Notification{}, false
		}
		body := fmt.Sprintf("✅ %d registro(s) sincronizado(s)", delivered)
		if failed := intValue(payload["failed"]); failed > 0 {
			body = fmt.Sprintf("%s, %d pendiente(s)", body, failed)
		}
		return Notification{
			Title: "Smart Routine - Sincronizado",
			Body:  body,
			Tags:  []string{"routinesync", "sync", "completed"},
		}, true
	case EventRecordsDead:
		return Notification{
			Title:    "Smart Routine - Registros sin enviar",
			Body:     fmt.Sprintf("❌ %d registro(s) agotaron sus reintentos", intValue(payload["dead"])),
			Tags:     []string{"routinesync", "outbox", "dead"},
			Priority: "high",
		}, true
	case EventBackupSaved:
		return Notification{
			Title: "Smart Routine - Respaldo",
			Body:  fmt.Sprintf("💾 Respaldo guardado: %v", payload["path"]),
			Tags:  []string{"routinesync", "backup"},
		}, true
	case EventTest:
		return Notification{
			Title:    "Smart Routine - Prueba",
			Body:     "🧪 Prueba de notificaciones",
			Tags:     []string{"routinesync", "test"},
			Priority: "low",
		}, true
	default:
		return Notification{}, false
	}
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	note, ok := Render(event, payload)
	if !ok {
		return nil
	}
	return n.Show(ctx, note)
}

func (n *ntfyService) Show(ctx context.Context, note Notification) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(note.Body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if note.Title != "" {
		req.Header.Set("Title", note.Title)
	}
	if len(note.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(note.Tags, ","))
	}
	if note.Priority != "" && note.Priority != "default" {
		req.Header.Set("Priority", note.Priority)
	}
	if note.Click != "" {
		req.Header.Set("Click", note.Click)
	}
	if strings.HasPrefix(note.Icon, "http://") || strings.HasPrefix(note.Icon, "https://") {
		req.Header.Set("Icon", note.Icon)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type logService struct {
	logger *slog.Logger
}

func (l logService) Publish(ctx context.Context, event Event, payload Payload) error {
	note, ok := Render(event, payload)
	if !ok {
		return nil
	}
	return l.Show(ctx, note)
}

func (l logService) Show(_ context.Context, note Notification) error {
	l.logger.Info("notification",
		logging.String(logging.FieldEventType, "notification_shown"),
		logging.String("notification_id", note.ID),
		logging.String("title", note.Title),
		logging.String("body", note.Body),
		logging.String("url", note.URL),
	)
	return nil
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
