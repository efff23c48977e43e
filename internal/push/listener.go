package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"routinesync/internal/logging"
)

const (
	listenBackoffMin = time.Second
	listenBackoffMax = time.Minute
	readLimit        = 1 << 20
)

// event is one ntfy stream frame.
type event struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// StreamURL converts a subscription endpoint into its websocket stream URL.
func StreamURL(endpoint string) (string, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://") + "/ws", nil
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://") + "/ws", nil
	default:
		return "", fmt.Errorf("unsupported push endpoint %q", endpoint)
	}
}

// Listen follows the subscription stream until ctx ends, reconnecting with
// backoff. It returns nil when there is no subscription.
func (m *Manager) Listen(ctx context.Context) error {
	st, err := m.state.load()
	if err != nil {
		return err
	}
	if st.Subscription == nil {
		m.logger.Info("no push subscription; listener idle")
		return nil
	}
	streamURL, err := StreamURL(st.Subscription.Endpoint)
	if err != nil {
		return err
	}

	backoff := listenBackoffMin
	for {
		connected, err := m.listenOnce(ctx, streamURL)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = listenBackoffMin
		}
		logging.WarnWithContext(m.logger, "push stream disconnected", "push_stream_disconnected",
			logging.Error(err),
			logging.Duration("retry_in", backoff),
			logging.String(logging.FieldImpact, "pushes delayed until reconnect"),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > listenBackoffMax {
			backoff = listenBackoffMax
		}
	}
}

// listenOnce reads one connection until it fails. connected reports whether
// the dial succeeded.
func (m *Manager) listenOnce(ctx context.Context, streamURL string) (bool, error) {
	conn, _, err := websocket.Dial(ctx, streamURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial push stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	m.logger.Info("push stream connected",
		logging.String(logging.FieldEventType, "push_stream_connected"),
		logging.String("url", streamURL),
	)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return true, nil
			}
			return true, err
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			m.logger.Debug("ignoring malformed push frame", logging.Error(err))
			continue
		}
		if ev.Event != "message" {
			continue
		}
		var payload []byte
		if ev.Message != "" {
			payload = []byte(ev.Message)
		}
		if _, err := m.HandlePush(ctx, payload); err != nil {
			logging.WarnWithContext(m.logger, "push display failed", "push_display_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "notification only visible in agent logs"),
			)
		}
	}
}
