package api

import (
	"routinesync/internal/notifications"
	"routinesync/internal/outbox"
	"routinesync/internal/push"
	"routinesync/internal/shellcache"
)

const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// OutboxRecord is the transport representation of one queued write.
type OutboxRecord struct {
	ID             int64          `json:"id"`
	Kind           string         `json:"kind"`
	Status         string         `json:"status"`
	Title          string         `json:"title,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	NextAttemptAt  string         `json:"next_attempt_at,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      string         `json:"created_at,omitempty"`
	UpdatedAt      string         `json:"updated_at,omitempty"`
	Payload        outbox.Payload `json:"payload"`
}

// OutboxStats mirrors outbox.Stats with formatted timestamps.
type OutboxStats struct {
	Queued       int    `json:"queued"`
	Dead         int    `json:"dead"`
	Due          int    `json:"due"`
	OldestQueued string `json:"oldest_queued,omitempty"`
	NextAttempt  string `json:"next_attempt,omitempty"`
}

// OutboxList is the response of GET /agent/outbox.
type OutboxList struct {
	Records []OutboxRecord `json:"records"`
	Stats   OutboxStats    `json:"stats"`
}

// RetryRequest revives dead records. An empty list revives all of them.
type RetryRequest struct {
	IDs []int64 `json:"ids,omitempty"`
}

// CountResponse reports how many records an operation touched.
type CountResponse struct {
	Count int64 `json:"count"`
}

// RemoveResponse reports whether DELETE /agent/outbox/{id} deleted anything.
type RemoveResponse struct {
	ID      int64 `json:"id"`
	Removed bool  `json:"removed"`
}

// SyncResponse acknowledges a background-sync request.
type SyncResponse struct {
	Tag        string `json:"tag"`
	Registered bool   `json:"registered"`
	Dispatched bool   `json:"dispatched"`
}

// SessionStatus describes the active identity without exposing the token.
type SessionStatus struct {
	UserID string `json:"user_id,omitempty"`
	Source string `json:"source"`
	Token  string `json:"token,omitempty"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

// PushStatus describes the persisted push subscription.
type PushStatus struct {
	Enabled    bool   `json:"enabled"`
	Permission string `json:"permission"`
	Endpoint   string `json:"endpoint,omitempty"`
	Forwarded  bool   `json:"forwarded"`
	Listening  bool   `json:"listening"`
}

// Status is the response of GET /agent/status.
type Status struct {
	Running      bool              `json:"running"`
	PID          int               `json:"pid"`
	StartedAt    string            `json:"started_at,omitempty"`
	Online       bool              `json:"online"`
	Backend      string            `json:"backend"`
	Session      SessionStatus     `json:"session"`
	Outbox       OutboxStats       `json:"outbox"`
	SyncTags     []string          `json:"sync_tags"`
	Cache        shellcache.Status `json:"cache"`
	Push         PushStatus        `json:"push"`
	OutboxPath   string            `json:"outbox_path"`
	LockFilePath string            `json:"lock_file_path"`
}

// WindowRequest registers or refreshes an open app window.
type WindowRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// WindowList is the response of GET /agent/windows.
type WindowList struct {
	Windows []push.Window `json:"windows"`
}

// NotificationList is the response of GET /agent/notifications.
type NotificationList struct {
	Notifications []notifications.Notification `json:"notifications"`
}

// ErrorResponse is the body of every non-2xx agent response.
type ErrorResponse struct {
	Error string `json:"error"`
}
