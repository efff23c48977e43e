package outbox

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a pending operation.
type Status string

const (
	// StatusQueued records wait for the next drain.
	StatusQueued Status = "queued"
	// StatusDead records exhausted outbox.max_attempts and are skipped until revived.
	StatusDead Status = "dead"
)

// ParseStatus converts a string into a Status, reporting whether it is known.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusQueued:
		return StatusQueued, true
	case StatusDead:
		return StatusDead, true
	default:
		return "", false
	}
}

// Payload is the resource body sent to the backend creation endpoint.
type Payload map[string]any

// Clone returns a shallow copy so callers can stamp fields without mutating
// a stored record.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Operation is one deferred write.
type Operation struct {
	ID             int64     `json:"id"`
	Kind           string    `json:"kind"`
	Payload        Payload   `json:"payload"`
	UserID         string    `json:"user_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         Status    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Due reports whether the operation may be attempted at now.
func (o *Operation) Due(now time.Time) bool {
	if o == nil || o.Status != StatusQueued {
		return false
	}
	return o.NextAttemptAt.IsZero() || !o.NextAttemptAt.After(now)
}

// Failure describes the outcome of a failed delivery attempt. Kind and
// Payload carry the normalized values so older records are rewritten.
type Failure struct {
	Kind          string
	Payload       Payload
	UserID        string
	Error         string
	NextAttemptAt time.Time
	Dead          bool
}

// Stats summarizes queue depth for status output.
type Stats struct {
	Queued       int       `json:"queued"`
	Dead         int       `json:"dead"`
	Due          int       `json:"due"`
	OldestQueued time.Time `json:"oldest_queued,omitzero"`
	NextAttempt  time.Time `json:"next_attempt,omitzero"`
}

// Total returns every record in the store.
func (s Stats) Total() int {
	return s.Queued + s.Dead
}
