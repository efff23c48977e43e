package api

import (
	"fmt"
	"strings"
	"time"

	"routinesync/internal/outbox"
	"routinesync/internal/push"
	"routinesync/internal/session"
)

// FromOperation converts an outbox record to its API representation.
func FromOperation(op *outbox.Operation) OutboxRecord {
	if op == nil {
		return OutboxRecord{}
	}
	dto := OutboxRecord{
		ID:             op.ID,
		Kind:           op.Kind,
		Status:         string(op.Status),
		UserID:         op.UserID,
		Attempts:       op.Attempts,
		LastError:      op.LastError,
		NextAttemptAt:  formatTime(op.NextAttemptAt),
		IdempotencyKey: op.IdempotencyKey,
		CreatedAt:      formatTime(op.CreatedAt),
		UpdatedAt:      formatTime(op.UpdatedAt),
		Payload:        op.Payload,
	}
	switch title := op.Payload["titulo"].(type) {
	case nil:
	case string:
		dto.Title = strings.TrimSpace(title)
	default:
		dto.Title = fmt.Sprint(title)
	}
	return dto
}

// FromOperations converts a record slice, preserving order.
func FromOperations(ops []*outbox.Operation) []OutboxRecord {
	out := make([]OutboxRecord, 0, len(ops))
	for _, op := range ops {
		out = append(out, FromOperation(op))
	}
	return out
}

// FromStats converts outbox.Stats.
func FromStats(s outbox.Stats) OutboxStats {
	return OutboxStats{
		Queued:       s.Queued,
		Dead:         s.Dead,
		Due:          s.Due,
		OldestQueued: formatTime(s.OldestQueued),
		NextAttempt:  formatTime(s.NextAttempt),
	}
}

// FromSession describes sess, masking its token. err is the error returned
// while resolving it, if any.
func FromSession(sess session.Session, err error) SessionStatus {
	status := SessionStatus{
		UserID: sess.UserID,
		Source: string(sess.Source),
		Token:  sess.MaskedToken(),
	}
	if status.Source == "" {
		status.Source = string(session.SourceNone)
	}
	if err == nil {
		err = sess.Validate()
	}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Valid = true
	return status
}

// FromPushState converts persisted push state.
func FromPushState(enabled bool, permission string, st push.State) PushStatus {
	status := PushStatus{
		Enabled:    enabled,
		Permission: permission,
		Forwarded:  st.Forwarded,
	}
	if st.Permission != "" {
		status.Permission = string(st.Permission)
	}
	if st.Subscription != nil {
		status.Endpoint = st.Subscription.Endpoint
	}
	return status
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
