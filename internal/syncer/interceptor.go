package syncer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"routinesync/internal/backend"
	"routinesync/internal/config"
	"routinesync/internal/logging"
	"routinesync/internal/outbox"
	"routinesync/internal/services"
	"routinesync/internal/session"
)

// Request is one write submitted through the interceptor.
type Request struct {
	Kind    string         `json:"kind"`
	Payload outbox.Payload `json:"payload"`
}

// Outcome reports what SubmitOrQueue did with a request.
type Outcome struct {
	Delivered bool              `json:"delivered"`
	Queued    bool              `json:"queued"`
	Kind      string            `json:"kind"`
	Response  *backend.Response `json:"response,omitempty"`
	Operation *outbox.Operation `json:"operation,omitempty"`
	// Reason explains why the request was queued.
	Reason string `json:"reason,omitempty"`
}

// Interceptor is the write path for resource creation.
type Interceptor struct {
	store  *outbox.Store
	sender Sender
	online OnlineFunc
	rules  outbox.Rules
	tag    string
	logger *slog.Logger
}

// NewInterceptor wires an interceptor. A nil online func means always online.
func NewInterceptor(cfg *config.Config, store *outbox.Store, sender Sender, online OnlineFunc, logger *slog.Logger) *Interceptor {
	if online == nil {
		online = func() bool { return true }
	}
	return &Interceptor{
		store:  store,
		sender: sender,
		online: online,
		rules:  outbox.RulesFromConfig(cfg),
		tag:    cfg.Sync.Tag,
		logger: logging.NewComponentLogger(logger, "interceptor"),
	}
}

// SubmitOrQueue normalizes req and sends it, queueing it when offline or when
// the backend does not accept it. An invalid session is returned as
// session.ErrInvalidSession and nothing is stored. A returned error otherwise
// means the write was neither delivered nor stored.
func (i *Interceptor) SubmitOrQueue(ctx context.Context, sess session.Session, req Request) (Outcome, error) {
	if err := sess.Validate(); err != nil {
		logging.WarnWithContext(i.logger, "write refused; session invalid", "submit_session_invalid",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run `routinesync session set <user-id>`"),
			logging.String(logging.FieldImpact, "write not stored"),
		)
		return Outcome{}, err
	}

	kind := i.rules.Kind(req.Kind)
	payload := i.rules.Apply(req.Payload, sess.UserID)
	key := uuid.NewString()
	ctx = services.WithKind(ctx, kind)
	logger := logging.WithContext(ctx, i.logger)

	if !i.online() {
		return i.queue(ctx, sess, kind, payload, key, "offline")
	}

	resp, err := i.sender.CreateResource(ctx, sess, kind, payload, key)
	if err == nil {
		logger.Info("write delivered", logging.String(logging.FieldEventType, "write_delivered"))
		return Outcome{Delivered: true, Kind: kind, Response: &resp}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return Outcome{}, ctxErr
	}
	logging.WarnWithContext(logger, "write not accepted; queueing", "write_send_failed",
		logging.Error(err),
		logging.String("reason", services.Classify(err)),
		logging.String(logging.FieldImpact, "write deferred to the next sync"),
	)
	outcome, qerr := i.queue(ctx, sess, kind, payload, key, err.Error())
	var rejected *backend.RejectedError
	if qerr == nil && errors.As(err, &rejected) {
		outcome.Response = &backend.Response{Status: rejected.Status}
	}
	return outcome, qerr
}

func (i *Interceptor) queue(ctx context.Context, sess session.Session, kind string, payload outbox.Payload, key, reason string) (Outcome, error) {
	op, err := i.store.Enqueue(ctx, outbox.Operation{
		Kind:           kind,
		Payload:        payload,
		UserID:         sess.UserID,
		IdempotencyKey: key,
	})
	if err != nil {
		return Outcome{}, err
	}
	logger := logging.WithContext(services.WithRecordID(ctx, op.ID), i.logger)
	logger.Info("write queued",
		logging.String(logging.FieldEventType, "write_queued"),
		logging.String("reason", reason),
	)

	if i.tag != "" {
		if err := i.store.RegisterSync(ctx, i.tag); err != nil {
			logging.WarnWithContext(logger, "background sync registration failed", "sync_register_failed",
				logging.Error(err),
				logging.String("tag", i.tag),
				logging.String(logging.FieldImpact, "record drains on the next online transition instead"),
			)
		}
	}
	return Outcome{Queued: true, Kind: kind, Operation: op, Reason: reason}, nil
}
