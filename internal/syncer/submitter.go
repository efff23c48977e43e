package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"routinesync/internal/backend"
	"routinesync/internal/config"
	"routinesync/internal/logging"
	"routinesync/internal/outbox"
	"routinesync/internal/services"
	"routinesync/internal/session"
)

// Sender delivers one creation request.
type Sender interface {
	CreateResource(ctx context.Context, sess session.Session, kind string, payload map[string]any, idempotencyKey string) (backend.Response, error)
}

// OnlineFunc reports the current connectivity state.
type OnlineFunc func() bool

// DrainOptions tunes one drain.
type DrainOptions struct {
	// Force ignores next_attempt_at so every queued record is tried.
	Force   bool
	Trigger string
}

// Record outcomes reported in DrainResult.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDead      = "dead"
	OutcomeDeferred  = "deferred"
	OutcomeSkipped   = "skipped"
)

// RecordResult is the outcome for one record in a drain.
type RecordResult struct {
	ID      int64  `json:"id"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// DrainResult summarizes a drain.
type DrainResult struct {
	Offline   bool           `json:"offline"`
	Attempted int            `json:"attempted"`
	Delivered int            `json:"delivered"`
	Failed    int            `json:"failed"`
	Dead      int            `json:"dead"`
	Deferred  int            `json:"deferred"`
	Skipped   int            `json:"skipped"`
	Records   []RecordResult `json:"records,omitempty"`
}

// Submitter drains the outbox.
type Submitter struct {
	store       *outbox.Store
	sender      Sender
	online      OnlineFunc
	rules       outbox.Rules
	backoffBase time.Duration
	backoffMax  time.Duration
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewSubmitter wires a submitter. A nil online func means always online.
func NewSubmitter(cfg *config.Config, store *outbox.Store, sender Sender, online OnlineFunc, logger *slog.Logger) *Submitter {
	if online == nil {
		online = func() bool { return true }
	}
	return &Submitter{
		store:       store,
		sender:      sender,
		online:      online,
		rules:       outbox.RulesFromConfig(cfg),
		backoffBase: cfg.BackoffBase(),
		backoffMax:  cfg.BackoffMax(),
		maxAttempts: cfg.Outbox.MaxAttempts,
		logger:      logging.NewComponentLogger(logger, "submitter"),
		now:         time.Now,
	}
}

// DrainOnce sends every due record in id order. Offline drains return
// immediately. A record failure is recorded and the drain continues; only
// storage errors abort. An invalid session skips delivery and returns
// session.ErrInvalidSession with every record left queued.
func (s *Submitter) DrainOnce(ctx context.Context, sess session.Session, opts DrainOptions) (DrainResult, error) {
	var result DrainResult
	if !s.online() {
		result.Offline = true
		return result, nil
	}
	if opts.Trigger != "" {
		ctx = services.WithTrigger(ctx, opts.Trigger)
	}
	logger := logging.WithContext(ctx, s.logger)

	if err := sess.Validate(); err != nil {
		logging.WarnWithContext(logger, "drain skipped; session invalid", "drain_session_invalid",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run `routinesync session set <user-id>`"),
			logging.String(logging.FieldImpact, "pending records stay queued"),
		)
		return result, err
	}

	ops, err := s.store.ListAll(ctx)
	if err != nil {
		return result, err
	}

	now := s.now()
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if op.Status == outbox.StatusDead {
			result.Skipped++
			result.Records = append(result.Records, RecordResult{ID: op.ID, Kind: op.Kind, Outcome: OutcomeSkipped})
			continue
		}
		if !opts.Force && !op.Due(now) {
			result.Deferred++
			result.Records = append(result.Records, RecordResult{ID: op.ID, Kind: op.Kind, Outcome: OutcomeDeferred})
			continue
		}
		rec, err := s.deliver(ctx, sess, op)
		if err != nil {
			return result, err
		}
		result.Attempted++
		switch rec.Outcome {
		case OutcomeDelivered:
			result.Delivered++
		case OutcomeDead:
			result.Failed++
			result.Dead++
		default:
			result.Failed++
		}
		result.Records = append(result.Records, rec)
	}

	if result.Attempted > 0 {
		logger.Info("outbox drain finished",
			logging.String(logging.FieldEventType, "drain_finished"),
			logging.Int("attempted", result.Attempted),
			logging.Int("delivered", result.Delivered),
			logging.Int("failed", result.Failed),
			logging.Int("deferred", result.Deferred),
		)
	}
	return result, nil
}

// deliver sends one record. The returned error is non-nil only when the
// drain must stop.
func (s *Submitter) deliver(ctx context.Context, sess session.Session, op *outbox.Operation) (RecordResult, error) {
	kind := s.rules.Kind(op.Kind)
	payload := s.rules.Apply(op.Payload, sess.UserID)
	ctx = services.WithKind(services.WithRecordID(ctx, op.ID), kind)
	logger := logging.WithContext(ctx, s.logger)
	rec := RecordResult{ID: op.ID, Kind: kind}

	_, sendErr := s.sender.CreateResource(ctx, sess, kind, payload, op.IdempotencyKey)
	if sendErr == nil {
		if _, err := s.store.Remove(ctx, op.ID); err != nil {
			return rec, err
		}
		logger.Info("pending record delivered", logging.String(logging.FieldEventType, "record_delivered"))
		rec.Outcome = OutcomeDelivered
		return rec, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(sendErr, ctxErr) {
		return rec, ctxErr
	}

	attempts := op.Attempts + 1
	dead := s.maxAttempts > 0 && attempts >= s.maxAttempts
	failure := outbox.Failure{
		Kind:          kind,
		Payload:       payload,
		UserID:        sess.UserID,
		Error:         sendErr.Error(),
		NextAttemptAt: s.now().Add(Backoff(s.backoffBase, s.backoffMax, attempts)),
		Dead:          dead,
	}
	if _, err := s.store.RecordFailure(ctx, op.ID, failure); err != nil {
		return rec, err
	}

	rec.Outcome = OutcomeFailed
	rec.Error = sendErr.Error()
	impact := "record stays queued for the next drain"
	if dead {
		rec.Outcome = OutcomeDead
		impact = "record dead-lettered; run `routinesync outbox retry` to revive"
	}
	logging.WarnWithContext(logger, "pending record not accepted", "record_delivery_failed",
		logging.Error(sendErr),
		logging.String("reason", services.Classify(sendErr)),
		logging.Int("attempts", attempts),
		logging.String(logging.FieldErrorHint, "check backend logs or connectivity"),
		logging.String(logging.FieldImpact, impact),
	)
	return rec, nil
}
