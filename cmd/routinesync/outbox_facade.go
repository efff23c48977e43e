package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"routinesync/internal/api"
	"routinesync/internal/backend"
	"routinesync/internal/config"
	"routinesync/internal/connectivity"
	"routinesync/internal/outbox"
	"routinesync/internal/session"
	"routinesync/internal/syncer"
)

type outboxAPI interface {
	List(ctx context.Context) (api.OutboxList, error)
	Submit(ctx context.Context, req syncer.Request) (syncer.Outcome, error)
	Drain(ctx context.Context, force bool) (syncer.DrainResult, error)
	Retry(ctx context.Context, ids ...int64) (int64, error)
	Clear(ctx context.Context) (int64, error)
	Remove(ctx context.Context, id int64) (bool, error)
}

// --- agent adapter ---

type outboxAgentAdapter struct {
	client *api.Client
}

func (a *outboxAgentAdapter) List(ctx context.Context) (api.OutboxList, error) {
	return a.client.Outbox(ctx)
}

func (a *outboxAgentAdapter) Submit(ctx context.Context, req syncer.Request) (syncer.Outcome, error) {
	return a.client.Submit(ctx, req)
}

func (a *outboxAgentAdapter) Drain(ctx context.Context, force bool) (syncer.DrainResult, error) {
	return a.client.Drain(ctx, force)
}

func (a *outboxAgentAdapter) Retry(ctx context.Context, ids ...int64) (int64, error) {
	return a.client.Retry(ctx, ids...)
}

func (a *outboxAgentAdapter) Clear(ctx context.Context) (int64, error) {
	return a.client.Clear(ctx)
}

func (a *outboxAgentAdapter) Remove(ctx context.Context, id int64) (bool, error) {
	return a.client.Remove(ctx, id)
}

// --- store adapter ---

// outboxStoreAdapter serves outbox commands without an agent. Connectivity is
// probed once per submit or drain.
type outboxStoreAdapter struct {
	cfg         *config.Config
	store       *outbox.Store
	sessions    *session.Resolver
	conn        *connectivity.Monitor
	submitter   *syncer.Submitter
	interceptor *syncer.Interceptor
}

func openOutboxStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*outboxStoreAdapter, error) {
	client, err := backend.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := outbox.OpenFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	conn := connectivity.New(cfg, client, logger)
	return &outboxStoreAdapter{
		cfg:         cfg,
		store:       store,
		sessions:    session.NewResolver(cfg),
		conn:        conn,
		submitter:   syncer.NewSubmitter(cfg, store, client, conn.Online, logger),
		interceptor: syncer.NewInterceptor(cfg, store, client, conn.Online, logger),
	}, nil
}

func (s *outboxStoreAdapter) Close() error {
	return s.store.Close()
}

func (s *outboxStoreAdapter) List(ctx context.Context) (api.OutboxList, error) {
	ops, err := s.store.ListAll(ctx)
	if err != nil {
		return api.OutboxList{}, err
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return api.OutboxList{}, err
	}
	return api.OutboxList{Records: api.FromOperations(ops), Stats: api.FromStats(stats)}, nil
}

func (s *outboxStoreAdapter) Submit(ctx context.Context, req syncer.Request) (syncer.Outcome, error) {
	sess, err := s.sessions.Current()
	if err != nil {
		return syncer.Outcome{}, err
	}
	s.conn.ProbeNow(ctx)
	return s.interceptor.SubmitOrQueue(ctx, sess, req)
}

func (s *outboxStoreAdapter) Drain(ctx context.Context, force bool) (syncer.DrainResult, error) {
	sess, err := s.sessions.Current()
	if err != nil {
		return syncer.DrainResult{}, err
	}
	s.conn.ProbeNow(ctx)
	return s.submitter.DrainOnce(ctx, sess, syncer.DrainOptions{Force: force, Trigger: "cli"})
}

// Retry revives records and registers the sync tag so the next agent start
// drains them.
func (s *outboxStoreAdapter) Retry(ctx context.Context, ids ...int64) (int64, error) {
	n, err := s.store.Revive(ctx, ids...)
	if err != nil || n == 0 {
		return n, err
	}
	if err := s.store.RegisterSync(ctx, s.cfg.Sync.Tag); err != nil {
		return n, fmt.Errorf("register sync: %w", err)
	}
	return n, nil
}

func (s *outboxStoreAdapter) Clear(ctx context.Context) (int64, error) {
	return s.store.Clear(ctx)
}

func (s *outboxStoreAdapter) Remove(ctx context.Context, id int64) (bool, error) {
	return s.store.Remove(ctx, id)
}

// withOutbox runs fn against the agent, or against the local outbox when no
// agent is listening. notice receives a line when the fallback is taken.
func (c *commandContext) withOutbox(ctx context.Context, notice io.Writer, fn func(outboxAPI) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	client, err := c.agentClient()
	if err != nil {
		return err
	}
	if client != nil {
		err := fn(&outboxAgentAdapter{client: client})
		if err == nil || !api.IsUnavailable(err) {
			return err
		}
		if notice != nil && !c.jsonOutput() {
			fmt.Fprintf(notice, "agent not reachable at %s; using local outbox\n", cfg.Agent.Bind)
		}
	}

	adapter, err := openOutboxStore(ctx, cfg, c.quietLogger())
	if err != nil {
		return err
	}
	defer adapter.Close()
	return fn(adapter)
}

// describeSubmitError turns submission failures into actionable messages.
func describeSubmitError(err error) error {
	if errors.Is(err, session.ErrInvalidSession) {
		return fmt.Errorf("%w; run `routinesync session set <user-id>`", err)
	}
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnprocessableEntity {
		return fmt.Errorf("agent refused the write: %s; run `routinesync session set <user-id>`", statusErr.Message)
	}
	return err
}
