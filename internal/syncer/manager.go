package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"routinesync/internal/config"
	"routinesync/internal/logging"
	"routinesync/internal/outbox"
	"routinesync/internal/session"
)

// SessionSource resolves the session for each drain so edits made by the CLI
// are picked up without restarting the agent.
type SessionSource interface {
	Current() (session.Session, error)
}

// StaticSession is a SessionSource that always returns itself.
type StaticSession session.Session

func (s StaticSession) Current() (session.Session, error) { return session.Session(s), nil }

// Transitions is the connectivity surface the manager binds to.
type Transitions interface {
	Online() bool
	OnTransition(fn func(ctx context.Context, online bool)) func()
}

// Manager owns drain triggers.
type Manager struct {
	submitter    *Submitter
	store        *outbox.Store
	sessions     SessionSource
	conn         Transitions
	interval     time.Duration
	drainOnStart bool
	logger       *slog.Logger
	hook         func(ctx context.Context, result DrainResult)

	mu     sync.Mutex
	unbind func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires drain triggers. conn may be nil, in which case no
// transition listener is bound.
func NewManager(cfg *config.Config, submitter *Submitter, store *outbox.Store, sessions SessionSource, conn Transitions, logger *slog.Logger) *Manager {
	return &Manager{
		submitter:    submitter,
		store:        store,
		sessions:     sessions,
		conn:         conn,
		interval:     cfg.SyncInterval(),
		drainOnStart: cfg.Sync.DrainOnStart,
		logger:       logging.NewComponentLogger(logger, "sync-manager"),
	}
}

// Start binds the transition listener, runs the startup drain, and begins
// the periodic tick. A stopped manager can be started again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	if m.conn != nil {
		m.unbind = m.conn.OnTransition(m.onTransition)
	}
	m.mu.Unlock()

	if m.drainOnStart {
		m.spawn(func() {
			m.drainAndDispatch(runCtx, "startup", true)
		})
	}
	if m.interval > 0 {
		m.spawn(func() { m.tick(runCtx) })
	}
	m.logger.Info("sync manager started",
		logging.String(logging.FieldEventType, "sync_manager_started"),
		logging.Duration("interval", m.interval),
		logging.Bool("drain_on_start", m.drainOnStart),
	)
	return nil
}

// Stop cancels running drains and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, unbind := m.cancel, m.unbind
	m.cancel, m.unbind = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	if unbind != nil {
		unbind()
	}
	cancel()
	m.wg.Wait()
}

// OnDrain installs fn to run after every drain that returns without error.
// It must be called before Start.
func (m *Manager) OnDrain(fn func(ctx context.Context, result DrainResult)) {
	m.hook = fn
}

// Drain resolves the session and runs one drain.
func (m *Manager) Drain(ctx context.Context, opts DrainOptions) (DrainResult, error) {
	sess, err := m.sessions.Current()
	if err != nil {
		return DrainResult{}, err
	}
	result, err := m.submitter.DrainOnce(ctx, sess, opts)
	if err == nil && m.hook != nil {
		m.hook(ctx, result)
	}
	return result, err
}

// RequestSync registers tag and, when online, dispatches it immediately.
func (m *Manager) RequestSync(ctx context.Context, tag string) error {
	if err := m.store.RegisterSync(ctx, tag); err != nil {
		return err
	}
	if !m.submitter.online() {
		return nil
	}
	m.spawnRunning(func(runCtx context.Context) {
		_, _ = m.DispatchSync(runCtx, tag)
	})
	return nil
}

// DispatchSync handles a background-sync event for tag. Every queued record
// is tried regardless of backoff. It returns after the drain finishes. The tag
// is unregistered unless the drain was offline or failed outright, in which
// case it fires again on the next trigger.
func (m *Manager) DispatchSync(ctx context.Context, tag string) (DrainResult, error) {
	return m.dispatch(ctx, tag, true)
}

func (m *Manager) dispatch(ctx context.Context, tag string, force bool) (DrainResult, error) {
	result, err := m.Drain(ctx, DrainOptions{Trigger: "sync:" + tag, Force: force})
	if err != nil || result.Offline {
		return result, err
	}
	if uerr := m.store.UnregisterSync(ctx, tag); uerr != nil {
		return result, uerr
	}
	return result, nil
}

func (m *Manager) onTransition(_ context.Context, online bool) {
	if !online {
		return
	}
	m.spawnRunning(func(runCtx context.Context) {
		m.drainAndDispatch(runCtx, "online", true)
	})
}

func (m *Manager) tick(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.drainAndDispatch(ctx, "interval", false)
		}
	}
}

// drainAndDispatch runs a drain for trigger and then one per registered tag.
// Reconnects and startup force every record; the periodic tick honors
// backoff.
func (m *Manager) drainAndDispatch(ctx context.Context, trigger string, force bool) {
	if _, err := m.Drain(ctx, DrainOptions{Trigger: trigger, Force: force}); err != nil && ctx.Err() == nil {
		logging.WarnWithContext(m.logger, "drain failed", "drain_failed",
			logging.Error(err),
			logging.String(logging.FieldTrigger, trigger),
			logging.String(logging.FieldImpact, "pending records stay queued"),
		)
	}
	tags, err := m.store.SyncTags(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.WarnWithContext(m.logger, "listing sync registrations failed", "sync_tags_failed", logging.Error(err))
		}
		return
	}
	for _, tag := range tags {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.dispatch(ctx, tag, force); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(m.logger, "background sync failed", "sync_dispatch_failed",
				logging.Error(err),
				logging.String("tag", tag),
				logging.String(logging.FieldImpact, "tag stays registered"),
			)
		}
	}
}

// spawnRunning runs fn in the background with the run context. Before Start
// or after Stop it runs nothing, except that RequestSync before Start still
// dispatches with a background context.
func (m *Manager) spawnRunning(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		if m.ctx != nil {
			return
		}
		m.spawn(func() { fn(context.Background()) })
		return
	}
	runCtx := m.ctx
	m.spawn(func() { fn(runCtx) })
}

func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}
