package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"routinesync/internal/api"
	"routinesync/internal/backend"
	"routinesync/internal/config"
	"routinesync/internal/connectivity"
	"routinesync/internal/logging"
	"routinesync/internal/notifications"
	"routinesync/internal/outbox"
	"routinesync/internal/push"
	"routinesync/internal/session"
	"routinesync/internal/shellcache"
	"routinesync/internal/syncer"
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	Logger   *slog.Logger
	Prober   connectivity.Prober
	Notifier notifications.Service
	Prompter push.Prompter
	Opener   push.Opener
}

// Agent owns the outbox, the drain triggers, the shell cache, and the push
// subscription, and enforces single-instance execution.
type Agent struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *outbox.Store
	cacheStore  *shellcache.Store
	client      *backend.Client
	sessions    *session.Resolver
	conn        *connectivity.Monitor
	interceptor *syncer.Interceptor
	syncs       *syncer.Manager
	cache       *shellcache.Manager
	notifier    notifications.Service
	push        *push.Manager
	server      *apiServer

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	listening atomic.Bool
	startedAt time.Time
	installMu sync.Mutex
	wg        sync.WaitGroup

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	unbind func()
}

// New opens the stores and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("agent requires config")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := backend.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := outbox.OpenFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	cacheStore, err := shellcache.OpenFromConfig(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	cache, err := shellcache.NewManager(cfg, cacheStore, logger)
	if err != nil {
		_ = cacheStore.Close()
		_ = store.Close()
		return nil, err
	}

	prober := opts.Prober
	if prober == nil {
		prober = client
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg, logger)
	}
	prompter := opts.Prompter
	if prompter == nil {
		prompter = push.NewTerminalPrompter()
	}

	a := &Agent{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "agent"),
		store:      store,
		cacheStore: cacheStore,
		client:     client,
		sessions:   session.NewResolver(cfg),
		cache:      cache,
		notifier:   notifier,
		lockPath:   cfg.LockPath(),
		lock:       flock.New(cfg.LockPath()),
	}
	a.conn = connectivity.New(cfg, prober, logger)
	submitter := syncer.NewSubmitter(cfg, store, client, a.conn.Online, logger)
	a.interceptor = syncer.NewInterceptor(cfg, store, client, a.conn.Online, logger)
	a.syncs = syncer.NewManager(cfg, submitter, store, a.sessions, a.conn, logger)
	a.syncs.OnDrain(a.publishDrain)
	a.push = push.NewManager(cfg, push.Options{
		Forwarder: client,
		Notifier:  notifier,
		Opener:    opts.Opener,
		Prompter:  prompter,
		ClickBase: "http://" + cfg.Agent.Bind,
		Logger:    logger,
	})
	a.server = newAPIServer(cfg, a, logger)
	return a, nil
}

// Start acquires the lock, starts the HTTP surface, and runs the lifecycle:
// install, activate, connectivity monitoring, drain triggers, then push.
func (a *Agent) Start(ctx context.Context) error {
	if a.running.Load() {
		return errors.New("agent already running")
	}

	ok, err := a.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another routinesync agent instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := a.server.start(runCtx); err != nil {
		cancel()
		_ = a.lock.Unlock()
		return err
	}
	a.mu.Lock()
	a.ctx, a.cancel = runCtx, cancel
	a.mu.Unlock()

	if err := a.installCache(runCtx); err != nil {
		logging.WarnWithContext(a.logger, "app shell install failed", "cache_install_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check cache.origin; install retries when connectivity returns"),
			logging.String(logging.FieldImpact, "requests pass through to the network"),
		)
	}

	unbind := a.conn.OnTransition(a.onTransition)
	a.mu.Lock()
	a.unbind = unbind
	a.mu.Unlock()
	if err := a.conn.Start(runCtx); err != nil {
		logging.WarnWithContext(a.logger, "connectivity monitor failed to start", "connectivity_start_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "drains only run on the periodic tick and on request"),
		)
	}
	if err := a.syncs.Start(runCtx); err != nil {
		a.shutdown()
		return fmt.Errorf("start sync manager: %w", err)
	}
	if a.cfg.Push.Enabled {
		a.spawn(func() { a.runPush(runCtx) })
	}

	a.startedAt = time.Now()
	a.running.Store(true)
	a.logger.Info("routinesync agent started",
		logging.String(logging.FieldEventType, "agent_started"),
		logging.String("lock", a.lockPath),
		logging.String("address", a.Addr()),
		logging.Bool("online", a.conn.Online()),
	)
	return nil
}

// Stop halts background work and releases the lock.
func (a *Agent) Stop() {
	if !a.running.Load() {
		return
	}
	a.shutdown()
	a.running.Store(false)
	a.logger.Info("routinesync agent stopped")
}

func (a *Agent) shutdown() {
	a.mu.Lock()
	cancel, unbind := a.cancel, a.unbind
	a.ctx, a.cancel, a.unbind = nil, nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if unbind != nil {
		unbind()
	}
	a.syncs.Stop()
	a.conn.Stop()
	a.server.stop()
	a.wg.Wait()
	if err := a.lock.Unlock(); err != nil {
		a.logger.Warn("failed to release agent lock", logging.Error(err))
	}
}

// Close stops the agent and closes both stores.
func (a *Agent) Close() error {
	a.Stop()
	return errors.Join(a.store.Close(), a.cacheStore.Close())
}

// Addr returns the address the HTTP surface listens on.
func (a *Agent) Addr() string {
	return a.server.addr()
}

// Handler returns the HTTP surface without listening, for tests and embedding.
func (a *Agent) Handler() http.Handler {
	return a.server.handler
}

// Status reports runtime information.
func (a *Agent) Status(ctx context.Context) api.Status {
	status := api.Status{
		Running:      a.running.Load(),
		PID:          os.Getpid(),
		Online:       a.conn.Online(),
		Backend:      a.client.BaseURL().String(),
		OutboxPath:   a.store.Path(),
		LockFilePath: a.lockPath,
	}
	if !a.startedAt.IsZero() {
		status.StartedAt = a.startedAt.UTC().Format(time.RFC3339)
	}
	status.Session = api.FromSession(a.sessions.Current())
	if stats, err := a.store.Stats(ctx); err == nil {
		status.Outbox = api.FromStats(stats)
	} else {
		a.logger.Warn("outbox stats unavailable", logging.Error(err))
	}
	if tags, err := a.store.SyncTags(ctx); err == nil {
		status.SyncTags = tags
	}
	if cache, err := a.cache.Status(ctx); err == nil {
		status.Cache = cache
	}
	st, err := a.push.State()
	if err != nil {
		a.logger.Warn("push state unavailable", logging.Error(err))
	}
	status.Push = api.FromPushState(a.cfg.Push.Enabled, a.cfg.Push.Permission, st)
	status.Push.Listening = a.listening.Load()
	return status
}

// Submit sends a write through the interceptor using the current session.
func (a *Agent) Submit(ctx context.Context, req syncer.Request) (syncer.Outcome, error) {
	sess, err := a.sessions.Current()
	if err != nil {
		return syncer.Outcome{}, err
	}
	return a.interceptor.SubmitOrQueue(ctx, sess, req)
}

// Drain runs one drain and waits for it.
func (a *Agent) Drain(ctx context.Context, force bool) (syncer.DrainResult, error) {
	return a.syncs.Drain(ctx, syncer.DrainOptions{Force: force, Trigger: "manual"})
}

// Outbox lists every record with queue statistics.
func (a *Agent) Outbox(ctx context.Context) (api.OutboxList, error) {
	ops, err := a.store.ListAll(ctx)
	if err != nil {
		return api.OutboxList{}, err
	}
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return api.OutboxList{}, err
	}
	return api.OutboxList{Records: api.FromOperations(ops), Stats: api.FromStats(stats)}, nil
}

// Remove deletes one record.
func (a *Agent) Remove(ctx context.Context, id int64) (bool, error) {
	return a.store.Remove(ctx, id)
}

// Clear deletes every record.
func (a *Agent) Clear(ctx context.Context) (int64, error) {
	return a.store.Clear(ctx)
}

// Retry revives dead records and, when online, drains them right away.
func (a *Agent) Retry(ctx context.Context, ids []int64) (int64, error) {
	n, err := a.store.Revive(ctx, ids...)
	if err != nil || n == 0 {
		return n, err
	}
	if err := a.syncs.RequestSync(ctx, a.cfg.Sync.Tag); err != nil {
		a.logger.Warn("sync request after retry failed", logging.Error(err))
	}
	return n, nil
}

// RequestSync registers a background-sync tag.
func (a *Agent) RequestSync(ctx context.Context, tag string) (api.SyncResponse, error) {
	if err := a.syncs.RequestSync(ctx, tag); err != nil {
		return api.SyncResponse{}, err
	}
	return api.SyncResponse{Tag: tag, Registered: true, Dispatched: a.conn.Online()}, nil
}

// SubscribePush subscribes with the current session.
func (a *Agent) SubscribePush(ctx context.Context) (*push.Subscription, error) {
	sess, err := a.sessions.Current()
	if err != nil {
		return nil, err
	}
	return a.push.Subscribe(ctx, sess)
}

// InstallCache reinstalls and activates the shell cache.
func (a *Agent) InstallCache(ctx context.Context) (shellcache.Status, error) {
	if err := a.installCache(ctx); err != nil {
		return shellcache.Status{}, err
	}
	return a.cache.Status(ctx)
}

// Push exposes the push manager for click routing and window tracking.
func (a *Agent) Push() *push.Manager {
	return a.push
}

func (a *Agent) installCache(ctx context.Context) error {
	a.installMu.Lock()
	defer a.installMu.Unlock()
	if err := a.cache.Install(ctx); err != nil {
		return err
	}
	deleted, err := a.cache.Activate(ctx)
	if err != nil {
		return err
	}
	if len(deleted) > 0 {
		a.logger.Info("stale cache generations deleted",
			logging.String(logging.FieldEventType, "cache_generations_deleted"),
			logging.Any("generations", deleted),
		)
	}
	return nil
}

// onTransition retries a failed shell install once the network is back.
func (a *Agent) onTransition(_ context.Context, online bool) {
	if !online || a.cache.Installed() {
		return
	}
	// Add to the wait group under the lock so shutdown cannot miss it.
	a.mu.Lock()
	defer a.mu.Unlock()
	runCtx := a.ctx
	if runCtx == nil {
		return
	}
	a.spawn(func() {
		if err := a.installCache(runCtx); err != nil && runCtx.Err() == nil {
			logging.WarnWithContext(a.logger, "app shell install retry failed", "cache_install_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "requests pass through to the network"),
			)
		}
	})
}

func (a *Agent) runPush(ctx context.Context) {
	sess, err := a.sessions.Current()
	if err != nil {
		logging.WarnWithContext(a.logger, "session unavailable for push", "push_session_failed", logging.Error(err))
	}
	sub, err := a.push.Subscribe(ctx, sess)
	if err != nil {
		logging.WarnWithContext(a.logger, "push subscribe failed", "push_subscribe_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check push.application_server_key and push.server_url"),
			logging.String(logging.FieldImpact, "no push notifications"),
		)
		return
	}
	if sub == nil {
		return
	}
	a.listening.Store(true)
	defer a.listening.Store(false)
	if err := a.push.Listen(ctx); err != nil {
		logging.WarnWithContext(a.logger, "push listener stopped", "push_listen_failed", logging.Error(err))
	}
}

func (a *Agent) publishDrain(ctx context.Context, result syncer.DrainResult) {
	if result.Delivered > 0 {
		a.publish(ctx, notifications.EventSyncCompleted, notifications.Payload{
			"delivered": result.Delivered,
			"failed":    result.Failed,
		})
	}
	if result.Dead > 0 {
		a.publish(ctx, notifications.EventRecordsDead, notifications.Payload{"dead": result.Dead})
	}
}

func (a *Agent) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := a.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(a.logger, "notification failed", "notification_failed",
			logging.Error(err),
			logging.String("event", string(event)),
			logging.String(logging.FieldImpact, "user not notified"),
		)
	}
}

func (a *Agent) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}
