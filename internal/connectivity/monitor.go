package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"routinesync/internal/config"
	"routinesync/internal/logging"
)

// Prober checks whether target answers.
type Prober interface {
	Probe(ctx context.Context, target string) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, target string) error

func (f ProberFunc) Probe(ctx context.Context, target string) error { return f(ctx, target) }

// Listener is called with the new state after a transition. Listeners run on
// the goroutine that observed the change and must not block.
type Listener = func(ctx context.Context, online bool)

// Monitor tracks online state.
type Monitor struct {
	prober   Prober
	target   string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	online atomic.Bool

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	cancel    context.CancelFunc
	done      chan struct{}
	nudge     chan struct{}
	netlink   *netlinkMonitor
}

// New builds a monitor from the [connectivity] section. The monitor starts
// offline until the first probe or SetOnline call.
func New(cfg *config.Config, prober Prober, logger *slog.Logger) *Monitor {
	logger = logging.NewComponentLogger(logger, "connectivity")
	m := &Monitor{
		prober:    prober,
		target:    cfg.Connectivity.ProbeURL,
		interval:  cfg.ProbeInterval(),
		timeout:   cfg.ProbeTimeout(),
		logger:    logger,
		listeners: make(map[int]Listener),
		nudge:     make(chan struct{}, 1),
	}
	if cfg.Connectivity.Netlink {
		m.netlink = newNetlinkMonitor(logger, m.Nudge)
	}
	return m
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnTransition registers fn and returns a function that removes it.
func (m *Monitor) OnTransition(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SetOnline records the state and notifies listeners when it changed. It
// returns true on a transition.
func (m *Monitor) SetOnline(ctx context.Context, online bool) bool {
	if m.online.Swap(online) == online {
		return false
	}
	m.logger.Info("connectivity changed",
		logging.String(logging.FieldEventType, "connectivity_changed"),
		logging.Bool("online", online),
	)
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, online)
	}
	return true
}

// ProbeNow probes once and records the result.
func (m *Monitor) ProbeNow(ctx context.Context) bool {
	online := m.probe(ctx)
	m.SetOnline(ctx, online)
	return online
}

// Nudge schedules an immediate probe on the running loop.
func (m *Monitor) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Start records the initial state without notifying listeners, then begins
// periodic probing. A zero interval disables the loop; SetOnline still works.
// A netlink failure is returned but probing keeps running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	if m.prober != nil && m.target != "" {
		m.online.Store(m.probe(ctx))
	}
	m.logger.Info("connectivity monitor started",
		logging.String(logging.FieldEventType, "connectivity_started"),
		logging.Bool("online", m.Online()),
		logging.String("probe_url", m.target),
		logging.Duration("interval", m.interval),
	)

	go m.loop(loopCtx, done)
	if err := m.netlink.Start(loopCtx); err != nil {
		return fmt.Errorf("netlink monitor: %w", err)
	}
	return nil
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	m.netlink.Stop()
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if m.interval > 0 && m.prober != nil && m.target != "" {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.ProbeNow(ctx)
		case <-m.nudge:
			if m.prober != nil && m.target != "" {
				m.ProbeNow(ctx)
			}
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.prober == nil || m.target == "" {
		return m.Online()
	}
	timeout := m.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.prober.Probe(probeCtx, m.target); err != nil {
		m.logger.Debug("probe failed", logging.String("probe_url", m.target), logging.Error(err))
		return false
	}
	return true
}
