package connectivity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"routinesync/internal/logging"
)

// netlinkMonitor listens for kernel network interface events and asks the
// monitor to re-probe.
type netlinkMonitor struct {
	logger *slog.Logger
	notify func()

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

func newNetlinkMonitor(logger *slog.Logger, notify func()) *netlinkMonitor {
	return &netlinkMonitor{
		logger: logger.With(logging.String("source", "netlink")),
		notify: notify,
	}
}

func (n *netlinkMonitor) Start(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(n.logger, "failed to connect to netlink socket; relying on periodic probes",
			"netlink_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the agent may open netlink sockets"),
			logging.String(logging.FieldImpact, "reconnection detected only on the probe interval"),
		)
		return nil
	}

	n.conn = conn
	n.quit = make(chan struct{})
	n.running = true
	quit := n.quit
	go n.loop(ctx, conn, quit)
	return nil
}

func (n *netlinkMonitor) Stop() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	close(n.quit)
	n.quit = nil
	_ = n.conn.Close()
	n.conn = nil
	n.running = false
}

func (n *netlinkMonitor) Running() bool {
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *netlinkMonitor) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			n.handleEvent(uevent)
		case err := <-errs:
			logging.WarnWithContext(n.logger, "netlink monitor error", "netlink_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "interface changes may be missed"),
			)
		}
	}
}

// buildMatcher matches interface add, remove, change and move events.
func buildMatcher() netlink.Matcher {
	action := "add|remove|change|move"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env:    map[string]string{"SUBSYSTEM": "net"},
	})
	return rules
}

func (n *netlinkMonitor) handleEvent(uevent netlink.UEvent) {
	n.logger.Debug("network interface event",
		logging.String("action", string(uevent.Action)),
		logging.String("interface", uevent.Env["INTERFACE"]),
	)
	if n.notify != nil {
		n.notify()
	}
}
