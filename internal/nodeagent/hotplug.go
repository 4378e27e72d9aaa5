package nodeagent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"lattice/internal/logging"
)

// drmMonitor listens for udev netlink events on the drm subsystem and calls
// onChange when a device is added or removed.
type drmMonitor struct {
	logger   *slog.Logger
	onChange func(ctx context.Context, action, devname string)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

func newDRMMonitor(logger *slog.Logger, onChange func(ctx context.Context, action, devname string)) *drmMonitor {
	return &drmMonitor{
		logger:   logging.NewComponentLogger(logger, "drm-monitor"),
		onChange: onChange,
	}
}

// Start connects to the udev netlink socket. Failure to connect is logged
// and leaves the inventory static.
func (m *drmMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; accelerator inventory will not refresh",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the agent may open netlink sockets or set node.hotplug_monitor = false"),
			logging.String(logging.FieldImpact, "GPU hot-plug not detected until restart"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("drm monitor started", logging.String(logging.FieldEventType, "drm_monitor_started"))
	return nil
}

// Stop shuts down the monitor.
func (m *drmMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false
	m.logger.Info("drm monitor stopped", logging.String(logging.FieldEventType, "drm_monitor_stopped"))
}

// Running reports whether the monitor is active.
func (m *drmMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *drmMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, drmMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			m.logger.Warn("netlink monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "netlink_monitor_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "GPU hot-plug detection may be affected"),
			)
		}
	}
}

// drmMatcher matches SUBSYSTEM=drm with ACTION=add|remove.
func drmMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env:    map[string]string{"SUBSYSTEM": "drm"},
	})
	return rules
}

func (m *drmMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	devname := uevent.Env["DEVNAME"]
	m.logger.Info("drm device change",
		logging.String(logging.FieldEventType, "drm_device_changed"),
		logging.String("action", string(uevent.Action)),
		logging.String("device", devname),
	)
	if m.onChange != nil {
		m.onChange(ctx, string(uevent.Action), devname)
	}
}
