package daemon

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"lockbox/internal/config"
	"lockbox/internal/logging"
)

// DeviceChange describes a hot-plug event for the lock hardware.
type DeviceChange struct {
	Device    string `json:"device"`
	Action    string `json:"action"`
	Subsystem string `json:"subsystem"`
	VendorID  string `json:"vendor_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
}

type deviceHandler func(ctx context.Context, change DeviceChange)

// deviceMonitor listens for udev netlink events and reports when the
// configured lock hardware is plugged in or removed.
type deviceMonitor struct {
	logger    *slog.Logger
	handler   deviceHandler
	subsystem string
	vendorID  string
	productID string

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// newDeviceMonitor returns nil when device monitoring is disabled.
func newDeviceMonitor(cfg *config.Config, logger *slog.Logger, handler deviceHandler) *deviceMonitor {
	if cfg == nil || !cfg.Device.Monitor {
		return nil
	}
	subsystem := strings.TrimSpace(cfg.Device.Subsystem)
	if subsystem == "" {
		return nil
	}
	return &deviceMonitor{
		logger:    logging.NewComponentLogger(logger, "device-monitor"),
		handler:   handler,
		subsystem: subsystem,
		vendorID:  cfg.Device.VendorID,
		productID: cfg.Device.ProductID,
	}
}

// Start begins listening for udev netlink events. Failing to open the
// netlink socket is logged and otherwise ignored.
func (m *deviceMonitor) Start(ctx context.Context) error {
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
		logging.WarnWithContext(m.logger, "failed to connect to netlink socket; hot-plug changes will go unnoticed", "netlink_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to access netlink sockets"),
			logging.String(logging.FieldImpact, "device removal will not unlock the loop"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("device monitor started",
		logging.String(logging.FieldEventType, "device_monitor_started"),
		logging.String("subsystem", m.subsystem),
		logging.String("vendor_id", m.vendorID),
		logging.String("product_id", m.productID),
	)
	return nil
}

// Stop shuts down the device monitor.
func (m *deviceMonitor) Stop() {
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

	m.logger.Info("device monitor stopped", logging.String(logging.FieldEventType, "device_monitor_stopped"))
}

// Running reports whether the device monitor is active.
func (m *deviceMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *deviceMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, m.buildMatcher())

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
			logging.WarnWithContext(m.logger, "netlink monitor error", "netlink_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "device changes may be missed"),
			)
		}
	}
}

// buildMatcher matches add and remove events on the configured subsystem,
// narrowed to the configured vendor and product when set.
func (m *deviceMonitor) buildMatcher() netlink.Matcher {
	action := "^(add|remove)$"
	env := map[string]string{"SUBSYSTEM": exact(m.subsystem)}
	if m.vendorID != "" {
		env["ID_VENDOR_ID"] = exact(m.vendorID)
	}
	if m.productID != "" {
		env["ID_MODEL_ID"] = exact(m.productID)
	}
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{Action: &action, Env: env})
	return rules
}

func exact(value string) string {
	return "^" + regexp.QuoteMeta(value) + "$"
}

func (m *deviceMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	change := DeviceChange{
		Device:    deviceName(uevent),
		Action:    string(uevent.Action),
		Subsystem: uevent.Env["SUBSYSTEM"],
		VendorID:  uevent.Env["ID_VENDOR_ID"],
		ProductID: uevent.Env["ID_MODEL_ID"],
	}
	if change.Device == "" {
		m.logger.Debug("ignoring event without device name",
			logging.String("action", change.Action),
			logging.String("kobj", uevent.KObj),
		)
		return
	}

	m.logger.Info("lock hardware changed",
		logging.String(logging.FieldEventType, "device_changed"),
		logging.String("device", change.Device),
		logging.String("action", change.Action),
	)
	if m.handler != nil {
		m.handler(ctx, change)
	}
}

// deviceName prefers DEVNAME and falls back to the last DEVPATH element.
func deviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		return devname
	}
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return parts[len(parts)-1]
}
