package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"lockbox/internal/clock"
	"lockbox/internal/config"
	"lockbox/internal/journal"
	"lockbox/internal/lockbox"
	"lockbox/internal/logging"
	"lockbox/internal/metrics"
	"lockbox/internal/notifications"
	"lockbox/internal/preflight"
	"lockbox/internal/statebus"
)

// Deps are the collaborators a daemon coordinates. Journal, Metrics and
// Notifier are optional; a nil Bus is replaced by an in-memory one.
type Deps struct {
	Lockbox    *lockbox.Lockbox
	AutoLocker *lockbox.AutoLocker
	Journal    *journal.Journal
	Bus        statebus.Bus
	Metrics    *metrics.Collector
	Notifier   notifications.Service
	Scheduler  clock.Scheduler
}

// Daemon coordinates the lock services and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   Deps

	lockPath string
	lock     *flock.Flock

	api     *apiServer
	monitor *statusMonitor
	devices *deviceMonitor

	mu          sync.Mutex
	running     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	pump        atomic.Pointer[eventPump]
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool             `json:"running"`
	PID           int              `json:"pid"`
	Lockbox       lockbox.Snapshot `json:"lockbox"`
	Monitor       MonitorStatus    `json:"monitor"`
	AutoLock      AutoLockStatus   `json:"autolock"`
	Bus           statebus.Stats   `json:"bus"`
	APIAddress    string           `json:"api_address,omitempty"`
	LockFilePath  string           `json:"lock_file_path"`
	JournalPath   string           `json:"journal_path,omitempty"`
	DeviceMonitor bool             `json:"device_monitor"`
}

// AutoLockStatus reports the autolocker configuration and activity.
type AutoLockStatus struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	Checks   uint64        `json:"checks"`
}

// LockResult reports the outcome of a Lock request.
type LockResult struct {
	RunID  string `json:"run_id"`
	Waited bool   `json:"waited"`
	Locked bool   `json:"locked"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || deps.Lockbox == nil || deps.AutoLocker == nil {
		return nil, errors.New("daemon requires config, lockbox, and autolocker")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if deps.Bus == nil {
		deps.Bus = statebus.NewMemory()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = clock.Real()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		deps:     deps,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	interval := time.Duration(cfg.Lockbox.StatusInterval * float64(time.Second))
	d.monitor = newStatusMonitor(deps.Lockbox, deps.Scheduler, interval, logger, d.handleEvaluation)
	d.api = newAPIServer(cfg, d, logger)
	d.devices = newDeviceMonitor(cfg, logger, d.handleDevice)
	return d, nil
}

// Start acquires the daemon lock and launches the event pump, lock-status
// monitor, autolocker, API server and device monitor.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another lockbox daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	if d.deps.Journal != nil {
		if closed, err := d.deps.Journal.CloseOpenRuns(d.ctx, time.Now()); err != nil {
			logging.WarnWithContext(d.logger, "failed to close stale journal runs", "journal_cleanup_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check journal database permissions"),
				logging.String(logging.FieldImpact, "history may show runs still in progress"),
			)
		} else if closed > 0 {
			d.logger.Info("closed runs left open by previous daemon", logging.Int64("runs", closed))
		}
	}
	if d.deps.Metrics != nil {
		if err := d.deps.Metrics.RegisterBus(d.deps.Bus.Stats); err != nil {
			d.logger.Debug("bus metrics already registered", logging.Error(err))
		}
	}

	for _, failed := range preflight.Failed(preflight.RunAll(d.ctx, d.cfg)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", failed.Name),
			logging.String("detail", failed.Detail),
			logging.String(logging.FieldImpact, "dependent features may not work"),
		)
	}

	pump := newEventPump(d.ctx)
	d.pump.Store(pump)
	go pump.run(d.handleEvent)
	d.unsubscribe = d.deps.Lockbox.Subscribe(d.enqueue)

	if err := d.api.start(d.ctx); err != nil {
		d.stopLocked()
		return fmt.Errorf("start api server: %w", err)
	}
	d.monitor.start(d.ctx)
	if d.cfg.Lockbox.AutoLock {
		d.deps.AutoLocker.Enable()
	}
	if err := d.devices.Start(d.ctx); err != nil {
		d.logger.Warn("device monitor start failed", logging.Error(err))
	}

	d.running.Store(true)
	d.logger.Info("lockbox daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.Bool("auto_lock", d.cfg.Lockbox.AutoLock),
	)
	return nil
}

// Stop stops background services and releases the daemon lock. The lock
// state of the hardware is left as is.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}
	d.stopLocked()
	d.running.Store(false)
	d.logger.Info("lockbox daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

func (d *Daemon) stopLocked() {
	d.deps.AutoLocker.Disable()
	d.monitor.stop()
	d.devices.Stop()
	d.api.stop()
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if pump := d.pump.Swap(nil); pump != nil {
		pump.wait()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Running reports whether Start has succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Lock starts a lock run with optional final-stage overrides. With wait it
// blocks until the run resolves or ctx ends.
func (d *Daemon) Lock(ctx context.Context, overrides lockbox.Overrides, wait bool) (LockResult, error) {
	run, err := d.deps.Lockbox.LockAsync(ctx, overrides)
	if err != nil {
		return LockResult{}, err
	}
	result := LockResult{RunID: run.ID()}
	if !wait {
		return result, nil
	}
	locked, err := run.Wait(ctx)
	result.Waited = true
	result.Locked = locked
	if errors.Is(err, lockbox.ErrRunCancelled) {
		return result, nil
	}
	if err != nil && ctx.Err() != nil {
		run.Cancel()
	}
	return result, err
}

// Unlock disengages all outputs. With keepOffset the actuator offsets are
// left where the loop put them.
func (d *Daemon) Unlock(ctx context.Context, keepOffset bool) error {
	return d.deps.Lockbox.Unlock(ctx, !keepOffset)
}

// Sweep starts the default sweep output.
func (d *Daemon) Sweep(ctx context.Context) error {
	return d.deps.Lockbox.Sweep(ctx)
}

// Relock locks again when the loop is not locked and no run is in progress.
func (d *Daemon) Relock(ctx context.Context) (bool, error) {
	return d.deps.Lockbox.Relock(ctx)
}

// SetAutoLock toggles the autolocker. A positive interval replaces the
// current one.
func (d *Daemon) SetAutoLock(enabled bool, interval time.Duration) (AutoLockStatus, error) {
	al := d.deps.AutoLocker
	if interval != 0 {
		if err := al.SetInterval(interval); err != nil {
			return d.autoLockStatus(), err
		}
	}
	if enabled {
		al.Enable()
	} else {
		al.Disable()
	}
	d.logger.Info("autolock updated",
		logging.String(logging.FieldEventType, "autolock_updated"),
		logging.Bool("enabled", enabled),
		logging.Duration("interval", al.Interval()),
	)
	return d.autoLockStatus(), nil
}

// EnableStage applies stage i and holds it.
func (d *Daemon) EnableStage(ctx context.Context, i int) error {
	return d.deps.Lockbox.EnableStage(ctx, i)
}

// Pause suspends the active run's averaging.
func (d *Daemon) Pause(ctx context.Context) error {
	return d.deps.Lockbox.Pause(ctx)
}

// Resume continues a paused run.
func (d *Daemon) Resume(ctx context.Context) error {
	return d.deps.Lockbox.Resume(ctx)
}

// History returns recent runs from the journal, newest first.
func (d *Daemon) History(ctx context.Context, limit int) ([]journal.Run, error) {
	if d.deps.Journal == nil {
		return nil, errors.New("run journal unavailable")
	}
	return d.deps.Journal.Runs(ctx, limit)
}

// TestNotification sends a test notification using the configured notifier.
// It reports false with an explanation when no ntfy topic is configured.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if d.deps.Notifier == nil || strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.deps.Notifier.Publish(ctx, notifications.EventTest, nil); err != nil {
		return false, "", err
	}
	return true, "test notification sent", nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(_ context.Context) Status {
	status := Status{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		Lockbox:       d.deps.Lockbox.Snapshot(),
		Monitor:       d.monitor.status(),
		AutoLock:      d.autoLockStatus(),
		Bus:           d.deps.Bus.Stats(),
		APIAddress:    d.api.address(),
		LockFilePath:  d.lockPath,
		DeviceMonitor: d.devices.Running(),
	}
	if d.deps.Journal != nil {
		status.JournalPath = d.deps.Journal.Path()
	}
	return status
}

// Bus exposes the state bus the daemon publishes to.
func (d *Daemon) Bus() statebus.Bus {
	return d.deps.Bus
}

func (d *Daemon) autoLockStatus() AutoLockStatus {
	al := d.deps.AutoLocker
	return AutoLockStatus{
		Enabled:  al.Enabled(),
		Interval: al.Interval(),
		Checks:   al.Checks(),
	}
}
