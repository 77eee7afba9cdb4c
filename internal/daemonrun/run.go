// Package daemonrun assembles the lockbox daemon process: logging, the
// simulated plant, the lockbox, its journal and state bus, and the IPC
// socket the CLI talks to.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lockbox/internal/clock"
	"lockbox/internal/config"
	"lockbox/internal/daemon"
	"lockbox/internal/hardware"
	"lockbox/internal/hardware/sim"
	"lockbox/internal/ipc"
	"lockbox/internal/journal"
	"lockbox/internal/lockbox"
	"lockbox/internal/logging"
	"lockbox/internal/metrics"
	"lockbox/internal/notifications"
	"lockbox/internal/statebus"
	"lockbox/internal/tracing"
)

const (
	plantStep          = 10 * time.Millisecond
	journalKeep        = 30 * 24 * time.Hour
	journalPrunePeriod = 24 * time.Hour
	shutdownBudget     = 5 * time.Second
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the lockbox daemon and blocks until SIGINT, SIGTERM or
// cmdCtx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("lockbox-%s.log", runID))
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update lockbox.log link: %v\n", err)
	}
	logging.PruneLogs(logger, cfg.Paths.LogDir, "lockbox-*.log", cfg.Logging.RetentionDays, logPath)
	logging.PruneLogs(logger, cfg.Paths.LogDir, "lockbox-*.traces", cfg.Logging.RetentionDays)
	logConfigSnapshot(logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	tracer, closeTraces, err := setupTracing(cfg, runID)
	if err != nil {
		return err
	}
	defer closeTraces(logger)

	plant, inputs, outputs, err := sim.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("build simulated plant: %w", err)
	}
	sched := clock.Real()
	lbOpts := hardware.LockboxOptions(cfg, inputs, outputs, logger, sched)
	lbOpts.Tracer = tracer.Tracer("lockbox")
	lb, err := lockbox.New(lbOpts)
	if err != nil {
		return fmt.Errorf("create lockbox: %w", err)
	}
	defer lb.Close()

	autoLocker, err := lockbox.NewAutoLocker(lb, lockbox.AutoLockOptions{
		Scheduler: sched,
		Logger:    logger,
		Interval:  seconds(cfg.Lockbox.AutoLockInterval),
	})
	if err != nil {
		return fmt.Errorf("create autolocker: %w", err)
	}
	defer autoLocker.Close()

	store, err := journal.Open(cfg)
	if err != nil {
		logging.ErrorWithContext(logger, "open run journal", "journal_open_failed", logging.Error(err))
		return err
	}
	defer store.Close()

	bus, err := statebus.New(cfg.StateBus)
	if err != nil {
		return fmt.Errorf("connect state bus: %w", err)
	}
	defer bus.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
	}

	d, err := daemon.New(cfg, daemon.Deps{
		Lockbox:    lb,
		AutoLocker: autoLocker,
		Journal:    store,
		Bus:        bus,
		Metrics:    collector,
		Notifier:   notifications.NewService(cfg),
		Scheduler:  sched,
	}, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	logger.Info("lockbox daemon ready",
		logging.String(logging.FieldEventType, "daemon_ready"),
		logging.String("socket", cfg.SocketPath()),
		logging.String("log_path", logPath),
	)

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return plant.Run(groupCtx, plantStep)
	})
	group.Go(func() error {
		pruneJournal(groupCtx, store, logger)
		return nil
	})
	err = group.Wait()
	logger.Info("lockbox daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))

	// Outputs are left disengaged so the actuator does not hold a stale
	// correction while nothing supervises it.
	unlockCtx, unlockCancel := context.WithTimeout(context.WithoutCancel(cmdCtx), shutdownBudget)
	defer unlockCancel()
	if unlockErr := lb.Unlock(unlockCtx, false); unlockErr != nil {
		logging.WarnWithContext(logger, "unlock on shutdown failed", "shutdown_unlock_failed", logging.Error(unlockErr))
	}
	return err
}

// pruneJournal drops old runs at startup and once a day after.
func pruneJournal(ctx context.Context, store *journal.Journal, logger *slog.Logger) {
	ticker := time.NewTicker(journalPrunePeriod)
	defer ticker.Stop()
	for {
		removed, err := store.Prune(ctx, time.Now().Add(-journalKeep))
		switch {
		case err != nil && ctx.Err() == nil:
			logging.WarnWithContext(logger, "journal prune failed", "journal_prune_failed", logging.Error(err))
		case removed > 0:
			logger.Info("journal pruned",
				logging.String(logging.FieldEventType, "journal_pruned"),
				logging.Int64("removed", removed))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func setupTracing(cfg *config.Config, runID string) (*tracing.Provider, func(*slog.Logger), error) {
	exporter := strings.ToLower(strings.TrimSpace(cfg.Tracing.Exporter))
	if exporter != "stdout" {
		provider, err := tracing.Setup(exporter, nil)
		if err != nil {
			return nil, nil, err
		}
		return provider, func(*slog.Logger) {}, nil
	}
	path := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("lockbox-%s.traces", runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace file: %w", err)
	}
	provider, err := tracing.Setup(exporter, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return provider, func(logger *slog.Logger) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logging.WarnWithContext(logger, "trace flush failed", "tracing_shutdown_failed", logging.Error(err))
		}
		_ = f.Close()
	}, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "lockbox.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("strategy", cfg.Lockbox.Strategy),
		logging.Float64("error_threshold", cfg.Lockbox.ErrorThreshold),
		logging.Int("stages", len(cfg.Sequence)),
		logging.Bool("auto_lock", cfg.Lockbox.AutoLock),
		logging.Seconds("auto_lock_interval", cfg.Lockbox.AutoLockInterval),
		logging.Seconds("status_interval", cfg.Lockbox.StatusInterval),
		logging.String("state_bus", cfg.StateBus.Backend),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.Bool("api_token_present", strings.TrimSpace(cfg.Paths.APIToken) != ""),
		logging.Bool("metrics_enabled", cfg.Metrics.Enabled),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
		logging.Bool("device_monitor", cfg.Device.Monitor),
		logging.String("tracing", cfg.Tracing.Exporter),
	)
}
