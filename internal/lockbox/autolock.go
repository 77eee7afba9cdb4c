package lockbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lockbox/internal/clock"
	"lockbox/internal/logging"
)

// Relocker is the slice of the lockbox the autolocker drives.
type Relocker interface {
	Relock(ctx context.Context) (bool, error)
}

// AutoLockOptions configures an AutoLocker.
type AutoLockOptions struct {
	Scheduler clock.Scheduler
	Logger    *slog.Logger
	// Interval between relock checks. Defaults to one second.
	Interval time.Duration
}

// AutoLocker periodically calls Relock while enabled. Disabling it stops
// future checks but leaves a lock run already in progress alone.
type AutoLocker struct {
	target Relocker
	sched  clock.Scheduler
	logger *slog.Logger
	ctx    context.Context
	stop   context.CancelFunc

	mu       sync.Mutex
	enabled  bool
	interval time.Duration
	timer    clock.Timer
	gen      uint64
	checks   uint64
}

// NewAutoLocker returns a disabled autolocker for target.
func NewAutoLocker(target Relocker, opts AutoLockOptions) (*AutoLocker, error) {
	interval := opts.Interval
	if interval == 0 {
		interval = time.Second
	}
	if interval < 0 {
		return nil, ErrInvalidInterval
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = clock.Real()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &AutoLocker{
		target:   target,
		sched:    sched,
		logger:   logging.NewComponentLogger(opts.Logger, "autolock"),
		ctx:      ctx,
		stop:     stop,
		interval: interval,
	}, nil
}

// Enable starts the periodic checks. The first check runs one interval
// from now.
func (a *AutoLocker) Enable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled || a.ctx.Err() != nil {
		return
	}
	a.enabled = true
	a.armLocked()
	a.logger.Info("autolock enabled", logging.Duration("interval", a.interval))
}

// Disable stops the periodic checks.
func (a *AutoLocker) Disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return
	}
	a.enabled = false
	a.disarmLocked()
	a.logger.Info("autolock disabled")
}

// SetInterval changes the check interval and re-arms the timer when enabled.
func (a *AutoLocker) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interval = d
	if a.enabled {
		a.disarmLocked()
		a.armLocked()
	}
	return nil
}

// Enabled reports whether periodic checks are running.
func (a *AutoLocker) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Interval returns the check interval.
func (a *AutoLocker) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

// Checks returns how many relock checks have run.
func (a *AutoLocker) Checks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checks
}

// Close disables the autolocker and cancels a relock it started.
func (a *AutoLocker) Close() {
	a.Disable()
	a.stop()
}

func (a *AutoLocker) armLocked() {
	a.gen++
	gen := a.gen
	a.timer = a.sched.AfterFunc(a.interval, func() { a.fire(gen) })
}

func (a *AutoLocker) disarmLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *AutoLocker) fire(gen uint64) {
	a.mu.Lock()
	if !a.enabled || a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.checks++
	a.mu.Unlock()

	locked, err := a.target.Relock(a.ctx)
	switch {
	case err != nil && a.ctx.Err() == nil:
		logging.WarnWithContext(a.logger, "autolock relock failed", "autolock_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "loop stays unlocked until the next check"),
		)
	case err == nil:
		a.logger.Debug("autolock check", logging.Bool("locked", locked))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled && a.gen == gen {
		a.armLocked()
	}
}
