package daemon

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"lockbox/internal/clock"
	"lockbox/internal/lockbox"
	"lockbox/internal/logging"
)

// MonitorStatus is the last periodic lock-status result.
type MonitorStatus struct {
	Interval  time.Duration  `json:"interval"`
	Checks    uint64         `json:"checks"`
	LastCheck time.Time      `json:"last_check"`
	Locked    bool           `json:"locked"`
	Reason    lockbox.Reason `json:"reason,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Mean      float64        `json:"mean"`
	RMS       float64        `json:"rms"`
}

type evaluationHandler func(ctx context.Context, ev lockbox.Evaluation, err error, lost bool)

// statusMonitor evaluates the lock status on an interval at debug level. A
// check that finds a previously locked loop unlocked while the lockbox still
// claims Locked reports the lock as lost.
type statusMonitor struct {
	lb       *lockbox.Lockbox
	sched    clock.Scheduler
	interval time.Duration
	logger   *slog.Logger
	onResult evaluationHandler

	mu        sync.Mutex
	ctx       context.Context
	running   bool
	timer     clock.Timer
	gen       uint64
	checks    uint64
	last      lockbox.Evaluation
	lastAt    time.Time
	wasLocked bool
}

func newStatusMonitor(lb *lockbox.Lockbox, sched clock.Scheduler, interval time.Duration, logger *slog.Logger, onResult evaluationHandler) *statusMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &statusMonitor{
		lb:       lb,
		sched:    sched,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "lock-monitor"),
		onResult: onResult,
	}
}

func (m *statusMonitor) start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.ctx = ctx
	m.gen++
	m.armLocked()
	m.logger.Debug("lock-status monitor started", logging.Duration("interval", m.interval))
}

// stop prevents further checks. A check already running finishes but does
// not re-arm.
func (m *statusMonitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *statusMonitor) armLocked() {
	gen := m.gen
	m.timer = m.sched.AfterFunc(m.interval, func() { m.tick(gen) })
}

func (m *statusMonitor) tick(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	state := m.lb.State()
	ev, err := m.lb.Evaluate(ctx, lockbox.WithLogLevel(slog.LevelDebug))

	m.mu.Lock()
	m.checks++
	lost := false
	if err == nil {
		m.last = ev
		m.lastAt = m.sched.Now()
		claimsLocked := state == lockbox.Locked
		lost = m.wasLocked && claimsLocked && !ev.Locked
		m.wasLocked = claimsLocked && ev.Locked
	}
	if m.running && gen == m.gen {
		m.armLocked()
	}
	m.mu.Unlock()

	if m.onResult != nil {
		m.onResult(ctx, ev, err, lost)
	}
}

func (m *statusMonitor) status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStatus{
		Interval:  m.interval,
		Checks:    m.checks,
		LastCheck: m.lastAt,
		Locked:    m.last.Locked,
		Reason:    m.last.Reason,
		Stage:     m.last.Stage,
		Mean:      finite(m.last.Mean),
		RMS:       finite(m.last.RMS),
	}
}

// finite maps NaN and infinities to zero so the status stays encodable.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
