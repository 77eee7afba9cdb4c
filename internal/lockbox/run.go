package lockbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"lockbox/internal/clock"
)

// Run is one lock attempt, the future returned by LockAsync. It resolves
// exactly once to locked or not locked, or it is cancelled and never
// resolves.
type Run struct {
	id        string
	owner     *Lockbox
	overrides Overrides
	final     *Stage
	startedAt time.Time
	ctx       context.Context
	span      trace.Span
	done      chan struct{}

	mu         sync.Mutex
	resolved   bool
	cancelled  bool
	locked     bool
	err        error
	cause      error
	finishedAt time.Time

	// Guarded by owner.mu.
	cursor           int
	timer            clock.Timer
	tick             uint64
	stateGen         uint64
	paused           bool
	pauseGen         uint64
	pauseFingerprint uint64
}

func newRun(owner *Lockbox, id string, overrides Overrides, final *Stage, startedAt time.Time, ctx context.Context, span trace.Span) *Run {
	return &Run{
		id:        id,
		owner:     owner,
		overrides: overrides,
		final:     final,
		startedAt: startedAt,
		ctx:       ctx,
		span:      span,
		done:      make(chan struct{}),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// StartedAt returns when the run was launched.
func (r *Run) StartedAt() time.Time { return r.startedAt }

// Overrides returns the final-stage overrides the run was launched with.
func (r *Run) Overrides() Overrides { return r.overrides.clone() }

// FinalStage returns the final stage built for this run.
func (r *Run) FinalStage() *Stage { return r.final }

// Done is closed when the run resolves or is cancelled.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result reports the outcome. It returns ErrRunPending while the run is
// active and an error wrapping ErrRunCancelled and the cancellation cause
// once cancelled. A run that hit a hardware error resolves to false with
// that error.
func (r *Run) Result() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.cancelled:
		return false, fmt.Errorf("%w: %w", ErrRunCancelled, r.cause)
	case !r.resolved:
		return false, ErrRunPending
	default:
		return r.locked, r.err
	}
}

// Wait blocks until the run resolves, is cancelled, or ctx is done. A done
// ctx returns ctx.Err() and leaves the run running.
func (r *Run) Wait(ctx context.Context) (bool, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Cancel stops the run. It is a no-op once the run resolved or was
// cancelled.
func (r *Run) Cancel() {
	r.owner.cancelRun(r, ErrCancelledByCaller)
}

// Cancelled reports whether the run was cancelled.
func (r *Run) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Resolved reports whether the run resolved.
func (r *Run) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

func (r *Run) resolve(locked bool, err error, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved || r.cancelled {
		return false
	}
	r.resolved = true
	r.locked = locked
	r.err = err
	r.finishedAt = at
	close(r.done)
	return true
}

func (r *Run) cancel(cause error, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved || r.cancelled {
		return false
	}
	r.cancelled = true
	r.cause = cause
	r.finishedAt = at
	close(r.done)
	return true
}

// RunInfo is a read-only view of the active run.
type RunInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Stage     string    `json:"stage"`
	Cursor    int       `json:"cursor"`
	Paused    bool      `json:"paused"`
	Overrides Overrides `json:"overrides,omitempty"`
}
