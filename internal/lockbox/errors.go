package lockbox

import "errors"

var (
	// ErrInvalidSequence reports an attempt to empty the sequence, an
	// out-of-range stage index, or a malformed stage definition.
	ErrInvalidSequence = errors.New("invalid sequence")
	// ErrAveraging reports that a paused run can no longer be resumed because
	// its configuration or the lockbox state changed while it was paused. The
	// caller must start a new run.
	ErrAveraging = errors.New("paused run is stale; restart the lock")
	// ErrRunCancelled is returned by Run.Result and Run.Wait for a run that was
	// cancelled. A cancelled run never resolves.
	ErrRunCancelled = errors.New("lock run cancelled")
	// ErrRunPending is returned by Run.Result while the run is still active.
	ErrRunPending = errors.New("lock run still pending")
	// ErrNoActiveRun reports a pause or resume without a run to act on.
	ErrNoActiveRun = errors.New("no active lock run")
	// ErrUnknownInput reports a stage or evaluation referencing an input that
	// is not bound to the lockbox.
	ErrUnknownInput = errors.New("unknown input")
	// ErrUnknownOutput reports a stage referencing an output that is not bound.
	ErrUnknownOutput = errors.New("unknown output")
	// ErrInvalidThreshold reports a negative or non-finite error threshold.
	ErrInvalidThreshold = errors.New("error threshold must be a finite value >= 0")
	// ErrUnknownStrategy reports an unsupported lock strategy name.
	ErrUnknownStrategy = errors.New("unknown lock strategy")
	// ErrInvalidOverrides reports final-stage overrides that do not map onto
	// stage attributes.
	ErrInvalidOverrides = errors.New("invalid final stage overrides")
	// ErrInvalidInterval reports a non-positive autolock interval.
	ErrInvalidInterval = errors.New("autolock interval must be positive")
)

// Cancellation causes recorded on a cancelled Run.
var (
	// ErrStaleRun marks a run aborted because the lockbox state changed
	// outside the run while it was waiting for a stage to elapse.
	ErrStaleRun = errors.New("lockbox state changed during lock run")
	// ErrSuperseded marks a run replaced by a newer run.
	ErrSuperseded = errors.New("superseded by a newer lock run")
	// ErrCancelledByCaller marks a run cancelled through Run.Cancel or a
	// cancelled wait context.
	ErrCancelledByCaller = errors.New("cancelled by caller")
)
