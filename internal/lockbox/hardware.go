package lockbox

import (
	"context"
)

// SignalStats are the recent statistics of an error signal.
type SignalStats struct {
	Mean float64 `json:"mean"`
	RMS  float64 `json:"rms"`
}

// SignalSource reads an error signal.
type SignalSource interface {
	Name() string
	Stats(ctx context.Context) (SignalStats, error)
}

// SignalModel predicts the error signal and its slope at a setpoint.
type SignalModel interface {
	ExpectedSignal(setpoint float64) float64
	ExpectedSlope(setpoint float64) float64
}

// Input is a signal source paired with the model that predicts it.
type Input interface {
	SignalSource
	SignalModel
}

// LockDetector is an optional input capability: an input that can tell by
// itself whether the loop is locked.
type LockDetector interface {
	IsLocked(ctx context.Context) (bool, error)
}

// LockSettings is what an output receives when a stage engages it.
type LockSettings struct {
	Input       string
	Setpoint    float64
	GainFactor  float64
	ResetOffset bool
	Offset      *float64
	Extra       map[string]any
}

// Output is an actuator driven by the lock sequence.
type Output interface {
	Name() string
	// Lock engages the feedback loop with the given settings.
	Lock(ctx context.Context, settings LockSettings) error
	// Unlock disengages the loop, optionally resetting the actuator offset.
	Unlock(ctx context.Context, resetOffset bool) error
	// Sweep ramps the actuator across its range.
	Sweep(ctx context.Context) error
	// IsSaturated reports whether the actuator reached its range limit.
	IsSaturated() bool
}

// InputBinding attaches a signal source to the lockbox. When Model is nil the
// active strategy builds one from Calibration.
type InputBinding struct {
	Source      SignalSource
	Calibration Calibration
	Model       SignalModel
}

// boundInput is the Input the evaluator sees. The native detector is
// resolved once, when the binding is made.
type boundInput struct {
	SignalSource
	SignalModel
	detector LockDetector
}

func bindInput(b InputBinding, kind StrategyKind) *boundInput {
	model := b.Model
	if model == nil {
		model = kind.Model(b.Calibration)
	}
	in := &boundInput{SignalSource: b.Source, SignalModel: model}
	if det, ok := b.Source.(LockDetector); ok {
		in.detector = det
	}
	return in
}
