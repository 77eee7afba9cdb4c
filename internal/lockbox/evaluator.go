package lockbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"lockbox/internal/logging"
)

// Reason explains a lock-status decision.
type Reason string

const (
	ReasonNotInSequence   Reason = "not_in_sequence"
	ReasonSaturated       Reason = "output_saturated"
	ReasonNativeDetector  Reason = "native_detector"
	ReasonOutsideInterval Reason = "outside_interval"
	ReasonWithinInterval  Reason = "within_interval"
)

// Interval is the range of error signal values accepted as locked. A relaxed
// side is infinite.
type Interval struct {
	Min        float64
	Max        float64
	StartSlope float64
	StopSlope  float64
}

// Contains reports whether v lies in [Min, Max]. NaN is never contained.
func (iv Interval) Contains(v float64) bool {
	return v >= iv.Min && v <= iv.Max
}

// AcceptanceInterval maps setpoint±threshold through the model. When the
// slopes at the two ends disagree in sign, or one is zero, the curve has an
// extremum inside the window and the bound on the side away from it is
// dropped. When both slopes are zero neither side is relaxed.
func AcceptanceInterval(model SignalModel, setpoint, threshold float64) Interval {
	lo, hi := setpoint-threshold, setpoint+threshold
	iv := Interval{
		Min:        model.ExpectedSignal(lo),
		Max:        model.ExpectedSignal(hi),
		StartSlope: model.ExpectedSlope(lo),
		StopSlope:  model.ExpectedSlope(hi),
	}
	if iv.Max < iv.Min {
		iv.Min, iv.Max = iv.Max, iv.Min
	}
	if iv.StartSlope*iv.StopSlope <= 0 {
		switch {
		case iv.StartSlope > iv.StopSlope:
			iv.Max = math.Inf(1)
		case iv.StartSlope < iv.StopSlope:
			iv.Min = math.Inf(-1)
		}
	}
	return iv
}

// EvalRequest is everything a lock-status decision depends on. Stage is nil
// when the lockbox is neither in the sequence nor on the final stage.
type EvalRequest struct {
	Stage     *Stage
	Input     Input
	Detector  LockDetector
	Outputs   []Output
	Threshold float64
}

// Evaluation is the outcome of a lock-status decision with its rationale.
type Evaluation struct {
	Locked    bool
	Reason    Reason
	Stage     string
	Input     string
	Output    string
	Setpoint  float64
	Threshold float64
	Interval  Interval
	Mean      float64
	RMS       float64
	Expected  float64
}

// Evaluate decides whether the loop is locked. Saturation beats everything
// but the stage check; a native detector on the input is trusted over the
// interval test. Hardware errors are returned unchanged.
func Evaluate(ctx context.Context, req EvalRequest) (Evaluation, error) {
	ev := Evaluation{Threshold: req.Threshold}
	if req.Stage == nil {
		ev.Reason = ReasonNotInSequence
		return ev, nil
	}
	ev.Stage = req.Stage.Name()
	ev.Setpoint = req.Stage.Setpoint()
	ev.Input = req.Stage.Input()
	if req.Input != nil {
		ev.Input = req.Input.Name()
	}

	for _, out := range req.Outputs {
		if out.IsSaturated() {
			ev.Reason = ReasonSaturated
			ev.Output = out.Name()
			return ev, nil
		}
	}

	if req.Detector != nil {
		locked, err := req.Detector.IsLocked(ctx)
		if err != nil {
			return ev, err
		}
		ev.Locked = locked
		ev.Reason = ReasonNativeDetector
		return ev, nil
	}

	if req.Input == nil {
		return ev, fmt.Errorf("%w: %q", ErrUnknownInput, ev.Input)
	}
	ev.Interval = AcceptanceInterval(req.Input, ev.Setpoint, req.Threshold)
	ev.Expected = req.Input.ExpectedSignal(ev.Setpoint)

	stats, err := req.Input.Stats(ctx)
	if err != nil {
		return ev, err
	}
	ev.Mean, ev.RMS = stats.Mean, stats.RMS
	if ev.Interval.Contains(stats.Mean) {
		ev.Locked = true
		ev.Reason = ReasonWithinInterval
	} else {
		ev.Reason = ReasonOutsideInterval
	}
	return ev, nil
}

// Attrs renders the decision for structured logging.
func (e Evaluation) Attrs() []logging.Attr {
	result := "unlocked"
	if e.Locked {
		result = "locked"
	}
	attrs := logging.DecisionAttrs("lock_status", result, string(e.Reason))
	if e.Stage == "" {
		return attrs
	}
	attrs = append(attrs,
		logging.String(logging.FieldStage, e.Stage),
		logging.Float64("setpoint", e.Setpoint),
	)
	switch e.Reason {
	case ReasonSaturated:
		attrs = append(attrs, logging.String("output", e.Output))
	case ReasonWithinInterval, ReasonOutsideInterval:
		attrs = append(attrs,
			logging.String("input", e.Input),
			logging.Float64("threshold", e.Threshold),
			logging.Bounds("interval", e.Interval.Min, e.Interval.Max),
			logging.Float64("expected", e.Expected),
			logging.Float64("mean", e.Mean),
			logging.Float64("rms", e.RMS),
		)
	}
	return attrs
}

type evaluationWire struct {
	Locked    bool      `json:"locked"`
	Reason    Reason    `json:"reason"`
	Stage     string    `json:"stage,omitempty"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	Setpoint  jsonFloat `json:"setpoint"`
	Threshold jsonFloat `json:"threshold"`
	Min       jsonFloat `json:"min"`
	Max       jsonFloat `json:"max"`
	Mean      jsonFloat `json:"mean"`
	RMS       jsonFloat `json:"rms"`
	Expected  jsonFloat `json:"expected"`
}

func (e Evaluation) MarshalJSON() ([]byte, error) {
	return json.Marshal(evaluationWire{
		Locked:    e.Locked,
		Reason:    e.Reason,
		Stage:     e.Stage,
		Input:     e.Input,
		Output:    e.Output,
		Setpoint:  jsonFloat(e.Setpoint),
		Threshold: jsonFloat(e.Threshold),
		Min:       jsonFloat(e.Interval.Min),
		Max:       jsonFloat(e.Interval.Max),
		Mean:      jsonFloat(e.Mean),
		RMS:       jsonFloat(e.RMS),
		Expected:  jsonFloat(e.Expected),
	})
}

func (e *Evaluation) UnmarshalJSON(data []byte) error {
	var w evaluationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Evaluation{
		Locked:    w.Locked,
		Reason:    w.Reason,
		Stage:     w.Stage,
		Input:     w.Input,
		Output:    w.Output,
		Setpoint:  float64(w.Setpoint),
		Threshold: float64(w.Threshold),
		Interval:  Interval{Min: float64(w.Min), Max: float64(w.Max)},
		Mean:      float64(w.Mean),
		RMS:       float64(w.RMS),
		Expected:  float64(w.Expected),
	}
	return nil
}

// jsonFloat encodes infinities and NaN as strings.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return []byte(strconv.Quote(strconv.FormatFloat(v, 'g', -1, 64))), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	text := string(data)
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("decode float %s: %w", data, err)
	}
	*f = jsonFloat(v)
	return nil
}
