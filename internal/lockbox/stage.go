package lockbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"time"
)

// FinalStageName names the synthetic terminal stage.
const FinalStageName = "final_stage"

// OutputSettings is applied to one output when a stage is enabled. Extra
// fields are passed to the output verbatim.
type OutputSettings struct {
	LockOn      bool           `json:"lock_on"`
	GainFactor  float64        `json:"gain_factor"`
	ResetOffset bool           `json:"reset_offset"`
	Offset      *float64       `json:"offset,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// StageSettings is the flat attribute bag of a stage. Duration is in seconds.
// Outputs not listed are unlocked without resetting their offset when the
// stage is enabled.
type StageSettings struct {
	Name     string                    `json:"name"`
	Input    string                    `json:"input"`
	Setpoint float64                   `json:"setpoint"`
	Duration float64                   `json:"duration"`
	Outputs  map[string]OutputSettings `json:"outputs,omitempty"`
}

// Overrides patches stage attributes when building the final stage. Keys
// are attribute names ("setpoint", "input", "outputs", ...); nested maps merge
// into nested attributes.
type Overrides map[string]any

func (o Overrides) clone() Overrides {
	if o == nil {
		return nil
	}
	out := make(Overrides, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, inner := range typed {
			out[k] = cloneValue(inner)
		}
		return out
	case Overrides:
		return map[string]any(typed.clone())
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

func (s StageSettings) clone() StageSettings {
	out := s
	if s.Outputs != nil {
		out.Outputs = make(map[string]OutputSettings, len(s.Outputs))
		for name, o := range s.Outputs {
			if o.Offset != nil {
				offset := *o.Offset
				o.Offset = &offset
			}
			o.Extra = maps.Clone(o.Extra)
			out.Outputs[name] = o
		}
	}
	return out
}

// maxStageSeconds bounds stage durations; time.Duration overflows at this value.
const maxStageSeconds = float64(math.MaxInt64) / float64(time.Second)

func (s StageSettings) validate() error {
	if math.IsNaN(s.Setpoint) || math.IsInf(s.Setpoint, 0) {
		return fmt.Errorf("%w: stage %q setpoint must be finite", ErrInvalidSequence, s.Name)
	}
	if math.IsNaN(s.Duration) || math.IsInf(s.Duration, 0) || s.Duration < 0 {
		return fmt.Errorf("%w: stage %q duration must be >= 0 seconds", ErrInvalidSequence, s.Name)
	}
	if s.Duration >= maxStageSeconds {
		return fmt.Errorf("%w: stage %q duration exceeds %.0f seconds", ErrInvalidSequence, s.Name, maxStageSeconds)
	}
	return nil
}

// Attributes renders the settings as a flat attribute map.
func (s StageSettings) Attributes() map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil
	}
	return attrs
}

// withOverrides returns a copy of s with the overrides merged in.
func (s StageSettings) withOverrides(o Overrides) (StageSettings, error) {
	if len(o) == 0 {
		return s.clone(), nil
	}
	attrs := s.Attributes()
	mergeAttrs(attrs, o)
	data, err := json.Marshal(attrs)
	if err != nil {
		return StageSettings{}, fmt.Errorf("%w: %w", ErrInvalidOverrides, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var merged StageSettings
	if err := dec.Decode(&merged); err != nil {
		return StageSettings{}, fmt.Errorf("%w: %w", ErrInvalidOverrides, err)
	}
	return merged, nil
}

func mergeAttrs(dst map[string]any, patch map[string]any) {
	for key, value := range patch {
		patchMap, isMap := asMap(value)
		if isMap {
			if existing, ok := asMap(dst[key]); ok {
				mergeAttrs(existing, patchMap)
				dst[key] = existing
				continue
			}
			value = cloneValue(map[string]any(patchMap))
		}
		dst[key] = value
	}
}

func asMap(v any) (map[string]any, bool) {
	switch typed := v.(type) {
	case map[string]any:
		return typed, true
	case Overrides:
		return map[string]any(typed), true
	default:
		return nil, false
	}
}

// Stage is one immutable step of the lock sequence. A stage belongs to the
// sequence that created it; the final stage belongs to none.
type Stage struct {
	settings StageSettings
	seq      *Sequence
}

func (s *Stage) Name() string { return s.settings.Name }

func (s *Stage) Input() string { return s.settings.Input }

func (s *Stage) Setpoint() float64 { return s.settings.Setpoint }

// Duration is how long the stage is held before the next one is enabled.
func (s *Stage) Duration() time.Duration {
	return time.Duration(s.settings.Duration * float64(time.Second))
}

// Settings returns a copy of the stage's attributes.
func (s *Stage) Settings() StageSettings { return s.settings.clone() }

// Attributes returns the stage's flat attribute map.
func (s *Stage) Attributes() map[string]any { return s.settings.Attributes() }

// OutputSettings returns the configuration applied to the named output.
func (s *Stage) OutputSettings(output string) OutputSettings {
	o := s.settings.Outputs[output]
	o.Extra = maps.Clone(o.Extra)
	return o
}

// IsFinal reports whether s is the synthetic final stage.
func (s *Stage) IsFinal() bool { return s.seq == nil }

// Next returns the following stage of the owning sequence, or nil for the
// last stage, the final stage, and stages removed from their sequence.
func (s *Stage) Next() *Stage {
	if s.seq == nil {
		return nil
	}
	return s.seq.after(s)
}

// newFinalStage copies last, applies overrides and forces a zero duration.
func newFinalStage(last *Stage, overrides Overrides) (*Stage, error) {
	merged, err := last.settings.withOverrides(overrides)
	if err != nil {
		return nil, err
	}
	merged.Name = FinalStageName
	merged.Duration = 0
	if err := merged.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOverrides, err)
	}
	return &Stage{settings: merged}, nil
}
