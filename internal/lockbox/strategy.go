package lockbox

import (
	"fmt"
	"math"
	"strings"
)

// StrategyKind selects how calibrated inputs are modelled.
type StrategyKind string

const (
	// StrategyGeneric models the error signal as a straight line.
	StrategyGeneric StrategyKind = "generic"
	// StrategyFabryPerot models a cavity resonance as a Lorentzian in units
	// of the half linewidth.
	StrategyFabryPerot StrategyKind = "fabry_perot"
	// StrategyInterferometer models a sinusoidal fringe with the setpoint as
	// a phase in radians.
	StrategyInterferometer StrategyKind = "interferometer"
)

// Strategies lists every supported strategy.
var Strategies = []StrategyKind{StrategyGeneric, StrategyFabryPerot, StrategyInterferometer}

// ParseStrategy maps a configuration name onto a StrategyKind.
func ParseStrategy(name string) (StrategyKind, error) {
	kind := StrategyKind(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Strategies {
		if kind == known {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

func (k StrategyKind) String() string { return string(k) }

// SetpointUnit is the unit setpoints and the error threshold are expressed in.
func (k StrategyKind) SetpointUnit() string {
	switch k {
	case StrategyFabryPerot:
		return "linewidths"
	case StrategyInterferometer:
		return "rad"
	default:
		return "V"
	}
}

// Calibration holds measured parameters of an input's error signal.
type Calibration struct {
	Offset    float64 `json:"offset"`
	Amplitude float64 `json:"amplitude"`
	Slope     float64 `json:"slope"`
	Linewidth float64 `json:"linewidth"`
}

// Model builds the signal model of this strategy from a calibration.
func (k StrategyKind) Model(cal Calibration) SignalModel {
	switch k {
	case StrategyFabryPerot:
		width := cal.Linewidth
		if width <= 0 {
			width = 1
		}
		return LorentzianModel{Offset: cal.Offset, Amplitude: cal.Amplitude, Linewidth: width}
	case StrategyInterferometer:
		return FringeModel{Offset: cal.Offset, Amplitude: cal.Amplitude}
	default:
		return LinearModel{Offset: cal.Offset, Slope: cal.Slope}
	}
}

// LinearModel is signal = Offset + Slope*x.
type LinearModel struct {
	Offset float64
	Slope  float64
}

func (m LinearModel) ExpectedSignal(x float64) float64 { return m.Offset + m.Slope*x }

func (m LinearModel) ExpectedSlope(float64) float64 { return m.Slope }

// LorentzianModel is signal = Offset + Amplitude/(1+(x/Linewidth)^2).
type LorentzianModel struct {
	Offset    float64
	Amplitude float64
	Linewidth float64
}

func (m LorentzianModel) ExpectedSignal(x float64) float64 {
	u := x / m.Linewidth
	return m.Offset + m.Amplitude/(1+u*u)
}

func (m LorentzianModel) ExpectedSlope(x float64) float64 {
	u := x / m.Linewidth
	d := 1 + u*u
	return -2 * m.Amplitude * u / (m.Linewidth * d * d)
}

// FringeModel is signal = Offset + Amplitude*sin(x).
type FringeModel struct {
	Offset    float64
	Amplitude float64
}

func (m FringeModel) ExpectedSignal(x float64) float64 { return m.Offset + m.Amplitude*math.Sin(x) }

func (m FringeModel) ExpectedSlope(x float64) float64 { return m.Amplitude * math.Cos(x) }
