package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"lockbox/internal/config"
	"lockbox/internal/lockbox"
)

const (
	// loopBandwidth scales how fast a locked output pulls the detuning onto
	// its setpoint, per unit gain.
	loopBandwidth  = 20.0
	sweepPeriod    = 2 * time.Second
	samplesPerRead = 16
)

// Plant is the simulated physical system shared by inputs and outputs.
type Plant struct {
	mu       sync.Mutex
	rng      *rand.Rand
	drift    float64
	noise    float64
	detuning float64
	outputs  []*Output
	elapsed  time.Duration
}

// Options configures a Plant.
type Options struct {
	Seed            int64
	Noise           float64
	Drift           float64
	InitialDetuning float64
}

// NewPlant returns a plant at the initial detuning.
func NewPlant(opts Options) *Plant {
	seed := uint64(opts.Seed)
	return &Plant{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		drift:    opts.Drift,
		noise:    opts.Noise,
		detuning: opts.InitialDetuning,
	}
}

// NewFromConfig builds a plant with the configured inputs and outputs.
func NewFromConfig(cfg *config.Config) (*Plant, []lockbox.InputBinding, []lockbox.Output, error) {
	kind, err := lockbox.ParseStrategy(cfg.Lockbox.Strategy)
	if err != nil {
		return nil, nil, nil, err
	}
	p := NewPlant(Options{
		Seed:            cfg.Simulator.Seed,
		Noise:           cfg.Simulator.Noise,
		Drift:           cfg.Simulator.Drift,
		InitialDetuning: cfg.Simulator.InitialDetuning,
	})
	bindings := make([]lockbox.InputBinding, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		cal := lockbox.Calibration(in.Calibration)
		bindings = append(bindings, lockbox.InputBinding{
			Source:      p.AddInput(in.Name, kind.Model(cal)),
			Calibration: cal,
		})
	}
	outputs := make([]lockbox.Output, 0, len(cfg.Outputs))
	for _, out := range cfg.Outputs {
		outputs = append(outputs, p.AddOutput(out.Name, out.MaxOffset))
	}
	return p, bindings, outputs, nil
}

// AddInput attaches an input whose true response is model.
func (p *Plant) AddInput(name string, model lockbox.SignalModel) *Input {
	return &Input{plant: p, name: name, model: model}
}

// AddOutput attaches an actuator with range ±maxOffset.
func (p *Plant) AddOutput(name string, maxOffset float64) *Output {
	out := &Output{plant: p, name: name, maxOffset: maxOffset}
	p.mu.Lock()
	p.outputs = append(p.outputs, out)
	p.mu.Unlock()
	return out
}

// Detuning returns the effective detuning seen by the inputs.
func (p *Plant) Detuning() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effectiveLocked()
}

// Disturb shifts the free-running detuning, as a mechanical knock would.
func (p *Plant) Disturb(delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detuning += delta
}

// Step advances the simulation by dt.
func (p *Plant) Step(dt time.Duration) {
	if dt <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	secs := dt.Seconds()
	p.elapsed += dt
	p.detuning += p.drift * math.Sqrt(secs) * p.rng.NormFloat64()
	for _, out := range p.outputs {
		switch {
		case out.sweeping:
			phase := 2 * math.Pi * float64(p.elapsed%sweepPeriod) / float64(sweepPeriod)
			out.offset = out.maxOffset * math.Sin(phase)
		case out.locked:
			errSignal := out.settings.Setpoint - p.effectiveLocked()
			out.offset = clamp(out.offset+loopBandwidth*out.settings.GainFactor*errSignal*secs, out.maxOffset)
		}
	}
}

// Run steps the plant every interval until ctx is done.
func (p *Plant) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.Step(now.Sub(last))
			last = now
		}
	}
}

func (p *Plant) effectiveLocked() float64 {
	x := p.detuning
	for _, out := range p.outputs {
		x += out.offset
	}
	return x
}

func clamp(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	return math.Max(-limit, math.Min(limit, v))
}

// Input reads the simulated error signal.
type Input struct {
	plant *Plant
	name  string
	model lockbox.SignalModel
}

func (in *Input) Name() string { return in.name }

// Stats averages a handful of noisy samples of the signal.
func (in *Input) Stats(context.Context) (lockbox.SignalStats, error) {
	p := in.plant
	p.mu.Lock()
	defer p.mu.Unlock()
	x := p.effectiveLocked()
	var sum, sumSq float64
	for range samplesPerRead {
		v := in.model.ExpectedSignal(x) + p.noise*p.rng.NormFloat64()
		sum += v
		sumSq += v * v
	}
	mean := sum / samplesPerRead
	variance := math.Max(0, sumSq/samplesPerRead-mean*mean)
	return lockbox.SignalStats{Mean: mean, RMS: math.Sqrt(variance)}, nil
}

// Output is a simulated actuator.
type Output struct {
	plant     *Plant
	name      string
	maxOffset float64

	// Guarded by plant.mu.
	locked   bool
	sweeping bool
	settings lockbox.LockSettings
	offset   float64
}

func (o *Output) Name() string { return o.name }

func (o *Output) Lock(_ context.Context, settings lockbox.LockSettings) error {
	if settings.GainFactor < 0 {
		return fmt.Errorf("output %s: negative gain factor %v", o.name, settings.GainFactor)
	}
	o.plant.mu.Lock()
	defer o.plant.mu.Unlock()
	o.locked = true
	o.sweeping = false
	o.settings = settings
	switch {
	case settings.Offset != nil:
		o.offset = clamp(*settings.Offset, o.maxOffset)
	case settings.ResetOffset:
		o.offset = 0
	}
	return nil
}

func (o *Output) Unlock(_ context.Context, resetOffset bool) error {
	o.plant.mu.Lock()
	defer o.plant.mu.Unlock()
	o.locked = false
	o.sweeping = false
	if resetOffset {
		o.offset = 0
	}
	return nil
}

func (o *Output) Sweep(context.Context) error {
	o.plant.mu.Lock()
	defer o.plant.mu.Unlock()
	o.locked = false
	o.sweeping = true
	return nil
}

// IsSaturated reports whether the offset sits at the range limit.
func (o *Output) IsSaturated() bool {
	o.plant.mu.Lock()
	defer o.plant.mu.Unlock()
	return o.maxOffset > 0 && math.Abs(o.offset) >= o.maxOffset
}

// Offset returns the current actuator offset.
func (o *Output) Offset() float64 {
	o.plant.mu.Lock()
	defer o.plant.mu.Unlock()
	return o.offset
}
