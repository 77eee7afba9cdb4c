package sim_test

import (
	"context"
	"math"
	"testing"
	"time"

	"lockbox/internal/clock"
	"lockbox/internal/hardware"
	"lockbox/internal/hardware/sim"
	"lockbox/internal/lockbox"
	"lockbox/internal/testsupport"
)

func stepN(p *sim.Plant, n int) {
	for i := 0; i < n; i++ {
		p.Step(10 * time.Millisecond)
	}
}

func TestLockedOutputPullsDetuningToSetpoint(t *testing.T) {
	p := sim.NewPlant(sim.Options{InitialDetuning: 0.5})
	in := p.AddInput("error", lockbox.LinearModel{Slope: 1})
	out := p.AddOutput("piezo", 1)

	if err := out.Lock(context.Background(), lockbox.LockSettings{Setpoint: 0.1, GainFactor: 1}); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	stepN(p, 200)
	if d := p.Detuning(); math.Abs(d-0.1) > 1e-6 {
		t.Fatalf("detuning = %v, want 0.1", d)
	}
	stats, err := in.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if math.Abs(stats.Mean-0.1) > 1e-6 || stats.RMS > 1e-6 {
		t.Fatalf("stats = %+v", stats)
	}
	if out.IsSaturated() {
		t.Fatal("output saturated inside its range")
	}
}

func TestOutputSaturatesAtRangeLimit(t *testing.T) {
	p := sim.NewPlant(sim.Options{InitialDetuning: 0.5})
	out := p.AddOutput("piezo", 0.2)
	if err := out.Lock(context.Background(), lockbox.LockSettings{GainFactor: 1}); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	stepN(p, 200)
	if !out.IsSaturated() || out.Offset() != -0.2 {
		t.Fatalf("offset = %v saturated = %v", out.Offset(), out.IsSaturated())
	}
	if err := out.Unlock(context.Background(), true); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if out.IsSaturated() || p.Detuning() != 0.5 {
		t.Fatalf("unlock with reset left offset %v", out.Offset())
	}
}

func TestSweepMovesOffset(t *testing.T) {
	p := sim.NewPlant(sim.Options{})
	out := p.AddOutput("piezo", 1)
	if err := out.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	p.Step(500 * time.Millisecond)
	if got := out.Offset(); math.Abs(got-1) > 1e-9 {
		t.Fatalf("offset at quarter period = %v, want 1", got)
	}
}

func TestNoiseIsDeterministicPerSeed(t *testing.T) {
	read := func() float64 {
		p := sim.NewPlant(sim.Options{Seed: 7, Noise: 0.01, Drift: 0.01})
		in := p.AddInput("error", lockbox.LinearModel{Slope: 1})
		stepN(p, 10)
		stats, _ := in.Stats(context.Background())
		return stats.Mean
	}
	if a, b := read(), read(); a != b {
		t.Fatalf("same seed gave %v and %v", a, b)
	}
}

func TestFromConfigDrivesLockbox(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Simulator.Noise = 0
	cfg.Simulator.Drift = 0
	cfg.Simulator.InitialDetuning = 0.3

	p, inputs, outputs, err := sim.NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	clk := clock.NewManual(time.Now())
	lb, err := lockbox.New(hardware.LockboxOptions(cfg, inputs, outputs, nil, clk))
	if err != nil {
		t.Fatalf("lockbox.New: %v", err)
	}
	run, err := lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	stepN(p, 100)
	clk.Advance(time.Second)
	if locked, err := run.Result(); err != nil || !locked {
		t.Fatalf("Result = %v, %v; detuning %v", locked, err, p.Detuning())
	}

	p.Disturb(5)
	if locked, err := lb.IsLocked(context.Background()); err != nil || locked {
		t.Fatalf("IsLocked after disturbance = %v, %v", locked, err)
	}
}
