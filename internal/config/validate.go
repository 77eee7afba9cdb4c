package config

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// Strategies lists the lock strategy variants the daemon understands.
var Strategies = []string{"generic", "fabry_perot", "interferometer"}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLockbox(); err != nil {
		return err
	}
	if err := c.validateInputs(); err != nil {
		return err
	}
	if err := c.validateOutputs(); err != nil {
		return err
	}
	if err := c.validateSequence(); err != nil {
		return err
	}
	if err := c.validateSimulator(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTelemetry(); err != nil {
		return err
	}
	if err := c.validateStateBus(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLockbox() error {
	if !slices.Contains(Strategies, c.Lockbox.Strategy) {
		return fmt.Errorf("lockbox.strategy %q is not supported (valid: %s)", c.Lockbox.Strategy, strings.Join(Strategies, ", "))
	}
	if !finite(c.Lockbox.ErrorThreshold) || c.Lockbox.ErrorThreshold < 0 {
		return errors.New("lockbox.error_threshold must be a finite value >= 0")
	}
	if !finite(c.Lockbox.AutoLockInterval) || c.Lockbox.AutoLockInterval <= 0 {
		return errors.New("lockbox.auto_lock_interval must be positive")
	}
	if !finite(c.Lockbox.StatusInterval) || c.Lockbox.StatusInterval <= 0 {
		return errors.New("lockbox.status_interval must be positive")
	}
	if !slices.Contains(c.OutputNames(), c.Lockbox.DefaultSweepOutput) {
		return fmt.Errorf("lockbox.default_sweep_output %q does not name a configured output", c.Lockbox.DefaultSweepOutput)
	}
	return nil
}

func (c *Config) validateInputs() error {
	seen := make(map[string]struct{}, len(c.Inputs))
	for i, in := range c.Inputs {
		if in.Name == "" {
			return fmt.Errorf("inputs[%d].name must be set", i)
		}
		if _, dup := seen[in.Name]; dup {
			return fmt.Errorf("inputs[%d].name %q is duplicated", i, in.Name)
		}
		seen[in.Name] = struct{}{}
		if err := c.validateCalibration(in); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateCalibration(in Input) error {
	cal := in.Calibration
	for _, v := range []float64{cal.Offset, cal.Amplitude, cal.Slope, cal.Linewidth} {
		if !finite(v) {
			return fmt.Errorf("inputs %q: calibration values must be finite", in.Name)
		}
	}
	switch c.Lockbox.Strategy {
	case "generic":
		if cal.Slope == 0 {
			return fmt.Errorf("inputs %q: calibration.slope must be non-zero for the generic strategy", in.Name)
		}
	case "fabry_perot":
		if cal.Linewidth <= 0 {
			return fmt.Errorf("inputs %q: calibration.linewidth must be positive for the fabry_perot strategy", in.Name)
		}
		if cal.Amplitude == 0 {
			return fmt.Errorf("inputs %q: calibration.amplitude must be non-zero for the fabry_perot strategy", in.Name)
		}
	case "interferometer":
		if cal.Amplitude == 0 {
			return fmt.Errorf("inputs %q: calibration.amplitude must be non-zero for the interferometer strategy", in.Name)
		}
	}
	return nil
}

func (c *Config) validateOutputs() error {
	seen := make(map[string]struct{}, len(c.Outputs))
	for i, out := range c.Outputs {
		if out.Name == "" {
			return fmt.Errorf("outputs[%d].name must be set", i)
		}
		if _, dup := seen[out.Name]; dup {
			return fmt.Errorf("outputs[%d].name %q is duplicated", i, out.Name)
		}
		seen[out.Name] = struct{}{}
		if !finite(out.MaxOffset) || out.MaxOffset <= 0 {
			return fmt.Errorf("outputs %q: max_offset must be positive", out.Name)
		}
	}
	return nil
}

func (c *Config) validateSequence() error {
	if len(c.Sequence) == 0 {
		return errors.New("sequence must contain at least one stage")
	}
	inputs := c.InputNames()
	outputs := c.OutputNames()
	seen := make(map[string]struct{}, len(c.Sequence))
	for i, stage := range c.Sequence {
		if _, dup := seen[stage.Name]; dup {
			return fmt.Errorf("sequence[%d].name %q is duplicated", i, stage.Name)
		}
		seen[stage.Name] = struct{}{}
		if !slices.Contains(inputs, stage.Input) {
			return fmt.Errorf("sequence[%d].input %q does not name a configured input", i, stage.Input)
		}
		if !finite(stage.Setpoint) {
			return fmt.Errorf("sequence[%d].setpoint must be finite", i)
		}
		if !finite(stage.Duration) || stage.Duration < 0 {
			return fmt.Errorf("sequence[%d].duration must be >= 0 seconds", i)
		}
		for name, out := range stage.Outputs {
			if !slices.Contains(outputs, name) {
				return fmt.Errorf("sequence[%d].outputs.%s does not name a configured output", i, name)
			}
			if !finite(out.GainFactor) {
				return fmt.Errorf("sequence[%d].outputs.%s.gain_factor must be finite", i, name)
			}
			if out.Offset != nil && !finite(*out.Offset) {
				return fmt.Errorf("sequence[%d].outputs.%s.offset must be finite", i, name)
			}
		}
	}
	return nil
}

func (c *Config) validateSimulator() error {
	if !finite(c.Simulator.Noise) || c.Simulator.Noise < 0 {
		return errors.New("simulator.noise must be >= 0")
	}
	if !finite(c.Simulator.Drift) || c.Simulator.Drift < 0 {
		return errors.New("simulator.drift must be >= 0")
	}
	if !finite(c.Simulator.InitialDetuning) {
		return errors.New("simulator.initial_detuning must be finite")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "tint", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (valid: console, tint, json)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	switch c.Tracing.Exporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter %q is not supported (valid: none, stdout)", c.Tracing.Exporter)
	}
	return nil
}

func (c *Config) validateStateBus() error {
	switch c.StateBus.Backend {
	case "memory":
	case "redis":
		if c.StateBus.RedisAddr == "" {
			return errors.New("statebus.redis_addr must be set when statebus.backend is redis (or set LOCKBOX_REDIS_ADDR)")
		}
	case "nats":
		if c.StateBus.NATSURL == "" {
			return errors.New("statebus.nats_url must be set when statebus.backend is nats (or set LOCKBOX_NATS_URL)")
		}
	default:
		return fmt.Errorf("statebus.backend %q is not supported (valid: memory, redis, nats)", c.StateBus.Backend)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
