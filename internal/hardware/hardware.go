// Package hardware turns configuration into the collaborators a lockbox is
// built from. Concrete devices live in subpackages.
package hardware

import (
	"log/slog"

	"lockbox/internal/clock"
	"lockbox/internal/config"
	"lockbox/internal/lockbox"
)

// Sequence converts the configured stages.
func Sequence(stages []config.Stage) []lockbox.StageSettings {
	out := make([]lockbox.StageSettings, 0, len(stages))
	for _, st := range stages {
		settings := lockbox.StageSettings{
			Name:     st.Name,
			Input:    st.Input,
			Setpoint: st.Setpoint,
			Duration: st.Duration,
		}
		if len(st.Outputs) > 0 {
			settings.Outputs = make(map[string]lockbox.OutputSettings, len(st.Outputs))
			for name, o := range st.Outputs {
				settings.Outputs[name] = lockbox.OutputSettings{
					LockOn:      o.LockOn,
					GainFactor:  o.GainFactor,
					ResetOffset: o.ResetOffset,
					Offset:      o.Offset,
				}
			}
		}
		out = append(out, settings)
	}
	return out
}

// LockboxOptions assembles lockbox options from cfg and the bound devices.
func LockboxOptions(cfg *config.Config, inputs []lockbox.InputBinding, outputs []lockbox.Output, logger *slog.Logger, sched clock.Scheduler) lockbox.Options {
	return lockbox.Options{
		Logger:             logger,
		Scheduler:          sched,
		Strategy:           lockbox.StrategyKind(cfg.Lockbox.Strategy),
		Inputs:             inputs,
		Outputs:            outputs,
		Sequence:           Sequence(cfg.Sequence),
		ErrorThreshold:     cfg.Lockbox.ErrorThreshold,
		DefaultSweepOutput: cfg.Lockbox.DefaultSweepOutput,
	}
}
