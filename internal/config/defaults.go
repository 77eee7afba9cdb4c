package config

const (
	defaultConfigPath       = "~/.config/lockbox/config.toml"
	defaultLogDir           = "~/.local/share/lockbox/logs"
	defaultStateDir         = "~/.local/share/lockbox"
	defaultAPIBind          = "127.0.0.1:7489"
	defaultStrategy         = "generic"
	defaultErrorThreshold   = 0.1
	defaultSetpointUnit     = "V"
	defaultAutoLockInterval = 1.0
	defaultStatusInterval   = 5.0
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 30
	defaultNotifyTimeout    = 10
	defaultMetricsPath      = "/metrics"
	defaultTracingExporter  = "none"
	defaultStateBusBackend  = "memory"
	defaultStateBusTopic    = "lockbox.state"
	defaultSimulatorNoise   = 0.005
	defaultSimulatorDrift   = 0.002
	defaultInputName        = "error_signal"
	defaultOutputName       = "piezo"
	defaultOutputMaxOffset  = 1.0
	defaultDeviceSubsystem  = "usb"
)

// Default returns a Config populated with repository defaults. Inputs,
// outputs and the sequence stay empty here; normalize fills them when the
// configuration file declares none.
func Default() Config {
	return Config{
		Paths: Paths{
			LogDir:   defaultLogDir,
			StateDir: defaultStateDir,
			APIBind:  defaultAPIBind,
		},
		Lockbox: Lockbox{
			Strategy:         defaultStrategy,
			ErrorThreshold:   defaultErrorThreshold,
			SetpointUnit:     defaultSetpointUnit,
			AutoLockInterval: defaultAutoLockInterval,
			StatusInterval:   defaultStatusInterval,
		},
		Simulator: Simulator{
			Seed:  1,
			Noise: defaultSimulatorNoise,
			Drift: defaultSimulatorDrift,
		},
		Device: Device{
			Subsystem: defaultDeviceSubsystem,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			LockAcquired:   true,
			LockLost:       true,
			RelockFailed:   true,
			DeviceChanges:  true,
		},
		Metrics: Metrics{
			Enabled: true,
			Path:    defaultMetricsPath,
		},
		Tracing: Tracing{
			Exporter: defaultTracingExporter,
		},
		StateBus: StateBus{
			Backend: defaultStateBusBackend,
			Topic:   defaultStateBusTopic,
		},
	}
}

func defaultInputs() []Input {
	return []Input{{
		Name:        defaultInputName,
		Calibration: Calibration{Slope: 1, Amplitude: 1, Linewidth: 1},
	}}
}

func defaultOutputs() []Output {
	return []Output{{Name: defaultOutputName, MaxOffset: defaultOutputMaxOffset}}
}

func defaultSequence(input, output string) []Stage {
	return []Stage{{
		Name:     "lock",
		Input:    input,
		Setpoint: 0,
		Duration: 1,
		Outputs: map[string]StageOutput{
			output: {LockOn: true, GainFactor: 1},
		},
	}}
}
