package config

import (
	"fmt"
	"os"
	"strings"
)

// Normalize fills defaults and expands paths the same way Load does.
func (c *Config) Normalize() error {
	return c.normalize()
}

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeHardware()
	c.normalizeLockbox()
	c.normalizeSequence()
	c.normalizeLogging()
	c.normalizeNotifications()
	c.normalizeTelemetry()
	c.normalizeStateBus()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if strings.TrimSpace(c.Paths.APIToken) == "" {
		if value, ok := os.LookupEnv("LOCKBOX_API_TOKEN"); ok {
			c.Paths.APIToken = value
		}
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeHardware() {
	for i := range c.Inputs {
		c.Inputs[i].Name = strings.TrimSpace(c.Inputs[i].Name)
	}
	for i := range c.Outputs {
		c.Outputs[i].Name = strings.TrimSpace(c.Outputs[i].Name)
	}
	if len(c.Inputs) == 0 {
		c.Inputs = defaultInputs()
	}
	if len(c.Outputs) == 0 {
		c.Outputs = defaultOutputs()
	}
	c.Device.Subsystem = strings.TrimSpace(c.Device.Subsystem)
	if c.Device.Subsystem == "" {
		c.Device.Subsystem = defaultDeviceSubsystem
	}
	c.Device.VendorID = strings.ToLower(strings.TrimSpace(c.Device.VendorID))
	c.Device.ProductID = strings.ToLower(strings.TrimSpace(c.Device.ProductID))
}

func (c *Config) normalizeLockbox() {
	c.Lockbox.Strategy = strings.ToLower(strings.TrimSpace(c.Lockbox.Strategy))
	if c.Lockbox.Strategy == "" {
		c.Lockbox.Strategy = defaultStrategy
	}
	c.Lockbox.DefaultSweepOutput = strings.TrimSpace(c.Lockbox.DefaultSweepOutput)
	if c.Lockbox.DefaultSweepOutput == "" && len(c.Outputs) > 0 {
		c.Lockbox.DefaultSweepOutput = c.Outputs[0].Name
	}
	c.Lockbox.SetpointUnit = strings.TrimSpace(c.Lockbox.SetpointUnit)
	if c.Lockbox.SetpointUnit == "" {
		c.Lockbox.SetpointUnit = defaultSetpointUnit
	}
}

func (c *Config) normalizeSequence() {
	if len(c.Sequence) == 0 {
		c.Sequence = defaultSequence(c.Inputs[0].Name, c.Outputs[0].Name)
		return
	}
	for i := range c.Sequence {
		stage := &c.Sequence[i]
		stage.Name = strings.TrimSpace(stage.Name)
		if stage.Name == "" {
			stage.Name = fmt.Sprintf("stage_%d", i)
		}
		stage.Input = strings.TrimSpace(stage.Input)
		if stage.Input == "" {
			stage.Input = c.Inputs[0].Name
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeNotifications() {
	if strings.TrimSpace(c.Notifications.NtfyTopic) == "" {
		if value, ok := os.LookupEnv("LOCKBOX_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = value
		}
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeTelemetry() {
	c.Metrics.Path = strings.TrimSpace(c.Metrics.Path)
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		c.Metrics.Path = "/" + c.Metrics.Path
	}
	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaultTracingExporter
	}
}

func (c *Config) normalizeStateBus() {
	c.StateBus.Backend = strings.ToLower(strings.TrimSpace(c.StateBus.Backend))
	if c.StateBus.Backend == "" {
		c.StateBus.Backend = defaultStateBusBackend
	}
	if strings.TrimSpace(c.StateBus.RedisAddr) == "" {
		if value, ok := os.LookupEnv("LOCKBOX_REDIS_ADDR"); ok {
			c.StateBus.RedisAddr = value
		}
	}
	if strings.TrimSpace(c.StateBus.NATSURL) == "" {
		if value, ok := os.LookupEnv("LOCKBOX_NATS_URL"); ok {
			c.StateBus.NATSURL = value
		}
	}
	c.StateBus.RedisAddr = strings.TrimSpace(c.StateBus.RedisAddr)
	c.StateBus.NATSURL = strings.TrimSpace(c.StateBus.NATSURL)
	c.StateBus.Topic = strings.TrimSpace(c.StateBus.Topic)
	if c.StateBus.Topic == "" {
		c.StateBus.Topic = defaultStateBusTopic
	}
}
