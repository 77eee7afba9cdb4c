package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	LogDir   string `toml:"log_dir"`
	StateDir string `toml:"state_dir"`
	APIBind  string `toml:"api_bind"`
	// APIToken, when set, is required as a bearer token on HTTP API requests.
	APIToken string `toml:"api_token"`
}

// Lockbox contains the lock sequencer settings.
type Lockbox struct {
	Strategy           string  `toml:"strategy"`
	ErrorThreshold     float64 `toml:"error_threshold"`
	DefaultSweepOutput string  `toml:"default_sweep_output"`
	SetpointUnit       string  `toml:"setpoint_unit"`
	AutoLock           bool    `toml:"auto_lock"`
	// AutoLockInterval is the relock period in seconds.
	AutoLockInterval float64 `toml:"auto_lock_interval"`
	// StatusInterval is the lock-status diagnostic period in seconds.
	StatusInterval float64 `toml:"status_interval"`
}

// Calibration holds the measured parameters of an input's error signal.
// Which fields matter depends on the lock strategy.
type Calibration struct {
	Offset    float64 `toml:"offset"`
	Amplitude float64 `toml:"amplitude"`
	Slope     float64 `toml:"slope"`
	Linewidth float64 `toml:"linewidth"`
}

// Input names an error signal and its calibration.
type Input struct {
	Name        string      `toml:"name"`
	Calibration Calibration `toml:"calibration"`
}

// Output names an actuator.
type Output struct {
	Name string `toml:"name"`
	// MaxOffset is the actuator range; the output saturates beyond it.
	MaxOffset float64 `toml:"max_offset"`
}

// StageOutput is the per-output configuration applied when a stage is enabled.
type StageOutput struct {
	LockOn      bool     `toml:"lock_on"`
	GainFactor  float64  `toml:"gain_factor"`
	ResetOffset bool     `toml:"reset_offset"`
	Offset      *float64 `toml:"offset"`
}

// Stage is one step of the lock acquisition sequence.
type Stage struct {
	Name     string                 `toml:"name"`
	Input    string                 `toml:"input"`
	Setpoint float64                `toml:"setpoint"`
	Duration float64                `toml:"duration"`
	Outputs  map[string]StageOutput `toml:"outputs"`
}

// Simulator configures the built-in simulated plant.
type Simulator struct {
	Seed            int64   `toml:"seed"`
	Noise           float64 `toml:"noise"`
	Drift           float64 `toml:"drift"`
	InitialDetuning float64 `toml:"initial_detuning"`
}

// Device configures hot-plug monitoring of the lock hardware.
type Device struct {
	Monitor   bool   `toml:"monitor"`
	Subsystem string `toml:"subsystem"`
	VendorID  string `toml:"vendor_id"`
	ProductID string `toml:"product_id"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	LockAcquired   bool   `toml:"lock_acquired"`
	LockLost       bool   `toml:"lock_lost"`
	RelockFailed   bool   `toml:"relock_failed"`
	DeviceChanges  bool   `toml:"device_changes"`
}

// Metrics controls the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Tracing controls OpenTelemetry export of lock run spans.
type Tracing struct {
	Exporter string `toml:"exporter"`
}

// StateBus configures where lock state changes are published.
type StateBus struct {
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	NATSURL   string `toml:"nats_url"`
	Topic     string `toml:"topic"`
}

// Config encapsulates all configuration values for lockbox.
//
// Configuration sections by subsystem:
//   - Paths: log/state directories and API bind address
//   - Lockbox: strategy, error threshold, autolock timing
//   - Inputs, Outputs, Sequence: the signals, actuators and stage list
//   - Simulator: the simulated plant driving the default hardware
//   - Device: udev hot-plug monitoring of the lock hardware
//   - Logging, Notifications, Metrics, Tracing, StateBus: ambient services
type Config struct {
	Paths         Paths         `toml:"paths"`
	Lockbox       Lockbox       `toml:"lockbox"`
	Inputs        []Input       `toml:"inputs"`
	Outputs       []Output      `toml:"outputs"`
	Sequence      []Stage       `toml:"sequence"`
	Simulator     Simulator     `toml:"simulator"`
	Device        Device        `toml:"device"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
	Metrics       Metrics       `toml:"metrics"`
	Tracing       Tracing       `toml:"tracing"`
	StateBus      StateBus      `toml:"statebus"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("lockbox.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SocketPath returns the unix socket used for CLI to daemon control.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "lockbox.sock")
}

// LockPath returns the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "lockbox.lock")
}

// PIDPath returns the daemon pid file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "lockbox.pid")
}

// JournalPath returns the SQLite run journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.StateDir, "journal.db")
}

// InputNames lists configured input names in declaration order.
func (c *Config) InputNames() []string {
	names := make([]string, 0, len(c.Inputs))
	for _, in := range c.Inputs {
		names = append(names, in.Name)
	}
	return names
}

// OutputNames lists configured output names in declaration order.
func (c *Config) OutputNames() []string {
	names := make([]string, 0, len(c.Outputs))
	for _, out := range c.Outputs {
		names = append(names, out.Name)
	}
	return names
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
