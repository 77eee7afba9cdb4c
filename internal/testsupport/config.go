package testsupport

import (
	"path/filepath"
	"testing"

	"lockbox/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a normalized config seeded with unique temp directories
// per test. The simulator runs noise free so lock outcomes are deterministic.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Simulator.Noise = 0
	cfgVal.Simulator.Drift = 0
	cfgVal.Notifications.NtfyTopic = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.Normalize(); err != nil {
		t.Fatalf("normalize config: %v", err)
	}
	if err := builder.cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	return builder.cfg
}

// WithStrategy selects the lock strategy on the test config.
func WithStrategy(kind string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Lockbox.Strategy = kind
	}
}

// WithStateBus selects the state bus backend and its address.
func WithStateBus(backend, addr string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.StateBus.Backend = backend
		switch backend {
		case "redis":
			b.cfg.StateBus.RedisAddr = addr
		case "nats":
			b.cfg.StateBus.NATSURL = addr
		}
	}
}

// WithNtfy points notifications at the given server and topic.
func WithNtfy(topic string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyTopic = topic
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
