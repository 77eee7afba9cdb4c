package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lockbox/internal/clock"
	"lockbox/internal/config"
	"lockbox/internal/daemon"
	"lockbox/internal/hardware"
	"lockbox/internal/ipc"
	"lockbox/internal/journal"
	"lockbox/internal/lockbox"
	"lockbox/internal/logging"
	"lockbox/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	input      *testsupport.FakeInput
	output     *testsupport.FakeOutput
	lockbox    *lockbox.Lockbox
	journal    *journal.Journal
	daemon     *daemon.Daemon
	socketPath string
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	cfg.Sequence[0].Duration = 0.05
	t.Setenv("HOME", testsupport.BaseDir(cfg))

	configPath := filepath.Join(testsupport.BaseDir(cfg), "lockbox.toml")
	writeTestConfig(t, configPath, cfg)

	in := testsupport.NewFakeInput(cfg.Inputs[0].Name)
	out := testsupport.NewFakeOutput(cfg.Outputs[0].Name)
	inputs := []lockbox.InputBinding{{Source: in, Calibration: lockbox.Calibration(cfg.Inputs[0].Calibration)}}
	lb, err := lockbox.New(hardware.LockboxOptions(cfg, inputs, []lockbox.Output{out}, nil, clock.Real()))
	if err != nil {
		t.Fatalf("lockbox.New: %v", err)
	}
	al, err := lockbox.NewAutoLocker(lb, lockbox.AutoLockOptions{})
	if err != nil {
		t.Fatalf("NewAutoLocker: %v", err)
	}
	store := testsupport.MustOpenJournal(t, cfg)

	logger := logging.NewNop()
	d, err := daemon.New(cfg, daemon.Deps{Lockbox: lb, AutoLocker: al, Journal: store}, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("daemon start: %v", err)
	}
	socketPath := filepath.Join(cfg.Paths.StateDir, "cli.sock")
	srv, err := ipc.NewServer(ctx, socketPath, d, logger)
	if err != nil {
		cancel()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Close()
		al.Close()
		lb.Close()
	})

	return &cliTestEnv{
		cfg:        cfg,
		input:      in,
		output:     out,
		lockbox:    lb,
		journal:    store,
		daemon:     d,
		socketPath: socketPath,
		configPath: configPath,
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\nlog_dir = %q\nstate_dir = %q\napi_bind = \"\"\n\n[simulator]\nnoise = 0.0\ndrift = 0.0\n",
		cfg.Paths.LogDir,
		cfg.Paths.StateDir,
	)
	testsupport.WriteFile(t, path, content)
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
