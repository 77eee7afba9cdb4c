package ipc_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lockbox/internal/clock"
	"lockbox/internal/daemon"
	"lockbox/internal/hardware"
	"lockbox/internal/ipc"
	"lockbox/internal/lockbox"
	"lockbox/internal/logging"
	"lockbox/internal/testsupport"
)

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	cfg.Sequence[0].Duration = 0.05

	in := testsupport.NewFakeInput(cfg.Inputs[0].Name)
	out := testsupport.NewFakeOutput(cfg.Outputs[0].Name)
	inputs := []lockbox.InputBinding{{Source: in, Calibration: lockbox.Calibration(cfg.Inputs[0].Calibration)}}
	lb, err := lockbox.New(hardware.LockboxOptions(cfg, inputs, []lockbox.Output{out}, nil, clock.Real()))
	if err != nil {
		t.Fatalf("lockbox.New: %v", err)
	}
	t.Cleanup(lb.Close)
	al, err := lockbox.NewAutoLocker(lb, lockbox.AutoLockOptions{})
	if err != nil {
		t.Fatalf("NewAutoLocker: %v", err)
	}
	t.Cleanup(al.Close)

	logger := logging.NewNop()
	d, err := daemon.New(cfg, daemon.Deps{
		Lockbox:    lb,
		AutoLocker: al,
		Journal:    testsupport.MustOpenJournal(t, cfg),
	}, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	socket := filepath.Join(cfg.Paths.StateDir, "ipc-test.sock")
	srv, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	callCtx, callCancel := context.WithTimeout(ctx, 10*time.Second)
	defer callCancel()

	status, err := client.Status(callCtx)
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Status.Running {
		t.Fatal("expected daemon to be running")
	}
	if status.Status.Lockbox.State != lockbox.Unlocked {
		t.Fatalf("expected unlocked, got %s", status.Status.Lockbox.State)
	}

	lockResp, err := client.Lock(callCtx, ipc.LockRequest{Wait: true, Overrides: map[string]any{"setpoint": 0.0}})
	if err != nil {
		t.Fatalf("Lock RPC failed: %v", err)
	}
	if !lockResp.Waited || !lockResp.Locked || lockResp.RunID == "" {
		t.Fatalf("unexpected lock response: %+v", lockResp)
	}

	relock, err := client.Relock(callCtx)
	if err != nil {
		t.Fatalf("Relock RPC failed: %v", err)
	}
	if !relock.Locked {
		t.Fatal("expected relock to report the existing lock")
	}

	sweep, err := client.Sweep(callCtx)
	if err != nil {
		t.Fatalf("Sweep RPC failed: %v", err)
	}
	if sweep.State != "sweep" {
		t.Fatalf("expected sweep state, got %q", sweep.State)
	}

	stage, err := client.EnableStage(callCtx, 0)
	if err != nil {
		t.Fatalf("EnableStage RPC failed: %v", err)
	}
	if stage.State != "0" {
		t.Fatalf("expected stage 0, got %q", stage.State)
	}
	if _, err := client.EnableStage(callCtx, 7); err == nil {
		t.Fatal("expected out-of-range stage to fail")
	}

	if _, err := client.Pause(callCtx); err == nil {
		t.Fatal("expected pause without an active run to fail")
	}

	unlock, err := client.Unlock(callCtx, false)
	if err != nil {
		t.Fatalf("Unlock RPC failed: %v", err)
	}
	if unlock.State != "unlock" {
		t.Fatalf("expected unlock state, got %q", unlock.State)
	}

	auto, err := client.SetAutoLock(callCtx, true, 3*time.Second)
	if err != nil {
		t.Fatalf("SetAutoLock RPC failed: %v", err)
	}
	if !auto.AutoLock.Enabled || auto.AutoLock.Interval != 3*time.Second {
		t.Fatalf("unexpected autolock status: %+v", auto.AutoLock)
	}
	if _, err := client.SetAutoLock(callCtx, false, 0); err != nil {
		t.Fatalf("SetAutoLock off RPC failed: %v", err)
	}

	var history *ipc.HistoryResponse
	deadline := time.Now().Add(5 * time.Second)
	for {
		history, err = client.History(callCtx, 10)
		if err != nil {
			t.Fatalf("History RPC failed: %v", err)
		}
		if len(history.Runs) == 1 && history.Runs[0].Outcome != "running" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unexpected history: %+v", history.Runs)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if history.Runs[0].ID != lockResp.RunID {
		t.Fatalf("expected run %s in history, got %s", lockResp.RunID, history.Runs[0].ID)
	}
	if _, err := client.History(callCtx, -1); err == nil {
		t.Fatal("expected negative history limit to fail")
	}

	note, err := client.TestNotification(callCtx)
	if err != nil {
		t.Fatalf("TestNotification RPC failed: %v", err)
	}
	if note.Sent {
		t.Fatal("expected no notification without an ntfy topic")
	}
}

func TestClientCallHonorsContext(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	// Long stage so a waiting lock outlives the caller.
	cfg.Sequence[0].Duration = 60

	in := testsupport.NewFakeInput(cfg.Inputs[0].Name)
	out := testsupport.NewFakeOutput(cfg.Outputs[0].Name)
	inputs := []lockbox.InputBinding{{Source: in, Calibration: lockbox.Calibration(cfg.Inputs[0].Calibration)}}
	lb, err := lockbox.New(hardware.LockboxOptions(cfg, inputs, []lockbox.Output{out}, nil, clock.Real()))
	if err != nil {
		t.Fatalf("lockbox.New: %v", err)
	}
	t.Cleanup(lb.Close)
	al, err := lockbox.NewAutoLocker(lb, lockbox.AutoLockOptions{})
	if err != nil {
		t.Fatalf("NewAutoLocker: %v", err)
	}
	t.Cleanup(al.Close)
	d, err := daemon.New(cfg, daemon.Deps{Lockbox: lb, AutoLocker: al}, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	socket := filepath.Join(cfg.Paths.StateDir, "ipc-timeout.sock")
	srv, err := ipc.NewServer(ctx, socket, d, nil)
	if err != nil {
		cancel()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	client, err := ipc.Dial(socket)
	if err != nil {
		cancel()
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		client.Close()
		srv.Close()
	})

	callCtx, callCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer callCancel()
	if _, err := client.Lock(callCtx, ipc.LockRequest{Wait: true}); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
