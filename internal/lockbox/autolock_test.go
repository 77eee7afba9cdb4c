package lockbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lockbox/internal/clock"
	"lockbox/internal/lockbox"
	"lockbox/internal/testsupport"
)

type stubRelocker struct {
	mu       sync.Mutex
	calls    int
	err      error
	onRelock func()
}

func (s *stubRelocker) Relock(context.Context) (bool, error) {
	s.mu.Lock()
	s.calls++
	hook := s.onRelock
	err := s.err
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err == nil, err
}

func (s *stubRelocker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newAutoLocker(t *testing.T, target lockbox.Relocker, interval time.Duration) (*lockbox.AutoLocker, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	a, err := lockbox.NewAutoLocker(target, lockbox.AutoLockOptions{Scheduler: clk, Interval: interval})
	if err != nil {
		t.Fatalf("NewAutoLocker: %v", err)
	}
	t.Cleanup(a.Close)
	return a, clk
}

func TestAutoLockerFiresOncePerInterval(t *testing.T) {
	stub := &stubRelocker{}
	a, clk := newAutoLocker(t, stub, time.Second)

	clk.Advance(5 * time.Second)
	if stub.Calls() != 0 {
		t.Fatalf("disabled autolocker fired %d times", stub.Calls())
	}

	a.Enable()
	a.Enable()
	clk.Advance(time.Second)
	if stub.Calls() != 1 {
		t.Fatalf("calls after one interval = %d", stub.Calls())
	}
	clk.Advance(3 * time.Second)
	if stub.Calls() != 4 {
		t.Fatalf("calls after four intervals = %d", stub.Calls())
	}
	if a.Checks() != 4 {
		t.Fatalf("Checks = %d", a.Checks())
	}

	a.Disable()
	if clk.Pending() != 0 {
		t.Fatalf("disable left %d timers", clk.Pending())
	}
	clk.Advance(10 * time.Second)
	if stub.Calls() != 4 {
		t.Fatalf("disabled autolocker kept firing: %d", stub.Calls())
	}
}

func TestAutoLockerKeepsFiringAfterErrors(t *testing.T) {
	stub := &stubRelocker{err: errors.New("adc offline")}
	a, clk := newAutoLocker(t, stub, time.Second)
	a.Enable()
	clk.Advance(3 * time.Second)
	if stub.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", stub.Calls())
	}
}

func TestAutoLockerSetInterval(t *testing.T) {
	stub := &stubRelocker{}
	a, clk := newAutoLocker(t, stub, time.Second)
	if err := a.SetInterval(0); !errors.Is(err, lockbox.ErrInvalidInterval) {
		t.Fatalf("SetInterval(0) err = %v", err)
	}
	a.Enable()
	clk.Advance(500 * time.Millisecond)
	if err := a.SetInterval(2 * time.Second); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	clk.Advance(time.Second)
	if stub.Calls() != 0 {
		t.Fatalf("old interval still armed: %d calls", stub.Calls())
	}
	clk.Advance(time.Second)
	if stub.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", stub.Calls())
	}
	if a.Interval() != 2*time.Second {
		t.Fatalf("Interval = %v", a.Interval())
	}
	if _, err := lockbox.NewAutoLocker(stub, lockbox.AutoLockOptions{Interval: -time.Second}); !errors.Is(err, lockbox.ErrInvalidInterval) {
		t.Fatalf("negative interval err = %v", err)
	}
}

func TestAutoLockerDisableDuringRelockStopsRearm(t *testing.T) {
	stub := &stubRelocker{}
	a, clk := newAutoLocker(t, stub, time.Second)
	stub.onRelock = a.Disable
	a.Enable()
	clk.Advance(5 * time.Second)
	if stub.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", stub.Calls())
	}
	if a.Enabled() || clk.Pending() != 0 {
		t.Fatalf("enabled=%v pending=%d", a.Enabled(), clk.Pending())
	}
}

func TestAutoLockerRecoversLock(t *testing.T) {
	in := testsupport.NewFakeInput("error")
	out := testsupport.NewFakeOutput("piezo")
	lb, err := lockbox.New(lockbox.Options{
		Inputs:         []lockbox.InputBinding{{Source: in, Calibration: lockbox.Calibration{Slope: 1}}},
		Outputs:        []lockbox.Output{out},
		Sequence:       []lockbox.StageSettings{lockStage("coarse", 0, 0.01), lockStage("fine", 0, 0.01)},
		ErrorThreshold: 0.1,
	})
	if err != nil {
		t.Fatalf("lockbox.New: %v", err)
	}
	defer lb.Close()

	a, err := lockbox.NewAutoLocker(lb, lockbox.AutoLockOptions{Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewAutoLocker: %v", err)
	}
	defer a.Close()
	a.Enable()

	deadline := time.Now().Add(5 * time.Second)
	for lb.State() != lockbox.Locked {
		if time.Now().After(deadline) {
			t.Fatalf("autolock never locked; state %v", lb.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Disabling leaves the held lock untouched.
	a.Disable()
	if lb.State() != lockbox.Locked {
		t.Fatalf("disable changed state to %v", lb.State())
	}
}

func TestAutoLockerDisableKeepsRunningSequence(t *testing.T) {
	in := testsupport.NewFakeInput("error")
	in.Set(0.05, 0.01)
	out := testsupport.NewFakeOutput("piezo")
	lb, err := lockbox.New(lockbox.Options{
		Inputs:         []lockbox.InputBinding{{Source: in, Calibration: lockbox.Calibration{Slope: 1}}},
		Outputs:        []lockbox.Output{out},
		Sequence:       []lockbox.StageSettings{lockStage("coarse", 0, 0.3), lockStage("fine", 0, 0.3)},
		ErrorThreshold: 0.1,
	})
	if err != nil {
		t.Fatalf("lockbox.New: %v", err)
	}
	defer lb.Close()

	a, err := lockbox.NewAutoLocker(lb, lockbox.AutoLockOptions{Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewAutoLocker: %v", err)
	}
	defer a.Close()
	a.Enable()

	deadline := time.Now().Add(5 * time.Second)
	var run *lockbox.Run
	for run == nil {
		if time.Now().After(deadline) {
			t.Fatalf("autolock never started a run; state %v", lb.State())
		}
		if lb.State().IsInSequence() {
			run = lb.ActiveRun()
		}
		time.Sleep(time.Millisecond)
	}

	a.Disable()
	if !lb.State().IsInSequence() {
		t.Fatalf("disable left the sequence; state %v", lb.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := run.Wait(ctx)
	if err != nil || !locked {
		t.Fatalf("run after disable = %v, %v; want true, nil", locked, err)
	}
	if lb.State() != lockbox.Locked {
		t.Fatalf("state = %v, want lock", lb.State())
	}
}
