package lockbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"lockbox/internal/clock"
	"lockbox/internal/lockbox"
	"lockbox/internal/testsupport"
)

type rig struct {
	lb     *lockbox.Lockbox
	clk    *clock.Manual
	in     *testsupport.FakeInput
	out    *testsupport.FakeOutput
	events chan lockbox.Event
}

func lockStage(name string, setpoint, duration float64) lockbox.StageSettings {
	return lockbox.StageSettings{
		Name:     name,
		Input:    "error",
		Setpoint: setpoint,
		Duration: duration,
		Outputs: map[string]lockbox.OutputSettings{
			"piezo": {LockOn: true, GainFactor: 1},
		},
	}
}

func newRig(t *testing.T, stages ...lockbox.StageSettings) *rig {
	t.Helper()
	if len(stages) == 0 {
		stages = []lockbox.StageSettings{lockStage("lock", 0, 1)}
	}
	r := &rig{
		clk:    clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		in:     testsupport.NewFakeInput("error"),
		out:    testsupport.NewFakeOutput("piezo"),
		events: make(chan lockbox.Event, 256),
	}
	lb, err := lockbox.New(lockbox.Options{
		Scheduler:      r.clk,
		Inputs:         []lockbox.InputBinding{{Source: r.in, Calibration: lockbox.Calibration{Slope: 1}}},
		Outputs:        []lockbox.Output{r.out},
		Sequence:       stages,
		ErrorThreshold: 0.1,
	})
	if err != nil {
		t.Fatalf("lockbox.New: %v", err)
	}
	t.Cleanup(lb.Close)
	lb.Subscribe(func(e lockbox.Event) {
		select {
		case r.events <- e:
		default:
		}
	})
	r.lb = lb
	return r
}

// waitFor drains events until one of type typ arrives.
func (r *rig) waitFor(t *testing.T, typ lockbox.EventType) lockbox.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-r.events:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func (r *rig) drain() []lockbox.Event {
	var out []lockbox.Event
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestLockResolvesTrueWithinThreshold(t *testing.T) {
	r := newRig(t)
	r.in.Set(0.05, 0.01)

	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	if got := r.lb.State(); got != lockbox.InSequence(0) {
		t.Fatalf("state after LockAsync = %v, want 0", got)
	}
	if _, err := run.Result(); !errors.Is(err, lockbox.ErrRunPending) {
		t.Fatalf("Result before completion err = %v", err)
	}

	r.clk.Advance(999 * time.Millisecond)
	if run.Resolved() {
		t.Fatalf("run resolved before the stage elapsed")
	}
	r.clk.Advance(time.Millisecond)

	locked, err := run.Result()
	if err != nil || !locked {
		t.Fatalf("Result = %v, %v; want true, nil", locked, err)
	}
	if got := r.lb.State(); got != lockbox.Locked {
		t.Fatalf("state = %v, want lock", got)
	}
	if r.lb.ActiveRun() != nil {
		t.Fatalf("active run still set after resolution")
	}
	if r.clk.Pending() != 0 {
		t.Fatalf("timers left pending: %d", r.clk.Pending())
	}
}

func TestSaturatedOutputReportsUnlocked(t *testing.T) {
	r := newRig(t)
	r.in.Set(0.05, 0.01)
	r.out.SetSaturated(true)

	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	r.clk.Advance(time.Second)
	locked, err := run.Result()
	if err != nil || locked {
		t.Fatalf("Result = %v, %v; want false, nil", locked, err)
	}
	ev, err := r.lb.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Reason != lockbox.ReasonSaturated || ev.Output != "piezo" {
		t.Fatalf("evaluation = %+v", ev)
	}
}

func TestUnlockDuringBlockingLockReturnsFalse(t *testing.T) {
	r := newRig(t)
	r.in.Set(0.05, 0.01)

	type result struct {
		locked bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		locked, err := r.lb.Lock(context.Background(), nil)
		done <- result{locked, err}
	}()
	r.waitFor(t, lockbox.EventRunStarted)

	if err := r.lb.Unlock(context.Background(), false); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	select {
	case res := <-done:
		if res.err != nil || res.locked {
			t.Fatalf("Lock = %v, %v; want false, nil", res.locked, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Lock did not return after Unlock")
	}
	if got := r.lb.State(); got != lockbox.Unlocked {
		t.Fatalf("state = %v, want unlock", got)
	}
	r.clk.Advance(time.Second)
	if got := r.lb.State(); got != lockbox.Unlocked {
		t.Fatalf("state after stale timer = %v, want unlock", got)
	}
}

func TestLockAsyncSupersedesPreviousRun(t *testing.T) {
	r := newRig(t)
	r.in.Set(0, 0)

	first, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("first LockAsync: %v", err)
	}
	second, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("second LockAsync: %v", err)
	}
	if !first.Cancelled() {
		t.Fatalf("first run not cancelled")
	}
	select {
	case <-first.Done():
	default:
		t.Fatalf("first run Done not closed")
	}

	r.clk.Advance(time.Second)
	if first.Resolved() {
		t.Fatalf("cancelled run resolved")
	}
	_, err = first.Result()
	if !errors.Is(err, lockbox.ErrRunCancelled) || !errors.Is(err, lockbox.ErrSuperseded) {
		t.Fatalf("first Result err = %v", err)
	}
	if locked, err := second.Result(); err != nil || !locked {
		t.Fatalf("second Result = %v, %v", locked, err)
	}
}

func TestCancelledRunNeverResolves(t *testing.T) {
	r := newRig(t)
	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	run.Cancel()
	if r.clk.Pending() != 0 {
		t.Fatalf("cancel left %d timers pending", r.clk.Pending())
	}
	r.clk.Advance(10 * time.Second)
	if run.Resolved() {
		t.Fatalf("cancelled run resolved")
	}
	if _, err := run.Result(); !errors.Is(err, lockbox.ErrCancelledByCaller) {
		t.Fatalf("Result err = %v", err)
	}
	run.Cancel()
}

func TestRunWalksStagesInOrder(t *testing.T) {
	r := newRig(t,
		lockStage("coarse", 0.3, 1),
		lockStage("medium", 0.2, 2),
		lockStage("fine", 0.1, 0.5),
	)
	r.in.Set(0.1, 0)

	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	steps := []struct {
		advance  time.Duration
		state    lockbox.State
		setpoint float64
	}{
		{0, lockbox.InSequence(0), 0.3},
		{time.Second, lockbox.InSequence(1), 0.2},
		{2 * time.Second, lockbox.InSequence(2), 0.1},
	}
	for _, step := range steps {
		r.clk.Advance(step.advance)
		if got := r.lb.State(); got != step.state {
			t.Fatalf("state = %v, want %v", got, step.state)
		}
		settings, ok := r.out.LastLock()
		if !ok || settings.Setpoint != step.setpoint {
			t.Fatalf("last lock setpoint = %v, want %v", settings.Setpoint, step.setpoint)
		}
		if cur := r.lb.CurrentStage(); cur == nil || cur.Setpoint() != step.setpoint {
			t.Fatalf("current stage = %v", cur)
		}
	}
	r.clk.Advance(500 * time.Millisecond)
	if locked, err := run.Result(); err != nil || !locked {
		t.Fatalf("Result = %v, %v", locked, err)
	}
	if r.lb.State() != lockbox.Locked || r.lb.CurrentStage().Name() != lockbox.FinalStageName {
		t.Fatalf("final state %v stage %v", r.lb.State(), r.lb.CurrentStage())
	}
	if got := r.out.Count("lock"); got != 4 {
		t.Fatalf("lock calls = %d, want 4 (three stages plus final)", got)
	}
}

func TestFinalStageOverrides(t *testing.T) {
	r := newRig(t)
	r.in.Set(0.5, 0)
	run, err := r.lb.LockAsync(context.Background(), lockbox.Overrides{
		"setpoint": 0.5,
		"outputs":  map[string]any{"piezo": map[string]any{"gain_factor": 2.5}},
	})
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	final := run.FinalStage()
	if final.Setpoint() != 0.5 || final.Duration() != 0 || !final.IsFinal() {
		t.Fatalf("final stage = %+v", final.Settings())
	}
	piezo := final.OutputSettings("piezo")
	if !piezo.LockOn || piezo.GainFactor != 2.5 {
		t.Fatalf("final piezo settings = %+v", piezo)
	}
	if first := r.lb.Stages()[0]; first.Setpoint() != 0 {
		t.Fatalf("overrides leaked into sequence stage: %v", first.Setpoint())
	}
	r.clk.Advance(time.Second)
	if locked, err := run.Result(); err != nil || !locked {
		t.Fatalf("Result = %v, %v", locked, err)
	}
	settings, _ := r.out.LastLock()
	if settings.GainFactor != 2.5 || settings.Setpoint != 0.5 {
		t.Fatalf("final lock settings = %+v", settings)
	}

	_, err = r.lb.LockAsync(context.Background(), lockbox.Overrides{"bogus": 1})
	if !errors.Is(err, lockbox.ErrInvalidOverrides) {
		t.Fatalf("bogus override err = %v", err)
	}
	if r.lb.State() != lockbox.Locked {
		t.Fatalf("rejected overrides changed state to %v", r.lb.State())
	}
}

func TestLockRejectsOverridesForUnknownHardware(t *testing.T) {
	r := newRig(t)
	r.in.Set(0.05, 0.01)
	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	r.clk.Advance(time.Second)
	if locked, _ := run.Result(); !locked {
		t.Fatalf("initial run not locked")
	}
	finished := r.waitFor(t, lockbox.EventRunFinished)
	if finished.Stage != lockbox.FinalStageName {
		t.Fatalf("finished event stage = %q", finished.Stage)
	}
	calls := len(r.out.Calls())

	_, err = r.lb.LockAsync(context.Background(), lockbox.Overrides{"input": "bogus"})
	if !errors.Is(err, lockbox.ErrUnknownInput) || !errors.Is(err, lockbox.ErrInvalidOverrides) {
		t.Fatalf("unknown input override err = %v", err)
	}
	_, err = r.lb.LockAsync(context.Background(), lockbox.Overrides{
		"outputs": map[string]any{"laser": map[string]any{"lock_on": true}},
	})
	if !errors.Is(err, lockbox.ErrUnknownOutput) {
		t.Fatalf("unknown output override err = %v", err)
	}
	if r.lb.State() != lockbox.Locked || r.lb.ActiveRun() != nil {
		t.Fatalf("rejected overrides changed state to %v", r.lb.State())
	}
	if got := len(r.out.Calls()); got != calls {
		t.Fatalf("rejected overrides touched outputs: %d calls, want %d", got, calls)
	}
	if got := r.lb.FinalStage().Input(); got != "error" {
		t.Fatalf("final stage input = %q", got)
	}

	// Relock replays the last accepted overrides, not the rejected ones.
	r.in.Set(5, 0)
	r.drain()
	type result struct {
		locked bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		locked, err := r.lb.Relock(context.Background())
		done <- result{locked, err}
	}()
	started := r.waitFor(t, lockbox.EventRunStarted)
	if len(started.Overrides) != 0 {
		t.Fatalf("relock overrides = %v", started.Overrides)
	}
	r.in.Set(0.05, 0.01)
	r.clk.Advance(time.Second)
	select {
	case res := <-done:
		if res.err != nil || !res.locked {
			t.Fatalf("Relock = %v, %v", res.locked, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Relock did not return")
	}
}

func TestRelockDuringSequenceIsNoop(t *testing.T) {
	r := newRig(t, lockStage("coarse", 0, 1), lockStage("fine", 0, 1))
	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	r.drain()
	calls := len(r.out.Calls())

	locked, err := r.lb.Relock(context.Background())
	if err != nil || locked {
		t.Fatalf("Relock = %v, %v; want false, nil", locked, err)
	}
	if r.lb.ActiveRun() != run || r.lb.State() != lockbox.InSequence(0) {
		t.Fatalf("relock disturbed the run")
	}
	if len(r.out.Calls()) != calls || len(r.drain()) != 0 {
		t.Fatalf("relock touched hardware or emitted events")
	}
}

func TestRelockWhenLockedKeepsLock(t *testing.T) {
	r := newRig(t)
	r.in.Set(0, 0)
	if _, err := r.lb.LockAsync(context.Background(), nil); err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	r.clk.Advance(time.Second)
	calls := len(r.out.Calls())

	locked, err := r.lb.Relock(context.Background())
	if err != nil || !locked {
		t.Fatalf("Relock = %v, %v; want true, nil", locked, err)
	}
	if len(r.out.Calls()) != calls {
		t.Fatalf("relock of a held lock touched outputs")
	}
}

func TestRelockReusesLastOverrides(t *testing.T) {
	r := newRig(t)
	r.in.Set(0.5, 0)
	run, err := r.lb.LockAsync(context.Background(), lockbox.Overrides{"setpoint": 0.5})
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	r.clk.Advance(time.Second)
	if locked, _ := run.Result(); !locked {
		t.Fatalf("initial run not locked")
	}

	// Lose the lock.
	r.in.Set(3, 0)
	r.drain()

	type result struct {
		locked bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		locked, err := r.lb.Relock(context.Background())
		done <- result{locked, err}
	}()
	started := r.waitFor(t, lockbox.EventRunStarted)
	if started.Overrides["setpoint"] != 0.5 {
		t.Fatalf("relock overrides = %v", started.Overrides)
	}
	r.in.Set(0.5, 0)
	r.clk.Advance(time.Second)

	select {
	case res := <-done:
		if res.err != nil || !res.locked {
			t.Fatalf("Relock = %v, %v", res.locked, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Relock did not return")
	}
	if got := r.lb.FinalStage().Setpoint(); got != 0.5 {
		t.Fatalf("final setpoint = %v, want 0.5", got)
	}
}

func TestUnlockCallsEveryOutputOnce(t *testing.T) {
	clk := clock.NewManual(time.Now())
	in := testsupport.NewFakeInput("error")
	piezo := testsupport.NewFakeOutput("piezo")
	temp := testsupport.NewFakeOutput("temperature")
	lb, err := lockbox.New(lockbox.Options{
		Scheduler: clk,
		Inputs:    []lockbox.InputBinding{{Source: in, Calibration: lockbox.Calibration{Slope: 1}}},
		Outputs:   []lockbox.Output{piezo, temp},
		Sequence:  []lockbox.StageSettings{lockStage("lock", 0, 1)},
	})
	if err != nil {
		t.Fatalf("lockbox.New: %v", err)
	}
	if _, err := lb.LockAsync(context.Background(), nil); err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	piezo.Reset()
	temp.Reset()

	if err := lb.Unlock(context.Background(), true); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	for _, out := range []*testsupport.FakeOutput{piezo, temp} {
		calls := out.Calls()
		if len(calls) != 1 || calls[0].Op != "unlock" || !calls[0].ResetOffset {
			t.Fatalf("%s calls = %+v", out.Name(), calls)
		}
	}
	if lb.State() != lockbox.Unlocked || lb.ActiveRun() != nil {
		t.Fatalf("state = %v run = %v", lb.State(), lb.ActiveRun())
	}
	if err := lb.Unlock(context.Background(), false); err != nil {
		t.Fatalf("second Unlock: %v", err)
	}
}

func TestSweepUsesDefaultOutput(t *testing.T) {
	r := newRig(t)
	if err := r.lb.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	calls := r.out.Calls()
	if len(calls) != 2 || calls[0].Op != "unlock" || calls[1].Op != "sweep" {
		t.Fatalf("calls = %+v", calls)
	}
	if r.lb.State() != lockbox.Sweeping {
		t.Fatalf("state = %v", r.lb.State())
	}
	if locked, err := r.lb.IsLocked(context.Background()); err != nil || locked {
		t.Fatalf("IsLocked while sweeping = %v, %v", locked, err)
	}
}

func TestOutputFailureFailsRun(t *testing.T) {
	r := newRig(t, lockStage("coarse", 0, 1), lockStage("fine", 0, 1))
	boom := errors.New("dac not responding")

	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	r.out.FailLock(boom)
	r.clk.Advance(time.Second)

	locked, err := run.Result()
	if locked || !errors.Is(err, boom) {
		t.Fatalf("Result = %v, %v; want false, %v", locked, err, boom)
	}
	if r.lb.State() != lockbox.Unlocked {
		t.Fatalf("state after failure = %v", r.lb.State())
	}

	if _, err := r.lb.LockAsync(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("LockAsync with failing output err = %v", err)
	}
	if r.lb.ActiveRun() != nil || r.lb.State() != lockbox.Unlocked {
		t.Fatalf("failed start left run %v state %v", r.lb.ActiveRun(), r.lb.State())
	}
}

func TestLockHonoursCallerContext(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	locked, err := r.lb.Lock(ctx, nil)
	if locked || !errors.Is(err, context.Canceled) {
		t.Fatalf("Lock = %v, %v", locked, err)
	}
	if r.lb.ActiveRun() != nil {
		t.Fatalf("run left active after caller cancellation")
	}
	if r.clk.Pending() != 0 {
		t.Fatalf("timers pending: %d", r.clk.Pending())
	}
}

func TestPauseAndResume(t *testing.T) {
	r := newRig(t, lockStage("coarse", 0, 1), lockStage("fine", 0, 1))
	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	r.clk.Advance(500 * time.Millisecond)
	if err := r.lb.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	r.clk.Advance(10 * time.Second)
	if r.lb.State() != lockbox.InSequence(0) {
		t.Fatalf("paused run advanced to %v", r.lb.State())
	}
	if snap := r.lb.Snapshot(); snap.Run == nil || !snap.Run.Paused {
		t.Fatalf("snapshot run = %+v", snap.Run)
	}
	if err := r.lb.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// The interrupted stage restarts for its full duration.
	r.clk.Advance(999 * time.Millisecond)
	if r.lb.State() != lockbox.InSequence(0) {
		t.Fatalf("state = %v before resumed stage elapsed", r.lb.State())
	}
	r.clk.Advance(time.Millisecond + time.Second)
	if locked, err := run.Result(); err != nil || !locked {
		t.Fatalf("Result = %v, %v", locked, err)
	}
	if err := r.lb.Resume(context.Background()); !errors.Is(err, lockbox.ErrNoActiveRun) {
		t.Fatalf("Resume without pause err = %v", err)
	}
}

func TestResumeAfterConfigChangeFails(t *testing.T) {
	r := newRig(t)
	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	if err := r.lb.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := r.lb.SetErrorThreshold(0.2); err != nil {
		t.Fatalf("SetErrorThreshold: %v", err)
	}
	if err := r.lb.Resume(context.Background()); !errors.Is(err, lockbox.ErrAveraging) {
		t.Fatalf("Resume err = %v, want ErrAveraging", err)
	}
	if !run.Cancelled() || r.lb.State() != lockbox.Unlocked {
		t.Fatalf("stale run cancelled=%v state=%v", run.Cancelled(), r.lb.State())
	}
}

func TestResumeAfterUnlockFails(t *testing.T) {
	r := newRig(t)
	if _, err := r.lb.LockAsync(context.Background(), nil); err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	if err := r.lb.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := r.lb.Unlock(context.Background(), false); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := r.lb.Resume(context.Background()); !errors.Is(err, lockbox.ErrAveraging) {
		t.Fatalf("Resume err = %v, want ErrAveraging", err)
	}
}

func TestSequenceEditCancelsRun(t *testing.T) {
	r := newRig(t)
	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	st, err := r.lb.AppendStage(context.Background(), lockbox.StageSettings{Setpoint: 0.2, Duration: 1})
	if err != nil {
		t.Fatalf("AppendStage: %v", err)
	}
	if st.Name() != "stage_1" || st.Input() != "error" {
		t.Fatalf("appended stage name=%s input=%s", st.Name(), st.Input())
	}
	if !run.Cancelled() || r.lb.State() != lockbox.Unlocked {
		t.Fatalf("edit left run cancelled=%v state=%v", run.Cancelled(), r.lb.State())
	}
	if _, err := r.lb.AppendStage(context.Background(), lockbox.StageSettings{Input: "missing"}); !errors.Is(err, lockbox.ErrUnknownInput) {
		t.Fatalf("unknown input err = %v", err)
	}
	if err := r.lb.RemoveStage(context.Background(), 0); err != nil {
		t.Fatalf("RemoveStage: %v", err)
	}
	if err := r.lb.RemoveStage(context.Background(), 0); !errors.Is(err, lockbox.ErrInvalidSequence) {
		t.Fatalf("removing last stage err = %v", err)
	}
}

func TestEnableStageHoldsPosition(t *testing.T) {
	r := newRig(t, lockStage("coarse", 0.3, 1), lockStage("fine", 0.1, 1))
	if err := r.lb.EnableStage(context.Background(), 1); err != nil {
		t.Fatalf("EnableStage: %v", err)
	}
	if r.lb.State() != lockbox.InSequence(1) || r.lb.ActiveRun() != nil {
		t.Fatalf("state = %v run = %v", r.lb.State(), r.lb.ActiveRun())
	}
	if locked, err := r.lb.Relock(context.Background()); err != nil || locked {
		t.Fatalf("Relock at enabled stage = %v, %v", locked, err)
	}
	if err := r.lb.EnableStage(context.Background(), 5); !errors.Is(err, lockbox.ErrInvalidSequence) {
		t.Fatalf("EnableStage(5) err = %v", err)
	}
}

func TestSetStrategyKeepsHandle(t *testing.T) {
	r := newRig(t)
	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	if err := r.lb.SetStrategy(context.Background(), lockbox.StrategyFabryPerot); err != nil {
		t.Fatalf("SetStrategy: %v", err)
	}
	if !run.Cancelled() || r.lb.Strategy() != lockbox.StrategyFabryPerot {
		t.Fatalf("cancelled=%v strategy=%v", run.Cancelled(), r.lb.Strategy())
	}
	if err := r.lb.SetStrategy(context.Background(), "pdh"); !errors.Is(err, lockbox.ErrUnknownStrategy) {
		t.Fatalf("unknown strategy err = %v", err)
	}
	if err := r.lb.Calibrate("error", lockbox.Calibration{Amplitude: 1, Linewidth: 1}); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	// Near resonance the transmission peak sits inside the one-sided window.
	r.in.Set(0.995, 0)
	run, err = r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	r.clk.Advance(time.Second)
	if locked, err := run.Result(); err != nil || !locked {
		t.Fatalf("Result = %v, %v", locked, err)
	}
}

func TestNativeDetectorResolvedAtBinding(t *testing.T) {
	clk := clock.NewManual(time.Now())
	det := testsupport.NewFakeDetectorInput("error")
	det.Set(42, 0)
	det.SetLocked(true)
	lb, err := lockbox.New(lockbox.Options{
		Scheduler:      clk,
		Inputs:         []lockbox.InputBinding{{Source: det, Calibration: lockbox.Calibration{Slope: 1}}},
		Outputs:        []lockbox.Output{testsupport.NewFakeOutput("piezo")},
		Sequence:       []lockbox.StageSettings{lockStage("lock", 0, 1)},
		ErrorThreshold: 0.1,
	})
	if err != nil {
		t.Fatalf("lockbox.New: %v", err)
	}
	run, err := lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	clk.Advance(time.Second)
	if locked, err := run.Result(); err != nil || !locked {
		t.Fatalf("Result = %v, %v", locked, err)
	}
	ev, err := lb.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Reason != lockbox.ReasonNativeDetector {
		t.Fatalf("reason = %s", ev.Reason)
	}
}

func TestEventsArriveInOrder(t *testing.T) {
	r := newRig(t)
	r.in.Set(0, 0)
	run, err := r.lb.LockAsync(context.Background(), nil)
	if err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	r.clk.Advance(time.Second)

	var got []lockbox.EventType
	for _, e := range r.drain() {
		got = append(got, e.Type)
	}
	want := []lockbox.EventType{
		lockbox.EventStateChanged,
		lockbox.EventRunStarted,
		lockbox.EventStateChanged,
		lockbox.EventStateChanged,
		lockbox.EventRunFinished,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if run.ID() == "" {
		t.Fatalf("run has no id")
	}
}

func TestObserverMayCallBack(t *testing.T) {
	r := newRig(t)
	var (
		mu     sync.Mutex
		states []lockbox.State
	)
	r.lb.Subscribe(func(e lockbox.Event) {
		if e.Type != lockbox.EventRunFinished {
			return
		}
		mu.Lock()
		states = append(states, r.lb.State())
		mu.Unlock()
		_ = r.lb.Unlock(context.Background(), false)
	})
	if _, err := r.lb.LockAsync(context.Background(), nil); err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	r.clk.Advance(time.Second)
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 || states[0] != lockbox.Locked {
		t.Fatalf("observer saw %v", states)
	}
	if r.lb.State() != lockbox.Unlocked {
		t.Fatalf("observer unlock not applied: %v", r.lb.State())
	}
}

func TestSnapshotJSON(t *testing.T) {
	r := newRig(t)
	if _, err := r.lb.LockAsync(context.Background(), lockbox.Overrides{"setpoint": 0.05}); err != nil {
		t.Fatalf("LockAsync: %v", err)
	}
	data, err := json.Marshal(r.lb.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["state"] != "0" || decoded["stage"] != "lock" || decoded["sweep_output"] != "piezo" {
		t.Fatalf("snapshot = %s", data)
	}
	final := decoded["final_stage"].(map[string]any)
	if final["setpoint"] != 0.05 || final["name"] != lockbox.FinalStageName {
		t.Fatalf("final stage = %v", final)
	}
}

func TestNewValidatesCollaborators(t *testing.T) {
	in := testsupport.NewFakeInput("error")
	out := testsupport.NewFakeOutput("piezo")
	base := lockbox.Options{
		Inputs:   []lockbox.InputBinding{{Source: in}},
		Outputs:  []lockbox.Output{out},
		Sequence: []lockbox.StageSettings{lockStage("lock", 0, 1)},
	}

	opts := base
	opts.Sequence = []lockbox.StageSettings{{Name: "x", Input: "error", Outputs: map[string]lockbox.OutputSettings{"laser": {}}}}
	if _, err := lockbox.New(opts); !errors.Is(err, lockbox.ErrUnknownOutput) {
		t.Fatalf("unknown output err = %v", err)
	}
	opts = base
	opts.ErrorThreshold = -1
	if _, err := lockbox.New(opts); !errors.Is(err, lockbox.ErrInvalidThreshold) {
		t.Fatalf("negative threshold err = %v", err)
	}
	opts = base
	opts.Strategy = "pdh"
	if _, err := lockbox.New(opts); !errors.Is(err, lockbox.ErrUnknownStrategy) {
		t.Fatalf("unknown strategy err = %v", err)
	}
	opts = base
	opts.DefaultSweepOutput = "laser"
	if _, err := lockbox.New(opts); !errors.Is(err, lockbox.ErrUnknownOutput) {
		t.Fatalf("unknown sweep output err = %v", err)
	}
	opts = base
	opts.Sequence = nil
	if _, err := lockbox.New(opts); !errors.Is(err, lockbox.ErrInvalidSequence) {
		t.Fatalf("empty sequence err = %v", err)
	}
}
