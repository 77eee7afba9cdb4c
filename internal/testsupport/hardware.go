package testsupport

import (
	"context"
	"sync"

	"lockbox/internal/lockbox"
)

// FakeInput is a SignalSource with settable statistics.
type FakeInput struct {
	name string

	mu    sync.Mutex
	stats lockbox.SignalStats
	err   error
	reads int
}

// NewFakeInput returns an input reporting a zero mean.
func NewFakeInput(name string) *FakeInput {
	return &FakeInput{name: name}
}

func (f *FakeInput) Name() string { return f.name }

func (f *FakeInput) Stats(context.Context) (lockbox.SignalStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.stats, f.err
}

// Set replaces the reported statistics.
func (f *FakeInput) Set(mean, rms float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = lockbox.SignalStats{Mean: mean, RMS: rms}
}

// Fail makes Stats return err until cleared with nil.
func (f *FakeInput) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Reads returns how many times Stats was called.
func (f *FakeInput) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// FakeDetectorInput is a FakeInput that can also detect lock by itself.
type FakeDetectorInput struct {
	*FakeInput

	mu     sync.Mutex
	locked bool
}

// NewFakeDetectorInput returns a detector input reporting unlocked.
func NewFakeDetectorInput(name string) *FakeDetectorInput {
	return &FakeDetectorInput{FakeInput: NewFakeInput(name)}
}

func (f *FakeDetectorInput) IsLocked(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked, nil
}

// SetLocked sets the detector's answer.
func (f *FakeDetectorInput) SetLocked(locked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = locked
}

// OutputCall records one call made on a FakeOutput.
type OutputCall struct {
	Op          string
	Settings    lockbox.LockSettings
	ResetOffset bool
}

// FakeOutput records every call made on it.
type FakeOutput struct {
	name string

	mu        sync.Mutex
	calls     []OutputCall
	saturated bool
	lockErr   error
}

// NewFakeOutput returns an unsaturated output.
func NewFakeOutput(name string) *FakeOutput {
	return &FakeOutput{name: name}
}

func (f *FakeOutput) Name() string { return f.name }

func (f *FakeOutput) Lock(_ context.Context, settings lockbox.LockSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, OutputCall{Op: "lock", Settings: settings, ResetOffset: settings.ResetOffset})
	return f.lockErr
}

func (f *FakeOutput) Unlock(_ context.Context, resetOffset bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, OutputCall{Op: "unlock", ResetOffset: resetOffset})
	return nil
}

func (f *FakeOutput) Sweep(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, OutputCall{Op: "sweep"})
	return nil
}

func (f *FakeOutput) IsSaturated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saturated
}

// SetSaturated sets the saturation flag.
func (f *FakeOutput) SetSaturated(saturated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saturated = saturated
}

// FailLock makes Lock return err until cleared with nil.
func (f *FakeOutput) FailLock(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockErr = err
}

// Calls returns a copy of the recorded calls.
func (f *FakeOutput) Calls() []OutputCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OutputCall(nil), f.calls...)
}

// Count returns how many calls of op were recorded.
func (f *FakeOutput) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// LastLock returns the settings of the most recent Lock call.
func (f *FakeOutput) LastLock() (lockbox.LockSettings, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Op == "lock" {
			return f.calls[i].Settings, true
		}
	}
	return lockbox.LockSettings{}, false
}

// Reset clears the recorded calls.
func (f *FakeOutput) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
