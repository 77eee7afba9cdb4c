package lockbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lockbox/internal/clock"
	"lockbox/internal/logging"
	"lockbox/internal/services"
)

const tracerName = "lockbox/internal/lockbox"

// Options wires a Lockbox to its collaborators. Hardware is passed in
// explicitly; nothing is looked up globally.
type Options struct {
	Logger    *slog.Logger
	Scheduler clock.Scheduler
	Tracer    trace.Tracer

	Strategy           StrategyKind
	Inputs             []InputBinding
	Outputs            []Output
	Sequence           []StageSettings
	ErrorThreshold     float64
	DefaultSweepOutput string
}

// Lockbox owns the lock state, the stage sequence and at most one active
// run. A single mutex guards the state and the run together.
type Lockbox struct {
	logger *slog.Logger
	sched  clock.Scheduler
	tracer trace.Tracer

	mu             sync.Mutex
	state          State
	stateGen       uint64
	stateChangedAt time.Time
	run            *Run
	paused         *Run
	lastOverrides  Overrides
	finalStage     *Stage
	threshold      float64
	strategy       StrategyKind
	bindings       map[string]InputBinding
	inputOrder     []string
	inputs         map[string]*boundInput
	outputs        []Output
	outputByName   map[string]Output
	sweepOutput    Output
	seq            *Sequence

	observers    map[uint64]Observer
	nextObserver uint64
	pending      []Event
	dispatching  bool
}

// New validates the options and returns an unlocked Lockbox.
func New(opts Options) (*Lockbox, error) {
	kind := StrategyGeneric
	if opts.Strategy != "" {
		parsed, err := ParseStrategy(string(opts.Strategy))
		if err != nil {
			return nil, err
		}
		kind = parsed
	}
	if err := checkThreshold(opts.ErrorThreshold); err != nil {
		return nil, err
	}
	lb := &Lockbox{
		logger:       logging.NewComponentLogger(opts.Logger, "lockbox"),
		sched:        opts.Scheduler,
		tracer:       opts.Tracer,
		threshold:    opts.ErrorThreshold,
		strategy:     kind,
		bindings:     make(map[string]InputBinding, len(opts.Inputs)),
		inputs:       make(map[string]*boundInput, len(opts.Inputs)),
		outputByName: make(map[string]Output, len(opts.Outputs)),
		observers:    make(map[uint64]Observer),
	}
	if lb.sched == nil {
		lb.sched = clock.Real()
	}
	if lb.tracer == nil {
		lb.tracer = otel.Tracer(tracerName)
	}
	for _, b := range opts.Inputs {
		if b.Source == nil {
			return nil, errors.New("lockbox: input binding without a source")
		}
		name := b.Source.Name()
		if _, dup := lb.bindings[name]; dup {
			return nil, fmt.Errorf("lockbox: duplicate input %q", name)
		}
		lb.bindings[name] = b
		lb.inputOrder = append(lb.inputOrder, name)
		lb.inputs[name] = bindInput(b, kind)
	}
	for _, out := range opts.Outputs {
		if out == nil {
			return nil, errors.New("lockbox: nil output")
		}
		if _, dup := lb.outputByName[out.Name()]; dup {
			return nil, fmt.Errorf("lockbox: duplicate output %q", out.Name())
		}
		lb.outputByName[out.Name()] = out
		lb.outputs = append(lb.outputs, out)
	}
	switch {
	case opts.DefaultSweepOutput != "":
		out, ok := lb.outputByName[opts.DefaultSweepOutput]
		if !ok {
			return nil, fmt.Errorf("%w: default sweep output %q", ErrUnknownOutput, opts.DefaultSweepOutput)
		}
		lb.sweepOutput = out
	case len(lb.outputs) > 0:
		lb.sweepOutput = lb.outputs[0]
	}
	settings := make([]StageSettings, len(opts.Sequence))
	for i, s := range opts.Sequence {
		if err := lb.checkRefsLocked(&s); err != nil {
			return nil, err
		}
		settings[i] = s
	}
	seq, err := NewSequence(settings...)
	if err != nil {
		return nil, err
	}
	lb.seq = seq
	if lb.finalStage, err = newFinalStage(seq.Last(), nil); err != nil {
		return nil, err
	}
	lb.stateChangedAt = lb.sched.Now()
	return lb, nil
}

// Unlock disengages every output and moves to Unlocked, cancelling any
// active run. Output errors are joined and returned; the state changes
// regardless.
func (lb *Lockbox) Unlock(ctx context.Context, resetOffset bool) error {
	lb.mu.Lock()
	defer lb.release()
	lb.cancelRunLocked(ErrStaleRun)
	return lb.unlockLocked(ctx, resetOffset)
}

// Sweep unlocks and starts the default sweep output.
func (lb *Lockbox) Sweep(ctx context.Context) error {
	lb.mu.Lock()
	defer lb.release()
	lb.cancelRunLocked(ErrStaleRun)
	if lb.sweepOutput == nil {
		return fmt.Errorf("%w: no output available to sweep", ErrUnknownOutput)
	}
	unlockErr := lb.unlockLocked(ctx, true)
	if err := lb.sweepOutput.Sweep(ctx); err != nil {
		return errors.Join(unlockErr, fmt.Errorf("sweep output %q: %w", lb.sweepOutput.Name(), err))
	}
	lb.setStateLocked(Sweeping, "")
	return unlockErr
}

// LockAsync cancels any active run, unlocks, enables the first stage and
// returns the new run without waiting for it.
func (lb *Lockbox) LockAsync(ctx context.Context, overrides Overrides) (*Run, error) {
	lb.mu.Lock()
	defer lb.release()
	return lb.startRunLocked(ctx, overrides)
}

// Lock runs the sequence and waits for the result. A run cancelled by an
// external state change or a newer run reports false without error. When
// ctx is done the run is cancelled and ctx.Err() returned.
func (lb *Lockbox) Lock(ctx context.Context, overrides Overrides) (bool, error) {
	run, err := lb.LockAsync(ctx, overrides)
	if err != nil {
		return false, err
	}
	return lb.await(ctx, run)
}

// Relock leaves an in-progress sequence alone, reports true when already
// locked, and otherwise locks again with the last final-stage overrides.
func (lb *Lockbox) Relock(ctx context.Context) (bool, error) {
	lb.mu.Lock()
	if lb.state.IsInSequence() || lb.run != nil {
		lb.logger.Debug("relock skipped; sequence in progress", logging.String(logging.FieldState, lb.state.String()))
		lb.release()
		return false, nil
	}
	ev, err := lb.evaluateLocked(ctx, slog.LevelDebug, "")
	if err != nil {
		lb.release()
		return false, err
	}
	if ev.Locked {
		lb.release()
		return true, nil
	}
	lb.logger.Info("relocking",
		logging.String(logging.FieldEventType, "relock_started"),
		logging.String(logging.FieldDecisionReason, string(ev.Reason)),
	)
	run, err := lb.startRunLocked(ctx, lb.lastOverrides)
	lb.release()
	if err != nil {
		return false, err
	}
	return lb.await(ctx, run)
}

// EvalOption tunes a lock-status evaluation.
type EvalOption func(*evalConfig)

type evalConfig struct {
	level slog.Level
	input string
}

// WithLogLevel sets the level the decision is logged at. The default is Info.
func WithLogLevel(level slog.Level) EvalOption {
	return func(c *evalConfig) { c.level = level }
}

// WithInput evaluates against the named input instead of the stage's own.
func WithInput(name string) EvalOption {
	return func(c *evalConfig) { c.input = name }
}

// IsLocked reports whether the loop is currently locked.
func (lb *Lockbox) IsLocked(ctx context.Context, opts ...EvalOption) (bool, error) {
	ev, err := lb.Evaluate(ctx, opts...)
	return ev.Locked, err
}

// Evaluate returns the full lock-status decision.
func (lb *Lockbox) Evaluate(ctx context.Context, opts ...EvalOption) (Evaluation, error) {
	cfg := evalConfig{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&cfg)
	}
	lb.mu.Lock()
	defer lb.release()
	return lb.evaluateLocked(ctx, cfg.level, cfg.input)
}

// EnableStage applies stage i directly and holds it, cancelling any run.
func (lb *Lockbox) EnableStage(ctx context.Context, i int) error {
	lb.mu.Lock()
	defer lb.release()
	st, err := lb.seq.At(i)
	if err != nil {
		return err
	}
	lb.cancelRunLocked(ErrStaleRun)
	if err := lb.enableLocked(ctx, st); err != nil {
		return err
	}
	lb.setStateLocked(InSequence(i), "")
	return nil
}

// Pause stops the active run's stage timer. The run keeps its place and
// counts as in progress.
func (lb *Lockbox) Pause(ctx context.Context) error {
	lb.mu.Lock()
	defer lb.release()
	run := lb.run
	if run == nil {
		return ErrNoActiveRun
	}
	if run.paused {
		return nil
	}
	if run.timer != nil {
		run.timer.Stop()
		run.timer = nil
	}
	run.tick++
	run.paused = true
	run.pauseGen = lb.stateGen
	run.pauseFingerprint = lb.fingerprintLocked(run)
	lb.paused = run
	logging.WithContext(run.ctx, lb.logger).Info("lock run paused", logging.String(logging.FieldEventType, "lock_run_paused"))
	lb.emitLocked(Event{Type: EventRunPaused, RunID: run.id, Stage: lb.runStageLocked(run).Name()})
	return nil
}

// Resume restarts the paused run's current stage for its full duration. If
// the run was cancelled, the state moved, or the configuration changed since
// Pause, it fails with ErrAveraging and the caller must start over.
func (lb *Lockbox) Resume(ctx context.Context) error {
	lb.mu.Lock()
	defer lb.release()
	run := lb.paused
	if run == nil {
		return ErrNoActiveRun
	}
	lb.paused = nil
	var stale string
	switch {
	case lb.run != run:
		stale = "run ended while paused"
	case lb.stateGen != run.pauseGen:
		stale = "lockbox state changed while paused"
	case lb.fingerprintLocked(run) != run.pauseFingerprint:
		stale = "configuration changed while paused"
	}
	if stale != "" {
		if lb.run == run {
			lb.cancelRunLocked(ErrStaleRun)
			if err := lb.unlockLocked(ctx, true); err != nil {
				return errors.Join(fmt.Errorf("%w: %s", ErrAveraging, stale), err)
			}
		}
		return fmt.Errorf("%w: %s", ErrAveraging, stale)
	}
	run.paused = false
	st := lb.runStageLocked(run)
	lb.scheduleLocked(run, st.Duration())
	logging.WithContext(run.ctx, lb.logger).Info("lock run resumed", logging.String(logging.FieldEventType, "lock_run_resumed"))
	lb.emitLocked(Event{Type: EventRunResumed, RunID: run.id, Stage: st.Name()})
	return nil
}

// SetErrorThreshold changes the acceptance tolerance, in setpoint units.
func (lb *Lockbox) SetErrorThreshold(threshold float64) error {
	if err := checkThreshold(threshold); err != nil {
		return err
	}
	lb.mu.Lock()
	defer lb.release()
	lb.threshold = threshold
	lb.logger.Info("error threshold updated", logging.Float64("threshold", threshold))
	return nil
}

// SetStrategy swaps the strategy variant. The lockbox handle stays the
// same; any run is cancelled, outputs are unlocked and calibrated inputs are
// rebound with the new variant's models.
func (lb *Lockbox) SetStrategy(ctx context.Context, kind StrategyKind) error {
	kind, err := ParseStrategy(string(kind))
	if err != nil {
		return err
	}
	lb.mu.Lock()
	defer lb.release()
	lb.cancelRunLocked(ErrStaleRun)
	err = lb.unlockLocked(ctx, true)
	previous := lb.strategy
	lb.strategy = kind
	for name, b := range lb.bindings {
		lb.inputs[name] = bindInput(b, kind)
	}
	lb.logger.Info("lock strategy changed",
		logging.String("from", string(previous)),
		logging.String("to", string(kind)),
		logging.String(logging.FieldEventType, "strategy_changed"),
	)
	lb.emitLocked(Event{Type: EventStrategyChanged, Reason: string(kind)})
	return err
}

// Calibrate replaces an input's calibration and rebinds its model.
func (lb *Lockbox) Calibrate(name string, cal Calibration) error {
	lb.mu.Lock()
	defer lb.release()
	b, ok := lb.bindings[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownInput, name)
	}
	b.Calibration = cal
	lb.bindings[name] = b
	lb.inputs[name] = bindInput(b, lb.strategy)
	lb.logger.Info("input calibrated", logging.String("input", name))
	return nil
}

// AppendStage adds a stage at the end of the sequence.
func (lb *Lockbox) AppendStage(ctx context.Context, s StageSettings) (*Stage, error) {
	return lb.editSequence(ctx, &s, func() (*Stage, error) { return lb.seq.Append(s) })
}

// InsertStage adds a stage before position i.
func (lb *Lockbox) InsertStage(ctx context.Context, i int, s StageSettings) (*Stage, error) {
	return lb.editSequence(ctx, &s, func() (*Stage, error) { return lb.seq.Insert(i, s) })
}

// ReplaceStage swaps stage i for a new one.
func (lb *Lockbox) ReplaceStage(ctx context.Context, i int, s StageSettings) (*Stage, error) {
	return lb.editSequence(ctx, &s, func() (*Stage, error) { return lb.seq.Replace(i, s) })
}

// RemoveStage deletes stage i. The last remaining stage cannot be removed.
func (lb *Lockbox) RemoveStage(ctx context.Context, i int) error {
	_, err := lb.editSequence(ctx, nil, func() (*Stage, error) { return nil, lb.seq.Remove(i) })
	return err
}

// Close cancels the active run.
func (lb *Lockbox) Close() {
	lb.mu.Lock()
	defer lb.release()
	lb.cancelRunLocked(ErrCancelledByCaller)
}

// State returns the current state.
func (lb *Lockbox) State() State {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.state
}

// StateChangedAt returns when the state last changed.
func (lb *Lockbox) StateChangedAt() time.Time {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.stateChangedAt
}

// CurrentStage returns the enabled stage, or nil outside the sequence.
func (lb *Lockbox) CurrentStage() *Stage {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.currentStageLocked()
}

// FinalStage returns the final stage of the latest run.
func (lb *Lockbox) FinalStage() *Stage {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.finalStage
}

// ActiveRun returns the run in progress, or nil.
func (lb *Lockbox) ActiveRun() *Run {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.run
}

// Stages returns the sequence stages in order.
func (lb *Lockbox) Stages() []*Stage {
	return lb.seq.Stages()
}

// Strategy returns the active strategy variant.
func (lb *Lockbox) Strategy() StrategyKind {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.strategy
}

// ErrorThreshold returns the acceptance tolerance.
func (lb *Lockbox) ErrorThreshold() float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.threshold
}

// Snapshot is a consistent read-only view of the lockbox.
type Snapshot struct {
	State          State           `json:"state"`
	StateChangedAt time.Time       `json:"state_changed_at"`
	Strategy       StrategyKind    `json:"strategy"`
	ErrorThreshold float64         `json:"error_threshold"`
	Stage          string          `json:"stage,omitempty"`
	Run            *RunInfo        `json:"run,omitempty"`
	Sequence       []StageSettings `json:"sequence"`
	FinalStage     StageSettings   `json:"final_stage"`
	Inputs         []string        `json:"inputs"`
	Outputs        []string        `json:"outputs"`
	SweepOutput    string          `json:"sweep_output,omitempty"`
}

// Snapshot captures the lockbox under its lock.
func (lb *Lockbox) Snapshot() Snapshot {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	snap := Snapshot{
		State:          lb.state,
		StateChangedAt: lb.stateChangedAt,
		Strategy:       lb.strategy,
		ErrorThreshold: lb.threshold,
		Sequence:       lb.seq.Settings(),
		FinalStage:     lb.finalStage.Settings(),
		Inputs:         append([]string(nil), lb.inputOrder...),
	}
	if st := lb.currentStageLocked(); st != nil {
		snap.Stage = st.Name()
	}
	for _, out := range lb.outputs {
		snap.Outputs = append(snap.Outputs, out.Name())
	}
	if lb.sweepOutput != nil {
		snap.SweepOutput = lb.sweepOutput.Name()
	}
	if run := lb.run; run != nil {
		snap.Run = &RunInfo{
			ID:        run.id,
			StartedAt: run.startedAt,
			Stage:     lb.runStageLocked(run).Name(),
			Cursor:    run.cursor,
			Paused:    run.paused,
			Overrides: run.overrides.clone(),
		}
	}
	return snap
}

func (lb *Lockbox) await(ctx context.Context, run *Run) (bool, error) {
	locked, err := run.Wait(ctx)
	if err == nil {
		return locked, nil
	}
	if errors.Is(err, ErrRunCancelled) {
		logging.WithContext(run.ctx, lb.logger).Info("lock did not complete",
			logging.String(logging.FieldEventType, "lock_aborted"),
			logging.String(logging.FieldDecisionReason, err.Error()),
		)
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		lb.cancelRun(run, ErrCancelledByCaller)
	}
	return false, err
}

func (lb *Lockbox) startRunLocked(ctx context.Context, overrides Overrides) (*Run, error) {
	final, err := newFinalStage(lb.seq.Last(), overrides)
	if err != nil {
		return nil, err
	}
	if err := lb.checkRefsLocked(&final.settings); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOverrides, err)
	}
	first, err := lb.seq.At(0)
	if err != nil {
		return nil, err
	}
	lb.cancelRunLocked(ErrSuperseded)
	lb.paused = nil
	if err := lb.unlockLocked(ctx, true); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	runCtx := services.WithRunID(context.WithoutCancel(ctx), id)
	runCtx, span := lb.tracer.Start(runCtx, "lockbox.run", trace.WithAttributes(
		attribute.String("lockbox.run_id", id),
		attribute.String("lockbox.strategy", string(lb.strategy)),
		attribute.Int("lockbox.stages", lb.seq.Len()),
	))
	run := newRun(lb, id, overrides.clone(), final, lb.sched.Now(), runCtx, span)
	lb.run = run
	lb.lastOverrides = overrides.clone()
	lb.finalStage = final

	logging.WithContext(runCtx, lb.logger).Info("lock run started",
		logging.String(logging.FieldEventType, "lock_run_started"),
		logging.Int("stages", lb.seq.Len()),
		logging.Float64("final_setpoint", final.Setpoint()),
	)
	lb.emitLocked(Event{Type: EventRunStarted, RunID: id, Overrides: overrides.clone()})

	if err := lb.enterStageLocked(run, first, 0, InSequence(0)); err != nil {
		lb.failRunLocked(run, err)
		return nil, err
	}
	return run, nil
}

// advance runs when the current stage's duration elapsed.
func (lb *Lockbox) advance(run *Run, tick uint64) {
	lb.mu.Lock()
	defer lb.release()
	if lb.run != run || run.tick != tick || run.paused {
		return
	}
	run.timer = nil
	if lb.stateGen != run.stateGen {
		logging.WithContext(run.ctx, lb.logger).Info("lock run aborted; state changed during stage",
			logging.String(logging.FieldEventType, "lock_run_stale"),
			logging.String(logging.FieldState, lb.state.String()),
		)
		lb.cancelRunLocked(ErrStaleRun)
		return
	}
	n := lb.seq.Len()
	next := run.cursor + 1
	switch {
	case next < n:
		st, err := lb.seq.At(next)
		if err == nil {
			err = lb.enterStageLocked(run, st, next, InSequence(next))
		}
		if err != nil {
			lb.failRunLocked(run, err)
		}
	case next == n:
		if err := lb.enterStageLocked(run, run.final, next, Locked); err != nil {
			lb.failRunLocked(run, err)
		}
	default:
		ev, err := lb.evaluateLocked(run.ctx, slog.LevelDebug, "")
		if err != nil {
			lb.failRunLocked(run, err)
			return
		}
		lb.resolveLocked(run, ev.Locked, nil)
	}
}

func (lb *Lockbox) enterStageLocked(run *Run, st *Stage, cursor int, state State) error {
	if err := lb.enableLocked(services.WithStage(run.ctx, st.Name()), st); err != nil {
		return err
	}
	run.cursor = cursor
	lb.setStateLocked(state, run.id)
	run.stateGen = lb.stateGen
	run.span.AddEvent("stage.enabled", trace.WithAttributes(
		attribute.String("lockbox.stage", st.Name()),
		attribute.Int("lockbox.cursor", cursor),
		attribute.Float64("lockbox.setpoint", st.Setpoint()),
	))
	lb.scheduleLocked(run, st.Duration())
	return nil
}

func (lb *Lockbox) scheduleLocked(run *Run, d time.Duration) {
	run.tick++
	tick := run.tick
	run.timer = lb.sched.AfterFunc(d, func() { lb.advance(run, tick) })
}

func (lb *Lockbox) enableLocked(ctx context.Context, st *Stage) error {
	for _, out := range lb.outputs {
		settings := st.settings.Outputs[out.Name()]
		var err error
		if settings.LockOn {
			err = out.Lock(ctx, LockSettings{
				Input:       st.Input(),
				Setpoint:    st.Setpoint(),
				GainFactor:  settings.GainFactor,
				ResetOffset: settings.ResetOffset,
				Offset:      settings.Offset,
				Extra:       maps.Clone(settings.Extra),
			})
		} else {
			err = out.Unlock(ctx, settings.ResetOffset)
		}
		if err != nil {
			return services.Wrap(services.ErrHardware, "lockbox", "enable stage "+st.Name(), "output "+out.Name(), err)
		}
	}
	logging.WithContext(ctx, lb.logger).Debug("stage enabled",
		logging.String(logging.FieldStage, st.Name()),
		logging.Float64("setpoint", st.Setpoint()),
		logging.Duration("duration", st.Duration()),
	)
	return nil
}

func (lb *Lockbox) unlockLocked(ctx context.Context, resetOffset bool) error {
	var errs []error
	for _, out := range lb.outputs {
		if err := out.Unlock(ctx, resetOffset); err != nil {
			errs = append(errs, fmt.Errorf("unlock output %q: %w", out.Name(), err))
		}
	}
	lb.setStateLocked(Unlocked, "")
	return errors.Join(errs...)
}

func (lb *Lockbox) setStateLocked(s State, runID string) {
	previous := lb.state
	lb.state = s
	lb.stateGen++
	lb.stateChangedAt = lb.sched.Now()
	e := Event{Type: EventStateChanged, State: s, Previous: previous, RunID: runID, At: lb.stateChangedAt}
	if st := lb.currentStageLocked(); st != nil {
		e.Stage = st.Name()
	}
	lb.emitLocked(e)
}

func (lb *Lockbox) currentStageLocked() *Stage {
	switch lb.state.Kind() {
	case StateLocked:
		return lb.finalStage
	case StateInSequence:
		i, _ := lb.state.Index()
		st, err := lb.seq.At(i)
		if err != nil {
			return nil
		}
		return st
	default:
		return nil
	}
}

func (lb *Lockbox) runStageLocked(run *Run) *Stage {
	if st, err := lb.seq.At(run.cursor); err == nil {
		return st
	}
	return run.final
}

func (lb *Lockbox) evaluateLocked(ctx context.Context, level slog.Level, input string) (Evaluation, error) {
	req := EvalRequest{Stage: lb.currentStageLocked(), Outputs: lb.outputs, Threshold: lb.threshold}
	if req.Stage != nil {
		name := req.Stage.Input()
		if input != "" {
			name = input
		}
		in, ok := lb.inputs[name]
		if !ok {
			return Evaluation{Stage: req.Stage.Name(), Input: name}, fmt.Errorf("%w: %q", ErrUnknownInput, name)
		}
		req.Input = in
		req.Detector = in.detector
	}
	logger := logging.WithContext(ctx, lb.logger)
	ev, err := Evaluate(ctx, req)
	if err != nil {
		logger.Log(ctx, level, "lock status unavailable", logging.Args(logging.Error(err))...)
		return ev, err
	}
	logger.Log(ctx, level, "lock status evaluated", logging.Args(ev.Attrs()...)...)
	return ev, nil
}

func (lb *Lockbox) cancelRun(run *Run, cause error) {
	lb.mu.Lock()
	defer lb.release()
	if lb.run == run {
		lb.cancelRunLocked(cause)
	}
}

func (lb *Lockbox) cancelRunLocked(cause error) {
	run := lb.run
	if run == nil {
		return
	}
	lb.run = nil
	if run.timer != nil {
		run.timer.Stop()
		run.timer = nil
	}
	run.tick++
	now := lb.sched.Now()
	if !run.cancel(cause, now) {
		return
	}
	run.span.SetAttributes(attribute.Bool("lockbox.cancelled", true), attribute.String("lockbox.cancel_cause", cause.Error()))
	run.span.End()
	logging.WithContext(run.ctx, lb.logger).Info("lock run cancelled",
		logging.String(logging.FieldEventType, "lock_run_cancelled"),
		logging.String(logging.FieldDecisionReason, cause.Error()),
	)
	lb.emitLocked(Event{Type: EventRunCancelled, RunID: run.id, Reason: cause.Error(), Elapsed: now.Sub(run.startedAt)})
}

func (lb *Lockbox) resolveLocked(run *Run, locked bool, err error) {
	lb.run = nil
	if lb.paused == run {
		lb.paused = nil
	}
	now := lb.sched.Now()
	if !run.resolve(locked, err, now) {
		return
	}
	run.span.SetAttributes(attribute.Bool("lockbox.locked", locked))
	if err != nil {
		run.span.RecordError(err)
		run.span.SetStatus(codes.Error, err.Error())
	}
	run.span.End()
	elapsed := now.Sub(run.startedAt)
	e := Event{Type: EventRunFinished, RunID: run.id, Stage: run.final.Name(), Locked: locked, Elapsed: elapsed}
	if err != nil {
		e.Error = err.Error()
	}
	logging.WithContext(run.ctx, lb.logger).Info("lock run finished",
		logging.String(logging.FieldEventType, "lock_run_finished"),
		logging.Bool("locked", locked),
		logging.Duration("elapsed", elapsed),
	)
	lb.emitLocked(e)
}

// failRunLocked resolves run to false with err and leaves the outputs
// unlocked, so a failed run never strands the state inside the sequence.
func (lb *Lockbox) failRunLocked(run *Run, err error) {
	logging.WarnWithContext(logging.WithContext(run.ctx, lb.logger), "lock run failed", "lock_run_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, services.Hint(err)),
		logging.String(logging.FieldImpact, "outputs unlocked; autolock will retry if enabled"),
	)
	lb.resolveLocked(run, false, err)
	if unlockErr := lb.unlockLocked(run.ctx, true); unlockErr != nil {
		logging.ErrorWithContext(lb.logger, "unlock after failed run failed", "unlock_failed", logging.Error(unlockErr))
	}
}

func (lb *Lockbox) fingerprintLocked(run *Run) uint64 {
	d := xxhash.New()
	fmt.Fprintf(d, "%d|%s|%v|", lb.seq.Fingerprint(), lb.strategy, lb.threshold)
	final, _ := json.Marshal(run.final.settings)
	_, _ = d.Write(final)
	for _, name := range lb.inputOrder {
		cal, _ := json.Marshal(lb.bindings[name].Calibration)
		_, _ = d.Write(cal)
	}
	return d.Sum64()
}

func (lb *Lockbox) editSequence(ctx context.Context, s *StageSettings, edit func() (*Stage, error)) (*Stage, error) {
	lb.mu.Lock()
	defer lb.release()
	if s != nil {
		if err := lb.checkRefsLocked(s); err != nil {
			return nil, err
		}
	}
	st, err := edit()
	if err != nil {
		return nil, err
	}
	lb.emitLocked(Event{Type: EventSequenceChanged})
	if lb.run != nil || lb.state.IsInSequence() {
		lb.cancelRunLocked(ErrStaleRun)
		if err := lb.unlockLocked(ctx, true); err != nil {
			return st, err
		}
	}
	return st, nil
}

// checkRefsLocked defaults a blank stage input to the first bound input and
// rejects references to unbound inputs or outputs.
func (lb *Lockbox) checkRefsLocked(s *StageSettings) error {
	if s.Input == "" && len(lb.inputOrder) > 0 {
		s.Input = lb.inputOrder[0]
	}
	if _, ok := lb.bindings[s.Input]; !ok {
		return fmt.Errorf("%w: stage %q references input %q", ErrUnknownInput, s.Name, s.Input)
	}
	for name := range s.Outputs {
		if _, ok := lb.outputByName[name]; !ok {
			return fmt.Errorf("%w: stage %q references output %q", ErrUnknownOutput, s.Name, name)
		}
	}
	return nil
}

func checkThreshold(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, t)
	}
	return nil
}
