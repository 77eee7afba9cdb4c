// Package lockbox drives a feedback loop onto its operating point.
//
// A Lockbox holds a sequence of stages, each enabling a set of outputs with
// a setpoint for a fixed duration. LockAsync walks the sequence on a
// scheduler, enables a final stage built from the last stage plus caller
// overrides, and resolves the returned Run to whether the loop ended up
// locked. Lock is the blocking form. Lock status comes from Evaluate, which
// compares the recent error signal against the acceptance interval derived
// from the active strategy's signal model, or trusts an input that can
// detect lock natively.
//
// Any state change made outside a run, such as Unlock or Sweep, cancels the
// run. A new LockAsync supersedes the previous one. AutoLocker calls Relock
// periodically to recover a lost lock.
package lockbox
