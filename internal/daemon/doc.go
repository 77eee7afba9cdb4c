// Package daemon coordinates the long-running lockbox process and its system
// integration points.
//
// It wires the lockbox, autolocker, run journal, state bus, Prometheus
// collector and notifier into a single lifecycle with flock-based locking to
// prevent multiple instances. Lockbox events are pumped off the observer
// path into a worker that journals, publishes and notifies. A lock-status
// monitor evaluates the loop on an interval and reports lost locks, the HTTP
// API serves status, history, metrics and a websocket event stream, and an
// optional udev monitor reports hot-plug changes of the lock hardware.
//
// Keep orchestration logic here: lock sequencing lives in the lockbox package
// while the daemon focuses on startup, shutdown, and high level coordination.
package daemon
