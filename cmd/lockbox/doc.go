// Package main hosts the lockbox CLI entrypoint and command graph.
//
// The Cobra command tree translates terminal invocations into IPC calls
// against the daemon: lock, unlock, sweep, stage control, autolock and run
// history. It also runs the daemon in the foreground, scaffolds and checks
// configuration, and runs preflight checks without a daemon.
//
// Keep this package lean: add new functionality to the internal packages
// first, then surface it through dedicated commands or flags here.
package main
