// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships
// the matching client used by the CLI.
//
// The server owns the socket lifecycle and translates requests into daemon
// calls. Client calls take a context so CLI commands fail fast when the
// daemon is offline or a blocking lock run outlives the caller's patience.
//
// Reuse these types when adding new RPC endpoints to keep the protocol stable
// and compatible with existing command implementations.
package ipc
