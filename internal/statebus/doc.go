// Package statebus fans lockbox events out to subscribers.
//
// The memory backend serves a single daemon. The redis and nats backends
// publish JSON-encoded events on a shared topic so other processes can follow
// the lock state, and deliver events published by other daemons to local
// subscribers.
package statebus
