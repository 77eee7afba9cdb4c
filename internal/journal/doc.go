// Package journal persists lock run outcomes and state transitions in SQLite.
//
// The daemon subscribes the journal to lockbox events: run starts open a row,
// finishes and cancellations close it, and every state change appends a
// transition. The CLI history command and the HTTP API read back from here.
package journal
