// Package logs reads the daemon's log file for the CLI: the last lines of
// the current log and, when following, lines appended after an offset.
//
// The daemon keeps lockbox.log pointing at the file of the running process;
// callers pass that path and the package resolves nothing on its own.
package logs
