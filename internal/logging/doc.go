// Package logging assembles structured slog loggers and formatting helpers used
// across lockbox services.
//
// It owns the configurable console, tint and JSON handlers, centralizes level
// and output plumbing, and exposes context-aware helpers so lock runs tag log
// lines with run IDs, stage names, and correlation IDs. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
package logging
