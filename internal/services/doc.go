// Package services defines shared utilities consumed by the lockbox core,
// the daemon and its control surfaces.
//
// Key responsibilities:
//   - Context helpers that stamp lock run IDs, stage names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so daemon and CLI layers
//     can classify failures (configuration vs hardware vs transient) and
//     print a consistent next step.
//
// Use these helpers when wiring new control paths so operational behaviour
// stays uniform across the daemon.
package services
