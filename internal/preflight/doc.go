// Package preflight provides readiness checks for the filesystem paths,
// network endpoints and lock sequence that lockbox depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll on start and logs failures as warnings.
//   - The CLI "lockbox check" command prints every result, plus the API
//     bind check when no daemon is running.
//
// Each check is gated by its config toggle -- disabled backends are skipped.
package preflight
