// Package preflight provides readiness checks for the filesystem paths and
// external endpoints the daemon depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll before starting the engine. Failed checks
//     abort startup so a misconfigured daemon never accepts work.
//   - The CLI "vidatlas status" command uses individual check functions
//     (CheckWebhookFromConfig, ProbeDaemon) to display local health when
//     the daemon is unreachable.
//
// Each check is gated by its config toggle -- disabled features are skipped.
package preflight
