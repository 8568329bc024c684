// Package daemon coordinates the long-running vidatlasd process.
//
// It wires configuration, the job registry, the result cache, the event hub,
// the dispatcher, and the HTTP API into a single lifecycle with flock-based
// locking to prevent multiple instances. Startup runs preflight checks and
// records a PID file; shutdown tears the components down in reverse
// dependency order.
//
// Keep orchestration logic here: job execution lives in the dispatcher and
// the daemon focuses on startup, shutdown, and high level coordination.
package daemon
