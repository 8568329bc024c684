// Package client provides the typed HTTP client the CLI uses to talk to a
// running daemon, including a reader for job event streams.
package client
