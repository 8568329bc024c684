// Package api defines wire-format types and converters for the HTTP API
// layer. It translates registry job records into transport-friendly views
// that the server renders and the typed client parses, without coupling
// either side to internal types.
//
// DTOs use snake_case JSON tags so polled snapshots and streamed event
// payloads read the same on the wire. Internal enums (job.Status,
// faults.Kind) are exposed as lowercase strings. Timestamps use RFC3339
// with milliseconds. Result payloads are passed through as json.RawMessage
// to avoid double-encoding.
package api
