// Package logging centralizes slog construction and the structured field
// vocabulary shared across vidatlas components.
package logging
