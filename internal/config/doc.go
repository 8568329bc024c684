// Package config loads, validates, and defaults the vidatlas TOML
// configuration shared by the daemon and the CLI.
package config
