// Package config loads the extension host configuration from a YAML file,
// fills in defaults relative to the file location and applies a small set
// of EXTHOST_* environment overrides.
package config
