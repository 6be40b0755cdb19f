// Package config manages the application configuration: defaults, an
// optional YAML file, and environment variable overrides.
package config
