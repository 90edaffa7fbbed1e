// Package config loads the service configuration from YAML, applies SLIM_*
// environment overrides (optionally read from a .env file) and validates
// every section.
package config
