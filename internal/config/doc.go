// Package config handles configuration loading for coven-control.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CONTROL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/control.yaml
//  3. ~/.config/coven/control.yaml
//
// Files ending in .toml are read as TOML; anything else as YAML. The file is
// overlaid on Default(), so every section is optional.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	  agent_token: "${AGENT_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  liveness_threshold: "30s"
//	  sweep_interval: "10s"
//	rate_limits:
//	  auth: { max_requests: 5, window: "5m" }
//
// # Validation
//
// Load() reports every problem at once:
//
//   - JWT secret minimum length (32 bytes) when a secret is set
//   - positive durations and rate limit budgets
//   - generator provider and its credentials
//   - logging level and format values
//
// An empty auth.jwt_secret disables API authentication; an empty
// auth.agent_token (and agent_token_bcrypt) lets any agent connect.
package config
