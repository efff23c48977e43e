// Package config loads, normalizes, and validates routinesync configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// ROUTINESYNC_BACKEND_URL and ROUTINESYNC_AGENT_TOKEN. The Config type
// centralizes every knob the agent and CLI need, so the outbox, cache, push,
// and connectivity components discover their settings in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
