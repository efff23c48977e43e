// Package logging assembles structured slog loggers and formatting helpers used
// across routinesync.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so sync code can tag log lines
// with outbox record IDs, resource kinds, and drain triggers. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
package logging
