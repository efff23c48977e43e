// Package services defines shared utilities consumed by the outbox, sync, and
// push components.
//
// Key responsibilities:
//   - Context helpers that stamp outbox record IDs, resource kinds, drain
//     triggers, and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     into retryable delivery errors versus storage or configuration faults.
//
// Use these helpers when wiring new components so operational behaviour (error
// handling, observability, retries) stays uniform across the agent.
package services
