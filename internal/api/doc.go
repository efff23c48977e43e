// Package api defines the wire-format types for the agent's HTTP surface and
// a client the CLI uses to reach a running agent.
//
// # Key Types
//
// Status: agent running state, connectivity, session, outbox depth, cache
// generations, and push subscription.
//
// OutboxRecord/OutboxList: transport representation of queued writes.
//
// Client: typed calls against /agent/* with bearer authentication.
//
// # Design Notes
//
// Timestamps use RFC3339 with milliseconds in UTC. Drain and submit results
// reuse the syncer types directly since they already carry JSON tags.
// IsUnavailable distinguishes "no agent listening" from request failures so
// commands can fall back to opening the stores directly.
package api
