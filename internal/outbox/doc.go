// Package outbox persists deferred write operations in SQLite.
//
// The Store keeps one table of pending operations keyed by a monotonically
// increasing id that is never reused, plus the background-sync registrations
// that ask the agent to drain later. Records leave the table only when the
// backend acknowledges them or an operator clears them; failed deliveries are
// kept with their attempt count and retry schedule, and may be dead-lettered
// when outbox.max_attempts is set.
//
// Rules normalizes kinds through the configured mapping table and fills the
// payload defaults (title, weekday tags, user stamp). The same Rules run at
// enqueue and at drain so records written by older versions converge.
package outbox
