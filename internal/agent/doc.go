// Package agent runs the long-lived routinesync process.
//
// An Agent holds the outbox, the backend client, the connectivity monitor,
// the drain triggers, the app shell cache, and the push subscription, and
// exposes them over one HTTP listener (agent.bind):
//
//   - /agent/* is the control API used by the CLI, guarded by agent.token.
//   - POST /api/{kind}/nuevo is the intercepted write path: the write is sent
//     when online and queued otherwise.
//   - every other request is served by the cache manager, cache-first once
//     the shell is installed and activated.
//
// Start runs the lifecycle in order: install and activate the shell cache,
// start connectivity monitoring, start drain triggers (including the startup
// drain), then subscribe to push and follow the push stream. A failed install
// is retried on the next online transition. A gofrs/flock lock on
// <state_dir>/agent.lock keeps a second agent from starting.
package agent
