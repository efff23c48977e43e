// Package push keeps the push subscription and turns incoming pushes into
// notifications.
//
// Subscribe resolves notification permission, validates the application
// server key, and reuses or creates a subscription whose endpoint is an ntfy
// topic. Listen follows that topic over a websocket and hands each message to
// HandlePush. HandleClick routes a notification click to an already open app
// window or opens a new one, never both. Windows are app pages served through
// the agent; each browser is identified by a cookie and its last navigation is
// recorded with TrackPage.
package push
