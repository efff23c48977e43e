// Package notifications displays user-facing notifications.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml, with a Click header pointing back at the agent so clicks are
// routed like browser notification clicks. When no topic is configured the
// service only logs. Agent code depends only on the Service interface.
package notifications
