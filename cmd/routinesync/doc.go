// Package main provides the routinesync command-line interface.
//
// The CLI runs the local agent (`routinesync agent run`) and inspects or
// manages its state. Commands that touch the outbox, push subscription, or
// shell cache talk to a running agent over its HTTP API and fall back to
// opening the local stores directly when no agent is listening, so queued
// writes can be listed, retried, or drained while the agent is down.
//
// Every command accepts --config to select a configuration file and --json
// to emit machine-readable output instead of tables.
package main
