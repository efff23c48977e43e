// Package connectivity tracks whether the backend is reachable.
//
// Monitor holds the current online flag, probes the configured URL on an
// interval, and re-probes as soon as the kernel reports a network interface
// change over udev netlink. Listeners registered with OnTransition run on
// every offline/online flip.
package connectivity
