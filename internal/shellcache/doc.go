// Package shellcache serves the web app through versioned response caches.
//
// Two generations are current at any time: the shell generation, filled in
// one transaction at install from the configured asset list, and the dynamic
// generation, filled at run time with successful GET responses. Activation
// deletes every other generation. Once active, GET requests are answered
// cache first, then from the network, then from the cached fallback document.
package shellcache
