// Package syncer moves outbox records to the backend.
//
// Interceptor is the write path: it sends immediately when online and queues
// otherwise, or when the backend does not accept the write. Submitter drains
// the queue in id order, removing a record only after the backend accepted
// it. Manager binds drains to connectivity transitions, background-sync tags,
// a periodic tick, and agent startup.
package syncer
