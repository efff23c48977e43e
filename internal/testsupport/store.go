package testsupport

import (
	"context"
	"testing"

	"routinesync/internal/config"
	"routinesync/internal/outbox"
)

// MustOpenOutbox opens an outbox.Store for tests and registers cleanup.
func MustOpenOutbox(t testing.TB, cfg *config.Config) *outbox.Store {
	t.Helper()

	store, err := outbox.OpenFromConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("outbox.OpenFromConfig: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// Enqueue inserts a habit payload with the given title for tests.
func Enqueue(t testing.TB, store *outbox.Store, title string) *outbox.Operation {
	t.Helper()

	op, err := store.Enqueue(context.Background(), outbox.Operation{
		Kind:    "habitos",
		Payload: outbox.Payload{"titulo": title},
	})
	if err != nil {
		t.Fatalf("store.Enqueue: %v", err)
	}
	return op
}
