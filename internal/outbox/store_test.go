package outbox_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"routinesync/internal/outbox"
	"routinesync/internal/testsupport"
)

func TestEnqueueAssignsIncreasingIDs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenOutbox(t, cfg)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		op := testsupport.Enqueue(t, store, fmt.Sprintf("habit-%d", i))
		if op.ID <= last {
			t.Fatalf("expected id > %d, got %d", last, op.ID)
		}
		if op.IdempotencyKey == "" {
			t.Fatal("expected idempotency key")
		}
		if op.Status != outbox.StatusQueued {
			t.Fatalf("unexpected status %q", op.Status)
		}
		last = op.ID
	}

	ops, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(ops) != 5 {
		t.Fatalf("expected 5 records, got %d", len(ops))
	}
	for i, op := range ops {
		if op.Payload["titulo"] != fmt.Sprintf("habit-%d", i) {
			t.Fatalf("record %d out of order: %v", i, op.Payload)
		}
	}
}

func TestIDsAreNeverReused(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenOutbox(t, cfg)
	ctx := context.Background()

	first := testsupport.Enqueue(t, store, "a")
	if _, err := store.Remove(ctx, first.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	second := testsupport.Enqueue(t, store, "b")
	if second.ID <= first.ID {
		t.Fatalf("expected id after %d, got %d", first.ID, second.ID)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenOutbox(t, cfg)
	ctx := context.Background()

	op := testsupport.Enqueue(t, store, "once")
	keep := testsupport.Enqueue(t, store, "keep")

	removed, err := store.Remove(ctx, op.ID)
	if err != nil || !removed {
		t.Fatalf("first remove: removed=%v err=%v", removed, err)
	}
	removed, err = store.Remove(ctx, op.ID)
	if err != nil {
		t.Fatalf("second remove returned error: %v", err)
	}
	if removed {
		t.Fatal("expected second remove to report nothing deleted")
	}
	if _, err := store.Remove(ctx, 9999); err != nil {
		t.Fatalf("remove of unknown id returned error: %v", err)
	}

	ops, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != keep.ID {
		t.Fatalf("expected only record %d to remain, got %+v", keep.ID, ops)
	}
}

func TestRecordFailureSchedulesRetryAndDeadLetters(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenOutbox(t, cfg)
	ctx := context.Background()

	op := testsupport.Enqueue(t, store, "retry me")
	next := time.Now().Add(time.Hour)
	found, err := store.RecordFailure(ctx, op.ID, outbox.Failure{
		Kind:          "habitos",
		Payload:       outbox.Payload{"titulo": "retry me", "diasSemana": []string{"lunes"}},
		UserID:        "0123456789abcdef01234567",
		Error:         "backend said no",
		NextAttemptAt: next,
	})
	if err != nil || !found {
		t.Fatalf("RecordFailure: found=%v err=%v", found, err)
	}

	got, err := store.Get(ctx, op.ID)
	if err != nil || got == nil {
		t.Fatalf("Get: %v %v", got, err)
	}
	if got.Attempts != 1 || got.LastError != "backend said no" {
		t.Fatalf("unexpected failure bookkeeping: %+v", got)
	}
	if got.UserID != "0123456789abcdef01234567" {
		t.Fatalf("expected user id rewritten, got %q", got.UserID)
	}
	if got.Due(time.Now()) {
		t.Fatal("expected record to wait for its next attempt")
	}
	if !got.Due(next.Add(time.Second)) {
		t.Fatal("expected record due after next attempt time")
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Queued != 1 || stats.Due != 0 || stats.NextAttempt.IsZero() {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if _, err := store.RecordFailure(ctx, op.ID, outbox.Failure{Kind: "habitos", Error: "again", Dead: true}); err != nil {
		t.Fatalf("RecordFailure dead: %v", err)
	}
	got, _ = store.Get(ctx, op.ID)
	if got.Status != outbox.StatusDead || got.Attempts != 2 {
		t.Fatalf("expected dead record with 2 attempts, got %+v", got)
	}

	revived, err := store.Revive(ctx)
	if err != nil || revived != 1 {
		t.Fatalf("Revive: revived=%d err=%v", revived, err)
	}
	got, _ = store.Get(ctx, op.ID)
	if got.Status != outbox.StatusQueued || got.Attempts != 0 || !got.NextAttemptAt.IsZero() {
		t.Fatalf("expected fresh queued record, got %+v", got)
	}
}

func TestRecordFailureOnMissingRecord(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenOutbox(t, cfg)

	found, err := store.RecordFailure(context.Background(), 42, outbox.Failure{Kind: "habitos", Error: "x"})
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if found {
		t.Fatal("expected missing record to report false")
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenOutbox(t, cfg)

	op, err := store.Get(context.Background(), 1)
	if err != nil || op != nil {
		t.Fatalf("expected nil, nil; got %v, %v", op, err)
	}
}

func TestSyncRegistrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenOutbox(t, cfg)
	ctx := context.Background()

	if err := store.RegisterSync(ctx, "sync-posts"); err != nil {
		t.Fatalf("RegisterSync: %v", err)
	}
	if err := store.RegisterSync(ctx, "sync-posts"); err != nil {
		t.Fatalf("RegisterSync twice: %v", err)
	}
	if err := store.RegisterSync(ctx, " "); err == nil {
		t.Fatal("expected blank tag to be rejected")
	}
	tags, err := store.SyncTags(ctx)
	if err != nil {
		t.Fatalf("SyncTags: %v", err)
	}
	if len(tags) != 1 || tags[0] != "sync-posts" {
		t.Fatalf("unexpected tags: %v", tags)
	}
	if err := store.UnregisterSync(ctx, "sync-posts"); err != nil {
		t.Fatalf("UnregisterSync: %v", err)
	}
	if err := store.UnregisterSync(ctx, "never"); err != nil {
		t.Fatalf("UnregisterSync missing: %v", err)
	}
	tags, _ = store.SyncTags(ctx)
	if len(tags) != 0 {
		t.Fatalf("expected no tags, got %v", tags)
	}
}

func TestStoresShareFileAcrossHandles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	agentSide := testsupport.MustOpenOutbox(t, cfg)
	cliSide := testsupport.MustOpenOutbox(t, cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := agentSide.Enqueue(ctx, outbox.Operation{Kind: "habitos", Payload: outbox.Payload{"titulo": fmt.Sprintf("agent-%d", i)}})
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := cliSide.Enqueue(ctx, outbox.Operation{Kind: "habitos", Payload: outbox.Payload{"titulo": fmt.Sprintf("cli-%d", i)}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent enqueue: %v", err)
		}
	}

	ops, err := agentSide.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(ops) != 20 {
		t.Fatalf("expected 20 records, got %d", len(ops))
	}
	for i := 1; i < len(ops); i++ {
		if ops[i].ID <= ops[i-1].ID {
			t.Fatalf("records not ordered by id: %d then %d", ops[i-1].ID, ops[i].ID)
		}
	}
}
