package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	sp, err := OpenSpool(filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	t.Cleanup(func() { _ = sp.Close() })
	return sp
}

func TestSpoolPutStripsChainFields(t *testing.T) {
	sp := openTestSpool(t)
	ctx := context.Background()

	e := Entry{
		Seq:      42,
		At:       time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		UserID:   "usr_1",
		Action:   "view",
		Outcome:  OutcomeAllowed,
		PrevHash: "deadbeef",
		Hash:     "cafebabe",
	}
	if err := sp.Put(ctx, &e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	n, err := sp.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("pending %d, want 1", n)
	}

	var got []Entry
	if _, err := sp.drain(ctx, func(_ context.Context, e *Entry) error {
		got = append(got, *e)
		return nil
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("drained %d entries", len(got))
	}
	if got[0].Seq != 0 || got[0].PrevHash != "" || got[0].Hash != "" {
		t.Fatalf("chain fields survived spooling: %+v", got[0])
	}
	if !got[0].At.Equal(e.At) || got[0].UserID != "usr_1" {
		t.Fatalf("payload corrupted: %+v", got[0])
	}
}

func TestAppendSpoolsWhenStoreDown(t *testing.T) {
	sp := openTestSpool(t)
	store := &flakyStore{InMemory: NewInMemory(), remaining: 1000}
	log := New(store, WithRetry(1, time.Millisecond), WithSpool(sp))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, entry("view", OutcomeAllowed)); err != nil {
			t.Fatalf("Append with spool: %v", err)
		}
	}
	n, err := sp.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if n != 3 {
		t.Fatalf("pending %d, want 3", n)
	}
	if entries, _ := store.List(ctx, Filter{}, 0, 10); len(entries) != 0 {
		t.Fatalf("store received %d entries while down", len(entries))
	}
}

func TestDrainReplaysInOrderAndResequences(t *testing.T) {
	sp := openTestSpool(t)
	store := &flakyStore{InMemory: NewInMemory(), remaining: 1000}
	log := New(store, WithRetry(1, time.Millisecond), WithSpool(sp))
	ctx := context.Background()

	actions := []string{"view", "export", "delete"}
	for _, a := range actions {
		if _, err := log.Append(ctx, entry(a, OutcomeAllowed)); err != nil {
			t.Fatalf("Append %q: %v", a, err)
		}
	}

	// Storage recovers.
	store.mu.Lock()
	store.remaining = 0
	store.mu.Unlock()

	n, err := log.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 3 {
		t.Fatalf("drained %d, want 3", n)
	}
	if pending, _ := sp.Pending(ctx); pending != 0 {
		t.Fatalf("spool not emptied: %d pending", pending)
	}

	entries, err := store.List(ctx, Filter{}, 0, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("committed %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
		if e.Action != actions[i] {
			t.Fatalf("arrival order lost: entry %d action %q", i, e.Action)
		}
	}
	if err := log.VerifyChain(ctx, 0, 0); err != nil {
		t.Fatalf("chain invalid after drain: %v", err)
	}
}

func TestDrainStopsOnCommitFailure(t *testing.T) {
	sp := openTestSpool(t)
	store := &flakyStore{InMemory: NewInMemory(), remaining: 1000}
	log := New(store, WithRetry(1, time.Millisecond), WithSpool(sp))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := log.Append(ctx, entry("view", OutcomeAllowed)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Detach the spool so failed drain appends are not silently re-queued,
	// then drain against the still-broken store.
	log.spool = nil
	_, err := sp.drain(ctx, func(ctx context.Context, e *Entry) error {
		_, err := log.Append(ctx, *e)
		return err
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("want ErrStorageUnavailable, got %v", err)
	}
	if pending, _ := sp.Pending(ctx); pending != 2 {
		t.Fatalf("entries lost on failed drain: %d pending, want 2", pending)
	}
}
