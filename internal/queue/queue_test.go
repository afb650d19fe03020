package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/chefia/possync/internal/model"
	"github.com/chefia/possync/internal/store"
)

func testQueue(t *testing.T) (*Queue, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	q, err := Open(context.Background(), s)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q, s
}

func TestEnqueueAssignsMetadata(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	op, err := q.Enqueue(ctx, "order", model.ActionCreate, json.RawMessage(`{"id":"o1"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if op.ID == "" || op.IdempotencyKey == "" {
		t.Error("Enqueue left id or idempotency key empty")
	}
	if op.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", op.Attempts)
	}
	if op.MaxAttempts != model.DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", op.MaxAttempts, model.DefaultMaxAttempts)
	}
	if op.Synced {
		t.Error("fresh operation marked synced")
	}
	if op.Seq != 1 {
		t.Errorf("Seq = %d, want 1", op.Seq)
	}
}

func TestListPendingEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, "order", model.ActionUpdate, json.RawMessage(`{"id":"`+id+`"}`)); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}
	for i, op := range pending {
		if op.Seq != int64(i+1) {
			t.Errorf("pending[%d].Seq = %d, want %d", i, op.Seq, i+1)
		}
	}
}

func TestMarkSyncedIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	op, _ := q.Enqueue(ctx, "order", model.ActionCreate, json.RawMessage(`{"id":"o1"}`))

	if err := q.MarkSynced(ctx, op.ID); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	// Second and third marks are no-ops.
	if err := q.MarkSynced(ctx, op.ID); err != nil {
		t.Fatalf("MarkSynced twice: %v", err)
	}
	if err := q.MarkSynced(ctx, "no-such-op"); err != nil {
		t.Fatalf("MarkSynced absent: %v", err)
	}

	pending, _ := q.ListPending(ctx)
	if len(pending) != 0 {
		t.Errorf("len(pending) = %d, want 0", len(pending))
	}
	got, _ := q.Get(ctx, op.ID)
	if got == nil || !got.Synced {
		t.Error("operation not flagged synced")
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	op, _ := q.Enqueue(ctx, "order", model.ActionCreate, json.RawMessage(`{"id":"o1"}`))
	if err := q.Remove(ctx, op.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got, _ := q.Get(ctx, op.ID); got != nil {
		t.Error("operation still present after Remove")
	}
	// Removing again is a no-op.
	if err := q.Remove(ctx, op.ID); err != nil {
		t.Errorf("Remove absent: %v", err)
	}
}

func TestSeqSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	q, err := Open(ctx, s)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	q.Enqueue(ctx, "order", model.ActionCreate, json.RawMessage(`{"id":"o1"}`))
	q.Enqueue(ctx, "order", model.ActionCreate, json.RawMessage(`{"id":"o2"}`))

	q2, err := Open(ctx, s)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	op, err := q2.Enqueue(ctx, "order", model.ActionCreate, json.RawMessage(`{"id":"o3"}`))
	if err != nil {
		t.Fatalf("Enqueue after reopen: %v", err)
	}
	if op.Seq != 3 {
		t.Errorf("Seq after reopen = %d, want 3", op.Seq)
	}
}

// flakyStore fails the first Put to one collection, then recovers.
type flakyStore struct {
	store.DurableStore
	failCollection string
	failed         bool
}

func (f *flakyStore) Put(ctx context.Context, collection, key string, value []byte) error {
	if !f.failed && collection == f.failCollection {
		f.failed = true
		return fmt.Errorf("%w: disk full", store.ErrStorage)
	}
	return f.DurableStore.Put(ctx, collection, key, value)
}

func TestFailedEnqueueNeverReusesSequence(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	fs := &flakyStore{DurableStore: mem, failCollection: store.CollectionOperations}

	q, err := Open(ctx, fs)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := q.Enqueue(ctx, "order", model.ActionCreate, json.RawMessage(`{"id":"o1"}`)); err == nil {
		t.Fatal("Enqueue succeeded despite failed operation write")
	}

	// The failed enqueue consumed its sequence number. A queue reopened
	// from the same store must move past it, not overwrite opKey(1).
	q2, err := Open(ctx, mem)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	op, err := q2.Enqueue(ctx, "order", model.ActionCreate, json.RawMessage(`{"id":"o2"}`))
	if err != nil {
		t.Fatalf("Enqueue after reopen: %v", err)
	}
	if op.Seq != 2 {
		t.Errorf("Seq = %d, want 2", op.Seq)
	}
	pending, err := q2.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Seq != 2 {
		t.Errorf("pending = %+v, want the single op at seq 2", pending)
	}
}

func TestReenqueuePreservesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	orig, _ := q.Enqueue(ctx, "order", model.ActionUpdate, json.RawMessage(`{"id":"o1"}`))
	orig.Attempts = 2
	orig.LastError = "HTTP 500"

	re, err := q.Reenqueue(ctx, *orig)
	if err != nil {
		t.Fatalf("Reenqueue: %v", err)
	}
	if re.ID == orig.ID {
		t.Error("Reenqueue kept the old operation id")
	}
	if re.IdempotencyKey != orig.IdempotencyKey {
		t.Errorf("IdempotencyKey = %q, want %q", re.IdempotencyKey, orig.IdempotencyKey)
	}
	if re.Attempts != 0 || re.LastError != "" {
		t.Errorf("retry state not reset: attempts=%d lastError=%q", re.Attempts, re.LastError)
	}
}

func TestEnqueueNudgesCoordinator(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	nudged := 0
	q.OnEnqueue(func() { nudged++ })

	q.Enqueue(ctx, "order", model.ActionCreate, json.RawMessage(`{"id":"o1"}`))
	q.Enqueue(ctx, "order", model.ActionCreate, json.RawMessage(`{"id":"o2"}`))
	if nudged != 2 {
		t.Errorf("nudged = %d, want 2", nudged)
	}
}
