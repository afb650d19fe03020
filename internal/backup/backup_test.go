package backup

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chefia/possync/internal/cache"
	"github.com/chefia/possync/internal/events"
	"github.com/chefia/possync/internal/model"
	"github.com/chefia/possync/internal/queue"
	"github.com/chefia/possync/internal/store"
)

func testService(t *testing.T) (*Service, *store.MemoryStore, *queue.Queue, *events.Bus) {
	t.Helper()
	s := store.NewMemoryStore()
	q, err := queue.Open(context.Background(), s)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	bus := events.NewBus()
	c := cache.New(s, nil, nil)
	svc := New(s, q, bus, c, "term-1", "user-1", []string{"orders", "payments"})
	return svc, s, q, bus
}

func seed(t *testing.T, s *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	s.Put(ctx, "orders", "o1", []byte(`{"id":"o1","total":10}`))
	s.Put(ctx, "orders", "o2", []byte(`{"id":"o2","total":20}`))
	s.Put(ctx, "payments", "p1", []byte(`{"id":"p1","amount":10}`))
}

func TestCreateBackupCountsEverything(t *testing.T) {
	ctx := context.Background()
	svc, s, q, bus := testService(t)
	seed(t, s)
	q.Enqueue(ctx, "order", model.ActionUpdate, json.RawMessage(`{"id":"o1"}`))

	var created []model.BackupSnapshot
	bus.Subscribe(events.BackupCreated, func(p any) {
		created = append(created, p.(model.BackupSnapshot))
	})

	snap, err := svc.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	// 3 entity records + 1 pending operation.
	if snap.TotalEntries != 4 {
		t.Errorf("TotalEntries = %d, want 4", snap.TotalEntries)
	}
	if snap.TerminalID != "term-1" || snap.UserID != "user-1" {
		t.Errorf("identity = %s/%s", snap.TerminalID, snap.UserID)
	}
	if len(snap.PendingOperations) != 1 {
		t.Errorf("len(PendingOperations) = %d, want 1", len(snap.PendingOperations))
	}
	if len(created) != 1 || created[0].ID != snap.ID {
		t.Errorf("backup:created events = %v", created)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, s, q, bus := testService(t)
	seed(t, s)
	op, _ := q.Enqueue(ctx, "order", model.ActionUpdate, json.RawMessage(`{"id":"o1"}`))

	snap, err := svc.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	// Mark the pending op synced and mutate state after the snapshot.
	q.MarkSynced(ctx, op.ID)
	s.Put(ctx, "orders", "o3", []byte(`{"id":"o3"}`))
	s.Delete(ctx, "orders", "o1")

	var restored []model.BackupSnapshot
	bus.Subscribe(events.BackupRestored, func(p any) {
		restored = append(restored, p.(model.BackupSnapshot))
	})

	got, err := svc.RestoreBackup(ctx, snap.ID)
	if err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	if got.ID != snap.ID {
		t.Errorf("restored id = %q, want %q", got.ID, snap.ID)
	}

	// Collections match the snapshot exactly.
	if v, _ := s.Get(ctx, "orders", "o1"); string(v) != `{"id":"o1","total":10}` {
		t.Errorf("orders/o1 = %s", v)
	}
	if v, _ := s.Get(ctx, "orders", "o3"); v != nil {
		t.Errorf("orders/o3 survived restore: %s", v)
	}

	// The pending op came back with a fresh id and the old idempotency key.
	pending, _ := q.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(pending))
	}
	if pending[0].ID == op.ID {
		t.Error("re-enqueued op kept its old id")
	}
	if pending[0].IdempotencyKey != op.IdempotencyKey {
		t.Errorf("IdempotencyKey = %q, want %q", pending[0].IdempotencyKey, op.IdempotencyKey)
	}
	if len(restored) != 1 {
		t.Errorf("backup:restored emitted %d times, want 1", len(restored))
	}
}

func TestRestoreMostRecentWhenIDOmitted(t *testing.T) {
	ctx := context.Background()
	svc, s, _, _ := testService(t)

	s.Put(ctx, "orders", "o1", []byte(`{"v":1}`))
	first, _ := svc.CreateBackup(ctx)
	time.Sleep(2 * time.Millisecond)
	s.Put(ctx, "orders", "o1", []byte(`{"v":2}`))
	second, _ := svc.CreateBackup(ctx)

	got, err := svc.RestoreBackup(ctx, "")
	if err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("restored %q, want most recent %q (not %q)", got.ID, second.ID, first.ID)
	}
	if v, _ := s.Get(ctx, "orders", "o1"); string(v) != `{"v":2}` {
		t.Errorf("orders/o1 = %s, want {\"v\":2}", v)
	}
}

func TestRestoreWithoutBackupsIsNotFound(t *testing.T) {
	svc, _, _, _ := testService(t)
	_, err := svc.RestoreBackup(context.Background(), "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	_, err = svc.RestoreBackup(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err by id = %v, want ErrNotFound", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, s, _, _ := testService(t)
	seed(t, s)
	snap, _ := svc.CreateBackup(ctx)

	raw, err := svc.ExportBackup(ctx, snap.ID)
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if doc["metadata"] == nil || doc["data"] == nil {
		t.Fatal("export missing metadata or data")
	}

	// Import into a fresh terminal and restore.
	svc2, s2, _, _ := testService(t)
	imported, err := svc2.ImportBackup(ctx, raw, true)
	if err != nil {
		t.Fatalf("ImportBackup: %v", err)
	}
	if imported.ID != snap.ID {
		t.Errorf("imported id = %q, want %q", imported.ID, snap.ID)
	}
	if v, _ := s2.Get(ctx, "orders", "o1"); string(v) != `{"id":"o1","total":10}` {
		t.Errorf("orders/o1 after import-restore = %s", v)
	}
}

func TestImportRejectsMalformedDocuments(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := testService(t)

	cases := []string{
		`not json`,
		`{"metadata":{"id":"x"}}`,
		`{"data":{}}`,
		`{"metadata":{},"data":{}}`,
	}
	for _, raw := range cases {
		if _, err := svc.ImportBackup(ctx, []byte(raw), false); !errors.Is(err, store.ErrValidation) {
			t.Errorf("ImportBackup(%q) err = %v, want ErrValidation", raw, err)
		}
	}
}

func TestRestoreRejectsBadCollectionWithoutApplying(t *testing.T) {
	ctx := context.Background()
	svc, s, _, _ := testService(t)
	seed(t, s)

	// Passes the metadata/data shape check but carries a collection that is
	// not a key/value object.
	raw := []byte(`{
		"metadata": {"version": 1, "id": "bad-import", "terminal_id": "term-2"},
		"data": {
			"entity_collections": {
				"orders": {"o1": {"id": "o1", "total": 99}},
				"payments": "not-a-map"
			}
		}
	}`)

	if _, err := svc.ImportBackup(ctx, raw, true); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("ImportBackup err = %v, want ErrValidation", err)
	}

	// Every collection is exactly as seeded, including the one listed
	// before the malformed one.
	if v, _ := s.Get(ctx, "orders", "o1"); string(v) != `{"id":"o1","total":10}` {
		t.Errorf("orders/o1 = %s, want seeded value untouched", v)
	}
	if v, _ := s.Get(ctx, "orders", "o2"); string(v) != `{"id":"o2","total":20}` {
		t.Errorf("orders/o2 = %s, want seeded value untouched", v)
	}
	if v, _ := s.Get(ctx, "payments", "p1"); string(v) != `{"id":"p1","amount":10}` {
		t.Errorf("payments/p1 = %s, want seeded value untouched", v)
	}
}

func TestCleanupRetainsNewest(t *testing.T) {
	ctx := context.Background()
	svc, s, _, _ := testService(t)

	// Fabricate three old snapshots directly; CreateBackup would stamp now.
	base := time.Now().UTC().AddDate(0, 0, -30)
	for i := 0; i < 3; i++ {
		snap := model.BackupSnapshot{
			ID:         time.Duration(i).String() + "-old",
			TerminalID: "term-1",
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		}
		data, _ := json.Marshal(snap)
		s.Put(ctx, store.CollectionBackups, snap.ID, data)
	}

	removed, err := svc.CleanupOldBackups(ctx, 7)
	if err != nil {
		t.Fatalf("CleanupOldBackups: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	snaps, _ := svc.List(ctx)
	if len(snaps) != 1 {
		t.Fatalf("len(snaps) = %d, want 1", len(snaps))
	}
	if snaps[0].CreatedAt.Before(base.Add(time.Hour)) {
		t.Errorf("kept snapshot is not the newest: %v", snaps[0].CreatedAt)
	}

	// Running again removes nothing; the sole snapshot is always kept.
	removed, _ = svc.CleanupOldBackups(ctx, 7)
	if removed != 0 {
		t.Errorf("second cleanup removed %d, want 0", removed)
	}
}
