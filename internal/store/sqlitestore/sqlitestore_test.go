package sqlitestore

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// testStore opens a store on a temp dir using the mattn driver, which keeps
// CI off the slower modernc build. Production uses the pure-Go driver.
func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := open(t.TempDir(), "sqlite3")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if err := s.Put(ctx, "orders", "o1", []byte(`{"id":"o1","total":42}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "orders", "o1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"id":"o1","total":42}` {
		t.Errorf("Get = %s", got)
	}
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	got, err := s.Get(ctx, "orders", "nope")
	if err != nil {
		t.Fatalf("Get missing: err = %v, want nil", err)
	}
	if got != nil {
		t.Errorf("Get missing = %s, want nil", got)
	}
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	s.Put(ctx, "orders", "o1", []byte(`{"v":1}`))
	if err := s.Put(ctx, "orders", "o1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _ := s.Get(ctx, "orders", "o1")
	if string(got) != `{"v":2}` {
		t.Errorf("Get = %s, want {\"v\":2}", got)
	}
}

func TestListOrderedByKey(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for _, k := range []string{"00000000000000000002", "00000000000000000001", "00000000000000000003"} {
		if err := s.Put(ctx, "operations", k, []byte(`{}`)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	records, err := s.List(ctx, "operations")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	if records[0].Key != "00000000000000000001" || records[2].Key != "00000000000000000003" {
		t.Errorf("List not ordered: first=%q last=%q", records[0].Key, records[2].Key)
	}
}

func TestListByIndexMatchesJSONField(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	s.Put(ctx, "operations", "1", []byte(`{"synced":false,"entity_type":"order"}`))
	s.Put(ctx, "operations", "2", []byte(`{"synced":true,"entity_type":"order"}`))
	s.Put(ctx, "operations", "3", []byte(`{"synced":false,"entity_type":"payment"}`))

	records, err := s.ListByIndex(ctx, "operations", "synced", "false")
	if err != nil {
		t.Fatalf("ListByIndex: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	records, err = s.ListByIndex(ctx, "operations", "entity_type", `"payment"`)
	if err != nil {
		t.Fatalf("ListByIndex string: %v", err)
	}
	if len(records) != 1 || records[0].Key != "3" {
		t.Errorf("ListByIndex entity_type = %d records, want key 3", len(records))
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	s.Put(ctx, "orders", "x", []byte(`{"kind":"order"}`))
	s.Put(ctx, "payments", "x", []byte(`{"kind":"payment"}`))

	got, _ := s.Get(ctx, "orders", "x")
	if string(got) != `{"kind":"order"}` {
		t.Errorf("orders/x = %s", got)
	}
	if err := s.Clear(ctx, "orders"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, _ = s.Get(ctx, "payments", "x")
	if got == nil {
		t.Error("payments/x gone after clearing orders")
	}
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := open(dir, "sqlite3")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put(ctx, "orders", "o1", []byte(`{"id":"o1"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := open(dir, "sqlite3")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, "orders", "o1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != `{"id":"o1"}` {
		t.Errorf("Get after reopen = %s", got)
	}
}
