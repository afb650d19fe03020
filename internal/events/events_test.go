package events

import "testing"

func TestSubscribeEmit(t *testing.T) {
	bus := NewBus()

	var got []any
	bus.Subscribe(SyncFailed, func(p any) { got = append(got, p) })
	bus.Subscribe(BackupCreated, func(p any) { t.Error("wrong event delivered") })

	bus.Emit(SyncFailed, "payload")
	if len(got) != 1 || got[0] != "payload" {
		t.Errorf("got = %v, want [payload]", got)
	}
}

func TestSubscribeAllSeesEveryEvent(t *testing.T) {
	bus := NewBus()

	var names []string
	bus.SubscribeAll(func(name string, _ any) { names = append(names, name) })

	bus.Emit(ConnectionOnline, nil)
	bus.Emit(SyncConflict, nil)

	if len(names) != 2 || names[0] != ConnectionOnline || names[1] != SyncConflict {
		t.Errorf("names = %v", names)
	}
}

func TestPanickingHandlerDoesNotWedgeEmitter(t *testing.T) {
	bus := NewBus()

	delivered := false
	bus.Subscribe(SyncFailed, func(any) { panic("boom") })
	bus.Subscribe(SyncFailed, func(any) { delivered = true })

	bus.Emit(SyncFailed, nil) // must not panic out
	if !delivered {
		t.Error("second handler skipped after first panicked")
	}
}

func TestEntityEvent(t *testing.T) {
	if got := EntityEvent("order", "CREATE"); got != "sync:order:CREATE" {
		t.Errorf("EntityEvent = %q", got)
	}
}
