package broadcast

import (
	"context"
	"testing"
)

func newTestSub(clientID string) *subscription {
	_, cancel := context.WithCancel(context.Background())
	return &subscription{
		clientID: clientID,
		send:     func(any) error { return nil },
		cancel:   cancel,
	}
}

func TestRegistryDuplicateClientIDEvicts(t *testing.T) {
	reg := newRegistry()

	a := newTestSub("C")
	if evicted := reg.register(a); evicted != nil {
		t.Fatalf("first registration should not evict anything")
	}

	b := newTestSub("C")
	evicted := reg.register(b)
	if evicted != a {
		t.Fatalf("expected A to be evicted, got %v", evicted)
	}

	ids := reg.clientIDs()
	if len(ids) != 1 || ids[0] != "C" {
		t.Fatalf("expected exactly one client C, got %v", ids)
	}
	snap := reg.snapshot()
	if len(snap) != 1 || snap[0] != b {
		t.Fatalf("expected registry to hold only B, got %v", snap)
	}
}

func TestRegistryUnregisterIgnoresStaleEntry(t *testing.T) {
	reg := newRegistry()

	a := newTestSub("C")
	reg.register(a)
	b := newTestSub("C")
	reg.register(b) // evicts a

	// a's own handler goroutine unwinds and calls unregister after being
	// evicted; it must not remove b's entry.
	reg.unregister(a)
	if ids := reg.clientIDs(); len(ids) != 1 || ids[0] != "C" {
		t.Fatalf("stale unregister removed the live entry: %v", ids)
	}

	reg.unregister(b)
	if ids := reg.clientIDs(); len(ids) != 0 {
		t.Fatalf("expected empty registry after b's unregister, got %v", ids)
	}
}

func TestRegistrySnapshotPreservesOrder(t *testing.T) {
	reg := newRegistry()
	for _, id := range []string{"a", "b", "c"} {
		reg.register(newTestSub(id))
	}
	got := reg.clientIDs()
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("order mismatch: got %v, want %v", got, want)
		}
	}
}
