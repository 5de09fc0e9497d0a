package chat

import (
	"log/slog"
	"sort"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRegistryRegisterLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	c := NewClient("s1", 8)

	if r.IsOnline("alice") {
		t.Fatal("alice online before register")
	}

	r.Register("alice", c)

	if !r.IsOnline("alice") {
		t.Fatal("alice offline after register")
	}
	if got := r.ClientFor("alice"); got != c {
		t.Fatalf("ClientFor returned %v", got)
	}
}

func TestRegistryUnregisterCleansBothDirections(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	c := NewClient("s1", 8)
	r.Register("alice", c)

	if got := r.Unregister(c); got != "alice" {
		t.Fatalf("Unregister=%q want alice", got)
	}
	if r.IsOnline("alice") {
		t.Fatal("alice still online after unregister")
	}
	if got := r.Unregister(c); got != "" {
		t.Fatalf("second Unregister=%q want empty", got)
	}
}

func TestRegistryReRegisterEvictsOldClient(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	old := NewClient("s1", 8)
	fresh := NewClient("s2", 8)

	r.Register("alice", old)
	evicted := r.Register("alice", fresh)

	if evicted != old {
		t.Fatalf("evicted=%v want old client", evicted)
	}
	select {
	case <-old.Done():
	default:
		t.Fatal("evicted client was not closed")
	}
	if got := r.ClientFor("alice"); got != fresh {
		t.Fatal("alice not bound to the new client")
	}

	// The evicted client's disconnect path must not knock the new binding out.
	if got := r.Unregister(old); got != "" {
		t.Fatalf("stale Unregister=%q want empty", got)
	}
	if !r.IsOnline("alice") {
		t.Fatal("alice went offline after stale unregister")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	r.Register("alice", NewClient("s1", 8))
	r.Register("bob", NewClient("s2", 8))

	got := r.Snapshot()
	sort.Strings(got)
	want := []string{"alice", "bob"}
	if len(got) != len(want) {
		t.Fatalf("Snapshot=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot=%v want %v", got, want)
		}
	}
}
