package presence

import (
	"sync"
	"testing"
)

// fakePeer records sent frames; tests only need identity bookkeeping here.
type fakePeer struct {
	id string
}

func (p *fakePeer) SessionID() string      { return p.id }
func (p *fakePeer) Send(data []byte) error { return nil }

// ---------------------------------------------------------------------------
// Test: Bind and Lookup round-trip
// ---------------------------------------------------------------------------

func TestRegistry_BindLookup(t *testing.T) {
	r := NewRegistry()
	p := &fakePeer{id: "s-1"}

	r.Add(p)
	if got := r.Lookup("alice"); got != nil {
		t.Fatalf("expected offline identity before bind, got %v", got)
	}

	if displaced := r.Bind("alice", p); displaced != nil {
		t.Fatalf("expected no displaced connection, got %v", displaced)
	}

	if got := r.Lookup("alice"); got != p {
		t.Fatalf("expected bound connection, got %v", got)
	}

	identity, ok := r.Identity("s-1")
	if !ok || identity != "alice" {
		t.Fatalf("expected session bound to alice, got %q ok=%v", identity, ok)
	}
}

// ---------------------------------------------------------------------------
// Test: Rebinding an identity displaces the previous connection
// ---------------------------------------------------------------------------

func TestRegistry_RebindDisplaces(t *testing.T) {
	r := NewRegistry()
	first := &fakePeer{id: "s-1"}
	second := &fakePeer{id: "s-2"}

	r.Add(first)
	r.Add(second)
	r.Bind("alice", first)

	displaced := r.Bind("alice", second)
	if displaced != first {
		t.Fatalf("expected first connection displaced, got %v", displaced)
	}

	if got := r.Lookup("alice"); got != second {
		t.Fatalf("expected second connection bound, got %v", got)
	}

	// The displaced session no longer maps to the identity.
	if _, ok := r.Identity("s-1"); ok {
		t.Error("expected displaced session to be unbound")
	}
}

// ---------------------------------------------------------------------------
// Test: Idempotent rebind of the same session
// ---------------------------------------------------------------------------

func TestRegistry_RebindSameSession(t *testing.T) {
	r := NewRegistry()
	p := &fakePeer{id: "s-1"}

	r.Add(p)
	r.Bind("alice", p)
	if displaced := r.Bind("alice", p); displaced != nil {
		t.Fatalf("expected idempotent rebind, got displaced %v", displaced)
	}
	if got := r.Lookup("alice"); got != p {
		t.Fatal("expected binding to survive idempotent rebind")
	}
}

// ---------------------------------------------------------------------------
// Test: A session that re-identifies drops its old identity
// ---------------------------------------------------------------------------

func TestRegistry_ReIdentify(t *testing.T) {
	r := NewRegistry()
	p := &fakePeer{id: "s-1"}

	r.Add(p)
	r.Bind("alice", p)
	r.Bind("alice2", p)

	if got := r.Lookup("alice"); got != nil {
		t.Error("expected old identity to be unbound after re-identify")
	}
	if got := r.Lookup("alice2"); got != p {
		t.Error("expected new identity to be bound")
	}
}

// ---------------------------------------------------------------------------
// Test: Remove unbinds; removing a never-identified session is a no-op
// ---------------------------------------------------------------------------

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	p := &fakePeer{id: "s-1"}
	pending := &fakePeer{id: "s-2"}

	r.Add(p)
	r.Add(pending)
	r.Bind("alice", p)

	identity, ok := r.Remove("s-1")
	if !ok || identity != "alice" {
		t.Fatalf("expected removal of bound session to report alice, got %q ok=%v", identity, ok)
	}
	if got := r.Lookup("alice"); got != nil {
		t.Error("expected alice offline after removal")
	}

	if _, ok := r.Remove("s-2"); ok {
		t.Error("expected removal of pending session to report unbound")
	}
	if _, ok := r.Remove("never-seen"); ok {
		t.Error("expected removal of unknown session to be a no-op")
	}
}

// ---------------------------------------------------------------------------
// Test: Removing a displaced session does not clobber the new binding
// ---------------------------------------------------------------------------

func TestRegistry_RemoveDisplacedKeepsNewBinding(t *testing.T) {
	r := NewRegistry()
	first := &fakePeer{id: "s-1"}
	second := &fakePeer{id: "s-2"}

	r.Add(first)
	r.Add(second)
	r.Bind("alice", first)
	r.Bind("alice", second)

	// The stale connection disconnects after being displaced.
	r.Remove("s-1")

	if got := r.Lookup("alice"); got != second {
		t.Fatal("expected the new binding to survive the displaced disconnect")
	}
}

// ---------------------------------------------------------------------------
// Test: All returns a stable snapshot including pending connections
// ---------------------------------------------------------------------------

func TestRegistry_AllSnapshot(t *testing.T) {
	r := NewRegistry()
	bound := &fakePeer{id: "s-1"}
	pending := &fakePeer{id: "s-2"}

	r.Add(bound)
	r.Add(pending)
	r.Bind("alice", bound)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 live connections, got %d", len(all))
	}

	// Mutating the registry must not affect the snapshot.
	r.Remove("s-2")
	if len(all) != 2 {
		t.Error("expected snapshot to be unaffected by later mutation")
	}

	if r.Count() != 1 {
		t.Errorf("expected 1 live connection after removal, got %d", r.Count())
	}
	if r.IdentifiedCount() != 1 {
		t.Errorf("expected 1 identified connection, got %d", r.IdentifiedCount())
	}
}

// ---------------------------------------------------------------------------
// Test: Concurrent bind/remove/snapshot does not race
// ---------------------------------------------------------------------------

func TestRegistry_Concurrency(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p := &fakePeer{id: string(rune('a' + n%26))}
			r.Add(p)
			r.Bind(p.id, p)
			r.All()
			r.Lookup(p.id)
			r.Remove(p.id)
		}(i)
	}
	wg.Wait()
}
