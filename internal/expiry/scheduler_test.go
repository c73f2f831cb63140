package expiry

import (
	"sync"
	"testing"
	"time"
)

// collectFires returns a FireFunc that records fired ids and a getter.
func collectFires() (FireFunc, func() []string) {
	var mu sync.Mutex
	var fired []string
	fire := func(id string) {
		mu.Lock()
		fired = append(fired, id)
		mu.Unlock()
	}
	get := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(fired))
		copy(out, fired)
		return out
	}
	return fire, get
}

// waitUntil polls cond up to timeout.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ---------------------------------------------------------------------------
// Test: A schedule fires once after its delay
// ---------------------------------------------------------------------------

func TestScheduler_Fires(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	fire, fired := collectFires()
	s.Schedule("m-1", 20*time.Millisecond, fire)

	if got := fired(); len(got) != 0 {
		t.Fatal("expected no fire before the delay elapses")
	}

	waitUntil(t, time.Second, func() bool { return len(fired()) == 1 })

	if got := fired(); got[0] != "m-1" {
		t.Errorf("expected fired id m-1, got %q", got[0])
	}
	if s.Pending() != 0 {
		t.Errorf("expected no pending timers after fire, got %d", s.Pending())
	}
}

// ---------------------------------------------------------------------------
// Test: Zero delay fires without blocking the caller
// ---------------------------------------------------------------------------

func TestScheduler_ZeroDelay(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	fire, fired := collectFires()
	s.Schedule("m-1", 0, fire)

	waitUntil(t, time.Second, func() bool { return len(fired()) == 1 })
}

// ---------------------------------------------------------------------------
// Test: Simultaneous schedules are independent timers
// ---------------------------------------------------------------------------

func TestScheduler_IndependentTimers(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	fire, fired := collectFires()
	s.Schedule("m-1", 10*time.Millisecond, fire)
	s.Schedule("m-2", 20*time.Millisecond, fire)
	s.Schedule("m-3", 30*time.Millisecond, fire)

	if s.Pending() != 3 {
		t.Fatalf("expected 3 pending timers, got %d", s.Pending())
	}

	waitUntil(t, time.Second, func() bool { return len(fired()) == 3 })

	seen := make(map[string]bool)
	for _, id := range fired() {
		if seen[id] {
			t.Errorf("id %s fired more than once", id)
		}
		seen[id] = true
	}
}

// ---------------------------------------------------------------------------
// Test: Rescheduling the same id resets the timer instead of doubling it
// ---------------------------------------------------------------------------

func TestScheduler_RescheduleResets(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	fire, fired := collectFires()
	s.Schedule("m-1", 10*time.Millisecond, fire)
	s.Schedule("m-1", 30*time.Millisecond, fire)

	if s.Pending() != 1 {
		t.Fatalf("expected 1 pending timer after reschedule, got %d", s.Pending())
	}

	waitUntil(t, time.Second, func() bool { return len(fired()) >= 1 })
	// Give the original timer a chance to double-fire if it survived.
	time.Sleep(30 * time.Millisecond)

	if got := fired(); len(got) != 1 {
		t.Errorf("expected exactly one fire after reschedule, got %d", len(got))
	}
}

// ---------------------------------------------------------------------------
// Test: Stop cancels pending timers and rejects new schedules
// ---------------------------------------------------------------------------

func TestScheduler_Stop(t *testing.T) {
	s := NewScheduler()

	fire, fired := collectFires()
	s.Schedule("m-1", 10*time.Millisecond, fire)
	s.Stop()

	if s.Pending() != 0 {
		t.Errorf("expected no pending timers after stop, got %d", s.Pending())
	}

	s.Schedule("m-2", time.Millisecond, fire)
	time.Sleep(30 * time.Millisecond)

	if got := fired(); len(got) != 0 {
		t.Errorf("expected no fires after stop, got %v", got)
	}
}
