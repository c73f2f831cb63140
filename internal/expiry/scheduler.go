// Package expiry schedules the deletion of ephemeral ("disappearing")
// messages. Each scheduled message gets an independent one-shot timer; a
// slow or failing deletion never delays another message's expiry.
//
// Schedules live only in process memory. If the server restarts before a
// timer fires, the message outlives its disappear time — a known gap that
// deployments must weigh against adding a durable delayed queue.
package expiry

import (
	"sync"
	"time"
)

// FireFunc receives the id of an expired message. It is expected to delete
// the message from the store and broadcast a deletion notice; the scheduler
// does not retry on its behalf.
type FireFunc func(messageID string)

// Scheduler manages one-shot expiry timers keyed by message id.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler creates an empty Scheduler ready for use.
func NewScheduler() *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arranges for onFire to be called with messageID after delay. It
// never blocks the caller; onFire runs on its own goroutine (the timer's).
// A zero or negative delay fires as soon as the runtime schedules it.
// Scheduling the same id twice resets the timer to the new delay; messages
// are never un-ephemeralized, so no cancel API is exposed.
func (s *Scheduler) Schedule(messageID string, delay time.Duration, onFire FireFunc) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if prev, ok := s.timers[messageID]; ok {
		prev.Stop()
	}

	s.timers[messageID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, messageID)
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return
		}
		onFire(messageID)
	})
}

// Pending returns the number of messages awaiting expiry.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	n := len(s.timers)
	s.mu.Unlock()
	return n
}

// Stop cancels all pending timers and rejects further schedules. Pending
// expirations are abandoned, consistent with the restart behavior.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
