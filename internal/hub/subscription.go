package hub

import (
	"sync"
	"sync/atomic"

	"github.com/darsavelidze/safe-school/internal/model"
)

// Subscription is one live viewer of a school. Events are delivered on C()
// until the subscription is closed, after which C() is closed too.
type Subscription struct {
	ID       string
	TenantID string

	mu     sync.Mutex // serializes offer and close
	ch     chan model.Event
	done   chan struct{}
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newSubscription(id, tenantID string, buffer int) *Subscription {
	return &Subscription{
		ID:       id,
		TenantID: tenantID,
		ch:       make(chan model.Event, buffer),
		done:     make(chan struct{}),
	}
}

// C returns the event channel
func (s *Subscription) C() <-chan model.Event {
	return s.ch
}

// Done is closed when the subscription is torn down
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Sent returns the number of events accepted into the buffer
func (s *Subscription) Sent() uint64 {
	return s.sent.Load()
}

// Dropped returns the number of events discarded because the buffer was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// offer enqueues ev without blocking. When the buffer is full the oldest
// undelivered event is discarded to make room. Returns the number of events
// dropped.
func (s *Subscription) offer(ev model.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	dropped := 0
	for {
		select {
		case s.ch <- ev:
			s.sent.Add(1)
			return dropped
		default:
		}

		// Only the reader removes events concurrently, so after one
		// successful drop the next send always finds room.
		select {
		case <-s.ch:
			s.dropped.Add(1)
			dropped++
		default:
		}
	}
}

// close marks the subscription closed. Reports false if it already was.
func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	return true
}
