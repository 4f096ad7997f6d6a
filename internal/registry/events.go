package registry

import (
	"context"
	"sync"

	customerrors "github.com/bavix/boardfarm/internal/errors"
)

type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
	EventUpdated EventKind = "updated"
)

type Event struct {
	Kind   EventKind `json:"kind"`
	Device *Device   `json:"device"`
}

// Subscription is an unbounded, ordered event queue for one subscriber.
type Subscription struct {
	reg *Registry

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	closed bool
}

func newSubscription(reg *Registry) *Subscription {
	return &Subscription{reg: reg, notify: make(chan struct{}, 1)}
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}

	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the context ends, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			return ev, nil
		}

		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Event{}, customerrors.ErrDisconnected
		}

		select {
		case <-ctx.Done():
			return Event{}, customerrors.FromContext(ctx, ctx.Err())
		case <-s.notify:
		}
	}
}

// Pending reports the number of queued events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// Close detaches the subscription. Queued events are discarded.
func (s *Subscription) Close() {
	s.reg.unsubscribe(s)

	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
