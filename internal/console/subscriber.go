package console

import (
	"context"
	"sync"

	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/metrics"
)

// Subscriber receives console output from the moment it subscribed. Its
// backlog is bounded; when full the oldest bytes are discarded.
type Subscriber struct {
	mux *Mux
	max int

	mu      sync.Mutex
	buf     []byte
	dropped uint64
	err     error
	notify  chan struct{}
}

func newSubscriber(m *Mux, backlog int) *Subscriber {
	return &Subscriber{mux: m, max: backlog, notify: make(chan struct{}, 1)}
}

func (s *Subscriber) push(p []byte) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()

		return
	}

	if len(p) >= s.max {
		over := len(s.buf) + len(p) - s.max
		s.dropped += uint64(over) //nolint:gosec // positive by construction
		metrics.AddConsoleDropped(over)
		s.buf = append(s.buf[:0], p[len(p)-s.max:]...)
	} else {
		s.buf = append(s.buf, p...)
		if over := len(s.buf) - s.max; over > 0 {
			s.dropped += uint64(over) //nolint:gosec // positive by construction
			metrics.AddConsoleDropped(over)
			copy(s.buf, s.buf[over:])
			s.buf = s.buf[:s.max]
		}
	}
	s.mu.Unlock()

	s.wake()
}

func (s *Subscriber) end(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	s.wake()
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until output is available and returns all of it. After the
// console closes, buffered output is drained before the terminal error is
// returned.
func (s *Subscriber) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			out := make([]byte, len(s.buf))
			copy(out, s.buf)
			s.buf = s.buf[:0]
			s.mu.Unlock()

			return out, nil
		}

		err := s.err
		s.mu.Unlock()

		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, customerrors.FromContext(ctx, ctx.Err())
		case <-s.notify:
		}
	}
}

// Dropped reports how many bytes were discarded for this subscriber.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dropped
}

// Close detaches the subscriber. It is idempotent.
func (s *Subscriber) Close() {
	s.mux.detach(s)
	s.end(customerrors.ErrCancelled)
}
