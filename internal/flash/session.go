package flash

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/registry"
)

type Status struct {
	ID           uuid.UUID         `json:"id"`
	Device       registry.ID       `json:"device"`
	Protocol     string            `json:"protocol"`
	Region       string            `json:"region"`
	State        State             `json:"state"`
	History      []State           `json:"history"`
	Transferred  int64             `json:"transferred"`
	Total        int64             `json:"total"`
	FailedOffset *int64            `json:"failed_offset,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	Warning      string            `json:"warning,omitempty"`
	Digest       string            `json:"digest,omitempty"`
	Target       map[string]string `json:"target,omitempty"`
	Started      time.Time         `json:"started"`
	Finished     *time.Time        `json:"finished,omitempty"`
}

// Session tracks one flashing operation.
type Session struct {
	id       uuid.UUID
	device   registry.ID
	protocol string
	region   string
	started  time.Time
	cancel   context.CancelCauseFunc
	done     chan struct{}

	mu          sync.Mutex
	state       State
	history     []State
	transferred int64
	total       int64
	failedAt    *int64
	err         error
	warning     string
	digest      string
	target      map[string]string
	finished    *time.Time
	changed     chan struct{}
}

func newSession(device registry.ID, protocol, region string, total int64) *Session {
	return &Session{
		id:       uuid.New(),
		device:   device,
		protocol: protocol,
		region:   region,
		started:  time.Now(),
		done:     make(chan struct{}),
		state:    StateIdle,
		history:  []State{StateIdle},
		total:    total,
		changed:  make(chan struct{}),
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:           s.id,
		Device:       s.device,
		Protocol:     s.protocol,
		Region:       s.region,
		State:        s.state,
		History:      append([]State(nil), s.history...),
		Transferred:  s.transferred,
		Total:        s.total,
		FailedOffset: s.failedAt,
		Warning:      s.warning,
		Digest:       s.digest,
		Target:       s.target,
		Started:      s.started,
		Finished:     s.finished,
	}

	if s.err != nil {
		st.Error = s.err.Error()
		st.ErrorKind = customerrors.Kind(s.err)
	}

	return st
}

// Err is the terminal error of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Changed returns a channel closed on the next status change.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.changed
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is terminal and returns its final status
// and error.
func (s *Session) Wait(ctx context.Context) (Status, error) {
	select {
	case <-s.done:
		return s.Status(), s.Err()
	case <-ctx.Done():
		return s.Status(), customerrors.FromContext(ctx, ctx.Err())
	}
}

// Watch calls fn with each observed status until the session ends or ctx is
// done. Intermediate progress updates may be coalesced.
func (s *Session) Watch(ctx context.Context, fn func(Status) error) error {
	for {
		ch := s.Changed()
		st := s.Status()

		if err := fn(st); err != nil {
			return err
		}

		if st.State.Terminal() {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return customerrors.FromContext(ctx, ctx.Err())
		}
	}
}

// Cancel aborts a running session.
func (s *Session) Cancel() { s.cancel(customerrors.ErrCancelled) }

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) enter(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidTransition(s.state, to) {
		panic("flash: invalid transition " + string(s.state) + " -> " + string(to))
	}

	s.state = to
	s.history = append(s.history, to)
	s.notifyLocked()
}

func (s *Session) setProgress(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transferred = n
	s.notifyLocked()
}

func (s *Session) setTarget(target map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.target = target
}

func (s *Session) setTotal(total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total = total
}

func (s *Session) setDigest(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.digest = d
}

func (s *Session) fail(err error, offset *int64) {
	s.mu.Lock()
	s.err = err
	s.failedAt = offset
	s.mu.Unlock()

	s.enter(StateFailed)
}

func (s *Session) finish(warning string) {
	s.mu.Lock()
	s.warning = warning
	s.mu.Unlock()

	s.enter(StateDone)
}

func (s *Session) close() {
	s.mu.Lock()
	now := time.Now()
	s.finished = &now
	s.notifyLocked()
	s.mu.Unlock()

	close(s.done)
}

func (s *Session) current() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}
