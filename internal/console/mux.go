// Package console fans one exclusive byte-stream device out to many readers
// and serializes writers onto it.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/metrics"
)

const (
	DefaultBacklog = 64 * 1024
	readChunk      = 4096
)

type Mux struct {
	dev     capability.ConsoleDevice
	backlog int

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	err    error
	done   chan struct{}
	starts sync.Once

	writeMu sync.Mutex
}

func NewMux(dev capability.ConsoleDevice, backlog int) *Mux {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	return &Mux{
		dev:     dev,
		backlog: backlog,
		subs:    make(map[*Subscriber]struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the reader pump once. The pump ends when the device read
// fails or the mux is closed.
func (m *Mux) Start(ctx context.Context) {
	m.starts.Do(func() {
		go m.pump(ctx)
	})
}

func (m *Mux) pump(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	buf := make([]byte, readChunk)

	for {
		n, err := m.dev.Read(buf)
		if n > 0 {
			metrics.AddConsoleBytes("rx", n)
			m.broadcast(buf[:n])
		}

		if err != nil {
			if m.Closed() {
				return
			}

			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("console read ended")
			}

			m.Close(fmt.Errorf("%w: %w", customerrors.ErrDisconnected, err))

			return
		}

		select {
		case <-m.done:
			return
		default:
		}
	}
}

func (m *Mux) broadcast(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for s := range m.subs {
		s.push(p)
	}
}

// Subscribe attaches a new reader.
func (m *Mux) Subscribe() (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	s := newSubscriber(m, m.backlog)
	m.subs[s] = struct{}{}
	metrics.AddConsoleSubscribers(1)

	return s, nil
}

func (m *Mux) detach(s *Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[s]; ok {
		delete(m.subs, s)
		metrics.AddConsoleSubscribers(-1)
	}
}

func (m *Mux) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.subs)
}

// Write sends p to the device as one unit; concurrent writers never
// interleave within a call.
func (m *Mux) Write(p []byte) (int, error) {
	if err := m.Err(); err != nil {
		return 0, err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	written := 0

	for written < len(p) {
		n, err := m.dev.Write(p[written:])
		written += n

		if err != nil {
			metrics.AddConsoleBytes("tx", written)

			return written, customerrors.IO("console write", err)
		}

		if n == 0 {
			metrics.AddConsoleBytes("tx", written)

			return written, customerrors.IO("console write", io.ErrShortWrite)
		}
	}

	metrics.AddConsoleBytes("tx", written)

	return written, nil
}

// Close terminates every subscriber with err (ErrDisconnected when nil).
// The underlying device is not closed; the registry owns it.
func (m *Mux) Close(err error) {
	if err == nil {
		err = customerrors.ErrDisconnected
	}

	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()

		return
	}

	m.err = err
	subs := m.subs
	m.subs = make(map[*Subscriber]struct{})
	close(m.done)
	m.mu.Unlock()

	metrics.AddConsoleSubscribers(-len(subs))

	for s := range subs {
		s.end(err)
	}
}

func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.err
}

func (m *Mux) Closed() bool { return m.Err() != nil }

func (m *Mux) Done() <-chan struct{} { return m.done }
