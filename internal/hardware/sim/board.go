// Package sim provides in-memory devices: a loopback console board, a relay
// and a RAM-backed block device. They back the "sim" device kind and tests.
package sim

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

const loopbackDepth = 256

// Board echoes console writes back to its reader and keeps power and GPIO
// state in memory.
type Board struct {
	caps capability.Set

	rx     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []byte
	baud    int
	lines   map[capability.Line]bool
	power   bool
	gpio    map[string]bool
}

// NewBoard returns a board with the given capabilities. GPIO lines are
// created for gpioLines.
func NewBoard(caps capability.Set, gpioLines ...string) *Board {
	b := &Board{
		caps:   caps,
		rx:     make(chan []byte, loopbackDepth),
		closed: make(chan struct{}),
		baud:   115200,
		lines:  map[capability.Line]bool{},
		gpio:   map[string]bool{},
	}

	for _, l := range gpioLines {
		b.gpio[l] = false
	}

	return b
}

func (b *Board) Capabilities() capability.Set { return b.caps }

func (b *Board) Close() error {
	b.once.Do(func() { close(b.closed) })

	return nil
}

func (b *Board) Read(p []byte) (int, error) {
	select {
	case chunk := <-b.rx:
		return copy(p, chunk), nil
	case <-b.closed:
		return 0, os.ErrClosed
	}
}

func (b *Board) Write(p []byte) (int, error) {
	select {
	case <-b.closed:
		return 0, os.ErrClosed
	default:
	}

	b.mu.Lock()
	b.written = append(b.written, p...)
	b.mu.Unlock()

	b.Emit(p)

	return len(p), nil
}

// Emit injects bytes as if the board printed them. Chunks larger than a
// read buffer are split.
func (b *Board) Emit(p []byte) {
	for len(p) > 0 {
		n := min(len(p), 1024)
		chunk := slices.Clone(p[:n])
		p = p[n:]

		select {
		case b.rx <- chunk:
		case <-b.closed:
			return
		}
	}
}

// Written returns everything written to the console so far.
func (b *Board) Written() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.written)
}

func (b *Board) Configure(cfg capability.ConsoleConfig) error {
	if cfg.BaudRate <= 0 {
		return fmt.Errorf("%w: baud rate %d", customerrors.ErrInvalidArgument, cfg.BaudRate)
	}

	b.mu.Lock()
	b.baud = cfg.BaudRate
	b.mu.Unlock()

	return nil
}

func (b *Board) BaudRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.baud
}

func (b *Board) SetLine(line capability.Line, asserted bool) error {
	b.mu.Lock()
	b.lines[line] = asserted
	b.mu.Unlock()

	return nil
}

func (b *Board) LineState(line capability.Line) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lines[line]
}

func (b *Board) SetPower(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return customerrors.FromContext(ctx, err)
	}

	b.mu.Lock()
	b.power = on
	b.mu.Unlock()

	return nil
}

func (b *Board) PowerState(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.power, nil
}

func (b *Board) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.gpio))
	for l := range b.gpio {
		out = append(out, l)
	}

	slices.Sort(out)

	return out
}

func (b *Board) SetLevel(_ context.Context, line string, high bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.gpio[line]; !ok {
		return fmt.Errorf("%w: gpio line %q", customerrors.ErrInvalidArgument, line)
	}

	b.gpio[line] = high

	return nil
}

func (b *Board) Level(_ context.Context, line string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.gpio[line]
	if !ok {
		return false, fmt.Errorf("%w: gpio line %q", customerrors.ErrInvalidArgument, line)
	}

	return v, nil
}

// Relay is a power-only device.
type Relay struct {
	mu sync.Mutex
	on bool
	// Fail makes every call return an I/O error.
	Fail bool
}

func (r *Relay) Capabilities() capability.Set { return capability.NewSet(capability.Power) }
func (r *Relay) Close() error                 { return nil }

func (r *Relay) SetPower(_ context.Context, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Fail {
		return customerrors.IO("relay", os.ErrDeadlineExceeded)
	}

	r.on = on

	return nil
}

func (r *Relay) PowerState(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Fail {
		return false, customerrors.IO("relay", os.ErrDeadlineExceeded)
	}

	return r.on, nil
}
