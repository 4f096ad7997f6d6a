package dispatch

import (
	"context"
	"sync"

	"github.com/bavix/boardfarm/internal/capability"
	"github.com/bavix/boardfarm/internal/console"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/registry"
)

func (d *Dispatcher) mux(id registry.ID) (*console.Mux, error) {
	dev, _, err := resolve[capability.ConsoleDevice](d.reg, id, capability.Console)
	if err != nil {
		return nil, err
	}

	return d.consoles.Get(dev)
}

// StreamConsole subscribes to device output from this moment on. Readers
// never take the lease.
func (d *Dispatcher) StreamConsole(_ context.Context, id registry.ID) (*console.Subscriber, error) {
	m, err := d.mux(id)
	if err != nil {
		return nil, err
	}

	return m.Subscribe()
}

// WriteConsole takes the console-write lease for one write.
func (d *Dispatcher) WriteConsole(ctx context.Context, id registry.ID, data []byte) (int, error) {
	m, err := d.mux(id)
	if err != nil {
		return 0, err
	}

	var n int

	err = d.leased(ctx, id, HolderConsoleWrite, func(context.Context) error {
		var werr error
		n, werr = m.Write(data)

		return werr
	})

	return n, err
}

// ConfigureConsole applies serial settings under the lease.
func (d *Dispatcher) ConfigureConsole(ctx context.Context, id registry.ID, cfg capability.ConsoleConfig) error {
	_, dev, err := resolve[capability.ConsoleDevice](d.reg, id, capability.Console)
	if err != nil {
		return err
	}

	return d.leased(ctx, id, HolderConsoleSetup, func(context.Context) error {
		return dev.Configure(cfg)
	})
}

// SetConsoleLine drives a control line. It is exclusive with flashing and
// console input streams.
func (d *Dispatcher) SetConsoleLine(ctx context.Context, id registry.ID, line capability.Line, asserted bool) error {
	_, dev, err := resolve[capability.ConsoleDevice](d.reg, id, capability.Console)
	if err != nil {
		return err
	}

	return d.leased(ctx, id, HolderConsoleLine, func(context.Context) error {
		if err := dev.SetLine(line, asserted); err != nil {
			return customerrors.IO("set line "+string(line), err)
		}

		return nil
	})
}

// ConsoleInput is an exclusive writer held for the lifetime of a stream.
type ConsoleInput struct {
	mux   *console.Mux
	lease *registry.Lease
	once  sync.Once
}

// OpenConsoleInput takes the console-write lease until Close. A second
// writer, one-shot or streaming, fails with ErrBusy meanwhile.
func (d *Dispatcher) OpenConsoleInput(_ context.Context, id registry.ID) (*ConsoleInput, error) {
	m, err := d.mux(id)
	if err != nil {
		return nil, err
	}

	lease, err := d.reg.Acquire(id, HolderConsoleInput)
	if err != nil {
		return nil, err
	}

	return &ConsoleInput{mux: m, lease: lease}, nil
}

func (c *ConsoleInput) Write(p []byte) (int, error) {
	if err := c.lease.Err(); err != nil {
		return 0, err
	}

	return c.mux.Write(p)
}

// Done is closed when the lease ends, either by Close or by removal.
func (c *ConsoleInput) Done() <-chan struct{} { return c.lease.Done() }

func (c *ConsoleInput) Err() error { return c.lease.Err() }

func (c *ConsoleInput) Close() error {
	c.once.Do(c.lease.Release)

	return nil
}
