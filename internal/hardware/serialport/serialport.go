// Package serialport adapts a uart to the console capability and, for
// boards with a serial bootrom, to the flash capability.
package serialport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

const (
	DefaultBaudRate = 115200
	// readPoll is the port read timeout; console reads loop on it so pause
	// and close are observed promptly.
	readPoll      = 100 * time.Millisecond
	breakDuration = 250 * time.Millisecond
)

// Handle is the subset of serial.Port the adapter drives.
type Handle interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	Break(d time.Duration) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type Options struct {
	BaudRate int
	// Flash exposes the port to the brom protocol.
	Flash       bool
	LoadAddress uint64
}

type Port struct {
	name string
	h    Handle
	caps capability.Set
	load uint64

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	reading bool
	closed  bool
	baud    int
}

// Open opens the named port at the configured rate.
func Open(name string, opts Options) (*Port, error) {
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}

	h, err := serial.Open(name, &serial.Mode{BaudRate: opts.BaudRate})
	if err != nil {
		return nil, customerrors.IO("open "+name, err)
	}

	if err := h.SetReadTimeout(readPoll); err != nil {
		_ = h.Close()

		return nil, customerrors.IO("set read timeout", err)
	}

	return New(name, h, opts), nil
}

// New wraps an already open handle.
func New(name string, h Handle, opts Options) *Port {
	caps := capability.NewSet(capability.Console)
	if opts.Flash {
		caps |= capability.NewSet(capability.Flash)
	}

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}

	p := &Port{name: name, h: h, caps: caps, load: opts.LoadAddress, baud: opts.BaudRate}
	p.cond = sync.NewCond(&p.mu)

	return p
}

func (p *Port) Name() string { return p.name }

func (p *Port) Capabilities() capability.Set { return p.caps }

// Read blocks until bytes arrive, the port closes, or the port fails. It
// waits while a flash session has the port suspended.
func (p *Port) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		for p.paused && !p.closed {
			p.cond.Wait()
		}

		if p.closed {
			p.mu.Unlock()

			return 0, io.EOF
		}

		p.reading = true
		p.mu.Unlock()

		n, err := p.h.Read(b)

		p.mu.Lock()
		p.reading = false
		p.cond.Broadcast()
		p.mu.Unlock()

		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (p *Port) Write(b []byte) (int, error) { return p.h.Write(b) }

func (p *Port) Configure(cfg capability.ConsoleConfig) error {
	if cfg.BaudRate <= 0 {
		return fmt.Errorf("%w: baud rate %d", customerrors.ErrInvalidArgument, cfg.BaudRate)
	}

	if err := p.h.SetMode(&serial.Mode{BaudRate: cfg.BaudRate}); err != nil {
		return customerrors.IO("set mode", err)
	}

	p.mu.Lock()
	p.baud = cfg.BaudRate
	p.mu.Unlock()

	return nil
}

func (p *Port) BaudRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.baud
}

// SetLine drives a modem control line. A break is a fixed-length pulse, so
// releasing it is a no-op.
func (p *Port) SetLine(line capability.Line, asserted bool) error {
	var err error

	switch line {
	case capability.LineDTR:
		err = p.h.SetDTR(asserted)
	case capability.LineRTS:
		err = p.h.SetRTS(asserted)
	case capability.LineBreak:
		if asserted {
			err = p.h.Break(breakDuration)
		}
	default:
		return fmt.Errorf("%w: line %q", customerrors.ErrInvalidArgument, line)
	}

	return customerrors.IO("set "+string(line), err)
}

func (p *Port) Regions(context.Context) ([]capability.Region, error) {
	return []capability.Region{{Name: "da", Offset: p.load, Description: "download agent load address"}}, nil
}

func (p *Port) Port() capability.Port { return raw{p: p} }

// Suspend parks console reads until resume is called. It returns once no
// console read is in flight, so the bootrom sees every reply byte.
func (p *Port) Suspend(ctx context.Context) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("%w: %s closed", customerrors.ErrDeviceRemoved, p.name)
	}

	p.paused = true

	for p.reading {
		p.cond.Wait()
	}

	if err := ctx.Err(); err != nil {
		p.paused = false
		p.cond.Broadcast()

		return nil, customerrors.FromContext(ctx, err)
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			_ = p.h.SetReadTimeout(readPoll)

			p.mu.Lock()
			p.paused = false
			p.cond.Broadcast()
			p.mu.Unlock()
		})
	}, nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	return p.h.Close()
}

// raw is the unmultiplexed view handed to flash protocols.
type raw struct{ p *Port }

func (raw) Transport() string                      { return capability.TransportSerial }
func (r raw) Read(b []byte) (int, error)           { return r.p.h.Read(b) }
func (r raw) Write(b []byte) (int, error)          { return r.p.h.Write(b) }
func (r raw) SetReadTimeout(d time.Duration) error { return r.p.h.SetReadTimeout(d) }
func (r raw) ResetInputBuffer() error              { return r.p.h.ResetInputBuffer() }

// USBTags lists usb identity tags for every usb serial adapter, keyed by
// device path.
func USBTags() (map[string]map[string]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	return TagsFromDetails(ports), nil
}

func TagsFromDetails(ports []*enumerator.PortDetails) map[string]map[string]string {
	out := make(map[string]map[string]string, len(ports))

	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}

		tags := map[string]string{
			"vendor_id":  strings.ToLower(p.VID),
			"product_id": strings.ToLower(p.PID),
		}

		if p.SerialNumber != "" {
			tags["serial"] = p.SerialNumber
		}

		if p.Product != "" {
			tags["product"] = p.Product
		}

		out[p.Name] = tags
	}

	return out
}
