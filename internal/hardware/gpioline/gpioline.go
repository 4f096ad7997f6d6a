// Package gpioline drives gpio character-device lines: plain lines for the
// gpio capability and an optional relay line for the power capability.
package gpioline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

const consumer = "boardfarm"

// Line is the part of *gpiocdev.Line the device drives.
type Line interface {
	Value() (int, error)
	SetValue(value int) error
	Reconfigure(options ...gpiocdev.LineConfigOption) error
	Close() error
}

// Requester claims one line of a chip.
type Requester func(chip string, offset int, options ...gpiocdev.LineReqOption) (Line, error)

// Request claims lines through the kernel gpio character device.
func Request(chip string, offset int, options ...gpiocdev.LineReqOption) (Line, error) {
	return gpiocdev.RequestLine(chip, offset, options...)
}

type LineConfig struct {
	Name      string
	Chip      string
	Offset    int
	ActiveLow bool
}

type Options struct {
	Lines []LineConfig
	// PowerLine names the line switching the board supply.
	PowerLine string
}

type Device struct {
	power string

	mu      sync.Mutex
	lines   map[string]Line
	outputs map[string]bool
}

// Open claims every configured line as-is, so claiming never glitches an
// output. Lines become outputs on their first write.
func Open(opts Options, request Requester) (*Device, error) {
	if request == nil {
		request = Request
	}

	d := &Device{power: opts.PowerLine, lines: map[string]Line{}, outputs: map[string]bool{}}

	for _, lc := range opts.Lines {
		if _, dup := d.lines[lc.Name]; dup || lc.Name == "" {
			_ = d.Close()

			return nil, fmt.Errorf("%w: gpio line name %q", customerrors.ErrInvalidArgument, lc.Name)
		}

		reqOpts := []gpiocdev.LineReqOption{gpiocdev.AsIs, gpiocdev.WithConsumer(consumer)}
		if lc.ActiveLow {
			reqOpts = append(reqOpts, gpiocdev.AsActiveLow)
		}

		l, err := request(lc.Chip, lc.Offset, reqOpts...)
		if err != nil {
			_ = d.Close()

			return nil, customerrors.IO(fmt.Sprintf("request %s:%d", lc.Chip, lc.Offset), err)
		}

		d.lines[lc.Name] = l
	}

	if d.power != "" {
		if _, ok := d.lines[d.power]; !ok {
			_ = d.Close()

			return nil, fmt.Errorf("%w: power line %q is not configured", customerrors.ErrInvalidArgument, d.power)
		}
	}

	return d, nil
}

func (d *Device) Capabilities() capability.Set {
	var s capability.Set

	if len(d.lines) > 0 {
		s |= capability.NewSet(capability.Gpio)
	}

	if d.power != "" {
		s |= capability.NewSet(capability.Power)
	}

	return s
}

func (d *Device) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.lines))
	for n := range d.lines {
		names = append(names, n)
	}

	slices.Sort(names)

	return names
}

func (d *Device) SetLevel(_ context.Context, name string, high bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, err := d.line(name)
	if err != nil {
		return err
	}

	v := 0
	if high {
		v = 1
	}

	if !d.outputs[name] {
		if err := l.Reconfigure(gpiocdev.AsOutput(v)); err != nil {
			return customerrors.IO("set "+name+" as output", err)
		}

		d.outputs[name] = true

		return nil
	}

	return customerrors.IO("set "+name, l.SetValue(v))
}

func (d *Device) Level(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, err := d.line(name)
	if err != nil {
		return false, err
	}

	v, err := l.Value()
	if err != nil {
		return false, customerrors.IO("read "+name, err)
	}

	return v != 0, nil
}

func (d *Device) SetPower(ctx context.Context, on bool) error {
	return d.SetLevel(ctx, d.power, on)
}

func (d *Device) PowerState(ctx context.Context) (bool, error) {
	return d.Level(ctx, d.power)
}

func (d *Device) line(name string) (Line, error) {
	l, ok := d.lines[name]
	if !ok {
		return nil, fmt.Errorf("%w: gpio line %q", customerrors.ErrInvalidArgument, name)
	}

	return l, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error

	for name, l := range d.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", name, err))
		}
	}

	d.lines = map[string]Line{}

	return errors.Join(errs...)
}
