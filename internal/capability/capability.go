// Package capability defines the operation sets a device instance may
// implement and the membership checks dispatch performs before calling them.
package capability

import (
	"context"
	"fmt"
	"io"
	"strings"

	customerrors "github.com/bavix/boardfarm/internal/errors"
)

type Capability uint8

const (
	Console Capability = 1 << iota
	Power
	Gpio
	Flash
)

var allCapabilities = [...]Capability{Console, Power, Gpio, Flash} //nolint:gochecknoglobals // fixed ordering

func (c Capability) String() string {
	switch c {
	case Console:
		return "console"
	case Power:
		return "power"
	case Gpio:
		return "gpio"
	case Flash:
		return "flash"
	default:
		return fmt.Sprintf("capability(%d)", uint8(c))
	}
}

// Parse accepts the lowercase names produced by String. "volume" is an
// alias for flash.
func Parse(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "console":
		return Console, nil
	case "power":
		return Power, nil
	case "gpio":
		return Gpio, nil
	case "flash", "volume":
		return Flash, nil
	default:
		return 0, fmt.Errorf("%w: unknown capability %q", customerrors.ErrInvalidArgument, s)
	}
}

// Set is a bitmask of capabilities.
type Set uint8

func NewSet(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s |= Set(c)
	}

	return s
}

func (s Set) Has(c Capability) bool { return s&Set(c) != 0 }

func (s Set) Intersect(o Set) Set { return s & o }

func (s Set) Empty() bool { return s == 0 }

func (s Set) List() []Capability {
	out := make([]Capability, 0, len(allCapabilities))
	for _, c := range allCapabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}

	return out
}

func (s Set) Strings() []string {
	list := s.List()
	out := make([]string, len(list))

	for i, c := range list {
		out[i] = c.String()
	}

	return out
}

func (s Set) String() string { return strings.Join(s.Strings(), ",") }

// ParseSet parses a list of names; an empty list yields an empty set.
func ParseSet(names []string) (Set, error) {
	var s Set

	for _, n := range names {
		c, err := Parse(n)
		if err != nil {
			return 0, err
		}

		s |= Set(c)
	}

	return s, nil
}

// Instance is a live device object owning its hardware handle. The registry
// is the sole long-term owner and calls Close on deregistration.
type Instance interface {
	Capabilities() Set
	Close() error
}

// Line is a console control line.
type Line string

const (
	LineDTR   Line = "dtr"
	LineRTS   Line = "rts"
	LineBreak Line = "break"
)

func ParseLine(s string) (Line, error) {
	switch l := Line(strings.ToLower(strings.TrimSpace(s))); l {
	case LineDTR, LineRTS, LineBreak:
		return l, nil
	default:
		return "", fmt.Errorf("%w: unknown console line %q", customerrors.ErrInvalidArgument, s)
	}
}

type ConsoleConfig struct {
	BaudRate int `json:"baud_rate" yaml:"baud_rate"`
}

// ConsoleDevice is a byte stream with line control. Read blocks until data is
// available or the device is closed.
type ConsoleDevice interface {
	io.Reader
	io.Writer
	Configure(cfg ConsoleConfig) error
	SetLine(line Line, asserted bool) error
}

type PowerDevice interface {
	SetPower(ctx context.Context, on bool) error
	PowerState(ctx context.Context) (bool, error)
}

type GpioDevice interface {
	Lines() []string
	SetLevel(ctx context.Context, line string, high bool) error
	Level(ctx context.Context, line string) (bool, error)
}

// Region is a writable storage area exposed by a flashable device.
type Region struct {
	Name        string `json:"name"`
	Offset      uint64 `json:"offset"`
	Size        uint64 `json:"size,omitempty"`
	Description string `json:"description,omitempty"`
}

// FlashableDevice exposes the raw transport a protocol backend drives.
type FlashableDevice interface {
	Regions(ctx context.Context) ([]Region, error)
	Port() Port
}

// Exclusive is implemented by devices whose flash port shares a handle with
// their console. Suspend parks the console reader until resume is called.
type Exclusive interface {
	Suspend(ctx context.Context) (resume func(), err error)
}

// As checks set membership before asserting the concrete interface, so a
// device never answers for a capability it does not declare.
func As[T any](inst Instance, c Capability) (T, bool) {
	var zero T

	if inst == nil || !inst.Capabilities().Has(c) {
		return zero, false
	}

	v, ok := inst.(T)

	return v, ok
}

// FindRegion returns the named region, or the first one when name is empty.
func FindRegion(regions []Region, name string) (Region, error) {
	if name == "" && len(regions) > 0 {
		return regions[0], nil
	}

	for _, r := range regions {
		if r.Name == name {
			return r, nil
		}
	}

	return Region{}, fmt.Errorf("%w: %q", customerrors.ErrRegionNotFound, name)
}
