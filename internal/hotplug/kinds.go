package hotplug

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/hardware/blockdev"
	"github.com/bavix/boardfarm/internal/hardware/gpioline"
	"github.com/bavix/boardfarm/internal/hardware/pdu"
	"github.com/bavix/boardfarm/internal/hardware/serialport"
	"github.com/bavix/boardfarm/internal/hardware/sim"
	"github.com/bavix/boardfarm/internal/hardware/usbfs"
)

const (
	KindSerial   = "serial"
	KindUSB      = "usb"
	KindBlock    = "block"
	KindGpio     = "gpio"
	KindPDU      = "pdu"
	KindSim      = "sim"
	KindSimBlock = "sim-block"
)

// DefaultFactory knows every built-in device kind.
func DefaultFactory() *Factory {
	f := NewFactory()
	f.Register(KindSerial, buildSerial)
	f.Register(KindUSB, buildUSB)
	f.Register(KindBlock, buildBlock)
	f.Register(KindGpio, buildGpio)
	f.Register(KindPDU, buildPDU)
	f.Register(KindSim, buildSim)
	f.Register(KindSimBlock, buildSimBlock)

	return f
}

func devnode(ev Event, tmpl Template) (string, error) {
	if ev.Devnode != "" {
		return ev.Devnode, nil
	}

	if p := tmpl.Options["path"]; p != "" {
		return p, nil
	}

	return "", fmt.Errorf("%w: %s device without a path", customerrors.ErrInvalidArgument, tmpl.Kind)
}

func buildSerial(_ context.Context, ev Event, tmpl Template) (capability.Instance, error) {
	path, err := devnode(ev, tmpl)
	if err != nil {
		return nil, err
	}

	baud, err := intOption(tmpl.Options, "baud_rate", serialport.DefaultBaudRate)
	if err != nil {
		return nil, err
	}

	load, err := uintOption(tmpl.Options, "load_address", 0)
	if err != nil {
		return nil, err
	}

	p, err := serialport.Open(path, serialport.Options{
		BaudRate:    baud,
		Flash:       tmpl.Options["flash"] == "brom",
		LoadAddress: load,
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

func buildUSB(_ context.Context, ev Event, tmpl Template) (capability.Instance, error) {
	path, err := devnode(ev, tmpl)
	if err != nil {
		return nil, err
	}

	regions, err := ParseRegions(tmpl.Options["regions"])
	if err != nil {
		return nil, err
	}

	h, err := usbfs.Open(path)
	if err != nil {
		return nil, err
	}

	return usbfs.NewDevice(h, regions), nil
}

func buildBlock(_ context.Context, ev Event, tmpl Template) (capability.Instance, error) {
	path, err := devnode(ev, tmpl)
	if err != nil {
		return nil, err
	}

	d, err := blockdev.Open(path)
	if err != nil {
		return nil, err
	}

	return d, nil
}

func buildGpio(_ context.Context, _ Event, tmpl Template) (capability.Instance, error) {
	lines, err := ParseGpioLines(tmpl.Options["lines"])
	if err != nil {
		return nil, err
	}

	d, err := gpioline.Open(gpioline.Options{Lines: lines, PowerLine: tmpl.Options["power_line"]}, nil)
	if err != nil {
		return nil, err
	}

	return d, nil
}

func buildPDU(_ context.Context, _ Event, tmpl Template) (capability.Instance, error) {
	port, err := intOption(tmpl.Options, "port", 0)
	if err != nil {
		return nil, err
	}

	o, err := pdu.New(pdu.Options{URL: tmpl.Options["url"], Hostname: tmpl.Options["hostname"], Port: port})
	if err != nil {
		return nil, err
	}

	return o, nil
}

func buildSim(_ context.Context, _ Event, tmpl Template) (capability.Instance, error) {
	caps := capability.NewSet(capability.Console, capability.Power, capability.Gpio)

	if len(tmpl.Capabilities) > 0 {
		var err error
		if caps, err = capability.ParseSet(tmpl.Capabilities); err != nil {
			return nil, err
		}
	}

	var lines []string
	if s := tmpl.Options["lines"]; s != "" {
		lines = strings.Split(s, ",")
	}

	return sim.NewBoard(caps, lines...), nil
}

func buildSimBlock(_ context.Context, _ Event, tmpl Template) (capability.Instance, error) {
	size, err := intOption(tmpl.Options, "size", 1<<20)
	if err != nil {
		return nil, err
	}

	return sim.NewBlock(size), nil
}

// ParseRegions reads "name:offset[:size],..." with numbers in any base
// strconv accepts.
func ParseRegions(s string) ([]capability.Region, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var out []capability.Region

	for _, item := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("%w: region %q", customerrors.ErrInvalidArgument, item)
		}

		r := capability.Region{Name: parts[0]}

		var err error
		if r.Offset, err = strconv.ParseUint(parts[1], 0, 64); err != nil {
			return nil, fmt.Errorf("%w: region %q offset: %w", customerrors.ErrInvalidArgument, item, err)
		}

		if len(parts) == 3 {
			if r.Size, err = strconv.ParseUint(parts[2], 0, 64); err != nil {
				return nil, fmt.Errorf("%w: region %q size: %w", customerrors.ErrInvalidArgument, item, err)
			}
		}

		out = append(out, r)
	}

	return out, nil
}

// ParseGpioLines reads "name=chip:offset[:active_low],...".
func ParseGpioLines(s string) ([]gpioline.LineConfig, error) {
	var out []gpioline.LineConfig

	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		name, spec, ok := strings.Cut(item, "=")
		parts := strings.Split(spec, ":")

		if !ok || name == "" || len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("%w: gpio line %q", customerrors.ErrInvalidArgument, item)
		}

		offset, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: gpio line %q: %w", customerrors.ErrInvalidArgument, item, err)
		}

		lc := gpioline.LineConfig{Name: name, Chip: parts[0], Offset: offset}

		if len(parts) == 3 {
			if parts[2] != "active_low" {
				return nil, fmt.Errorf("%w: gpio line %q flag %q", customerrors.ErrInvalidArgument, item, parts[2])
			}

			lc.ActiveLow = true
		}

		out = append(out, lc)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no gpio lines", customerrors.ErrInvalidArgument)
	}

	return out, nil
}

func intOption(opts map[string]string, key string, def int) (int, error) {
	s, ok := opts[key]
	if !ok || s == "" {
		return def, nil
	}

	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: option %s: %w", customerrors.ErrInvalidArgument, key, err)
	}

	return int(v), nil
}

func uintOption(opts map[string]string, key string, def uint64) (uint64, error) {
	s, ok := opts[key]
	if !ok || s == "" {
		return def, nil
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: option %s: %w", customerrors.ErrInvalidArgument, key, err)
	}

	return v, nil
}
