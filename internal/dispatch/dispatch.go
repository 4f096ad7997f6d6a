// Package dispatch is the single call-in boundary for client operations. It
// resolves a device, checks the capability, takes the device lease where the
// operation mutates hardware, and maps the outcome onto the error taxonomy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bavix/boardfarm/internal/capability"
	"github.com/bavix/boardfarm/internal/console"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/flash"
	"github.com/bavix/boardfarm/internal/hotplug"
	"github.com/bavix/boardfarm/internal/registry"
)

// Lease holder names.
const (
	HolderConsoleWrite = "console-write"
	HolderConsoleInput = "console-input"
	HolderConsoleLine  = "console-line"
	HolderConsoleSetup = "console-config"
	HolderPower        = "power"
	HolderGpio         = "gpio"
)

// Rescanner re-enumerates hardware on demand.
type Rescanner interface {
	Rescan(ctx context.Context) (hotplug.RescanResult, error)
}

// DeviceView is the client-facing shape of a registry record.
type DeviceView struct {
	ID           registry.ID   `json:"id"`
	Name         string        `json:"name"`
	Tags         registry.Tags `json:"tags"`
	Capabilities []string      `json:"capabilities"`
	Source       string        `json:"source"`
	Added        time.Time     `json:"added"`
	Updated      time.Time     `json:"updated"`
	Holder       string        `json:"holder,omitempty"`
}

type Dispatcher struct {
	reg      *registry.Registry
	consoles *console.Hub
	engine   *flash.Engine
	rescan   Rescanner
}

func New(reg *registry.Registry, consoles *console.Hub, engine *flash.Engine, rescan Rescanner) *Dispatcher {
	return &Dispatcher{reg: reg, consoles: consoles, engine: engine, rescan: rescan}
}

func (d *Dispatcher) Registry() *registry.Registry { return d.reg }

func (d *Dispatcher) view(dev *registry.Device) DeviceView {
	holder, _ := d.reg.HolderOf(dev.ID)

	return DeviceView{
		ID:           dev.ID,
		Name:         dev.Name,
		Tags:         dev.Tags.Clone(),
		Capabilities: dev.Capabilities.Strings(),
		Source:       dev.Source,
		Added:        dev.Added,
		Updated:      dev.Updated,
		Holder:       holder,
	}
}

// View converts a record for clients that already hold one, such as
// registry watchers.
func (d *Dispatcher) View(dev *registry.Device) DeviceView { return d.view(dev) }

func (d *Dispatcher) ListDevices(f registry.Filter) []DeviceView {
	devs := d.reg.List(f)

	out := make([]DeviceView, 0, len(devs))
	for _, dev := range devs {
		out = append(out, d.view(dev))
	}

	return out
}

func (d *Dispatcher) GetDevice(id registry.ID) (DeviceView, error) {
	dev, err := d.reg.Get(id)
	if err != nil {
		return DeviceView{}, err
	}

	return d.view(dev), nil
}

func (d *Dispatcher) Capabilities(id registry.ID) ([]string, error) {
	dev, err := d.reg.Get(id)
	if err != nil {
		return nil, err
	}

	return dev.Capabilities.Strings(), nil
}

// resolve returns the record and its capability interface, or Unsupported.
func resolve[T any](reg *registry.Registry, id registry.ID, c capability.Capability) (*registry.Device, T, error) {
	var zero T

	dev, err := reg.Get(id)
	if err != nil {
		return nil, zero, err
	}

	v, ok := capability.As[T](dev.Instance, c)
	if !ok || !dev.Has(c) {
		return nil, zero, customerrors.ErrUnsupportedCapability(uint64(id), c.String())
	}

	return dev, v, nil
}

// leased runs fn while holding the device lease. The context passed to fn
// ends when the lease is revoked, so a removal surfaces as ErrDeviceRemoved.
func (d *Dispatcher) leased(ctx context.Context, id registry.ID, holder string, fn func(ctx context.Context) error) error {
	lease, err := d.reg.Acquire(id, holder)
	if err != nil {
		return err
	}
	defer lease.Release()

	lctx, stop := lease.Context(ctx)
	defer stop()

	err = fn(lctx)

	if err != nil && errors.Is(lease.Err(), customerrors.ErrDeviceRemoved) && !errors.Is(err, customerrors.ErrDeviceRemoved) {
		return fmt.Errorf("%w: %w", customerrors.ErrDeviceRemoved, err)
	}

	if err != nil && lctx.Err() != nil {
		return customerrors.FromContext(lctx, err)
	}

	return err
}

// Regions lists the storage regions of a flashable device.
func (d *Dispatcher) Regions(ctx context.Context, id registry.ID) ([]capability.Region, error) {
	_, dev, err := resolve[capability.FlashableDevice](d.reg, id, capability.Flash)
	if err != nil {
		return nil, err
	}

	regions, err := dev.Regions(ctx)
	if err != nil {
		return nil, customerrors.IO("regions", err)
	}

	return regions, nil
}

// Protocols lists the flashing backends available to StartFlash.
func (d *Dispatcher) Protocols() []string { return d.engine.Protocols() }

// StartFlash begins a session; the engine takes the lease and fails fast
// with ErrBusy.
func (d *Dispatcher) StartFlash(ctx context.Context, id registry.ID, req flash.Request) (*flash.Session, error) {
	s, err := d.engine.Start(ctx, id, req)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Stringer("device", id).
		Str("session", s.ID().String()).
		Str("protocol", req.Protocol).
		Str("region", req.Region).
		Msg("flash session started")

	return s, nil
}

func (d *Dispatcher) FlashSession(id uuid.UUID) (*flash.Session, error) {
	return d.engine.Get(id)
}

func (d *Dispatcher) CancelFlash(id uuid.UUID) (*flash.Session, error) {
	return d.engine.Cancel(id)
}

func (d *Dispatcher) ActiveFlashes() []flash.Status { return d.engine.Active() }

// Rescan re-enumerates every hot-plug source. Concurrent calls coalesce.
func (d *Dispatcher) Rescan(ctx context.Context) (hotplug.RescanResult, error) {
	if d.rescan == nil {
		return hotplug.RescanResult{}, fmt.Errorf("%w: rescan", customerrors.ErrUnsupported)
	}

	return d.rescan.Rescan(ctx)
}
