package dispatch

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/registry"
)

func (d *Dispatcher) SetPower(ctx context.Context, id registry.ID, on bool) error {
	_, dev, err := resolve[capability.PowerDevice](d.reg, id, capability.Power)
	if err != nil {
		return err
	}

	err = d.leased(ctx, id, HolderPower, func(ctx context.Context) error {
		return dev.SetPower(ctx, on)
	})
	if err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Stringer("device", id).Bool("on", on).Msg("power switched")

	return nil
}

// PowerState reads without the lease; it does not touch hardware state.
func (d *Dispatcher) PowerState(ctx context.Context, id registry.ID) (bool, error) {
	_, dev, err := resolve[capability.PowerDevice](d.reg, id, capability.Power)
	if err != nil {
		return false, err
	}

	return dev.PowerState(ctx)
}

func (d *Dispatcher) GpioLines(id registry.ID) ([]string, error) {
	_, dev, err := resolve[capability.GpioDevice](d.reg, id, capability.Gpio)
	if err != nil {
		return nil, err
	}

	return dev.Lines(), nil
}

func (d *Dispatcher) SetGpio(ctx context.Context, id registry.ID, line string, high bool) error {
	_, dev, err := resolve[capability.GpioDevice](d.reg, id, capability.Gpio)
	if err != nil {
		return err
	}

	if !slices.Contains(dev.Lines(), line) {
		return fmt.Errorf("%w: unknown gpio line %q", customerrors.ErrInvalidArgument, line)
	}

	err = d.leased(ctx, id, HolderGpio, func(ctx context.Context) error {
		return dev.SetLevel(ctx, line, high)
	})
	if err != nil {
		return err
	}

	zerolog.Ctx(ctx).Debug().Stringer("device", id).Str("line", line).Bool("high", high).Msg("gpio set")

	return nil
}

func (d *Dispatcher) GpioLevel(ctx context.Context, id registry.ID, line string) (bool, error) {
	_, dev, err := resolve[capability.GpioDevice](d.reg, id, capability.Gpio)
	if err != nil {
		return false, err
	}

	if !slices.Contains(dev.Lines(), line) {
		return false, fmt.Errorf("%w: unknown gpio line %q", customerrors.ErrInvalidArgument, line)
	}

	return dev.Level(ctx, line)
}
