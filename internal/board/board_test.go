package board_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/boardfarm/internal/board"
	"github.com/bavix/boardfarm/internal/capability"
	"github.com/bavix/boardfarm/internal/config"
	"github.com/bavix/boardfarm/internal/console"
	"github.com/bavix/boardfarm/internal/dispatch"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/flash"
	"github.com/bavix/boardfarm/internal/hardware/sim"
	"github.com/bavix/boardfarm/internal/registry"
)

func rock5(stabilise time.Duration) config.BoardConfig {
	return config.BoardConfig{
		Name:  "rock5",
		Match: map[string]string{"board": "rock5"},
		Modes: []config.ModeConfig{
			{
				Name: "halt",
				Sequence: []config.StepConfig{
					{Match: map[string]string{"role": "power"}, Action: config.ActionPowerOff},
					{Match: map[string]string{"role": "dut"}, Action: config.ActionGpioLow, Line: "recovery"},
				},
			},
			{
				Name:    "maskrom",
				Depends: "halt",
				Sequence: []config.StepConfig{
					{Match: map[string]string{"role": "dut"}, Action: config.ActionGpioHigh, Line: "recovery"},
					{Match: map[string]string{"role": "dut"}, Action: config.ActionLineAssert, Line: "dtr"},
					{Match: map[string]string{"role": "power"}, Action: config.ActionPowerOn, Stabilisation: stabilise},
				},
			},
		},
	}
}

type lab struct {
	reg   *registry.Registry
	dut   *sim.Board
	relay *sim.Relay
	m     *board.Manager
}

func newLab(t *testing.T, withRelay bool, boards ...config.BoardConfig) *lab {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New()

	t.Cleanup(func() {
		cancel()
		reg.Close()
	})

	l := &lab{
		reg:   reg,
		dut:   sim.NewBoard(capability.NewSet(capability.Console, capability.Gpio), "recovery"),
		relay: &sim.Relay{},
	}

	_, err := reg.Register(registry.Spec{Name: "dut", Instance: l.dut, Tags: registry.Tags{"board": "rock5", "role": "dut"}})
	require.NoError(t, err)

	if withRelay {
		_, err = reg.Register(registry.Spec{Name: "relay", Instance: l.relay, Tags: registry.Tags{"board": "rock5", "role": "power"}})
		require.NoError(t, err)
	}

	d := dispatch.New(reg, console.NewHub(ctx, 0), flash.NewEngine(reg, flash.Options{}), nil)
	l.m = board.NewManager(d, boards)

	return l
}

func TestSetModeFollowsDependencies(t *testing.T) {
	t.Parallel()

	l := newLab(t, true, rock5(5*time.Millisecond))
	ctx := context.Background()

	_, err := l.m.SetMode(ctx, "rock5", "maskrom")
	require.ErrorIs(t, err, customerrors.ErrWrongMode)
	assert.Equal(t, customerrors.KindBusy, customerrors.Kind(err))

	v, err := l.m.SetMode(ctx, "rock5", "halt")
	require.NoError(t, err)
	assert.Equal(t, "halt", v.Current)
	assert.False(t, v.Changing)

	v, err = l.m.SetMode(ctx, "rock5", "maskrom")
	require.NoError(t, err)
	assert.Equal(t, "maskrom", v.Current)

	on, err := l.relay.PowerState(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	high, err := l.dut.Level(ctx, "recovery")
	require.NoError(t, err)
	assert.True(t, high)
	assert.True(t, l.dut.LineState(capability.LineDTR))
}

func TestUnknownBoardAndMode(t *testing.T) {
	t.Parallel()

	l := newLab(t, true, rock5(0))

	_, err := l.m.SetMode(context.Background(), "rpi4", "halt")
	require.ErrorIs(t, err, customerrors.ErrBoardNotFound)

	_, err = l.m.SetMode(context.Background(), "rock5", "fastboot")
	require.ErrorIs(t, err, customerrors.ErrModeNotFound)

	_, err = l.m.Get("rpi4")
	require.ErrorIs(t, err, customerrors.ErrBoardNotFound)
}

func TestAvailabilityFollowsRegistry(t *testing.T) {
	t.Parallel()

	l := newLab(t, false, rock5(0))

	v, err := l.m.Get("rock5")
	require.NoError(t, err)
	require.Len(t, v.Modes, 2)
	assert.False(t, v.Modes[0].Available)
	assert.Nil(t, v.Modes[0].Steps[0].Device)
	require.NotNil(t, v.Modes[0].Steps[1].Device)
	assert.Len(t, v.Devices, 1)

	_, err = l.m.SetMode(context.Background(), "rock5", "halt")
	require.ErrorIs(t, err, customerrors.ErrStepTargetUnavailable)

	v, err = l.m.Get("rock5")
	require.NoError(t, err)
	assert.Empty(t, v.Current, "a failed sequence leaves the mode unknown")

	_, err = l.reg.Register(registry.Spec{Instance: l.relay, Tags: registry.Tags{"board": "rock5", "role": "power"}})
	require.NoError(t, err)

	v, err = l.m.Get("rock5")
	require.NoError(t, err)
	assert.True(t, v.Modes[0].Available)
	assert.True(t, v.Modes[1].Available)
}

func TestOneChangeAtATime(t *testing.T) {
	t.Parallel()

	l := newLab(t, true, rock5(time.Minute))
	_, err := l.m.SetMode(context.Background(), "rock5", "halt")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := l.m.SetMode(ctx, "rock5", "maskrom")
		done <- err
	}()

	assert.Eventually(t, func() bool {
		v, err := l.m.Get("rock5")

		return err == nil && v.Changing
	}, time.Second, 5*time.Millisecond)

	_, err = l.m.SetMode(context.Background(), "rock5", "halt")
	require.ErrorIs(t, err, customerrors.ErrBusy)

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, customerrors.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("stabilisation wait ignored cancellation")
	}

	v, err := l.m.Get("rock5")
	require.NoError(t, err)
	assert.False(t, v.Changing)
	assert.Empty(t, v.Current)
}

func TestStepHonoursDeviceLease(t *testing.T) {
	t.Parallel()

	l := newLab(t, true, rock5(0))

	relay := l.reg.List(registry.Filter{Tags: map[string]string{"role": "power"}})
	require.Len(t, relay, 1)

	lease, err := l.reg.Acquire(relay[0].ID, "flash")
	require.NoError(t, err)

	defer lease.Release()

	_, err = l.m.SetMode(context.Background(), "rock5", "halt")
	require.ErrorIs(t, err, customerrors.ErrBusy)
}

func TestReloadKeepsCurrentMode(t *testing.T) {
	t.Parallel()

	l := newLab(t, true, rock5(0))

	_, err := l.m.SetMode(context.Background(), "rock5", "halt")
	require.NoError(t, err)

	l.m.Reload([]config.BoardConfig{rock5(0), {Name: "rpi4"}})

	boards := l.m.List()
	require.Len(t, boards, 2)
	assert.Equal(t, "halt", boards[0].Current)
	assert.Equal(t, "rpi4", boards[1].Name)

	renamed := rock5(0)
	renamed.Modes[0].Name = "off-state"
	renamed.Modes[1].Depends = "off-state"
	l.m.Reload([]config.BoardConfig{renamed})

	v, err := l.m.Get("rock5")
	require.NoError(t, err)
	assert.Empty(t, v.Current, "vanished mode is forgotten")
}

func TestWatchPushesModeAndDeviceChanges(t *testing.T) {
	t.Parallel()

	l := newLab(t, true, rock5(0))

	views := make(chan board.View, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- l.m.Watch(ctx, "rock5", func(v board.View) error {
			views <- v

			return nil
		})
	}()

	next := func(match func(board.View) bool) board.View {
		t.Helper()

		timeout := time.After(2 * time.Second)

		for {
			select {
			case v := <-views:
				if match(v) {
					return v
				}
			case <-timeout:
				t.Fatal("no matching board view pushed")
			}
		}
	}

	first := next(func(board.View) bool { return true })
	assert.Empty(t, first.Current)
	assert.Len(t, first.Devices, 2)

	_, err := l.m.SetMode(context.Background(), "rock5", "halt")
	require.NoError(t, err)

	halted := next(func(v board.View) bool { return v.Current == "halt" })
	assert.False(t, halted.Changing)

	relay := l.reg.List(registry.Filter{Tags: map[string]string{"role": "power"}})
	require.Len(t, relay, 1)
	require.True(t, l.reg.Deregister(relay[0].ID))

	gone := next(func(v board.View) bool { return len(v.Devices) == 1 })
	assert.False(t, gone.Modes[0].Available)
	assert.Equal(t, "halt", gone.Current)

	cancel()
	require.ErrorIs(t, <-done, customerrors.ErrCancelled)
}

func TestWatchEndsWhenBoardIsRemoved(t *testing.T) {
	t.Parallel()

	l := newLab(t, true, rock5(0))

	_, err := l.m.Get("rock5")
	require.NoError(t, err)

	emitted := make(chan struct{}, 4)
	done := make(chan error, 1)

	go func() {
		done <- l.m.Watch(context.Background(), "rock5", func(board.View) error {
			emitted <- struct{}{}

			return nil
		})
	}()

	<-emitted
	l.m.Reload(nil)

	select {
	case err := <-done:
		require.ErrorIs(t, err, customerrors.ErrBoardNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("watch kept running after the board was removed")
	}
}

func TestGpioStepSkipsDevicesWithoutLine(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New()

	t.Cleanup(func() {
		cancel()
		reg.Close()
	})

	other := sim.NewBoard(capability.NewSet(capability.Gpio), "reset")
	dut := sim.NewBoard(capability.NewSet(capability.Gpio), "recovery")

	_, err := reg.Register(registry.Spec{Name: "other", Instance: other, Tags: registry.Tags{"board": "rock5", "role": "dut"}})
	require.NoError(t, err)

	want, err := reg.Register(registry.Spec{Name: "dut", Instance: dut, Tags: registry.Tags{"board": "rock5", "role": "dut"}})
	require.NoError(t, err)

	cfg := config.BoardConfig{
		Name:  "rock5",
		Match: map[string]string{"board": "rock5"},
		Modes: []config.ModeConfig{{
			Name:     "recovery",
			Sequence: []config.StepConfig{{Match: map[string]string{"role": "dut"}, Action: config.ActionGpioHigh, Line: "recovery"}},
		}},
	}

	d := dispatch.New(reg, console.NewHub(ctx, 0), flash.NewEngine(reg, flash.Options{}), nil)
	m := board.NewManager(d, []config.BoardConfig{cfg})

	v, err := m.Get("rock5")
	require.NoError(t, err)
	require.True(t, v.Modes[0].Available)
	require.NotNil(t, v.Modes[0].Steps[0].Device)
	assert.Equal(t, want.ID, *v.Modes[0].Steps[0].Device)

	_, err = m.SetMode(ctx, "rock5", "recovery")
	require.NoError(t, err)

	high, err := dut.Level(ctx, "recovery")
	require.NoError(t, err)
	assert.True(t, high)
}
