package console_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/boardfarm/internal/capability"
	"github.com/bavix/boardfarm/internal/console"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/hardware/sim"
	"github.com/bavix/boardfarm/internal/registry"
)

func TestHubSharesMuxPerDevice(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	d, err := reg.Register(registry.Spec{Instance: newBoard()})
	require.NoError(t, err)

	hub := console.NewHub(ctx, 0)

	m1, err := hub.Get(d)
	require.NoError(t, err)

	m2, err := hub.Get(d)
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, 1, hub.Active())
}

func TestHubRemovalDisconnects(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := registry.New()
	d, err := reg.Register(registry.Spec{Instance: newBoard()})
	require.NoError(t, err)

	hub := console.NewHub(ctx, 0)
	m, err := hub.Get(d)
	require.NoError(t, err)

	s, err := m.Subscribe()
	require.NoError(t, err)

	reg.Deregister(d.ID)

	_, err = s.Next(ctx)
	require.ErrorIs(t, err, customerrors.ErrDisconnected)

	assert.Eventually(t, func() bool { return hub.Active() == 0 }, time.Second, 5*time.Millisecond)

	_, err = hub.Get(d)
	require.ErrorIs(t, err, customerrors.ErrDeviceRemoved)
}

func TestHubUnsupported(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	d, err := reg.Register(registry.Spec{Instance: &sim.Relay{}})
	require.NoError(t, err)

	_, err = console.NewHub(context.Background(), 0).Get(d)
	require.ErrorIs(t, err, customerrors.ErrUnsupported)
}

func TestHubRecreatesAfterFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := registry.New()
	d, err := reg.Register(registry.Spec{Instance: sim.NewBoard(capability.NewSet(capability.Console))})
	require.NoError(t, err)

	hub := console.NewHub(ctx, 0)
	m1, err := hub.Get(d)
	require.NoError(t, err)

	m1.Close(nil)

	m2, err := hub.Get(d)
	require.NoError(t, err)
	assert.NotSame(t, m1, m2)
}
