package hotplug_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/hotplug"
	"github.com/bavix/boardfarm/internal/registry"
)

type fakeSource struct {
	name string

	mu        sync.Mutex
	present   []hotplug.Event
	failEnum  bool
	enumCalls atomic.Int32
	enumGate  chan struct{}
	live      chan hotplug.Event
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, live: make(chan hotplug.Event)}
}

func (s *fakeSource) Name() string                   { return s.name }
func (s *fakeSource) Available(context.Context) bool { return true }

func (s *fakeSource) set(events ...hotplug.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.present = events
}

func (s *fakeSource) Enumerate(context.Context) ([]hotplug.Event, error) {
	s.enumCalls.Add(1)

	if s.enumGate != nil {
		<-s.enumGate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failEnum {
		return nil, customerrors.ErrSourceUnavailable
	}

	return append([]hotplug.Event(nil), s.present...), nil
}

func (s *fakeSource) Watch(ctx context.Context, emit func(hotplug.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.live:
			emit(ev)
		}
	}
}

func console(key string, tags map[string]string) hotplug.Event {
	return hotplug.Event{Action: hotplug.ActionAdd, Key: key, Devnode: "/dev/" + key, Tags: tags}
}

var templates = []hotplug.Template{
	{
		Name:         "rk3399",
		Match:        map[string]string{"vendor_id": "0403", "serial": "RK*"},
		Kind:         hotplug.KindSim,
		Tags:         map[string]string{"board": "rock-pi-4"},
		Capabilities: []string{"console"},
	},
	{Name: "any-ftdi", Match: map[string]string{"vendor_id": "0403"}, Kind: hotplug.KindSim},
	{Name: "broken", Match: map[string]string{"vendor_id": "dead"}, Kind: "unknown"},
}

func setup(sources ...hotplug.Source) (*registry.Registry, *hotplug.Manager) {
	reg := registry.New()

	return reg, hotplug.NewManager(reg, hotplug.NewMatcher(templates), hotplug.DefaultFactory(), sources...)
}

func TestRescanRegistersMatches(t *testing.T) {
	t.Parallel()

	src := newFakeSource("test")
	src.set(
		console("ttyUSB0", map[string]string{"vendor_id": "0403", "serial": "RK001"}),
		console("ttyUSB1", map[string]string{"vendor_id": "0403", "serial": "X"}),
		console("ttyUSB2", map[string]string{"vendor_id": "1a86"}),
		console("ttyUSB3", map[string]string{"vendor_id": "dead"}),
	)

	reg, m := setup(src)

	res, err := m.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Registered)

	devices := reg.List(registry.Filter{})
	require.Len(t, devices, 2)

	rk := devices[0]
	assert.Equal(t, "rk3399:ttyUSB0", rk.Name)
	assert.Equal(t, "rock-pi-4", rk.Tags["board"])
	assert.Equal(t, "rk3399", rk.Tags["template"])
	assert.Equal(t, "test", rk.Source)
	assert.Equal(t, capability.NewSet(capability.Console), rk.Capabilities, "template restricts capabilities")

	assert.Equal(t, "any-ftdi:ttyUSB1", devices[1].Name)
	assert.True(t, devices[1].Has(capability.Power))
}

func TestRescanRemovesVanishedAndReattachIsFresh(t *testing.T) {
	t.Parallel()

	src := newFakeSource("test")
	ev := console("ttyUSB0", map[string]string{"vendor_id": "0403"})
	src.set(ev)

	reg, m := setup(src)
	ctx := context.Background()

	_, err := m.Rescan(ctx)
	require.NoError(t, err)

	first, ok := m.Attached("ttyUSB0")
	require.True(t, ok)

	src.set()
	res, err := m.Rescan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Zero(t, reg.Len())

	_, err = reg.Get(first)
	require.ErrorIs(t, err, customerrors.ErrNotFound)

	src.set(ev)
	_, err = m.Rescan(ctx)
	require.NoError(t, err)

	second, ok := m.Attached("ttyUSB0")
	require.True(t, ok)
	assert.NotEqual(t, first, second)
}

func TestFailedEnumerationKeepsRecords(t *testing.T) {
	t.Parallel()

	src := newFakeSource("test")
	src.set(console("ttyUSB0", map[string]string{"vendor_id": "0403"}))

	reg, m := setup(src)

	_, err := m.Rescan(context.Background())
	require.NoError(t, err)

	src.mu.Lock()
	src.failEnum = true
	src.mu.Unlock()

	_, err = m.Rescan(context.Background())
	require.ErrorIs(t, err, customerrors.ErrSourceUnavailable)
	assert.Equal(t, 1, reg.Len())
}

func TestTagChangeUpdatesRecord(t *testing.T) {
	t.Parallel()

	src := newFakeSource("test")
	src.set(console("ttyUSB0", map[string]string{"vendor_id": "0403", "port": "1"}))

	reg, m := setup(src)
	ctx := context.Background()

	_, err := m.Rescan(ctx)
	require.NoError(t, err)

	id, _ := m.Attached("ttyUSB0")

	src.set(console("ttyUSB0", map[string]string{"vendor_id": "0403", "port": "2"}))
	res, err := m.Rescan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	d, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "2", d.Tags["port"])
}

func TestConcurrentRescansCoalesce(t *testing.T) {
	t.Parallel()

	src := newFakeSource("test")
	src.enumGate = make(chan struct{})
	src.set(console("ttyUSB0", map[string]string{"vendor_id": "0403"}))

	reg, m := setup(src)

	var wg sync.WaitGroup

	results := make([]hotplug.RescanResult, 4)

	for i := range results {
		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i], _ = m.Rescan(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return src.enumCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.enumGate)
	wg.Wait()

	assert.Equal(t, 1, reg.Len())

	for _, r := range results {
		if r.Registered != 1 {
			// A caller that arrived after the shared pass finished ran its own.
			assert.Zero(t, r.Registered)
		}
	}
}

func TestRescanKeepsDeviceAttachedDuringEnumeration(t *testing.T) {
	t.Parallel()

	src := newFakeSource("test")
	src.enumGate = make(chan struct{})

	reg, m := setup(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	// Let the initial enumeration through. Watch only starts once it is
	// done, so a delivered live event marks the end of the first pass.
	src.enumGate <- struct{}{}
	src.live <- console("ttyUSB8", map[string]string{"vendor_id": "1a86"})

	rescanned := make(chan hotplug.RescanResult, 1)

	go func() {
		res, _ := m.Rescan(context.Background())
		rescanned <- res
	}()

	// The periodic pass has taken an empty snapshot and is still running.
	require.Eventually(t, func() bool { return src.enumCalls.Load() == 2 }, time.Second, time.Millisecond)

	src.live <- console("ttyUSB9", map[string]string{"vendor_id": "0403"})

	require.Eventually(t, func() bool {
		_, ok := m.Attached("ttyUSB9")

		return ok
	}, time.Second, time.Millisecond)

	id, _ := m.Attached("ttyUSB9")

	src.enumGate <- struct{}{}

	res := <-rescanned
	assert.Zero(t, res.Removed)

	got, ok := m.Attached("ttyUSB9")
	require.True(t, ok)
	assert.Equal(t, id, got)
	assert.Equal(t, 1, reg.Len())

	cancel()
	require.NoError(t, <-done)
}

func TestRunFollowsLiveEvents(t *testing.T) {
	t.Parallel()

	src := newFakeSource("test")
	static := hotplug.NewStaticSource([]hotplug.StaticDevice{{
		Name:     "relay-1",
		Template: hotplug.Template{Kind: hotplug.KindSim, Capabilities: []string{"power"}},
		Tags:     map[string]string{"rack": "a"},
	}})

	reg, m := setup(src, static)

	sub := reg.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	next := func() registry.Event {
		t.Helper()

		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()

		ev, err := sub.Next(wctx)
		require.NoError(t, err)

		return ev
	}

	relay := next()
	assert.Equal(t, registry.EventAdded, relay.Kind)
	assert.Equal(t, "relay-1", relay.Device.Name)
	assert.Equal(t, "a", relay.Device.Tags["rack"])
	assert.Equal(t, hotplug.SourceStatic, relay.Device.Source)

	src.live <- console("ttyACM0", map[string]string{"vendor_id": "0403"})

	added := next()
	assert.Equal(t, registry.EventAdded, added.Kind)

	src.live <- hotplug.Event{Action: hotplug.ActionRemove, Key: "ttyACM0"}

	removed := next()
	assert.Equal(t, registry.EventRemoved, removed.Kind)
	assert.Equal(t, added.Device.ID, removed.Device.ID)

	// Malformed and foreign events are skipped without stopping the loop.
	src.live <- hotplug.Event{Action: hotplug.ActionAdd}
	src.live <- hotplug.Event{Action: hotplug.ActionRemove, Key: "static:relay-1"}
	src.live <- console("ttyACM1", map[string]string{"vendor_id": "0403"})

	assert.Equal(t, "any-ftdi:ttyACM1", next().Device.Name)
	assert.Equal(t, 2, reg.Len())

	cancel()
	require.NoError(t, <-done)
}

func TestFactoryUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := hotplug.DefaultFactory().Build(context.Background(), hotplug.Event{}, hotplug.Template{Kind: "warp-drive"})
	require.ErrorIs(t, err, customerrors.ErrUnknownDeviceKind)
	assert.Contains(t, hotplug.DefaultFactory().Kinds(), hotplug.KindSerial)
}

func TestMatcherSwap(t *testing.T) {
	t.Parallel()

	m := hotplug.NewMatcher(templates)

	tmpl, err := m.Match(map[string]string{"vendor_id": "0403", "serial": "RK9"})
	require.NoError(t, err)
	assert.Equal(t, "rk3399", tmpl.Name)

	m.Swap(nil)

	_, err = m.Match(map[string]string{"vendor_id": "0403"})
	require.True(t, errors.Is(err, customerrors.ErrTemplateNotFound))
	assert.Empty(t, m.Templates())
}

func TestParseOptions(t *testing.T) {
	t.Parallel()

	regions, err := hotplug.ParseRegions("loader:0, uboot:0x4000:0x400000")
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.Equal(t, uint64(0x4000), regions[1].Offset)
	assert.Equal(t, uint64(0x400000), regions[1].Size)

	_, err = hotplug.ParseRegions("broken")
	require.ErrorIs(t, err, customerrors.ErrInvalidArgument)

	lines, err := hotplug.ParseGpioLines("reset=gpiochip0:17, relay=gpiochip1:3:active_low")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "gpiochip1", lines[1].Chip)
	assert.True(t, lines[1].ActiveLow)

	_, err = hotplug.ParseGpioLines("reset=gpiochip0")
	require.ErrorIs(t, err, customerrors.ErrInvalidArgument)
}
