package console

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/registry"
)

// Hub keeps one multiplexer per console device and tears it down when the
// device leaves the registry.
type Hub struct {
	ctx     context.Context //nolint:containedctx // lifetime of the pumps
	backlog int

	mu    sync.Mutex
	muxes map[registry.ID]*Mux
}

func NewHub(ctx context.Context, backlog int) *Hub {
	return &Hub{ctx: ctx, backlog: backlog, muxes: make(map[registry.ID]*Mux)}
}

// Get returns the running multiplexer for d, creating it on first use.
func (h *Hub) Get(d *registry.Device) (*Mux, error) {
	dev, ok := capability.As[capability.ConsoleDevice](d.Instance, capability.Console)
	if !ok || !d.Has(capability.Console) {
		return nil, customerrors.ErrUnsupportedCapability(uint64(d.ID), capability.Console.String())
	}

	if d.IsRemoved() {
		return nil, fmt.Errorf("%w: %w", customerrors.ErrDisconnected, customerrors.ErrDeviceRemoved)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if m, ok := h.muxes[d.ID]; ok && !m.Closed() {
		return m, nil
	}

	m := NewMux(dev, h.backlog)
	h.muxes[d.ID] = m

	log := zerolog.Ctx(h.ctx).With().Stringer("device", d.ID).Logger()
	m.Start(log.WithContext(h.ctx))

	go h.watch(d, m)

	return m, nil
}

func (h *Hub) watch(d *registry.Device, m *Mux) {
	select {
	case <-d.Removed():
		m.Close(fmt.Errorf("%w: %w", customerrors.ErrDisconnected, customerrors.ErrDeviceRemoved))
	case <-m.Done():
	case <-h.ctx.Done():
		m.Close(customerrors.ErrDisconnected)
	}

	h.mu.Lock()
	if h.muxes[d.ID] == m {
		delete(h.muxes, d.ID)
	}
	h.mu.Unlock()
}

// Active reports the number of live multiplexers.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.muxes)
}
