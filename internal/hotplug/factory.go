package hotplug

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

// Builder opens the hardware behind an event.
type Builder func(ctx context.Context, ev Event, tmpl Template) (capability.Instance, error)

type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewFactory() *Factory {
	return &Factory{builders: map[string]Builder{}}
}

func (f *Factory) Register(kind string, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.builders[kind] = b
}

func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]string, 0, len(f.builders))
	for k := range f.builders {
		kinds = append(kinds, k)
	}

	slices.Sort(kinds)

	return kinds
}

func (f *Factory) Build(ctx context.Context, ev Event, tmpl Template) (capability.Instance, error) {
	f.mu.RLock()
	b, ok := f.builders[tmpl.Kind]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", customerrors.ErrUnknownDeviceKind, tmpl.Kind)
	}

	return b(ctx, ev, tmpl)
}
